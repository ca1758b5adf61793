// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"context"

	"github.com/calliope-media/showrunner/services/control/obs"
)

// InstrumentedEngine counts every engine call. Components take the obs.Engine
// interface, so main wraps the session once and everything downstream is
// measured for free.
type InstrumentedEngine struct {
	inner   obs.Engine
	metrics *Metrics
}

var _ obs.Engine = (*InstrumentedEngine)(nil)

// Instrument wraps eng with call counting.
func Instrument(eng obs.Engine, m *Metrics) *InstrumentedEngine {
	return &InstrumentedEngine{inner: eng, metrics: m}
}

func (e *InstrumentedEngine) Call(ctx context.Context, requestType string, data map[string]any) (map[string]any, error) {
	resp, err := e.inner.Call(ctx, requestType, data)
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.EngineCallsTotal.WithLabelValues(requestType, status).Inc()
	return resp, err
}

func (e *InstrumentedEngine) CallBatch(ctx context.Context, requests []obs.BatchRequest, opts obs.BatchOptions) ([]obs.BatchResult, error) {
	results, err := e.inner.CallBatch(ctx, requests, opts)
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.EngineCallsTotal.WithLabelValues("RequestBatch", status).Inc()
	return results, err
}

func (e *InstrumentedEngine) OnEvent(eventType string, fn obs.EventHandler) func() {
	return e.inner.OnEvent(eventType, fn)
}
