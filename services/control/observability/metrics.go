// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the control service.
//
// Metrics are exposed on /metrics and cover the engine session, the safety
// gate, and every automation component. All operations are thread-safe via
// Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "showrunner"
	controlSubsystem = "control"
)

// Metrics holds all Prometheus metrics for the control service. Initialize
// once at startup via InitMetrics.
type Metrics struct {
	// EngineConnected is 1 while the engine session is identified.
	EngineConnected prometheus.Gauge

	// ReconnectsTotal counts reconnect attempts scheduled by the session.
	ReconnectsTotal prometheus.Counter

	// EngineCallsTotal counts outbound engine calls.
	// Labels: request_type, status (ok, error)
	EngineCallsTotal *prometheus.CounterVec

	// SafetyBlocksTotal counts guard denials.
	// Labels: reason (kill_switch, rate_limited)
	SafetyBlocksTotal *prometheus.CounterVec

	// ChaosRunsTotal counts preset runs.
	// Labels: preset, status (ok, error, rejected)
	ChaosRunsTotal *prometheus.CounterVec

	// SceneSwitchesTotal counts auto-director scene switches.
	// Labels: rule
	SceneSwitchesTotal *prometheus.CounterVec

	// ReplayCapturesTotal counts replay captures.
	// Labels: status (ok, error)
	ReplayCapturesTotal *prometheus.CounterVec

	// VendorCallsTotal counts plugin bridge calls.
	// Labels: vendor, status (ok, denied, error)
	VendorCallsTotal *prometheus.CounterVec

	// BroadcastClients tracks connected status-stream websocket clients.
	BroadcastClients prometheus.Gauge
}

// Default is the singleton instance, set by InitMetrics.
var Default *Metrics

// InitMetrics creates and registers all metrics. Call once at startup.
func InitMetrics() *Metrics {
	m := &Metrics{
		EngineConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: controlSubsystem,
			Name:      "engine_connected",
			Help:      "1 while the engine session is identified, 0 otherwise.",
		}),
		ReconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: controlSubsystem,
			Name:      "engine_reconnects_total",
			Help:      "Reconnect attempts scheduled by the engine session.",
		}),
		EngineCallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: controlSubsystem,
			Name:      "engine_calls_total",
			Help:      "Outbound engine calls by request type and status.",
		}, []string{"request_type", "status"}),
		SafetyBlocksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: controlSubsystem,
			Name:      "safety_blocks_total",
			Help:      "Actions denied by the safety gate.",
		}, []string{"reason"}),
		ChaosRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: controlSubsystem,
			Name:      "chaos_runs_total",
			Help:      "Chaos preset runs by preset and outcome.",
		}, []string{"preset", "status"}),
		SceneSwitchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: controlSubsystem,
			Name:      "scene_switches_total",
			Help:      "Auto-director scene switches by rule.",
		}, []string{"rule"}),
		ReplayCapturesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: controlSubsystem,
			Name:      "replay_captures_total",
			Help:      "Replay captures by outcome.",
		}, []string{"status"}),
		VendorCallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: controlSubsystem,
			Name:      "vendor_calls_total",
			Help:      "Plugin bridge vendor calls by vendor and outcome.",
		}, []string{"vendor", "status"}),
		BroadcastClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: controlSubsystem,
			Name:      "broadcast_clients",
			Help:      "Connected status-stream websocket clients.",
		}),
	}
	Default = m
	return m
}
