// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package overlay forwards test actions to the separate visuals sidecar over
// HTTP. The automation core never calls the sidecar; this bridge exists only
// so an operator can poke overlay effects from the same control surface.
package overlay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/calliope-media/showrunner/pkg/logging"
	"github.com/calliope-media/showrunner/services/control/datatypes"
)

// TestAction is one forwarded overlay action.
type TestAction struct {
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Bridge is the sidecar HTTP client. A zero BaseURL disables it.
type Bridge struct {
	baseURL string
	client  *http.Client
	log     *logging.Logger
}

// New creates the bridge. timeout bounds each forwarded request.
func New(baseURL string, timeout time.Duration, log *logging.Logger) *Bridge {
	return &Bridge{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log.With("component", "overlay"),
	}
}

// Enabled reports whether a sidecar is configured.
func (b *Bridge) Enabled() bool { return b.baseURL != "" }

// Forward sends one test action to the sidecar and returns its decoded
// response body.
func (b *Bridge) Forward(ctx context.Context, action TestAction) (map[string]any, error) {
	if !b.Enabled() {
		return nil, datatypes.NewBadRequest("no overlay sidecar configured")
	}
	if action.Action == "" {
		return nil, datatypes.NewBadRequest("action is required")
	}

	body, err := json.Marshal(action)
	if err != nil {
		return nil, datatypes.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/test", bytes.NewReader(body))
	if err != nil {
		return nil, datatypes.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, datatypes.NewUpstream("overlay sidecar unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, datatypes.NewUpstream("read overlay sidecar response", err)
	}
	if resp.StatusCode >= 300 {
		return nil, datatypes.NewUpstream(
			fmt.Sprintf("overlay sidecar returned %d", resp.StatusCode),
			fmt.Errorf("%s", strings.TrimSpace(string(raw))))
	}

	var decoded map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			b.log.Warn("non-JSON overlay sidecar response", "error", err)
			decoded = map[string]any{"raw": string(raw)}
		}
	}
	b.log.Info("overlay test action forwarded", "action", action.Action)
	return decoded, nil
}
