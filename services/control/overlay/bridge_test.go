// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calliope-media/showrunner/pkg/logging"
	"github.com/calliope-media/showrunner/services/control/datatypes"
)

func TestForward(t *testing.T) {
	var got TestAction
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/test", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"queued": true}`))
	}))
	defer srv.Close()

	b := New(srv.URL, time.Second, logging.Discard())
	resp, err := b.Forward(context.Background(), TestAction{Action: "confetti", Payload: map[string]any{"count": 10}})
	require.NoError(t, err)
	assert.Equal(t, true, resp["queued"])
	assert.Equal(t, "confetti", got.Action)
}

func TestForwardSidecarError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := New(srv.URL, time.Second, logging.Discard())
	_, err := b.Forward(context.Background(), TestAction{Action: "confetti"})
	var typed *datatypes.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, datatypes.CodeUpstream, typed.Code)
}

func TestForwardUnconfigured(t *testing.T) {
	b := New("", time.Second, logging.Discard())
	assert.False(t, b.Enabled())

	_, err := b.Forward(context.Background(), TestAction{Action: "confetti"})
	var typed *datatypes.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, datatypes.CodeBadRequest, typed.Code)
}

func TestForwardMissingAction(t *testing.T) {
	b := New("http://localhost:9", time.Second, logging.Discard())
	_, err := b.Forward(context.Background(), TestAction{})
	var typed *datatypes.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, datatypes.CodeBadRequest, typed.Code)
}
