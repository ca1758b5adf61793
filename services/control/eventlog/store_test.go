// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calliope-media/showrunner/pkg/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, "scene.switch", "Camera", "director:mic-cam", map[string]any{"from": "Gameplay"}))
	require.NoError(t, s.Record(ctx, "chaos.run", "spin", "operator", nil))

	events, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Newest first.
	assert.Equal(t, "chaos.run", events[0].Kind)
	assert.Equal(t, "scene.switch", events[1].Kind)
	assert.Equal(t, "director:mic-cam", events[1].TriggeredBy)
	assert.Equal(t, "Gameplay", events[1].Detail["from"])
}

func TestRecentLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Record(ctx, "k", "", "", nil))
	}
	events, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestBuildReport(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	require.NoError(t, s.Record(ctx, "chaos.run", "old", "", nil))
	clock = base.Add(time.Hour)
	require.NoError(t, s.Record(ctx, "chaos.run", "new", "", nil))
	require.NoError(t, s.Record(ctx, "replay.capture", "clip", "", nil))

	report, err := s.BuildReport(ctx, base.Add(30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Total)
	assert.Equal(t, int64(1), report.CountsByKind["chaos.run"])
	assert.Equal(t, int64(1), report.CountsByKind["replay.capture"])
	assert.Len(t, report.Recent, 3)
}
