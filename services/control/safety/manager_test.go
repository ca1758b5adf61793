// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package safety

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calliope-media/showrunner/pkg/logging"
	"github.com/calliope-media/showrunner/services/control/datatypes"
)

func newTestManager(t *testing.T, window time.Duration, max int) (*Manager, *time.Time) {
	t.Helper()
	m := NewManager(window, max, logging.Discard())
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	return m, &clock
}

func TestGuardKillSwitch(t *testing.T) {
	m, _ := newTestManager(t, time.Minute, 30)

	ok, _ := m.Guard("chaos.run", GuardOpts{})
	require.True(t, ok)

	m.SetKillSwitch(true, "operator panic")
	ok, reason := m.Guard("chaos.run", GuardOpts{})
	assert.False(t, ok)
	assert.Equal(t, "blocked by kill switch (chaos.run)", reason)
	assert.Equal(t, reason, m.Snapshot().LastBlockedReason)

	// Bypass lets the caller through while the switch is engaged.
	ok, _ = m.Guard("safety.disarm", GuardOpts{BypassKillSwitch: true})
	assert.True(t, ok)

	// Disengaging restores the pre-enable behavior.
	m.SetKillSwitch(false, "")
	ok, _ = m.Guard("chaos.run", GuardOpts{})
	assert.True(t, ok)
}

func TestGuardRateLimitWindow(t *testing.T) {
	m, clock := newTestManager(t, time.Minute, 3)

	// Exactly maxActions succeed inside one window; the rest are blocked.
	for i := 0; i < 3; i++ {
		ok, _ := m.Guard("scene.switch", GuardOpts{})
		require.True(t, ok, "action %d should pass", i)
	}
	for i := 0; i < 5; i++ {
		ok, reason := m.Guard("scene.switch", GuardOpts{})
		assert.False(t, ok)
		assert.Equal(t, "rate limited (scene.switch)", reason)
	}
	assert.Equal(t, 3, m.Snapshot().RecentActions)

	// Window slides: once the oldest action ages out, one slot frees up.
	*clock = clock.Add(61 * time.Second)
	ok, _ := m.Guard("scene.switch", GuardOpts{})
	assert.True(t, ok)
}

func TestGuardBypassesAreOrthogonal(t *testing.T) {
	m, _ := newTestManager(t, time.Minute, 1)
	m.SetKillSwitch(true, "")

	// Rate-limit bypass does not imply kill-switch bypass.
	ok, reason := m.Guard("x", GuardOpts{BypassRateLimit: true})
	assert.False(t, ok)
	assert.Contains(t, reason, "kill switch")

	m.SetKillSwitch(false, "")
	ok, _ = m.Guard("x", GuardOpts{})
	require.True(t, ok)

	// Kill-switch bypass does not imply rate-limit bypass.
	ok, reason = m.Guard("x", GuardOpts{BypassKillSwitch: true})
	assert.False(t, ok)
	assert.Contains(t, reason, "rate limited")

	// Both bypasses together always pass.
	ok, _ = m.Guard("x", GuardOpts{BypassKillSwitch: true, BypassRateLimit: true})
	assert.True(t, ok)
}

func TestRateExemptActionsAreNotRecorded(t *testing.T) {
	m, _ := newTestManager(t, time.Minute, 1)

	for i := 0; i < 5; i++ {
		ok, _ := m.Guard("x", GuardOpts{BypassRateLimit: true})
		require.True(t, ok)
	}
	// Exempt traffic left the window untouched.
	assert.Equal(t, 0, m.Snapshot().RecentActions)
	ok, _ := m.Guard("x", GuardOpts{})
	assert.True(t, ok)
}

func TestAssertTypedErrors(t *testing.T) {
	m, _ := newTestManager(t, time.Minute, 1)

	m.SetKillSwitch(true, "")
	err := m.Assert("chaos.run", GuardOpts{})
	var typed *datatypes.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, datatypes.CodeKillSwitch, typed.Code)
	assert.Equal(t, 423, typed.Status)

	m.SetKillSwitch(false, "")
	require.NoError(t, m.Assert("chaos.run", GuardOpts{}))

	err = m.Assert("chaos.run", GuardOpts{})
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, datatypes.CodeRateLimited, typed.Code)
	assert.Equal(t, 429, typed.Status)
	assert.Greater(t, typed.RetryAfterMs, int64(0))
}

func TestSubscribersNotifiedOnEveryCall(t *testing.T) {
	m, _ := newTestManager(t, time.Minute, 10)

	var states []State
	unsub := m.Subscribe(func(s State) { states = append(states, s) })

	m.SetKillSwitch(true, "drill")
	m.Guard("x", GuardOpts{})
	m.SetKillSwitch(false, "")
	m.Guard("x", GuardOpts{})
	require.Len(t, states, 4)
	assert.True(t, states[0].KillSwitch)
	assert.Equal(t, "drill", states[0].KillSwitchReason)
	assert.Equal(t, "blocked by kill switch (x)", states[1].LastBlockedReason)
	assert.False(t, states[2].KillSwitch)
	assert.Equal(t, 1, states[3].RecentActions)

	unsub()
	m.SetKillSwitch(true, "")
	assert.Len(t, states, 4)
}

func TestSnapshotPrunesExpired(t *testing.T) {
	m, clock := newTestManager(t, time.Minute, 10)

	for i := 0; i < 4; i++ {
		_, _ = m.Guard("x", GuardOpts{})
	}
	assert.Equal(t, 4, m.Snapshot().RecentActions)

	*clock = clock.Add(2 * time.Minute)
	assert.Equal(t, 0, m.Snapshot().RecentActions)
}
