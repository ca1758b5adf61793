// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package safety gates every state-mutating engine action behind a global
// kill switch and a sliding-window rate limiter. Read-only queries never go
// through this package.
//
// The rate limiter is a sliding window over actual timestamps rather than a
// token bucket, so remaining capacity is exact and auditable. Pruning is
// O(window size), which is fine at operator scale (tens of actions a minute).
package safety

import (
	"fmt"
	"sync"
	"time"

	"github.com/calliope-media/showrunner/pkg/logging"
	"github.com/calliope-media/showrunner/services/control/datatypes"
)

// State is the safety snapshot exposed on the status surface.
type State struct {
	KillSwitch        bool      `json:"killSwitch"`
	KillSwitchReason  string    `json:"killSwitchReason,omitempty"`
	WindowMs          int64     `json:"windowMs"`
	MaxActions        int       `json:"maxActions"`
	RecentActions     int       `json:"recentActions"`
	LastBlockedReason string    `json:"lastBlockedReason,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// GuardOpts lets privileged callers bypass one gate without the other. The
// two bypasses are orthogonal: a rate-exempt action still respects the kill
// switch and vice versa.
type GuardOpts struct {
	BypassKillSwitch bool
	BypassRateLimit  bool
}

// Manager is the process-wide safety gate. Safe for concurrent use.
type Manager struct {
	log        *logging.Logger
	window     time.Duration
	maxActions int
	now        func() time.Time

	mu          sync.Mutex
	killSwitch  bool
	killReason  string
	actions     []time.Time
	lastBlocked string
	updatedAt   time.Time
	subs        map[int]func(State)
	nextSubID   int
}

// NewManager creates a manager with the kill switch disengaged.
func NewManager(window time.Duration, maxActions int, log *logging.Logger) *Manager {
	return &Manager{
		log:        log.With("component", "safety"),
		window:     window,
		maxActions: maxActions,
		now:        time.Now,
		subs:       make(map[int]func(State)),
	}
}

// SetKillSwitch engages or releases the kill switch. Always succeeds, always
// notifies.
func (m *Manager) SetKillSwitch(on bool, reason string) State {
	m.mu.Lock()
	m.killSwitch = on
	if on {
		m.killReason = reason
	} else {
		m.killReason = ""
	}
	m.updatedAt = m.now()
	snap := m.stateLocked()
	listeners := m.listenersLocked()
	m.mu.Unlock()
	m.log.Warn("kill switch set", "engaged", on, "reason", reason)
	for _, fn := range listeners {
		fn(snap)
	}
	return snap
}

// Snapshot returns the current state, pruning expired window entries first.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.now())
	return m.stateLocked()
}

// Subscribe registers a state listener. The returned function removes it.
func (m *Manager) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Guard checks whether an action may proceed and, if allowed and not
// rate-exempt, records it against the window. Check and record are one atomic
// step: two racing callers cannot both squeeze through the last window slot.
// Every call, allowed or blocked, notifies subscribers.
func (m *Manager) Guard(name string, opts GuardOpts) (bool, string) {
	m.mu.Lock()
	now := m.now()
	m.updatedAt = now

	ok := true
	reason := ""
	if m.killSwitch && !opts.BypassKillSwitch {
		ok = false
		reason = fmt.Sprintf("blocked by kill switch (%s)", name)
	} else {
		m.pruneLocked(now)
		if !opts.BypassRateLimit {
			if len(m.actions) >= m.maxActions {
				ok = false
				reason = fmt.Sprintf("rate limited (%s)", name)
			} else {
				m.actions = append(m.actions, now)
			}
		}
	}
	if !ok {
		m.lastBlocked = reason
	}
	snap := m.stateLocked()
	listeners := m.listenersLocked()
	m.mu.Unlock()

	if !ok {
		m.log.Info("action blocked", "action", name, "reason", reason)
	}
	for _, fn := range listeners {
		fn(snap)
	}
	return ok, reason
}

// Assert is Guard with a typed error instead of (ok, reason). Kill-switch
// denials surface as 423, rate-limit denials as 429 with the time until the
// oldest window entry expires.
func (m *Manager) Assert(name string, opts GuardOpts) error {
	ok, reason := m.Guard(name, opts)
	if ok {
		return nil
	}
	m.mu.Lock()
	killed := m.killSwitch && !opts.BypassKillSwitch
	var retryAfter time.Duration
	if !killed && len(m.actions) > 0 {
		retryAfter = m.window - m.now().Sub(m.actions[0])
	}
	m.mu.Unlock()

	if killed {
		return datatypes.NewKillSwitch(reason)
	}
	err := datatypes.NewRateLimited(reason)
	if retryAfter > 0 {
		err.RetryAfterMs = retryAfter.Milliseconds()
	}
	return err
}

func (m *Manager) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.window)
	kept := m.actions[:0]
	for _, t := range m.actions {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.actions = kept
}

func (m *Manager) stateLocked() State {
	return State{
		KillSwitch:        m.killSwitch,
		KillSwitchReason:  m.killReason,
		WindowMs:          m.window.Milliseconds(),
		MaxActions:        m.maxActions,
		RecentActions:     len(m.actions),
		LastBlockedReason: m.lastBlocked,
		UpdatedAt:         m.updatedAt,
	}
}

func (m *Manager) listenersLocked() []func(State) {
	out := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		out = append(out, fn)
	}
	return out
}
