// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package director

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calliope-media/showrunner/pkg/logging"
	"github.com/calliope-media/showrunner/services/control/obs"
	"github.com/calliope-media/showrunner/services/control/safety"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls []string // "RequestType:sceneName"
	fail  bool
}

func (f *fakeEngine) Call(_ context.Context, requestType string, data map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	scene, _ := data["sceneName"].(string)
	f.calls = append(f.calls, requestType+":"+scene)
	if f.fail {
		return nil, assert.AnError
	}
	return map[string]any{}, nil
}

func (f *fakeEngine) CallBatch(context.Context, []obs.BatchRequest, obs.BatchOptions) ([]obs.BatchResult, error) {
	return nil, nil
}

func (f *fakeEngine) OnEvent(string, obs.EventHandler) func() { return func() {} }

func (f *fakeEngine) switchCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeStatus struct {
	mu    sync.Mutex
	scene string
}

func (f *fakeStatus) Snapshot() obs.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return obs.Status{Phase: obs.PhaseConnected, ProgramScene: f.scene}
}

func writeRules(t *testing.T, rs RuleSet) string {
	t.Helper()
	data, err := json.Marshal(rs)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func holdPtr(ms int64) *int64 { return &ms }

type harness struct {
	d      *Director
	eng    *fakeEngine
	status *fakeStatus
	guard  *safety.Manager

	clockMu sync.Mutex
	clock   time.Time
}

func newHarness(t *testing.T, rs RuleSet) *harness {
	t.Helper()
	h := &harness{
		eng:    &fakeEngine{},
		status: &fakeStatus{scene: "Gameplay"},
		guard:  safety.NewManager(time.Minute, 1000, logging.Discard()),
		clock:  time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC),
	}
	h.d = New(h.eng, h.status, h.guard, Options{
		RulesPath:      writeRules(t, rs),
		MeterStaleness: 1800 * time.Millisecond,
	}, logging.Discard())
	h.d.now = func() time.Time {
		h.clockMu.Lock()
		defer h.clockMu.Unlock()
		return h.clock
	}
	return h
}

func (h *harness) advance(d time.Duration) {
	h.clockMu.Lock()
	h.clock = h.clock.Add(d)
	h.clockMu.Unlock()
}

func (h *harness) feed(input string, db float64) {
	h.d.UpdateMeter(input, db)
	h.d.evaluate()
}

// waitForCalls waits for the nth switch call to land and the in-flight flag
// to clear, so follow-up feeds see a settled director.
func (h *harness) waitForCalls(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.eng.switchCalls()) == n && !h.d.Snapshot().SwitchInFlight
	}, time.Second, 2*time.Millisecond)
}

func baseRules() RuleSet {
	return RuleSet{
		Enabled:          true,
		SwitchCooldownMs: 250,
		HysteresisDb:     3,
		DefaultHoldMs:    0,
		Rules: []Rule{
			{ID: "mic-cam", InputName: "Mic", SceneName: "Camera", ActivationDb: -45, Priority: 100, HoldMs: holdPtr(0)},
		},
	}
}

func TestEndToEndSingleSwitch(t *testing.T) {
	h := newHarness(t, baseRules())

	h.feed("Mic", -15)
	h.advance(15 * time.Millisecond)
	h.feed("Mic", -15)

	h.waitForCalls(t, 1)
	assert.Equal(t, []string{"SetCurrentProgramScene:Camera"}, h.eng.switchCalls())
	require.Eventually(t, func() bool { return h.d.Snapshot().ActiveRuleID == "mic-cam" }, time.Second, 2*time.Millisecond)
	assert.Equal(t, OutcomeSwitched, h.d.Snapshot().LastDecision.Outcome)
}

func TestHoldTimeDebounce(t *testing.T) {
	rs := baseRules()
	rs.Rules[0].HoldMs = holdPtr(500)
	h := newHarness(t, rs)

	h.feed("Mic", -15)
	assert.Equal(t, OutcomePending, h.d.Snapshot().LastDecision.Outcome)
	h.advance(200 * time.Millisecond)
	h.feed("Mic", -15)
	assert.Equal(t, OutcomePending, h.d.Snapshot().LastDecision.Outcome)
	assert.Empty(t, h.eng.switchCalls())

	// Cumulative time-on-top reaches holdMs: exactly one switch.
	h.advance(350 * time.Millisecond)
	h.feed("Mic", -15)
	h.waitForCalls(t, 1)
	assert.Equal(t, []string{"SetCurrentProgramScene:Camera"}, h.eng.switchCalls())
}

func TestHoldResetsWhenTopChanges(t *testing.T) {
	rs := baseRules()
	rs.Rules[0].HoldMs = holdPtr(300)
	rs.Rules = append(rs.Rules, Rule{
		ID: "desk", InputName: "Desk", SceneName: "DeskScene", ActivationDb: -45, Priority: 100, HoldMs: holdPtr(300),
	})
	h := newHarness(t, rs)

	h.feed("Mic", -20)
	h.advance(200 * time.Millisecond)
	// Desk takes the top slot (same priority, louder): pending restarts.
	h.feed("Desk", -5)
	assert.Equal(t, "desk", h.d.Snapshot().PendingRuleID)

	h.advance(200 * time.Millisecond)
	h.feed("Desk", -5)
	assert.Empty(t, h.eng.switchCalls())
	h.advance(150 * time.Millisecond)
	h.feed("Desk", -5)
	h.waitForCalls(t, 1)
	assert.Equal(t, []string{"SetCurrentProgramScene:DeskScene"}, h.eng.switchCalls())
}

func TestHysteresisHoldsActiveRule(t *testing.T) {
	rs := baseRules()
	rs.Rules = append(rs.Rules, Rule{
		ID: "desk", InputName: "Desk", SceneName: "DeskScene", ActivationDb: -45, Priority: 200, HoldMs: holdPtr(0),
	})
	h := newHarness(t, rs)

	// Make mic-cam active first.
	h.feed("Mic", -15)
	h.advance(10 * time.Millisecond)
	h.feed("Mic", -15)
	h.waitForCalls(t, 1)
	h.advance(300 * time.Millisecond) // clear the switch cooldown

	// Desk outranks by priority but is only hysteresisDb-1 louder: held.
	h.feed("Mic", -15)
	h.feed("Desk", -13) // 2dB above, hysteresis is 3
	assert.Equal(t, OutcomeHysteresis, h.d.Snapshot().LastDecision.Outcome)
	h.waitForCalls(t, 1) // still just the original switch

	// A clear margin switches.
	h.feed("Desk", -10)
	h.waitForCalls(t, 2)
	assert.Equal(t, "SetCurrentProgramScene:DeskScene", h.eng.switchCalls()[1])
}

func TestKillSwitchBlocksSwitching(t *testing.T) {
	h := newHarness(t, baseRules())
	h.guard.SetKillSwitch(true, "drill")

	h.feed("Mic", -15)
	h.advance(15 * time.Millisecond)
	h.feed("Mic", -15)

	assert.Empty(t, h.eng.switchCalls())
	assert.Equal(t, OutcomeBlocked, h.d.Snapshot().LastDecision.Outcome)
}

func TestStaleReadingsAreIgnored(t *testing.T) {
	h := newHarness(t, baseRules())

	h.feed("Mic", -15)
	h.advance(3 * time.Second)
	h.d.evaluate()
	assert.Equal(t, OutcomeNoCandidate, h.d.Snapshot().LastDecision.Outcome)
	assert.Empty(t, h.eng.switchCalls())
}

func TestPriorityThenLevelOrdering(t *testing.T) {
	rs := baseRules()
	rs.Rules = []Rule{
		{ID: "low-loud", InputName: "A", SceneName: "SceneA", ActivationDb: -45, Priority: 10, HoldMs: holdPtr(0)},
		{ID: "high-quiet", InputName: "B", SceneName: "SceneB", ActivationDb: -45, Priority: 50, HoldMs: holdPtr(0)},
	}
	h := newHarness(t, rs)

	h.d.UpdateMeter("A", -5)  // loudest
	h.d.UpdateMeter("B", -30) // highest priority
	h.d.evaluate()
	h.advance(10 * time.Millisecond)
	h.d.evaluate()
	h.waitForCalls(t, 1)
	assert.Equal(t, []string{"SetCurrentProgramScene:SceneB"}, h.eng.switchCalls())
}

func TestAlreadyLiveSkipsRedundantCall(t *testing.T) {
	h := newHarness(t, baseRules())
	h.status.scene = "Camera"

	h.feed("Mic", -15)
	h.advance(10 * time.Millisecond)
	h.feed("Mic", -15)

	assert.Empty(t, h.eng.switchCalls())
	assert.Equal(t, "mic-cam", h.d.Snapshot().ActiveRuleID)
	assert.Equal(t, OutcomeAlreadyLive, h.d.Snapshot().LastDecision.Outcome)
}

func TestSwitchCooldown(t *testing.T) {
	h := newHarness(t, baseRules())

	h.feed("Mic", -15)
	h.advance(10 * time.Millisecond)
	h.feed("Mic", -15)
	h.waitForCalls(t, 1)

	// Inside the cooldown: active rule cleared or not, no second call.
	h.d.mu.Lock()
	h.d.activeRuleID = ""
	h.d.mu.Unlock()
	h.advance(100 * time.Millisecond)
	h.feed("Mic", -15)
	assert.Equal(t, OutcomeCooldown, h.d.Snapshot().LastDecision.Outcome)

	h.advance(300 * time.Millisecond)
	h.feed("Mic", -15)
	h.advance(10 * time.Millisecond)
	h.feed("Mic", -15)
	h.waitForCalls(t, 2)
}

func TestMeterNamesAreNormalized(t *testing.T) {
	h := newHarness(t, baseRules())

	h.d.UpdateMeter("  MIC ", -15)
	h.d.evaluate()
	h.advance(10 * time.Millisecond)
	h.d.evaluate()
	h.waitForCalls(t, 1)
}

func TestEnableRule(t *testing.T) {
	h := newHarness(t, baseRules())

	require.NoError(t, h.d.EnableRule("mic-cam", false))
	h.feed("Mic", -15)
	h.advance(10 * time.Millisecond)
	h.feed("Mic", -15)
	assert.Empty(t, h.eng.switchCalls())

	require.Error(t, h.d.EnableRule("ghost", false))
}

func TestMeterEventDecoding(t *testing.T) {
	h := newHarness(t, baseRules())

	h.d.handleMeterEvent(map[string]any{
		"inputs": []any{
			map[string]any{
				"inputName":      "Mic",
				"inputLevelsMul": []any{[]any{0.2, 0.3, 0.25}},
			},
		},
	})
	h.advance(10 * time.Millisecond)
	h.d.evaluate()
	// 0.3 mul is about -10.5 dBFS, above the -45 threshold.
	h.waitForCalls(t, 1)
}

type subTrackingEngine struct {
	fakeEngine
	subMu   sync.Mutex
	subs    int
	unsubs  int
	handler obs.EventHandler
}

func (e *subTrackingEngine) OnEvent(_ string, fn obs.EventHandler) func() {
	e.subMu.Lock()
	e.subs++
	e.handler = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		e.unsubs++
		e.subMu.Unlock()
	}
}

func (e *subTrackingEngine) counts() (int, int) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return e.subs, e.unsubs
}

func TestStartStopMeterSubscription(t *testing.T) {
	eng := &subTrackingEngine{}
	d := New(eng, &fakeStatus{scene: "Gameplay"}, safety.NewManager(time.Minute, 1000, logging.Discard()), Options{
		RulesPath:    writeRules(t, baseRules()),
		PollInterval: time.Hour,
	}, logging.Discard())
	defer d.Stop()

	d.Start()
	d.Start() // already running: no second subscription
	subs, unsubs := eng.counts()
	assert.Equal(t, 1, subs)
	assert.Equal(t, 0, unsubs)

	eng.subMu.Lock()
	h := eng.handler
	eng.subMu.Unlock()
	require.NotNil(t, h)

	d.Stop()
	subs, unsubs = eng.counts()
	assert.Equal(t, 1, subs)
	assert.Equal(t, 1, unsubs)

	// A later Start subscribes afresh.
	d.Start()
	subs, _ = eng.counts()
	assert.Equal(t, 2, subs)
}
