// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package director

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/calliope-media/showrunner/pkg/logging"
	"github.com/calliope-media/showrunner/services/control/datatypes"
	"github.com/calliope-media/showrunner/services/control/obs"
	"github.com/calliope-media/showrunner/services/control/safety"
)

// Decision outcomes, reported on the status surface after every evaluation.
const (
	OutcomeDisabled    = "disabled"
	OutcomeInFlight    = "switch-in-flight"
	OutcomeCooldown    = "cooldown"
	OutcomeBlocked     = "blocked"
	OutcomeNoCandidate = "no-candidate"
	OutcomeHolding     = "holding"
	OutcomeHysteresis  = "held-by-hysteresis"
	OutcomePending     = "pending"
	OutcomeAlreadyLive = "already-live"
	OutcomeSwitched    = "switched"
	OutcomeFailed      = "switch-failed"
)

// Decision is one evaluation result.
type Decision struct {
	Outcome string    `json:"outcome"`
	RuleID  string    `json:"ruleId,omitempty"`
	Scene   string    `json:"scene,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// StatusView is the director's snapshot for the status surface.
type StatusView struct {
	Enabled          bool     `json:"enabled"`
	RuleCount        int      `json:"ruleCount"`
	ActiveRuleID     string   `json:"activeRuleId,omitempty"`
	PendingRuleID    string   `json:"pendingRuleId,omitempty"`
	SwitchInFlight   bool     `json:"switchInFlight"`
	SwitchCooldownMs int64    `json:"switchCooldownMs"`
	LastDecision     Decision `json:"lastDecision"`
	LastError        string   `json:"lastError,omitempty"`
}

// StatusSource supplies the engine's current program scene so the director
// can skip redundant switch calls.
type StatusSource interface {
	Snapshot() obs.Status
}

type meterReading struct {
	levelDb float64
	at      time.Time
}

type pendingCandidate struct {
	ruleID string
	since  time.Time
}

// Options carries the director's tunables.
type Options struct {
	RulesPath      string
	MeterStaleness time.Duration
	PollInterval   time.Duration
}

// Director owns the meter table and the rule-evaluation loop. Safe for
// concurrent use; the actual scene-switch call runs off-loop behind the
// switchInFlight single-flight flag.
type Director struct {
	eng    obs.Engine
	status StatusSource
	guard  *safety.Manager
	log    *logging.Logger
	opts   Options
	now    func() time.Time

	mu             sync.Mutex
	rules          RuleSet
	meters         map[string]meterReading
	activeRuleID   string
	pending        *pendingCandidate
	switchInFlight bool
	lastSwitchAt   time.Time
	lastDecision   Decision
	lastErr        string
	subs           map[int]func(StatusView)
	nextSubID      int
	unsubMeters    func()
	stopPoll       chan struct{}
}

// New creates the director and loads the rules document. A missing or broken
// document leaves the director disabled with zero rules; the load error is
// reported and a later reload can fix it.
func New(eng obs.Engine, status StatusSource, guard *safety.Manager, opts Options, log *logging.Logger) *Director {
	d := &Director{
		eng:    eng,
		status: status,
		guard:  guard,
		log:    log.With("component", "director"),
		opts:   opts,
		now:    time.Now,
		meters: make(map[string]meterReading),
		subs:   make(map[int]func(StatusView)),
	}
	if err := d.Reload(); err != nil {
		d.log.Warn("initial rules load failed", "error", err)
	}
	return d
}

// Start subscribes to the telemetry stream and starts the poll fallback.
func (d *Director) Start() {
	d.mu.Lock()
	if d.stopPoll != nil {
		d.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	d.stopPoll = stop
	d.unsubMeters = d.eng.OnEvent("InputVolumeMeters", d.handleMeterEvent)
	d.mu.Unlock()

	go d.pollLoop(stop)
}

// Stop unsubscribes and halts polling. Meter and rule state survive.
func (d *Director) Stop() {
	d.mu.Lock()
	stop := d.stopPoll
	d.stopPoll = nil
	unsub := d.unsubMeters
	d.unsubMeters = nil
	d.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	if unsub != nil {
		unsub()
	}
}

// Reload re-parses the rules document wholesale. The active rule survives if
// its id still exists; pending state is always discarded.
func (d *Director) Reload() error {
	rs, warnings, err := loadRuleSet(d.opts.RulesPath)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		d.log.Warn("rules document", "issue", w)
	}
	d.mu.Lock()
	d.rules = *rs
	d.pending = nil
	if d.activeRuleID != "" && d.findRuleLocked(d.activeRuleID) == nil {
		d.activeRuleID = ""
	}
	d.mu.Unlock()
	d.log.Info("rules loaded", "count", len(rs.Rules), "enabled", rs.Enabled)
	d.notify()
	return nil
}

// SetEnabled toggles the whole director at runtime without touching the
// document on disk.
func (d *Director) SetEnabled(on bool) {
	d.mu.Lock()
	d.rules.Enabled = on
	if !on {
		d.pending = nil
	}
	d.mu.Unlock()
	d.log.Info("director toggled", "enabled", on)
	d.notify()
}

// EnableRule toggles one rule by id.
func (d *Director) EnableRule(id string, on bool) error {
	d.mu.Lock()
	r := d.findRuleLocked(id)
	if r == nil {
		d.mu.Unlock()
		return datatypes.NewNotFound("unknown rule %q", id)
	}
	r.Enabled = &on
	if !on && d.activeRuleID == id {
		d.activeRuleID = ""
	}
	if !on && d.pending != nil && d.pending.ruleID == id {
		d.pending = nil
	}
	d.mu.Unlock()
	d.notify()
	return nil
}

// Rules returns a defensive copy of the loaded rules.
func (d *Director) Rules() []Rule {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Rule, len(d.rules.Rules))
	copy(out, d.rules.Rules)
	return out
}

// Snapshot returns the current status view.
func (d *Director) Snapshot() StatusView {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *Director) snapshotLocked() StatusView {
	v := StatusView{
		Enabled:          d.rules.Enabled,
		RuleCount:        len(d.rules.Rules),
		ActiveRuleID:     d.activeRuleID,
		SwitchInFlight:   d.switchInFlight,
		SwitchCooldownMs: d.rules.SwitchCooldownMs,
		LastDecision:     d.lastDecision,
		LastError:        d.lastErr,
	}
	if d.pending != nil {
		v.PendingRuleID = d.pending.ruleID
	}
	return v
}

// Subscribe registers a status listener. The returned function removes it.
func (d *Director) Subscribe(fn func(StatusView)) func() {
	d.mu.Lock()
	id := d.nextSubID
	d.nextSubID++
	d.subs[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

func (d *Director) notify() {
	d.mu.Lock()
	snap := d.snapshotLocked()
	listeners := make([]func(StatusView), 0, len(d.subs))
	for _, fn := range d.subs {
		listeners = append(listeners, fn)
	}
	d.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

func (d *Director) findRuleLocked(id string) *Rule {
	for i := range d.rules.Rules {
		if d.rules.Rules[i].ID == id {
			return &d.rules.Rules[i]
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// telemetry intake
// ---------------------------------------------------------------------------

// handleMeterEvent decodes one InputVolumeMeters push. Each input carries
// per-channel magnitude/peak multipliers; the loudest value across channels
// becomes the reading, converted to dBFS.
func (d *Director) handleMeterEvent(data map[string]any) {
	inputs, _ := data["inputs"].([]any)
	updated := false
	for _, raw := range inputs {
		input, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := input["inputName"].(string)
		if name == "" {
			continue
		}
		levels, _ := input["inputLevelsMul"].([]any)
		peak := 0.0
		for _, chRaw := range levels {
			ch, ok := chRaw.([]any)
			if !ok {
				continue
			}
			for _, vRaw := range ch {
				if v, ok := vRaw.(float64); ok && v > peak {
					peak = v
				}
			}
		}
		d.UpdateMeter(name, mulToDb(peak))
		updated = true
	}
	if updated {
		d.evaluate()
	}
}

// UpdateMeter records one reading. Both the event stream and the poll
// fallback funnel through here, so the decision loop is transport-agnostic.
func (d *Director) UpdateMeter(inputName string, levelDb float64) {
	d.mu.Lock()
	d.meters[normalizeInput(inputName)] = meterReading{levelDb: levelDb, at: d.now()}
	d.mu.Unlock()
}

// mulToDb converts an amplitude multiplier to dBFS. Silence floors at -100.
func mulToDb(mul float64) float64 {
	if mul <= 1e-9 {
		return -100
	}
	db := 20 * math.Log10(mul)
	if db < -100 {
		return -100
	}
	return db
}

// pollLoop is the fallback for engines that never push meter events or omit
// an input from the pushed set: inputs referenced by rules but missing a
// fresh reading are queried directly.
func (d *Director) pollLoop(stop chan struct{}) {
	interval := d.opts.PollInterval
	if interval <= 0 {
		interval = 700 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.pollMissingInputs()
		}
	}
}

func (d *Director) pollMissingInputs() {
	d.mu.Lock()
	if !d.rules.Enabled {
		d.mu.Unlock()
		return
	}
	now := d.now()
	var missing []string
	seen := make(map[string]bool)
	for i := range d.rules.Rules {
		r := &d.rules.Rules[i]
		if !r.enabled() {
			continue
		}
		key := normalizeInput(r.InputName)
		if seen[key] {
			continue
		}
		seen[key] = true
		if reading, ok := d.meters[key]; !ok || now.Sub(reading.at) > d.opts.MeterStaleness {
			missing = append(missing, r.InputName)
		}
	}
	d.mu.Unlock()

	updated := false
	for _, name := range missing {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		resp, err := d.eng.Call(ctx, "GetInputVolume", map[string]any{"inputName": name})
		cancel()
		if err != nil {
			continue
		}
		if db, ok := resp["inputVolumeDb"].(float64); ok {
			d.UpdateMeter(name, db)
			updated = true
		}
	}
	if updated {
		d.evaluate()
	}
}

// ---------------------------------------------------------------------------
// decision loop
// ---------------------------------------------------------------------------

type candidate struct {
	rule    *Rule
	levelDb float64
}

// evaluate runs the decision steps after every meter update. The two-stage
// gate (hold-time debounce, then hysteresis on switch) is the anti-flap
// mechanism: hold-time ignores single spikes, hysteresis stops a marginally
// louder rule from displacing the active one.
func (d *Director) evaluate() {
	d.mu.Lock()
	now := d.now()

	if !d.rules.Enabled || len(d.rules.Rules) == 0 {
		d.mu.Unlock()
		return
	}
	if d.switchInFlight {
		d.recordDecisionLocked(Decision{Outcome: OutcomeInFlight, At: now})
		d.mu.Unlock()
		return
	}
	if d.rules.SwitchCooldownMs > 0 && !d.lastSwitchAt.IsZero() {
		if now.Sub(d.lastSwitchAt) < time.Duration(d.rules.SwitchCooldownMs)*time.Millisecond {
			d.recordDecisionLocked(Decision{Outcome: OutcomeCooldown, At: now})
			d.mu.Unlock()
			return
		}
	}
	if d.guard.Snapshot().KillSwitch {
		d.recordDecisionLocked(Decision{Outcome: OutcomeBlocked, Reason: "kill switch engaged", At: now})
		d.mu.Unlock()
		d.notify()
		return
	}

	// Build candidates: fresh reading at or above the activation threshold.
	var candidates []candidate
	for i := range d.rules.Rules {
		r := &d.rules.Rules[i]
		if !r.enabled() {
			continue
		}
		reading, ok := d.meters[normalizeInput(r.InputName)]
		if !ok || now.Sub(reading.at) > d.opts.MeterStaleness {
			continue
		}
		if reading.levelDb >= r.ActivationDb {
			candidates = append(candidates, candidate{rule: r, levelDb: reading.levelDb})
		}
	}
	if len(candidates) == 0 {
		d.pending = nil
		d.recordDecisionLocked(Decision{Outcome: OutcomeNoCandidate, At: now})
		d.mu.Unlock()
		return
	}
	// Priority descending, then level descending.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].rule.Priority != candidates[j].rule.Priority {
			return candidates[i].rule.Priority > candidates[j].rule.Priority
		}
		return candidates[i].levelDb > candidates[j].levelDb
	})
	top := candidates[0]

	// Steady state: the top candidate already holds the scene.
	if top.rule.ID == d.activeRuleID {
		d.pending = nil
		d.recordDecisionLocked(Decision{Outcome: OutcomeHolding, RuleID: top.rule.ID, At: now})
		d.mu.Unlock()
		return
	}

	// Hysteresis: a challenger must beat the active rule's live level by a
	// clear margin, not just edge past it.
	if d.activeRuleID != "" {
		if active := d.findRuleLocked(d.activeRuleID); active != nil {
			if reading, ok := d.meters[normalizeInput(active.InputName)]; ok && now.Sub(reading.at) <= d.opts.MeterStaleness {
				if top.levelDb < reading.levelDb+d.rules.HysteresisDb {
					d.pending = nil
					d.recordDecisionLocked(Decision{Outcome: OutcomeHysteresis, RuleID: d.activeRuleID, At: now})
					d.mu.Unlock()
					return
				}
			}
		}
	}

	// Hold-time debounce: the candidate must stay on top continuously.
	if d.pending == nil || d.pending.ruleID != top.rule.ID {
		d.pending = &pendingCandidate{ruleID: top.rule.ID, since: now}
	}
	hold := time.Duration(top.rule.holdMs(d.rules.DefaultHoldMs)) * time.Millisecond
	if now.Sub(d.pending.since) < hold {
		d.recordDecisionLocked(Decision{Outcome: OutcomePending, RuleID: top.rule.ID, Scene: top.rule.SceneName, At: now})
		d.mu.Unlock()
		return
	}

	// Commit. A redundant call is skipped when the scene already matches.
	if d.status.Snapshot().ProgramScene == top.rule.SceneName {
		d.activeRuleID = top.rule.ID
		d.pending = nil
		d.recordDecisionLocked(Decision{Outcome: OutcomeAlreadyLive, RuleID: top.rule.ID, Scene: top.rule.SceneName, At: now})
		d.mu.Unlock()
		d.notify()
		return
	}
	ok, reason := d.guard.Guard("director.switch", safety.GuardOpts{})
	if !ok {
		d.recordDecisionLocked(Decision{Outcome: OutcomeBlocked, RuleID: top.rule.ID, Reason: reason, At: now})
		d.mu.Unlock()
		d.notify()
		return
	}
	d.switchInFlight = true
	d.pending = nil
	rule := *top.rule
	d.mu.Unlock()
	d.notify()
	go d.performSwitch(rule)
}

// performSwitch issues the scene-switch call off the evaluation path so a
// slow engine response never stalls meter intake.
func (d *Director) performSwitch(rule Rule) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := d.eng.Call(ctx, "SetCurrentProgramScene", map[string]any{"sceneName": rule.SceneName})

	d.mu.Lock()
	d.switchInFlight = false
	now := d.now()
	if err != nil {
		d.lastErr = err.Error()
		d.recordDecisionLocked(Decision{Outcome: OutcomeFailed, RuleID: rule.ID, Scene: rule.SceneName, Reason: err.Error(), At: now})
	} else {
		d.activeRuleID = rule.ID
		d.lastSwitchAt = now
		d.lastErr = ""
		d.recordDecisionLocked(Decision{Outcome: OutcomeSwitched, RuleID: rule.ID, Scene: rule.SceneName, At: now})
	}
	d.mu.Unlock()
	if err != nil {
		d.log.Warn("scene switch failed", "rule", rule.ID, "scene", rule.SceneName, "error", err)
	} else {
		d.log.Info("scene switched", "rule", rule.ID, "scene", rule.SceneName)
	}
	d.notify()
}

func (d *Director) recordDecisionLocked(dec Decision) {
	d.lastDecision = dec
}
