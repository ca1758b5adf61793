// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chaos

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/calliope-media/showrunner/pkg/logging"
	"github.com/calliope-media/showrunner/services/control/datatypes"
	"github.com/calliope-media/showrunner/services/control/obs"
	"github.com/calliope-media/showrunner/services/control/safety"
)

// Summary is the list-view shape of one preset.
type Summary struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Description         string `json:"description,omitempty"`
	CooldownMs          int64  `json:"cooldownMs"`
	CooldownRemainingMs int64  `json:"cooldownRemainingMs"`
	StepCount           int    `json:"stepCount"`
}

// RunResult reports a completed preset run.
type RunResult struct {
	PresetID    string `json:"presetId"`
	TriggeredBy string `json:"triggeredBy"`
	ElapsedMs   int64  `json:"elapsedMs"`
}

// Engine owns the preset table and runs one preset at a time.
type Engine struct {
	eng      obs.Engine
	guard    *safety.Manager
	log      *logging.Logger
	dir      string
	validate *validator.Validate
	now      func() time.Time

	mu            sync.Mutex
	presets       map[string]*Preset
	lastReport    LoadReport
	cooldownUntil map[string]time.Time
	runningID     string
}

// NewEngine creates the engine and performs the initial load. A completely
// empty or missing preset directory is not an error; the engine just has
// nothing to run until a reload finds documents.
func NewEngine(dir string, eng obs.Engine, guard *safety.Manager, log *logging.Logger) *Engine {
	e := &Engine{
		eng:           eng,
		guard:         guard,
		log:           log.With("component", "chaos"),
		dir:           dir,
		validate:      newValidator(),
		now:           time.Now,
		presets:       make(map[string]*Preset),
		cooldownUntil: make(map[string]time.Time),
	}
	e.Reload()
	return e
}

// Reload re-reads the preset directory and swaps the table. Cooldowns are
// keyed by preset id in a side table, so editing a document does not reset
// its cooldown.
func (e *Engine) Reload() LoadReport {
	presets, report, err := loadPresetDir(e.dir, e.validate)
	if err != nil {
		e.log.Warn("preset directory unreadable, keeping previous table", "error", err)
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.lastReport
	}
	for name, reason := range report.Failed {
		e.log.Warn("skipping preset document", "file", name, "reason", reason)
	}
	e.mu.Lock()
	e.presets = presets
	e.lastReport = report
	e.mu.Unlock()
	e.log.Info("presets loaded", "count", report.Loaded, "failed", len(report.Failed))
	return report
}

// List returns all presets sorted by id, with live cooldown remainders.
func (e *Engine) List() []Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	out := make([]Summary, 0, len(e.presets))
	for _, p := range e.presets {
		out = append(out, Summary{
			ID:                  p.ID,
			Name:                p.Name,
			Description:         p.Description,
			CooldownMs:          p.CooldownMs,
			CooldownRemainingMs: e.cooldownRemainingLocked(p.ID, now),
			StepCount:           countSteps(p.Steps),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LastLoadReport returns the outcome of the most recent load pass.
func (e *Engine) LastLoadReport() LoadReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport
}

// Running returns the id of the in-flight preset, or "".
func (e *Engine) Running() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runningID
}

// Run executes a preset. Preconditions are checked in a fixed order: known
// id, nothing already running, cooldown elapsed, safety gate. The cooldown
// deadline is stamped from successful completion, not from start, and a
// failed run stamps nothing — the preset can be retried from the top
// immediately.
func (e *Engine) Run(ctx context.Context, id, triggeredBy string) (*RunResult, error) {
	e.mu.Lock()
	p, ok := e.presets[id]
	if !ok {
		e.mu.Unlock()
		return nil, datatypes.NewNotFound("unknown preset %q", id)
	}
	if e.runningID != "" {
		running := e.runningID
		e.mu.Unlock()
		return nil, datatypes.NewConflict("preset %q already running", running)
	}
	if remaining := e.cooldownRemainingLocked(id, e.now()); remaining > 0 {
		e.mu.Unlock()
		return nil, datatypes.NewCooldown(id, remaining)
	}
	if err := e.guard.Assert("chaos.run", safety.GuardOpts{}); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.runningID = id
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.runningID = ""
		e.mu.Unlock()
	}()

	e.log.Info("running preset", "id", id, "triggeredBy", triggeredBy)
	start := e.now()
	for i := range p.Steps {
		if err := e.execStep(ctx, &p.Steps[i]); err != nil {
			e.log.Warn("preset run failed", "id", id, "step", i, "error", err)
			return nil, datatypes.Wrap(err)
		}
	}
	end := e.now()
	e.mu.Lock()
	if p.CooldownMs > 0 {
		e.cooldownUntil[id] = end.Add(time.Duration(p.CooldownMs) * time.Millisecond)
	}
	e.mu.Unlock()
	elapsed := end.Sub(start)
	e.log.Info("preset run complete", "id", id, "elapsed", elapsed)
	return &RunResult{PresetID: id, TriggeredBy: triggeredBy, ElapsedMs: elapsed.Milliseconds()}, nil
}

func (e *Engine) cooldownRemainingLocked(id string, now time.Time) int64 {
	until, ok := e.cooldownUntil[id]
	if !ok || !until.After(now) {
		return 0
	}
	return until.Sub(now).Milliseconds()
}

// ---------------------------------------------------------------------------
// step interpreter
// ---------------------------------------------------------------------------

func (e *Engine) execStep(ctx context.Context, s *Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch s.Kind {
	case KindSerial:
		for i := range s.Steps {
			if err := e.execStep(ctx, &s.Steps[i]); err != nil {
				return fmt.Errorf("serial child %d: %w", i, err)
			}
		}
		return nil

	case KindParallel:
		// All children run to completion; a failing sibling cancels nothing.
		// Errors are joined afterwards.
		errs := make([]error, len(s.Steps))
		var wg sync.WaitGroup
		for i := range s.Steps {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := e.execStep(ctx, &s.Steps[i]); err != nil {
					errs[i] = fmt.Errorf("parallel child %d: %w", i, err)
				}
			}(i)
		}
		wg.Wait()
		return errors.Join(errs...)

	case KindSleep:
		// Frame-accurate sleeps are delegated to the engine (only valid
		// inside a serial-frame batch); millisecond sleeps run on a local
		// timer. Frames win when both are set.
		if s.SleepFrames > 0 {
			_, err := e.eng.CallBatch(ctx, []obs.BatchRequest{{
				RequestType: "Sleep",
				RequestData: map[string]any{"sleepFrames": s.SleepFrames},
			}}, obs.BatchOptions{ExecutionType: obs.ExecSerialFrame})
			return err
		}
		timer := time.NewTimer(time.Duration(s.DurationMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case KindSetProgramScene:
		_, err := e.eng.Call(ctx, "SetCurrentProgramScene", map[string]any{"sceneName": s.Scene})
		return err

	case KindSetPreviewScene:
		_, err := e.eng.Call(ctx, "SetCurrentPreviewScene", map[string]any{"sceneName": s.Scene})
		return err

	case KindSceneTransition:
		// Up to three independent sub-actions; an absent field means
		// "leave as-is", not "set to default".
		if s.Transition != "" {
			if _, err := e.eng.Call(ctx, "SetCurrentSceneTransition", map[string]any{"transitionName": s.Transition}); err != nil {
				return err
			}
		}
		if s.DurationMs > 0 {
			if _, err := e.eng.Call(ctx, "SetCurrentSceneTransitionDuration", map[string]any{"transitionDuration": s.DurationMs}); err != nil {
				return err
			}
		}
		if s.Trigger {
			if _, err := e.eng.Call(ctx, "TriggerStudioModeTransition", nil); err != nil {
				return err
			}
		}
		return nil

	case KindSceneItemMove:
		itemID, err := e.resolveItemID(ctx, s)
		if err != nil {
			return err
		}
		_, err = e.eng.Call(ctx, "SetSceneItemTransform", map[string]any{
			"sceneName":          s.Scene,
			"sceneItemId":        itemID,
			"sceneItemTransform": s.Transform,
		})
		return err

	case KindSceneItemEnabled:
		itemID, err := e.resolveItemID(ctx, s)
		if err != nil {
			return err
		}
		_, err = e.eng.Call(ctx, "SetSceneItemEnabled", map[string]any{
			"sceneName":        s.Scene,
			"sceneItemId":      itemID,
			"sceneItemEnabled": *s.Enabled,
		})
		return err

	case KindSourceFilter:
		if s.Enabled != nil {
			if _, err := e.eng.Call(ctx, "SetSourceFilterEnabled", map[string]any{
				"sourceName":    s.Source,
				"filterName":    s.Filter,
				"filterEnabled": *s.Enabled,
			}); err != nil {
				return err
			}
		}
		if len(s.Settings) > 0 {
			if _, err := e.eng.Call(ctx, "SetSourceFilterSettings", map[string]any{
				"sourceName":     s.Source,
				"filterName":     s.Filter,
				"filterSettings": s.Settings,
			}); err != nil {
				return err
			}
		}
		return nil

	case KindRawRequest:
		_, err := e.eng.Call(ctx, s.RequestType, s.RequestData)
		return err

	case KindBatch:
		requests := make([]obs.BatchRequest, 0, len(s.Requests))
		for _, r := range s.Requests {
			requests = append(requests, obs.BatchRequest{RequestType: r.RequestType, RequestData: r.RequestData})
		}
		results, err := e.eng.CallBatch(ctx, requests, obs.BatchOptions{
			ExecutionType: batchExecType(s.ExecutionType),
			HaltOnFailure: s.HaltOnFailure,
		})
		if err != nil {
			return err
		}
		failed := 0
		for _, r := range results {
			if !r.Success {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("batch: %d of %d requests failed", failed, len(results))
		}
		return nil

	default:
		// Unreachable for validated presets.
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}
}

// resolveItemID returns the step's numeric scene-item id directly when the
// author supplied one, otherwise resolves the source name within the scene
// via a round-trip.
func (e *Engine) resolveItemID(ctx context.Context, s *Step) (float64, error) {
	if s.ItemID != nil {
		return float64(*s.ItemID), nil
	}
	resp, err := e.eng.Call(ctx, "GetSceneItemId", map[string]any{
		"sceneName":  s.Scene,
		"sourceName": s.Source,
	})
	if err != nil {
		return 0, err
	}
	id, ok := resp["sceneItemId"].(float64)
	if !ok {
		return 0, fmt.Errorf("engine returned no sceneItemId for %q in %q", s.Source, s.Scene)
	}
	return id, nil
}

func batchExecType(name string) int {
	switch name {
	case "serialFrame":
		return obs.ExecSerialFrame
	case "parallel":
		return obs.ExecParallel
	default:
		return obs.ExecSerialRealtime
	}
}
