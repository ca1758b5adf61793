// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chaos loads operator-authored action presets and runs them against
// the engine as supervised step trees. One preset runs at a time; each preset
// carries its own cooldown.
package chaos

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Step kinds. serial and parallel are composite; the rest are leaves.
const (
	KindSerial           = "serial"
	KindParallel         = "parallel"
	KindSleep            = "sleep"
	KindSetProgramScene  = "setProgramScene"
	KindSetPreviewScene  = "setPreviewScene"
	KindSceneTransition  = "sceneTransition"
	KindSceneItemMove    = "sceneItemTransform"
	KindSceneItemEnabled = "sceneItemEnabled"
	KindSourceFilter     = "sourceFilter"
	KindRawRequest       = "rawRequest"
	KindBatch            = "batch"
)

// maxStepDepth bounds composite nesting so a cyclic or pathological document
// cannot blow the stack.
const maxStepDepth = 16

// Step is one node of a preset's action tree. Which fields apply depends on
// Kind; Validate enforces the combinations.
type Step struct {
	Kind string `json:"kind"`

	// serial / parallel
	Steps []Step `json:"steps,omitempty"`

	// sleep (frame-based takes precedence when both are set),
	// sceneTransition (transition duration)
	DurationMs  int64 `json:"durationMs,omitempty"`
	SleepFrames int64 `json:"sleepFrames,omitempty"`

	// scene-targeting kinds
	Scene string `json:"scene,omitempty"`

	// sceneTransition: each sub-action applies only if its field is present.
	Transition string `json:"transition,omitempty"`
	Trigger    bool   `json:"trigger,omitempty"`

	// sceneItemTransform / sceneItemEnabled / sourceFilter. ItemID short-cuts
	// the name lookup when the author already knows the numeric id.
	Source    string         `json:"source,omitempty"`
	ItemID    *int64         `json:"itemId,omitempty"`
	Enabled   *bool          `json:"enabled,omitempty"`
	Transform map[string]any `json:"transform,omitempty"`
	Filter    string         `json:"filter,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`

	// rawRequest
	RequestType string         `json:"requestType,omitempty"`
	RequestData map[string]any `json:"requestData,omitempty"`

	// batch
	Requests      []BatchStep `json:"requests,omitempty"`
	ExecutionType string      `json:"executionType,omitempty"` // serialRealtime | serialFrame | parallel
	HaltOnFailure bool        `json:"haltOnFailure,omitempty"`
}

// BatchStep is one entry of a batch leaf, passed through to the engine's
// native batch primitive.
type BatchStep struct {
	RequestType string         `json:"requestType"`
	RequestData map[string]any `json:"requestData,omitempty"`
}

// Preset is one operator-authored action document.
type Preset struct {
	ID          string `json:"id" validate:"required,doc_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CooldownMs  int64  `json:"cooldownMs" validate:"gte=0,lte=3600000"`
	Steps       []Step `json:"steps" validate:"required,min=1"`
}

// newValidator builds the validator with the doc_id rule for preset
// identifiers: 1-64 chars of [a-zA-Z0-9._-].
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("doc_id", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if len(s) == 0 || len(s) > 64 {
			return false
		}
		for _, r := range s {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			default:
				return false
			}
		}
		return true
	})
	return v
}

// Validate checks the preset document beyond struct tags: the whole step
// tree, per kind.
func (p *Preset) Validate(v *validator.Validate) error {
	if err := v.Struct(p); err != nil {
		return fmt.Errorf("preset %q: %w", p.ID, err)
	}
	for i := range p.Steps {
		if err := validateStep(&p.Steps[i], 1); err != nil {
			return fmt.Errorf("preset %q step %d: %w", p.ID, i, err)
		}
	}
	return nil
}

func validateStep(s *Step, depth int) error {
	if depth > maxStepDepth {
		return fmt.Errorf("nesting exceeds %d levels", maxStepDepth)
	}
	switch s.Kind {
	case KindSerial, KindParallel:
		if len(s.Steps) == 0 {
			return fmt.Errorf("%s step requires children", s.Kind)
		}
		for i := range s.Steps {
			if err := validateStep(&s.Steps[i], depth+1); err != nil {
				return fmt.Errorf("child %d: %w", i, err)
			}
		}
	case KindSleep:
		if s.SleepFrames > 0 {
			if s.SleepFrames > 10_000 {
				return fmt.Errorf("sleep sleepFrames must be at most 10000, got %d", s.SleepFrames)
			}
		} else if s.DurationMs <= 0 || s.DurationMs > 60_000 {
			return fmt.Errorf("sleep durationMs must be in (0, 60000], got %d", s.DurationMs)
		}
	case KindSetProgramScene, KindSetPreviewScene:
		if s.Scene == "" {
			return fmt.Errorf("%s step requires scene", s.Kind)
		}
	case KindSceneTransition:
		if s.Transition == "" && s.DurationMs == 0 && !s.Trigger {
			return fmt.Errorf("sceneTransition step requires transition, durationMs, or trigger")
		}
		if s.DurationMs < 0 || s.DurationMs > 20_000 {
			return fmt.Errorf("sceneTransition durationMs must be in [0, 20000], got %d", s.DurationMs)
		}
	case KindSceneItemMove:
		if s.Scene == "" || (s.Source == "" && s.ItemID == nil) || len(s.Transform) == 0 {
			return fmt.Errorf("sceneItemTransform step requires scene, source or itemId, and transform")
		}
	case KindSceneItemEnabled:
		if s.Scene == "" || (s.Source == "" && s.ItemID == nil) || s.Enabled == nil {
			return fmt.Errorf("sceneItemEnabled step requires scene, source or itemId, and enabled")
		}
	case KindSourceFilter:
		if s.Source == "" || s.Filter == "" {
			return fmt.Errorf("sourceFilter step requires source and filter")
		}
		if s.Enabled == nil && len(s.Settings) == 0 {
			return fmt.Errorf("sourceFilter step requires enabled or settings")
		}
	case KindRawRequest:
		if s.RequestType == "" {
			return fmt.Errorf("rawRequest step requires requestType")
		}
	case KindBatch:
		if len(s.Requests) == 0 {
			return fmt.Errorf("batch step requires requests")
		}
		for i, r := range s.Requests {
			if r.RequestType == "" {
				return fmt.Errorf("batch request %d missing requestType", i)
			}
		}
		switch s.ExecutionType {
		case "", "serialRealtime", "serialFrame", "parallel":
		default:
			return fmt.Errorf("unknown batch executionType %q", s.ExecutionType)
		}
	case "":
		return fmt.Errorf("step missing kind")
	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}
	return nil
}

func countSteps(steps []Step) int {
	n := 0
	for i := range steps {
		n++
		n += countSteps(steps[i].Steps)
	}
	return n
}

// LoadReport summarizes one load pass over the preset directory.
type LoadReport struct {
	Loaded int               `json:"loaded"`
	Failed map[string]string `json:"failed,omitempty"` // filename -> reason
}

// loadPresetDir reads every .json/.yaml/.yml document in dir. Failures are
// per-file: one broken document never blocks its siblings.
func loadPresetDir(dir string, v *validator.Validate) (map[string]*Preset, LoadReport, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, LoadReport{}, fmt.Errorf("read preset dir: %w", err)
	}

	presets := make(map[string]*Preset)
	report := LoadReport{Failed: make(map[string]string)}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		p, err := loadPresetFile(filepath.Join(dir, name), v)
		if err != nil {
			report.Failed[name] = err.Error()
			continue
		}
		if prev, dup := presets[p.ID]; dup {
			report.Failed[name] = fmt.Sprintf("duplicate preset id %q (already defined as %q)", p.ID, prev.Name)
			continue
		}
		presets[p.ID] = p
		report.Loaded++
	}
	return presets, report, nil
}

func loadPresetFile(path string, v *validator.Validate) (*Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// YAML documents are converted through an interface tree and re-encoded
	// as JSON so both formats share the json struct tags.
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		var tree any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		data, err = json.Marshal(tree)
		if err != nil {
			return nil, fmt.Errorf("convert yaml: %w", err)
		}
	}
	var p Preset
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := p.Validate(v); err != nil {
		return nil, err
	}
	return &p, nil
}
