// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package director switches the program scene from live audio telemetry.
// Rules map input levels to target scenes; hold-time debounce and hysteresis
// keep two momentarily-qualifying rules from flapping the output.
package director

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/calliope-media/showrunner/services/control/datatypes"
)

// Rule maps one audio input to one target scene.
type Rule struct {
	ID           string  `json:"id"`
	InputName    string  `json:"inputName"`
	SceneName    string  `json:"sceneName"`
	ActivationDb float64 `json:"activationDb"`
	Priority     int     `json:"priority"`
	// HoldMs is nullable; nil falls back to the rule-set default.
	HoldMs  *int64 `json:"holdMs,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"` // nil means enabled
}

func (r *Rule) holdMs(def int64) int64 {
	if r.HoldMs != nil {
		return *r.HoldMs
	}
	return def
}

func (r *Rule) enabled() bool { return r.Enabled == nil || *r.Enabled }

// RuleSet is the whole rules document. Reload replaces it wholesale.
type RuleSet struct {
	Enabled          bool    `json:"enabled"`
	SwitchCooldownMs int64   `json:"switchCooldownMs"`
	HysteresisDb     float64 `json:"hysteresisDb"`
	DefaultHoldMs    int64   `json:"defaultHoldMs"`
	Rules            []Rule  `json:"rules"`
}

// Numeric bounds. Out-of-range values are clamped, not rejected: a typo in
// one field should not take the whole director offline mid-show.
const (
	minActivationDb = -90.0
	maxActivationDb = 0.0
	maxHoldMs       = 10_000
	maxCooldownMs   = 600_000
	maxHysteresisDb = 60.0

	defaultCooldown   = 1500
	defaultHold       = 400
	defaultHysteresis = 3.0
)

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeRuleSet clamps numeric fields and drops entries missing their
// required strings or duplicating an earlier id. Returns the warnings for the
// caller to log.
func normalizeRuleSet(rs *RuleSet) []string {
	var warnings []string
	if rs.SwitchCooldownMs < 0 || rs.SwitchCooldownMs > maxCooldownMs {
		warnings = append(warnings, fmt.Sprintf("switchCooldownMs %d out of range, using %d", rs.SwitchCooldownMs, defaultCooldown))
		rs.SwitchCooldownMs = defaultCooldown
	}
	if rs.HysteresisDb < 0 || rs.HysteresisDb > maxHysteresisDb {
		warnings = append(warnings, fmt.Sprintf("hysteresisDb %v out of range, using %v", rs.HysteresisDb, defaultHysteresis))
		rs.HysteresisDb = defaultHysteresis
	}
	if rs.DefaultHoldMs < 0 || rs.DefaultHoldMs > maxHoldMs {
		warnings = append(warnings, fmt.Sprintf("defaultHoldMs %d out of range, using %d", rs.DefaultHoldMs, defaultHold))
		rs.DefaultHoldMs = defaultHold
	}

	seen := make(map[string]bool, len(rs.Rules))
	kept := rs.Rules[:0]
	for i := range rs.Rules {
		r := rs.Rules[i]
		if r.ID == "" || r.InputName == "" || r.SceneName == "" {
			warnings = append(warnings, fmt.Sprintf("rule %d missing id/inputName/sceneName, skipped", i))
			continue
		}
		if seen[r.ID] {
			warnings = append(warnings, fmt.Sprintf("duplicate rule id %q, skipped", r.ID))
			continue
		}
		seen[r.ID] = true
		r.ActivationDb = clampF(r.ActivationDb, minActivationDb, maxActivationDb)
		if r.HoldMs != nil {
			h := clampI(*r.HoldMs, 0, maxHoldMs)
			r.HoldMs = &h
		}
		kept = append(kept, r)
	}
	rs.Rules = kept
	return warnings
}

// loadRuleSet reads and normalizes the rules document. Unlike chaos presets
// the document is small and all-or-nothing: a structural parse failure
// rejects the whole reload with a 400-class error.
func loadRuleSet(path string) (*RuleSet, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, datatypes.NewBadRequest("read rules document: %v", err)
	}
	var rs RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, nil, datatypes.NewBadRequest("parse rules document: %v", err)
	}
	warnings := normalizeRuleSet(&rs)
	return &rs, warnings, nil
}

// normalizeInput is the meter-table key: case- and whitespace-insensitive so
// "Mic " and "mic" hit the same reading.
func normalizeInput(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
