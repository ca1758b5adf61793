// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "ws://localhost:4455", cfg.EngineURL)
	assert.Equal(t, ":5555", cfg.HTTPAddr)
	assert.Equal(t, time.Second, cfg.ReconnectBase)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMax)
	assert.Equal(t, 30, cfg.SafetyMaxActions)
	assert.Equal(t, 700*time.Millisecond, cfg.MeterPollEvery)
	assert.True(t, cfg.WatchDocuments)
	assert.False(t, cfg.TracingEnabled)
}

func TestReadStringStripsQuotes(t *testing.T) {
	t.Setenv("SHOWRUNNER_TEST_STR", `  "ws://engine:4455"  `)
	assert.Equal(t, "ws://engine:4455", ReadString("SHOWRUNNER_TEST_STR", "x"))

	t.Setenv("SHOWRUNNER_TEST_STR", "   ")
	assert.Equal(t, "x", ReadString("SHOWRUNNER_TEST_STR", "x"))
}

// Malformed or out-of-range values fall back to the default rather than being
// clamped: a typo never silently becomes the ceiling.
func TestReadIntFallback(t *testing.T) {
	cases := map[string]int{
		"250":      250,
		"5":        42, // below min
		"99999999": 42, // above max
		"abc":      42,
		"":         42,
		"3.5":      42,
	}
	for raw, want := range cases {
		t.Setenv("SHOWRUNNER_TEST_INT", raw)
		assert.Equal(t, want, ReadInt("SHOWRUNNER_TEST_INT", 42, 10, 1000), "raw %q", raw)
	}
}

func TestReadMillis(t *testing.T) {
	t.Setenv("SHOWRUNNER_TEST_MS", "1500")
	assert.Equal(t, 1500*time.Millisecond, ReadMillis("SHOWRUNNER_TEST_MS", 400, 100, 10_000))

	t.Setenv("SHOWRUNNER_TEST_MS", "-1")
	assert.Equal(t, 400*time.Millisecond, ReadMillis("SHOWRUNNER_TEST_MS", 400, 100, 10_000))
}

func TestReadFloatRejectsNaN(t *testing.T) {
	t.Setenv("SHOWRUNNER_TEST_F", "NaN")
	assert.Equal(t, 3.0, ReadFloat("SHOWRUNNER_TEST_F", 3.0, 0, 60))

	t.Setenv("SHOWRUNNER_TEST_F", "4.5")
	assert.Equal(t, 4.5, ReadFloat("SHOWRUNNER_TEST_F", 3.0, 0, 60))
}

func TestReadBool(t *testing.T) {
	for _, raw := range []string{"1", "true", "YES", "On"} {
		t.Setenv("SHOWRUNNER_TEST_B", raw)
		assert.True(t, ReadBool("SHOWRUNNER_TEST_B", false), "raw %q", raw)
	}
	for _, raw := range []string{"0", "false", "No", "OFF"} {
		t.Setenv("SHOWRUNNER_TEST_B", raw)
		assert.False(t, ReadBool("SHOWRUNNER_TEST_B", true), "raw %q", raw)
	}
	t.Setenv("SHOWRUNNER_TEST_B", "maybe")
	assert.True(t, ReadBool("SHOWRUNNER_TEST_B", true))
}
