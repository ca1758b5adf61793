// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads showrunner settings from environment variables.
//
// Every numeric setting is bounded. A missing, malformed, or out-of-range
// value falls back to its documented default instead of propagating NaN,
// zero, or a negative duration into a component. Defaults are operator-scale:
// they produce a working local setup against an engine on localhost with no
// environment at all.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration for the control service.
// Constructed once in main and passed by reference to every component.
type Config struct {
	// Engine connection.
	EngineURL       string        // SHOWRUNNER_OBS_URL
	EnginePassword  string        // SHOWRUNNER_OBS_PASSWORD
	ReconnectBase   time.Duration // SHOWRUNNER_RECONNECT_BASE_MS
	ReconnectMax    time.Duration // SHOWRUNNER_RECONNECT_MAX_MS
	StatusPollEvery time.Duration // SHOWRUNNER_STATUS_POLL_MS
	EngineCallLimit time.Duration // SHOWRUNNER_CALL_TIMEOUT_MS

	// HTTP front door.
	HTTPAddr  string // SHOWRUNNER_HTTP_ADDR
	AuthToken string // SHOWRUNNER_AUTH_TOKEN (empty disables auth)

	// Safety manager.
	SafetyWindow     time.Duration // SHOWRUNNER_SAFETY_WINDOW_MS
	SafetyMaxActions int           // SHOWRUNNER_SAFETY_MAX_ACTIONS

	// Config documents.
	PresetDir       string // SHOWRUNNER_PRESET_DIR
	RulesPath       string // SHOWRUNNER_RULES_PATH
	PermissionsPath string // SHOWRUNNER_PERMISSIONS_PATH
	WatchDocuments  bool   // SHOWRUNNER_WATCH_CONFIG

	// Auto director.
	MeterPollEvery time.Duration // SHOWRUNNER_METER_POLL_MS
	MeterStaleness time.Duration // SHOWRUNNER_METER_STALE_MS

	// Replay director.
	ReplaySettle       time.Duration // SHOWRUNNER_REPLAY_SETTLE_MS
	ReplayAutoStart    bool          // SHOWRUNNER_REPLAY_AUTOSTART
	ReplayMediaInput   string        // SHOWRUNNER_REPLAY_MEDIA_INPUT
	LowerThirdScene    string        // SHOWRUNNER_LOWER_THIRD_SCENE
	LowerThirdSource   string        // SHOWRUNNER_LOWER_THIRD_SOURCE
	LowerThirdDuration time.Duration // SHOWRUNNER_LOWER_THIRD_MS
	ChapterMarkers     bool          // SHOWRUNNER_CHAPTER_MARKERS

	// Plugin bridge.
	VendorDefaultAllow bool // SHOWRUNNER_VENDOR_DEFAULT_ALLOW
	VendorEventBuffer  int  // SHOWRUNNER_VENDOR_EVENT_BUFFER

	// Event audit log.
	EventDBPath string // SHOWRUNNER_EVENT_DB

	// Visuals sidecar.
	OverlayBaseURL string        // SHOWRUNNER_OVERLAY_URL (empty disables)
	OverlayTimeout time.Duration // SHOWRUNNER_OVERLAY_TIMEOUT_MS

	// Observability.
	TracingEnabled bool // SHOWRUNNER_TRACING
}

// Load reads the full configuration from the process environment.
func Load() *Config {
	return &Config{
		EngineURL:       ReadString("SHOWRUNNER_OBS_URL", "ws://localhost:4455"),
		EnginePassword:  ReadString("SHOWRUNNER_OBS_PASSWORD", ""),
		ReconnectBase:   ReadMillis("SHOWRUNNER_RECONNECT_BASE_MS", 1000, 100, 30_000),
		ReconnectMax:    ReadMillis("SHOWRUNNER_RECONNECT_MAX_MS", 30_000, 1000, 300_000),
		StatusPollEvery: ReadMillis("SHOWRUNNER_STATUS_POLL_MS", 4000, 500, 60_000),
		EngineCallLimit: ReadMillis("SHOWRUNNER_CALL_TIMEOUT_MS", 7000, 500, 60_000),

		HTTPAddr:  ReadString("SHOWRUNNER_HTTP_ADDR", ":5555"),
		AuthToken: ReadString("SHOWRUNNER_AUTH_TOKEN", ""),

		SafetyWindow:     ReadMillis("SHOWRUNNER_SAFETY_WINDOW_MS", 60_000, 1000, 600_000),
		SafetyMaxActions: ReadInt("SHOWRUNNER_SAFETY_MAX_ACTIONS", 30, 1, 1000),

		PresetDir:       ReadString("SHOWRUNNER_PRESET_DIR", "config/presets"),
		RulesPath:       ReadString("SHOWRUNNER_RULES_PATH", "config/rules.json"),
		PermissionsPath: ReadString("SHOWRUNNER_PERMISSIONS_PATH", "config/permissions.json"),
		WatchDocuments:  ReadBool("SHOWRUNNER_WATCH_CONFIG", true),

		MeterPollEvery: ReadMillis("SHOWRUNNER_METER_POLL_MS", 700, 100, 5000),
		MeterStaleness: ReadMillis("SHOWRUNNER_METER_STALE_MS", 1800, 200, 10_000),

		ReplaySettle:       ReadMillis("SHOWRUNNER_REPLAY_SETTLE_MS", 400, 0, 5000),
		ReplayAutoStart:    ReadBool("SHOWRUNNER_REPLAY_AUTOSTART", true),
		ReplayMediaInput:   ReadString("SHOWRUNNER_REPLAY_MEDIA_INPUT", ""),
		LowerThirdScene:    ReadString("SHOWRUNNER_LOWER_THIRD_SCENE", ""),
		LowerThirdSource:   ReadString("SHOWRUNNER_LOWER_THIRD_SOURCE", ""),
		LowerThirdDuration: ReadMillis("SHOWRUNNER_LOWER_THIRD_MS", 4000, 500, 60_000),
		ChapterMarkers:     ReadBool("SHOWRUNNER_CHAPTER_MARKERS", false),

		VendorDefaultAllow: ReadBool("SHOWRUNNER_VENDOR_DEFAULT_ALLOW", false),
		VendorEventBuffer:  ReadInt("SHOWRUNNER_VENDOR_EVENT_BUFFER", 50, 1, 1000),

		EventDBPath: ReadString("SHOWRUNNER_EVENT_DB", "showrunner.db"),

		OverlayBaseURL: ReadString("SHOWRUNNER_OVERLAY_URL", ""),
		OverlayTimeout: ReadMillis("SHOWRUNNER_OVERLAY_TIMEOUT_MS", 2500, 250, 30_000),

		TracingEnabled: ReadBool("SHOWRUNNER_TRACING", false),
	}
}

// ReadString returns the trimmed env value, or fallback when unset or blank.
// Surrounding quotes are stripped in case a compose file passes them through
// literally.
func ReadString(name, fallback string) string {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	trimmed := strings.Trim(strings.TrimSpace(raw), `"'`)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

// ReadInt parses an integer env value and clamps nothing: a value outside
// [min, max] is treated as malformed and the fallback is returned. This keeps
// a typo'd "100000" from silently becoming the ceiling.
func ReadInt(name string, fallback, min, max int) int {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v < min || v > max {
		return fallback
	}
	return v
}

// ReadMillis reads an integer millisecond value bounded by [min, max] and
// returns it as a duration.
func ReadMillis(name string, fallback, min, max int) time.Duration {
	return time.Duration(ReadInt(name, fallback, min, max)) * time.Millisecond
}

// ReadFloat parses a float env value bounded by [min, max].
func ReadFloat(name string, fallback, min, max float64) float64 {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || v != v || v < min || v > max {
		return fallback
	}
	return v
}

// ReadBool accepts 1/true/yes/on and 0/false/no/off, case-insensitive.
// Anything else falls back.
func ReadBool(name string, fallback bool) bool {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
