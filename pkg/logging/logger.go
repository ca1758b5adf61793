// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for showrunner components.
//
// The logger is a thin layer over the standard library slog package with two
// conventions baked in:
//
//   - Output goes to stderr, text format on an interactive terminal and JSON
//     otherwise, so `showrunnerd` under systemd/podman emits machine-parseable
//     lines without any configuration.
//   - Every component receives a child logger tagged with its component name
//     via With, so a single aggregated stream can be filtered per component.
//
// # Usage
//
//	logger := logging.New(logging.Config{Service: "control"})
//	chaosLog := logger.With("component", "chaos")
//	chaosLog.Info("preset loaded", "id", preset.ID)
//
// The logger does NOT redact sensitive data. Callers must not log the engine
// password or bearer tokens; log presence booleans instead.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

// Level mirrors slog's four severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) toSlog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config configures a Logger. The zero value gives Info-level output to
// stderr with format chosen from the terminal check.
type Config struct {
	// Level is the minimum severity emitted. Default: LevelInfo.
	Level Level

	// Service is attached to every record as the "service" attribute.
	Service string

	// JSON forces JSON output. When neither JSON nor ForceText is set the
	// format is chosen automatically: text on a TTY, JSON otherwise.
	JSON bool

	// ForceText forces human-readable text output regardless of TTY state.
	ForceText bool

	// Writer overrides the destination. Default: os.Stderr. Used by tests.
	Writer io.Writer
}

// Logger wraps slog.Logger. Safe for concurrent use.
type Logger struct {
	slog *slog.Logger
}

// New creates a Logger from config.
func New(config Config) *Logger {
	w := config.Writer
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: config.Level.toSlog()}

	useJSON := config.JSON
	if !config.JSON && !config.ForceText {
		if f, ok := w.(*os.File); ok {
			useJSON = !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
		}
	}
	if config.ForceText {
		useJSON = false
	}

	var handler slog.Handler
	if useJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}
	return &Logger{slog: slog.New(handler)}
}

// Default returns an Info-level stderr logger tagged service=showrunner.
func Default() *Logger {
	return New(Config{Service: "showrunner"})
}

// Discard returns a logger that drops everything. Used by tests that do not
// assert on log output.
func Discard() *Logger {
	return New(Config{Writer: io.Discard, ForceText: true, Level: LevelError})
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a child logger carrying additional attributes. The parent is
// not modified.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...)}
}

// Slog exposes the underlying slog.Logger for libraries that take one.
func (l *Logger) Slog() *slog.Logger { return l.slog }
