// Copyright (C) 2025 Calliope Media (ops@calliope.media)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package eventlog persists an audit trail of automation actions (scene
// switches, chaos runs, replay captures, kill-switch flips) to SQLite so an
// operator can reconstruct what the system did to the show and why.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/calliope-media/showrunner/pkg/logging"
)

// Event is one recorded action.
type Event struct {
	ID          int64          `json:"id"`
	At          time.Time      `json:"at"`
	Kind        string         `json:"kind"`
	Subject     string         `json:"subject,omitempty"`
	TriggeredBy string         `json:"triggeredBy,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// Report aggregates the log for the operator dashboard.
type Report struct {
	Since        time.Time        `json:"since"`
	Total        int64            `json:"total"`
	CountsByKind map[string]int64 `json:"countsByKind"`
	Recent       []Event          `json:"recent"`
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at INTEGER NOT NULL,
	kind TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	triggered_by TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
`

// Store wraps the SQLite database. Safe for concurrent use.
type Store struct {
	db  *sql.DB
	log *logging.Logger
	now func() time.Time
}

// Open opens (and creates if needed) the event database at path.
func Open(path string, log *logging.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event db: %w", err)
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply event db schema: %w", err)
	}
	return &Store{db: db, log: log.With("component", "eventlog"), now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Record appends one event. Failures are returned but callers generally log
// and continue: the audit trail must never take the automation down with it.
func (s *Store) Record(ctx context.Context, kind, subject, triggeredBy string, detail map[string]any) error {
	detailJSON := []byte("{}")
	if len(detail) > 0 {
		var err error
		detailJSON, err = json.Marshal(detail)
		if err != nil {
			detailJSON = []byte("{}")
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (at, kind, subject, triggered_by, detail) VALUES (?, ?, ?, ?, ?)`,
		s.now().UnixMilli(), kind, subject, triggeredBy, string(detailJSON))
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// Recent returns the newest events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, kind, subject, triggered_by, detail FROM events ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev         Event
			atMilli    int64
			detailJSON string
		)
		if err := rows.Scan(&ev.ID, &atMilli, &ev.Kind, &ev.Subject, &ev.TriggeredBy, &detailJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.At = time.UnixMilli(atMilli).UTC()
		if detailJSON != "" && detailJSON != "{}" {
			if err := json.Unmarshal([]byte(detailJSON), &ev.Detail); err != nil {
				s.log.Warn("undecodable event detail", "id", ev.ID, "error", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// BuildReport aggregates events since the given time.
func (s *Store) BuildReport(ctx context.Context, since time.Time, recentLimit int) (*Report, error) {
	report := &Report{Since: since.UTC(), CountsByKind: make(map[string]int64)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM events WHERE at >= ? GROUP BY kind`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("aggregate events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind  string
			count int64
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		report.CountsByKind[kind] = count
		report.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recent, err := s.Recent(ctx, recentLimit)
	if err != nil {
		return nil, err
	}
	report.Recent = recent
	return report, nil
}
