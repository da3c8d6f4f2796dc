// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/AleutianAI/forge/services/forge/datatypes"
	"github.com/AleutianAI/forge/services/forge/guardrail"
)

const telemetrySchema = `
CREATE TABLE IF NOT EXISTS learning_events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id VARCHAR(64) NOT NULL UNIQUE,
    run_id VARCHAR(64) NOT NULL,
    session_id VARCHAR(64),
    step_id VARCHAR(128),
    phase VARCHAR(32) NOT NULL,
    strategy VARCHAR(32),
    intent VARCHAR(32),
    blocking_before INTEGER NOT NULL,
    blocking_after INTEGER NOT NULL,
    clusters_before TEXT NOT NULL DEFAULT '[]',
    clusters_after TEXT NOT NULL DEFAULT '[]',
    committed INTEGER NOT NULL,
    outcome VARCHAR(16) NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_learning_events_run ON learning_events(run_id, seq);
CREATE INDEX IF NOT EXISTS idx_learning_events_session ON learning_events(session_id, seq);
`

// Telemetry is the append-only LearningEvent log.
//
// # Thread Safety
//
// Safe for concurrent use; writes are serialized on one connection.
type Telemetry struct {
	db *sql.DB
}

var _ guardrail.EventSource = (*Telemetry)(nil)

// OpenTelemetry opens (and migrates) the telemetry database at path.
func OpenTelemetry(path string) (*Telemetry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create telemetry directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}
	if _, err := db.Exec(telemetrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating telemetry schema: %w", err)
	}
	return &Telemetry{db: db}, nil
}

// Close closes the database.
func (t *Telemetry) Close() error {
	return t.db.Close()
}

// Append records one correction attempt. An empty ID is generated and the
// outcome is derived when unset.
func (t *Telemetry) Append(ctx context.Context, ev datatypes.LearningEvent) (datatypes.LearningEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Outcome == "" {
		ev.Outcome = datatypes.ClassifyOutcome(ev.Committed, ev.BlockingBefore, ev.BlockingAfter, ev.ClustersBefore, ev.ClustersAfter)
	}
	before, err := json.Marshal(nonNil(ev.ClustersBefore))
	if err != nil {
		return ev, err
	}
	after, err := json.Marshal(nonNil(ev.ClustersAfter))
	if err != nil {
		return ev, err
	}
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return ev, err
	}
	if ev.Metadata == nil {
		meta = []byte("{}")
	}

	_, err = t.db.ExecContext(ctx, `
INSERT INTO learning_events
    (id, run_id, session_id, step_id, phase, strategy, intent,
     blocking_before, blocking_after, clusters_before, clusters_after,
     committed, outcome, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RunID, ev.SessionID, ev.StepID, string(ev.Phase), string(ev.Strategy), string(ev.Intent),
		ev.BlockingBefore, ev.BlockingAfter, string(before), string(after),
		ev.Committed, string(ev.Outcome), string(meta), ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return ev, fmt.Errorf("appending learning event: %w", err)
	}
	return ev, nil
}

// RecentEvents returns the newest matching events, oldest first.
func (t *Telemetry) RecentEvents(ctx context.Context, q guardrail.Query) ([]datatypes.LearningEvent, error) {
	var (
		where []string
		args  []any
	)
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.Strategy != "" {
		where = append(where, "strategy = ?")
		args = append(args, string(q.Strategy))
	}
	if q.Cluster != "" {
		where = append(where, "clusters_before LIKE ?")
		args = append(args, `%"`+string(q.Cluster)+`"%`)
	}
	query := `SELECT id, run_id, session_id, step_id, phase, strategy, intent,
    blocking_before, blocking_after, clusters_before, clusters_after,
    committed, outcome, metadata, created_at
FROM learning_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying learning events: %w", err)
	}
	defer rows.Close()

	var out []datatypes.LearningEvent
	for rows.Next() {
		var (
			ev                  datatypes.LearningEvent
			session, step       sql.NullString
			phase, strategy     string
			intent, outcome     string
			before, after, meta string
			created             string
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &session, &step, &phase, &strategy, &intent,
			&ev.BlockingBefore, &ev.BlockingAfter, &before, &after,
			&ev.Committed, &outcome, &meta, &created); err != nil {
			return nil, fmt.Errorf("scanning learning event: %w", err)
		}
		ev.SessionID, ev.StepID = session.String, step.String
		ev.Phase = datatypes.Phase(phase)
		ev.Strategy = datatypes.Strategy(strategy)
		ev.Intent = datatypes.Intent(intent)
		ev.Outcome = datatypes.Outcome(outcome)
		if err := json.Unmarshal([]byte(before), &ev.ClustersBefore); err != nil {
			return nil, fmt.Errorf("decoding clusters of %s: %w", ev.ID, err)
		}
		if err := json.Unmarshal([]byte(after), &ev.ClustersAfter); err != nil {
			return nil, fmt.Errorf("decoding clusters of %s: %w", ev.ID, err)
		}
		if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of %s: %w", ev.ID, err)
		}
		if ev.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("decoding time of %s: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func nonNil(c []datatypes.ClusterType) []datatypes.ClusterType {
	if c == nil {
		return []datatypes.ClusterType{}
	}
	return c
}
