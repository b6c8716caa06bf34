package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bulwarkhq/bulwark/internal/metrics"
)

// Transition is one recorded entity state change.
type Transition struct {
	ID     int64
	Entity string
	Kind   string // breaker | lifecycle | health
	From   string
	To     string
	At     time.Time
}

// AuditStore persists entity state transitions and periodic metrics
// snapshots. It is an audit trail, not the source of truth: all live state
// lives in memory and the host runs fine if writes fail.
type AuditStore struct {
	db *sql.DB
}

// Open opens (and creates if needed) the SQLite database at path and ensures
// required tables exist. The path must be on a local filesystem.
func Open(ctx context.Context, path string) (*AuditStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &AuditStore{db: db}, nil
}

// Close closes the underlying database.
func (s *AuditStore) Close() error { return s.db.Close() }

// bootstrap creates tables/indexes if missing.
func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS state_transitions (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  entity     TEXT NOT NULL,
  kind       TEXT NOT NULL,
  from_state TEXT NOT NULL,
  to_state   TEXT NOT NULL,
  at         TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS metrics_snapshots (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  entity       TEXT NOT NULL,
  total        INTEGER NOT NULL,
  errors       INTEGER NOT NULL,
  error_rate   REAL NOT NULL,
  p50_ms       REAL NOT NULL,
  p95_ms       REAL NOT NULL,
  throughput   REAL NOT NULL,
  taken_at     TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS state_transitions_entity_at_idx ON state_transitions(entity, at);`,
		`CREATE INDEX IF NOT EXISTS metrics_snapshots_entity_taken_at_idx ON metrics_snapshots(entity, taken_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

// RecordTransition appends one state change to the audit trail.
func (s *AuditStore) RecordTransition(ctx context.Context, entity, kind, from, to string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_transitions (entity, kind, from_state, to_state, at) VALUES (?, ?, ?, ?, ?)`,
		entity, kind, from, to, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// RecordSnapshot persists one metrics summary for an entity.
func (s *AuditStore) RecordSnapshot(ctx context.Context, entity string, sum metrics.Summary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics_snapshots (entity, total, errors, error_rate, p50_ms, p95_ms, throughput, taken_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entity, sum.Total, sum.Errors, sum.ErrorRate,
		float64(sum.P50)/float64(time.Millisecond),
		float64(sum.P95)/float64(time.Millisecond),
		sum.Throughput,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	return nil
}

// RecentTransitions returns the newest transitions for an entity,
// newest-first, up to limit.
func (s *AuditStore) RecentTransitions(ctx context.Context, entity string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity, kind, from_state, to_state, at
		 FROM state_transitions WHERE entity = ? ORDER BY id DESC LIMIT ?`,
		entity, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var at string
		if err := rows.Scan(&tr.ID, &tr.Entity, &tr.Kind, &tr.From, &tr.To, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, tr)
	}
	return out, rows.Err()
}
