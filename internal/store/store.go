// Package store provides SQLite-backed persistence for runs, attempts, and
// events. It is the run repository behind the orchestrator and the query API.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id                TEXT PRIMARY KEY,
	provider          TEXT NOT NULL,
	repository        TEXT NOT NULL,
	branch            TEXT NOT NULL,
	commit_sha        TEXT NOT NULL,
	pipeline_url      TEXT NOT NULL DEFAULT '',
	error_hash        TEXT NOT NULL,
	error_type        TEXT NOT NULL DEFAULT '',
	error_summary     TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	attempt_count     INTEGER NOT NULL DEFAULT 0,
	max_attempts      INTEGER NOT NULL DEFAULT 3,
	pr_url            TEXT NOT NULL DEFAULT '',
	pr_number         INTEGER NOT NULL DEFAULT 0,
	pr_state          TEXT NOT NULL DEFAULT 'none',
	pr_branch         TEXT NOT NULL DEFAULT '',
	ai_provider       TEXT NOT NULL DEFAULT '',
	ai_model          TEXT NOT NULL DEFAULT '',
	resolved_by       TEXT NOT NULL DEFAULT 'none',
	human_note        TEXT NOT NULL DEFAULT '',
	escalation_reason TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_fingerprint
	ON runs(repository, commit_sha, error_hash);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_repository ON runs(repository);

CREATE TABLE IF NOT EXISTS attempts (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	attempt_no     INTEGER NOT NULL,
	status         TEXT NOT NULL,
	diagnosis      TEXT NOT NULL DEFAULT '',
	proposed_fix   TEXT NOT NULL DEFAULT '',
	validation_log TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	engine_used    TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL,
	UNIQUE(run_id, attempt_no)
);

CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	event_type TEXT NOT NULL,
	actor      TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	payload    TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, created_at);
`

// Store provides SQLite-backed run persistence.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at dbPath and applies the
// schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One writer connection keeps the pure-Go driver free of lock
	// contention between workers and the API.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
