package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/mediaswarm/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// WAL lets the API read while executors write; busy_timeout makes
	// concurrent transitions wait instead of returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Checkpoint flushes the WAL into the main database file so a plain file
// copy is consistent.
func (s *Store) Checkpoint() error {
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS generation_jobs (
			id               TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL,
			user_id          TEXT NOT NULL,
			kind             TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'queued',
			prompt           TEXT NOT NULL,
			negative_prompt  TEXT,
			model            TEXT NOT NULL,
			parameters       TEXT,
			cost_units       INTEGER NOT NULL DEFAULT 0,
			output_urls      TEXT,
			error_message    TEXT,
			metadata         TEXT,
			duration_seconds REAL,
			created_at       DATETIME NOT NULL,
			started_at       DATETIME,
			completed_at     DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_owner ON generation_jobs(tenant_id, user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON generation_jobs(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS swarm_runs (
			id           TEXT PRIMARY KEY,
			kind         TEXT NOT NULL,
			target       TEXT NOT NULL,
			task         TEXT NOT NULL,
			status       TEXT DEFAULT 'running',
			results      TEXT,
			started_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT,
			value       BLOB NOT NULL,
			nonce       BLOB NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Schema additions (idempotent ALTER TABLE)
	alterations := []string{
		`ALTER TABLE generation_jobs ADD COLUMN submission_id TEXT`,
	}
	for _, a := range alterations {
		_, _ = s.db.Exec(a) // ignore "duplicate column" errors
	}

	return nil
}
