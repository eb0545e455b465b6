// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package store implements C12: the persistence model. Two tables,
// StreamSession and UploadedVideo, single-process single-writer, with
// every logical state change (edge event, bucket step, BVID update)
// wrapped in a transaction that rolls back on error.
//
// Connection setup is grounded on the teacher's
// internal/persistence/sqlite/config.go (WAL mode, busy_timeout,
// foreign_keys, pure-Go modernc.org/sqlite driver) verbatim in spirit;
// the schema is new (StreamSession/UploadedVideo are this domain's
// entities, not xg2g's HLS session concept).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Config defines standard SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns the operational defaults used in production.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 1, // single-writer semantics per spec.md §4.12/§5
	}
}

// Store wraps the database handle and exposes the C10/C11/C12 operations.
type Store struct {
	db *sql.DB
}

// Open initializes the SQLite connection and applies the schema.
func Open(dbPath string, cfg Config) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open failed: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping failed: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

const schemaV1 = `
CREATE TABLE IF NOT EXISTS stream_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	streamer_name TEXT NOT NULL,
	start_time TEXT,
	end_time TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stream_sessions_streamer ON stream_sessions(streamer_name);
CREATE INDEX IF NOT EXISTS idx_stream_sessions_open ON stream_sessions(streamer_name, end_time);

CREATE TABLE IF NOT EXISTS uploaded_videos (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	bvid TEXT UNIQUE,
	title TEXT NOT NULL,
	first_part_filename TEXT NOT NULL UNIQUE,
	upload_time TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_uploaded_videos_upload_time ON uploaded_videos(upload_time);
`

// migrate applies the additive schema. Unlike the teacher's dev-mode
// sqlite_store.go (which drops tables on a version bump), this schema
// is additive-only: production persistence must never discard rows on
// restart.
func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}
	if version >= 1 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "PRAGMA user_version = 1"); err != nil {
		return fmt.Errorf("store: set schema version: %w", err)
	}
	return tx.Commit()
}
