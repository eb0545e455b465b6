// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dy2bili/relaycast/internal/clock"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

func scanTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeFmt, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func timePtrToNull(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(timeFmt), Valid: true}
}

func scanSession(row interface{ Scan(...any) error }) (StreamSession, error) {
	var s StreamSession
	var start, end sql.NullString
	var created string
	if err := row.Scan(&s.ID, &s.StreamerName, &start, &end, &created); err != nil {
		return StreamSession{}, err
	}
	var err error
	if s.StartTime, err = scanTimePtr(start); err != nil {
		return StreamSession{}, err
	}
	if s.EndTime, err = scanTimePtr(end); err != nil {
		return StreamSession{}, err
	}
	if s.CreatedAt, err = time.Parse(timeFmt, created); err != nil {
		return StreamSession{}, err
	}
	return s, nil
}

// OpenSession finds the most recent open session (start set, end null)
// for a streamer. Returns ErrNotFound if none exists.
func (s *Store) OpenSession(ctx context.Context, streamerName string) (StreamSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, streamer_name, start_time, end_time, created_at
		FROM stream_sessions
		WHERE streamer_name = ? AND start_time IS NOT NULL AND end_time IS NULL
		ORDER BY start_time DESC LIMIT 1`, streamerName)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StreamSession{}, ErrNotFound
	}
	if err != nil {
		return StreamSession{}, fmt.Errorf("store: open session: %w", err)
	}
	return sess, nil
}

// openSessionsTx lists every open session for a streamer, most recent
// first. Used to detect and close the spec.md §9 "second open session"
// anomaly before inserting a new one.
func openSessionsTx(ctx context.Context, tx *sql.Tx, streamerName string) ([]StreamSession, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, streamer_name, start_time, end_time, created_at
		FROM stream_sessions
		WHERE streamer_name = ? AND start_time IS NOT NULL AND end_time IS NULL
		ORDER BY start_time DESC`, streamerName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StreamSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// OpenNewSession records an offline→live edge (spec.md §4.7). If a prior
// open session already exists for this streamer — violating invariant 3 —
// it is closed with end_time=now before the new one opens, and the
// anomaly is returned via anomalyClosed so the caller can log it
// (spec.md §9 Open Question: "close the older one before opening a new
// one and log the anomaly").
func (s *Store) OpenNewSession(ctx context.Context, streamerName string, startTime time.Time) (id int64, anomalyClosed []int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := openSessionsTx(ctx, tx, streamerName)
	if err != nil {
		return 0, nil, fmt.Errorf("store: check open sessions: %w", err)
	}
	now := clock.Now()
	for _, e := range existing {
		if _, err := tx.ExecContext(ctx, `UPDATE stream_sessions SET end_time=? WHERE id=?`, now.Format(timeFmt), e.ID); err != nil {
			return 0, nil, fmt.Errorf("store: close anomalous open session %d: %w", e.ID, err)
		}
		anomalyClosed = append(anomalyClosed, e.ID)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO stream_sessions (streamer_name, start_time, end_time, created_at)
		VALUES (?, ?, NULL, ?)`, streamerName, startTime.Format(timeFmt), now.Format(timeFmt))
	if err != nil {
		return 0, nil, fmt.Errorf("store: insert session: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, nil, err
	}
	return id, anomalyClosed, tx.Commit()
}

// CloseSession records a live→offline edge. If no open session exists,
// a session with start_time=null is inserted instead (spec.md §4.7).
func (s *Store) CloseSession(ctx context.Context, streamerName string, endTime time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	open, err := openSessionsTx(ctx, tx, streamerName)
	if err != nil {
		return fmt.Errorf("store: find open session: %w", err)
	}

	if len(open) > 0 {
		// Most recent open session takes the edge; any further anomalous
		// open sessions are closed at the same instant.
		for _, sess := range open {
			if _, err := tx.ExecContext(ctx, `UPDATE stream_sessions SET end_time=? WHERE id=?`, endTime.Format(timeFmt), sess.ID); err != nil {
				return fmt.Errorf("store: close session %d: %w", sess.ID, err)
			}
		}
		return tx.Commit()
	}

	now := clock.Now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stream_sessions (streamer_name, start_time, end_time, created_at)
		VALUES (?, NULL, ?, ?)`, streamerName, endTime.Format(timeFmt), now.Format(timeFmt)); err != nil {
		return fmt.Errorf("store: insert close-only session: %w", err)
	}
	return tx.Commit()
}

// StaleSweep implements the stale_sweeper job (spec.md §4.8): every open
// session whose start_time is older than staleAfter gets end_time set to
// min(start_time+cap, now). Returns the IDs updated.
func (s *Store) StaleSweep(ctx context.Context, staleAfter, cap time.Duration) ([]int64, error) {
	now := clock.Now()
	horizon := now.Add(-staleAfter)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, streamer_name, start_time, end_time, created_at
		FROM stream_sessions
		WHERE start_time IS NOT NULL AND end_time IS NULL AND start_time < ?`, horizon.Format(timeFmt))
	if err != nil {
		return nil, fmt.Errorf("store: query stale sessions: %w", err)
	}
	var stale []StreamSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var updated []int64
	for _, sess := range stale {
		end := sess.StartTime.Add(cap)
		if end.After(now) {
			end = now
		}
		if _, err := tx.ExecContext(ctx, `UPDATE stream_sessions SET end_time=? WHERE id=?`, end.Format(timeFmt), sess.ID); err != nil {
			return nil, fmt.Errorf("store: cap stale session %d: %w", sess.ID, err)
		}
		updated = append(updated, sess.ID)
	}
	return updated, tx.Commit()
}

// SessionsForGrouping returns complete sessions ending within `within`
// plus the single most recent open session, if any — the candidate set
// C10 assigns upload files into (spec.md §4.10 step 1).
func (s *Store) SessionsForGrouping(ctx context.Context, streamerName string, within time.Duration) ([]StreamSession, error) {
	now := clock.Now()
	cutoff := now.Add(-within)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, streamer_name, start_time, end_time, created_at
		FROM stream_sessions
		WHERE streamer_name = ? AND start_time IS NOT NULL AND end_time IS NOT NULL AND end_time > ?
		ORDER BY start_time ASC`, streamerName, cutoff.Format(timeFmt))
	if err != nil {
		return nil, fmt.Errorf("store: query complete sessions: %w", err)
	}
	var out []StreamSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	open, err := s.OpenSession(ctx, streamerName)
	if err == nil {
		out = append(out, open)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return out, nil
}
