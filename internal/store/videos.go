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

// ErrDuplicateBVID is returned when an update would assign a non-null
// BVID already held by another row (spec.md §3 invariant 2).
var ErrDuplicateBVID = errors.New("store: bvid already assigned to another row")

func scanVideo(row interface{ Scan(...any) error }) (UploadedVideo, error) {
	var v UploadedVideo
	var bvid sql.NullString
	var uploadTime, created string
	if err := row.Scan(&v.ID, &bvid, &v.Title, &v.FirstPartFilename, &uploadTime, &created); err != nil {
		return UploadedVideo{}, err
	}
	if bvid.Valid {
		b := bvid.String
		v.BVID = &b
	}
	var err error
	if v.UploadTime, err = time.Parse(timeFmt, uploadTime); err != nil {
		return UploadedVideo{}, err
	}
	if v.CreatedAt, err = time.Parse(timeFmt, created); err != nil {
		return UploadedVideo{}, err
	}
	return v, nil
}

const videoCols = "id, bvid, title, first_part_filename, upload_time, created_at"

// FindByFilename implements the idempotency check used before any upload
// attempt (spec.md §3 invariant 1, §4.11 step "Re-check idempotency key").
func (s *Store) FindByFilename(ctx context.Context, filename string) (UploadedVideo, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+videoCols+` FROM uploaded_videos WHERE first_part_filename = ?`, filename)
	v, err := scanVideo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return UploadedVideo{}, ErrNotFound
	}
	if err != nil {
		return UploadedVideo{}, fmt.Errorf("store: find by filename: %w", err)
	}
	return v, nil
}

// InsertVideo records an upload attempt. bvid may be nil (pending
// discovery). Must be called before any local-file deletion (spec.md
// §4.11 step 5).
func (s *Store) InsertVideo(ctx context.Context, v UploadedVideo) (int64, error) {
	now := clock.Now()
	var bvidArg any
	if v.BVID != nil {
		bvidArg = *v.BVID
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO uploaded_videos (bvid, title, first_part_filename, upload_time, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		bvidArg, v.Title, v.FirstPartFilename, v.UploadTime.Format(timeFmt), now.Format(timeFmt))
	if err != nil {
		return 0, fmt.Errorf("store: insert video: %w", err)
	}
	return res.LastInsertId()
}

// SetBVID backfills the BVID for a pending row, but only if no other row
// already holds that BVID (spec.md §3 invariant 2, §4.11 "BVID backfill
// pass"). Returns ErrDuplicateBVID (and rolls back, keeping the prior
// row) if the BVID is already taken.
func (s *Store) SetBVID(ctx context.Context, id int64, bvid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM uploaded_videos WHERE bvid = ? AND id != ?`, bvid, id).Scan(&existingID)
	if err == nil {
		return ErrDuplicateBVID
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: check bvid uniqueness: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE uploaded_videos SET bvid = ? WHERE id = ?`, bvid, id); err != nil {
		return fmt.Errorf("store: set bvid: %w", err)
	}
	return tx.Commit()
}

// BVIDInInterval returns the most recent non-null BVID whose upload_time
// falls in [start, end] (spec.md §4.10: "append to that bvid"), together
// with the number of rows of any bvid status in that interval.
func (s *Store) BVIDInInterval(ctx context.Context, start, end time.Time) (string, int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT bvid FROM uploaded_videos
		WHERE bvid IS NOT NULL AND upload_time BETWEEN ? AND ?
		ORDER BY upload_time DESC LIMIT 1`, start.Format(timeFmt), end.Format(timeFmt))
	var bvid string
	if err := row.Scan(&bvid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, ErrNotFound
		}
		return "", 0, fmt.Errorf("store: bvid in interval: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM uploaded_videos WHERE upload_time BETWEEN ? AND ?`,
		start.Format(timeFmt), end.Format(timeFmt)).Scan(&count); err != nil {
		return "", 0, fmt.Errorf("store: count parts for bvid: %w", err)
	}
	return bvid, count, nil
}

// PendingInInterval reports whether a bvid=null row exists with
// upload_time in [start, end] (spec.md §4.10's pending-bvid guard, S5).
func (s *Store) PendingInInterval(ctx context.Context, start, end time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM uploaded_videos
		WHERE bvid IS NULL AND upload_time BETWEEN ? AND ?`, start.Format(timeFmt), end.Format(timeFmt)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: pending in interval: %w", err)
	}
	return count > 0, nil
}

// MissingBVID lists every row still awaiting BVID discovery, most recent
// first — the input to the backfill pass (spec.md §4.11).
func (s *Store) MissingBVID(ctx context.Context) ([]UploadedVideo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+videoCols+` FROM uploaded_videos WHERE bvid IS NULL ORDER BY upload_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: query missing bvid: %w", err)
	}
	defer rows.Close()
	var out []UploadedVideo
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// OlderThan lists rows whose created_at is older than the cutoff — the
// delayed-delete sweeper's candidate set (spec.md §4.8 delayed_delete,
// S7).
func (s *Store) OlderThan(ctx context.Context, cutoff time.Time) ([]UploadedVideo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+videoCols+` FROM uploaded_videos WHERE created_at < ?`, cutoff.Format(timeFmt))
	if err != nil {
		return nil, fmt.Errorf("store: query older than: %w", err)
	}
	defer rows.Close()
	var out []UploadedVideo
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
