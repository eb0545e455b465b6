// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package grouping implements C10: mapping the candidate upload files
// sitting in the upload folder onto live-session time windows, and
// deciding whether each resulting bucket should create a new submission,
// append to an existing one, or be skipped while a prior create awaits
// its BVID. Grounded on
// original_source/video_processor.py#upload_to_bilibili (the session-
// window construction) and original_source/uploader.py (the pending-bvid
// skip refinement, a materially more complete behavior than
// video_processor.py's version and the one this package follows).
package grouping

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dy2bili/relaycast/internal/clock"
	"github.com/dy2bili/relaycast/internal/log"
	"github.com/dy2bili/relaycast/internal/store"
)

// File is one candidate file in the upload folder, with its timestamp
// already extracted from its filename.
type File struct {
	Path      string
	Timestamp time.Time
}

// Action is the decision a Bucket resolves to.
type Action int

const (
	// ActionCreate means the bucket's first file should be submitted as
	// a brand-new video; the rest of the bucket is left for next run.
	ActionCreate Action = iota
	// ActionAppend means every file in the bucket should be appended as
	// a part to ExistingBVID, starting at part number StartPart.
	ActionAppend
	// ActionSkip means a prior create in this window is still awaiting
	// its BVID; nothing in this bucket is touched this run.
	ActionSkip
)

// Bucket is one session's (or the unassigned group's) worth of files,
// sorted by timestamp, along with the resolved action.
type Bucket struct {
	SessionID     int64 // 0 for the unassigned bucket
	Unassigned    bool
	Files         []File
	Action        Action
	ExistingBVID  string // set only when Action == ActionAppend
	StartPartNum  int    // set only when Action == ActionAppend
}

// filenameTimestampMarker is the literal substring spec.md §6 documents
// as the wire-level contract in BASE filenames: "{streamer}录播YYYY-MM-DDTHH_mm_ss".
const filenameTimestampMarker = "录播"

const filenameTimestampLayout = "2006-01-02 15_04_05"

// TimestampFromFilename extracts the recording start time encoded in a
// BASE filename. On any parse failure it logs the exact fallback warning
// and returns the current time, matching get_timestamp_from_filename:
// such files sort last and must still land in the unassigned bucket
// rather than being silently dropped.
func TimestampFromFilename(path string) time.Time {
	logger := log.WithComponent("grouping")

	base := path
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}

	idx := strings.LastIndex(base, filenameTimestampMarker)
	if idx < 0 {
		logger.Warn().Str("filename", base).Msg("无法从文件名解析时间戳，将使用当前时间")
		return clock.Now()
	}
	rest := base[idx+len(filenameTimestampMarker):]
	if dot := strings.LastIndexByte(rest, '.'); dot >= 0 {
		rest = rest[:dot]
	}
	rest = strings.ReplaceAll(rest, "T", " ")

	ts, err := time.ParseInLocation(filenameTimestampLayout, rest, clock.LocalZone)
	if err != nil {
		logger.Warn().Str("filename", base).Err(err).Msg("无法从文件名解析时间戳，将使用当前时间")
		return clock.Now()
	}
	return ts
}

// interval is a session's matching window, [start-buffer, (end|now)+buffer].
type interval struct {
	sessionID int64
	start     time.Time
	end       time.Time
}

func (iv interval) contains(t time.Time) bool {
	return !t.Before(iv.start) && !t.After(iv.end)
}

// BuildBuckets assigns files to session intervals and resolves each
// bucket's action by consulting the store for existing/pending BVIDs in
// that interval, per spec.md §4.10. files must already carry their
// extracted timestamp (see TimestampFromFilename); buffer is
// STREAM_START_TIME_ADJUSTMENT.
func BuildBuckets(ctx context.Context, st *store.Store, sessions []store.StreamSession, files []File, buffer time.Duration) ([]Bucket, error) {
	logger := log.WithComponent("grouping")

	sort.Slice(files, func(i, j int) bool { return files[i].Timestamp.Before(files[j].Timestamp) })

	intervals := make([]interval, 0, len(sessions))
	for _, s := range sessions {
		if s.StartTime == nil {
			continue
		}
		end := clock.Now()
		if s.EndTime != nil {
			end = *s.EndTime
		}
		intervals = append(intervals, interval{
			sessionID: s.ID,
			start:     s.StartTime.Add(-buffer),
			end:       end.Add(buffer),
		})
	}

	grouped := make(map[int64][]File)
	var unassigned []File

	for _, f := range files {
		matched := false
		for _, iv := range intervals {
			if iv.contains(f.Timestamp) {
				grouped[iv.sessionID] = append(grouped[iv.sessionID], f)
				matched = true
				break
			}
		}
		if !matched {
			unassigned = append(unassigned, f)
			logger.Warn().Str("file", f.Path).Time("timestamp", f.Timestamp).Msg("file matches no session interval, leaving unassigned")
		}
	}

	var buckets []Bucket
	for _, iv := range intervals {
		fs, ok := grouped[iv.sessionID]
		if !ok {
			continue
		}
		b, err := resolveBucket(ctx, st, iv.sessionID, false, fs, iv.start, iv.end)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}

	if len(unassigned) > 0 {
		buckets = append(buckets, Bucket{Unassigned: true, Files: unassigned, Action: ActionSkip})
	}

	return buckets, nil
}

// resolveBucket decides create/append/skip for one session's files,
// matching uploader.py's existing_bvid / pending_record logic exactly:
// an existing non-null bvid in the window means append; failing that, a
// pending (bvid=null) row in the window means skip this run entirely
// (a prior create is awaiting its bvid); otherwise create.
func resolveBucket(ctx context.Context, st *store.Store, sessionID int64, unassigned bool, files []File, start, end time.Time) (Bucket, error) {
	bvid, count, err := st.BVIDInInterval(ctx, start, end)
	switch {
	case err == nil:
		return Bucket{
			SessionID:    sessionID,
			Unassigned:   unassigned,
			Files:        files,
			Action:       ActionAppend,
			ExistingBVID: bvid,
			StartPartNum: count + 1,
		}, nil
	case err == store.ErrNotFound:
		// fall through to the pending check
	default:
		return Bucket{}, fmt.Errorf("grouping: bvid in interval: %w", err)
	}

	pending, err := st.PendingInInterval(ctx, start, end)
	if err != nil {
		return Bucket{}, fmt.Errorf("grouping: pending in interval: %w", err)
	}
	if pending {
		return Bucket{SessionID: sessionID, Unassigned: unassigned, Files: files, Action: ActionSkip}, nil
	}

	return Bucket{SessionID: sessionID, Unassigned: unassigned, Files: files, Action: ActionCreate}, nil
}
