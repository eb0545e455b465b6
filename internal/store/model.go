// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import "time"

// StreamSession is one contiguous live period of a streamer (spec.md §3).
type StreamSession struct {
	ID           int64
	StreamerName string
	StartTime    *time.Time
	EndTime      *time.Time
	CreatedAt    time.Time
}

// Open reports whether the session has a start but no end yet.
func (s StreamSession) Open() bool {
	return s.StartTime != nil && s.EndTime == nil
}

// UploadedVideo is one local artifact that has had an upload attempt
// issued against it (spec.md §3).
type UploadedVideo struct {
	ID                int64
	BVID              *string
	Title             string
	FirstPartFilename string
	UploadTime        time.Time
	CreatedAt         time.Time
}

// Pending reports whether this row is still awaiting BVID discovery.
func (v UploadedVideo) Pending() bool {
	return v.BVID == nil
}

// timeFmt is the single documented local-zone timestamp layout used for
// all persisted timestamps (spec.md §3 invariant 5). Values are stored as
// RFC3339 strings in the caller's already-localized time.Time; Location
// is determined once, at the call site that computes "now" (see
// internal/clock), not re-derived here.
const timeFmt = time.RFC3339
