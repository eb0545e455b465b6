// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package grouping

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dy2bili/relaycast/internal/clock"
	"github.com/dy2bili/relaycast/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path, store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestTimestampFromFilenameParsesWireFormat(t *testing.T) {
	ts := TimestampFromFilename("洞主录播2026-02-24T10_00_00.mp4")
	expected := time.Date(2026, 2, 24, 10, 0, 0, 0, clock.LocalZone)
	assert.True(t, expected.Equal(ts), "got %v want %v", ts, expected)
}

func TestTimestampFromFilenameFallsBackToNowOnUnparsable(t *testing.T) {
	before := clock.Now()
	ts := TimestampFromFilename("garbage_no_marker.mp4")
	after := clock.Now()
	assert.False(t, ts.Before(before))
	assert.False(t, ts.After(after.Add(time.Second)))
}

func mkSession(id int64, start time.Time, end *time.Time) store.StreamSession {
	return store.StreamSession{ID: id, StreamerName: "alice", StartTime: &start, EndTime: end}
}

// TestBuildBucketsAppendsWithCorrectStartPart reproduces spec.md §8's S4:
// a session with one bvid'd row and two pending rows in its interval
// must append starting at part 4.
func TestBuildBucketsAppendsWithCorrectStartPart(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 2, 24, 9, 0, 0, 0, clock.LocalZone)
	end := time.Date(2026, 2, 24, 11, 0, 0, 0, clock.LocalZone)
	sess := mkSession(1, start, &end)

	bvid := "BV1TEST0000000000"
	_, err := st.InsertVideo(ctx, store.UploadedVideo{
		BVID: &bvid, Title: "t1", FirstPartFilename: "a.mp4",
		UploadTime: time.Date(2026, 2, 24, 9, 30, 0, 0, clock.LocalZone),
	})
	require.NoError(t, err)
	_, err = st.InsertVideo(ctx, store.UploadedVideo{
		Title: "t2", FirstPartFilename: "b.mp4",
		UploadTime: time.Date(2026, 2, 24, 9, 40, 0, 0, clock.LocalZone),
	})
	require.NoError(t, err)
	_, err = st.InsertVideo(ctx, store.UploadedVideo{
		Title: "t3", FirstPartFilename: "c.mp4",
		UploadTime: time.Date(2026, 2, 24, 9, 50, 0, 0, clock.LocalZone),
	})
	require.NoError(t, err)

	newFile := File{
		Path:      "洞主录播2026-02-24T10_00_00.mp4",
		Timestamp: time.Date(2026, 2, 24, 10, 0, 0, 0, clock.LocalZone),
	}

	buckets, err := BuildBuckets(ctx, st, []store.StreamSession{sess}, []File{newFile}, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, buckets, 1)

	b := buckets[0]
	assert.Equal(t, ActionAppend, b.Action)
	assert.Equal(t, bvid, b.ExistingBVID)
	assert.Equal(t, 4, b.StartPartNum)
	assert.Len(t, b.Files, 1)
}

func TestBuildBucketsSkipsWhenPendingRowAwaitsBVID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, clock.LocalZone)
	end := time.Date(2026, 3, 1, 11, 0, 0, 0, clock.LocalZone)
	sess := mkSession(2, start, &end)

	_, err := st.InsertVideo(ctx, store.UploadedVideo{
		Title: "pending", FirstPartFilename: "p.mp4",
		UploadTime: time.Date(2026, 3, 1, 9, 30, 0, 0, clock.LocalZone),
	})
	require.NoError(t, err)

	f := File{Path: "x录播2026-03-01T10_00_00.mp4", Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, clock.LocalZone)}

	buckets, err := BuildBuckets(ctx, st, []store.StreamSession{sess}, []File{f}, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, ActionSkip, buckets[0].Action)
}

func TestBuildBucketsCreatesWhenNoExistingOrPendingRows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, clock.LocalZone)
	end := time.Date(2026, 3, 2, 11, 0, 0, 0, clock.LocalZone)
	sess := mkSession(3, start, &end)

	f := File{Path: "x录播2026-03-02T10_00_00.mp4", Timestamp: time.Date(2026, 3, 2, 10, 0, 0, 0, clock.LocalZone)}

	buckets, err := BuildBuckets(ctx, st, []store.StreamSession{sess}, []File{f}, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, ActionCreate, buckets[0].Action)
}

func TestBuildBucketsLeavesUnmatchedFilesUnassigned(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 4, 1, 9, 0, 0, 0, clock.LocalZone)
	end := time.Date(2026, 4, 1, 10, 0, 0, 0, clock.LocalZone)
	sess := mkSession(4, start, &end)

	// far outside the session's buffered interval
	f := File{Path: "x录播2026-04-01T23_00_00.mp4", Timestamp: time.Date(2026, 4, 1, 23, 0, 0, 0, clock.LocalZone)}

	buckets, err := BuildBuckets(ctx, st, []store.StreamSession{sess}, []File{f}, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.True(t, buckets[0].Unassigned)
	assert.Equal(t, ActionSkip, buckets[0].Action)
}

func TestBuildBucketsAssignsToFirstMatchingIntervalWhenOverlapping(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	s1 := mkSession(5, time.Date(2026, 5, 1, 9, 0, 0, 0, clock.LocalZone), timePtr(time.Date(2026, 5, 1, 10, 0, 0, 0, clock.LocalZone)))
	s2 := mkSession(6, time.Date(2026, 5, 1, 9, 30, 0, 0, clock.LocalZone), timePtr(time.Date(2026, 5, 1, 11, 0, 0, 0, clock.LocalZone)))

	f := File{Path: "x录播2026-05-01T09_45_00.mp4", Timestamp: time.Date(2026, 5, 1, 9, 45, 0, 0, clock.LocalZone)}

	buckets, err := BuildBuckets(ctx, st, []store.StreamSession{s1, s2}, []File{f}, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(5), buckets[0].SessionID, "file should land in the first session whose interval contains it")
}

func timePtr(t time.Time) *time.Time { return &t }
