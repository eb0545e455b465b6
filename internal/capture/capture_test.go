// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package capture

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dy2bili/relaycast/internal/douyu/chat"
)

func boolPtr(b bool) *bool { return &b }

type fakeStatusChecker struct {
	sequence []bool
	calls    int32
}

func (f *fakeStatusChecker) CheckIsStreaming(ctx context.Context) (*bool, error) {
	i := atomic.AddInt32(&f.calls, 1) - 1
	if int(i) >= len(f.sequence) {
		return boolPtr(f.sequence[len(f.sequence)-1]), nil
	}
	return boolPtr(f.sequence[i]), nil
}

type fakeResolver struct{}

func (fakeResolver) ResolveStreamURL(ctx context.Context, roomID string) (string, map[string]string, error) {
	return "rtmp://example.invalid/live/" + roomID, map[string]string{"Referer": "https://www.douyu.com"}, nil
}

func fakeFFmpeg(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script fake ffmpeg unsupported on windows")
	}
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	script := "#!/bin/sh\nfor last; do :; done\n: > \"$last\"\nexit 0\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// TestRunRecordsOneSegmentThenReturnsToPollingOnOffline exercises one
// live->record->offline cycle, then verifies Run returns promptly once
// its context is canceled.
func TestRunRecordsOneSegmentThenReturnsToPollingOnOffline(t *testing.T) {
	checker := &fakeStatusChecker{sequence: []bool{true, true, false}}

	dir := t.TempDir()
	loop := New(Config{
		StreamerName:      "alice",
		RoomID:            "1234",
		ProcessingFolder:  dir,
		FFmpegPath:        fakeFFmpeg(t),
		SegmentDuration:   50 * time.Millisecond,
		RetryDelay:        10 * time.Millisecond,
		StatusCheckPeriod: 10 * time.Millisecond,
		// An unreachable local address, so the chat side fails fast
		// instead of the test depending on real network access.
		ChatConfig: chat.Config{WSURL: "ws://127.0.0.1:1", HeartbeatSeconds: 30},
	}, checker, fakeResolver{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context deadline")
	}

	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&checker.calls)), 2, "status checker should have been polled at least twice")
}

// TestRunKeepsPollingWhenOffline verifies Run never attempts to resolve
// or record while the status checker reports offline.
func TestRunKeepsPollingWhenOffline(t *testing.T) {
	checker := &fakeStatusChecker{sequence: []bool{false}}
	resolveCalled := false
	res := resolverFunc(func(ctx context.Context, roomID string) (string, map[string]string, error) {
		resolveCalled = true
		return "", nil, nil
	})

	loop := New(Config{
		StreamerName:      "bob",
		RoomID:            "5678",
		StatusCheckPeriod: 5 * time.Millisecond,
	}, checker, res)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	loop.Run(ctx)

	assert.False(t, resolveCalled, "resolver must not be consulted while offline")
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&checker.calls)), 2)
}

type resolverFunc func(ctx context.Context, roomID string) (string, map[string]string, error)

func (f resolverFunc) ResolveStreamURL(ctx context.Context, roomID string) (string, map[string]string, error) {
	return f(ctx, roomID)
}
