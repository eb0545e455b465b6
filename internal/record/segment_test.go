// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package record

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dy2bili/relaycast/internal/douyu/chat"
)

func TestRunOneSegmentFinalizesRecordingEvenWhenChatFails(t *testing.T) {
	bin := fakeBinary(t, `
last=""
for a in "$@"; do last="$a"; done
echo data > "$last"
exit 0
`)
	dir := t.TempDir()
	flvPart := filepath.Join(dir, "segment.flv.part")
	xmlPart := filepath.Join(dir, "segment.xml.part")

	// Point chat at a port nothing listens on so collection fails fast.
	result := RunOneSegment(context.Background(), SegmentInput{
		RoomID:       "1234",
		StreamURL:    "http://example.invalid/stream",
		FLVPartPath:  flvPart,
		XMLPartPath:  xmlPart,
		Duration:     500 * time.Millisecond,
		FFmpegPath:   bin,
		ChatConfig:   chat.Config{WSURL: "ws://127.0.0.1:1/", HeartbeatSeconds: 30},
	})

	assert.Error(t, result.ChatErr)

	// The recording succeeded and must be finalized to its non-.part
	// name regardless of the chat side's failure.
	require.NoFileExists(t, flvPart)
	require.FileExists(t, result.FLVFinalPath)
	data, err := os.ReadFile(result.FLVFinalPath)
	require.NoError(t, err)
	assert.Equal(t, "data\n", string(data))

	// The chat side opens its .part file before dialing, so the empty
	// document it left behind is finalized too.
	require.NoFileExists(t, xmlPart)
	assert.Equal(t, filepath.Join(dir, "segment.xml"), result.XMLFinalPath)
	require.FileExists(t, result.XMLFinalPath)
}

// TestRunOneSegmentLeavesNoGoroutinesAfterBothSidesFinish verifies the
// paired recorder/collector goroutines RunOneSegment starts both exit by
// the time it returns, rather than leaking past the WaitGroup.
func TestRunOneSegmentLeavesNoGoroutinesAfterBothSidesFinish(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bin := fakeBinary(t, `
last=""
for a in "$@"; do last="$a"; done
echo data > "$last"
exit 0
`)
	dir := t.TempDir()
	flvPart := filepath.Join(dir, "segment.flv.part")
	xmlPart := filepath.Join(dir, "segment.xml.part")

	RunOneSegment(context.Background(), SegmentInput{
		RoomID:      "1234",
		StreamURL:   "http://example.invalid/stream",
		FLVPartPath: flvPart,
		XMLPartPath: xmlPart,
		Duration:    200 * time.Millisecond,
		FFmpegPath:  bin,
		ChatConfig:  chat.Config{WSURL: "ws://127.0.0.1:1/", HeartbeatSeconds: 30},
	})
}
