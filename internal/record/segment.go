// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package record

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dy2bili/relaycast/internal/douyu/chat"
	"github.com/dy2bili/relaycast/internal/log"
)

// SegmentInput describes one segment's recording + chat-capture job.
type SegmentInput struct {
	RoomID         string
	StreamURL      string
	StreamHeaders  map[string]string
	FLVPartPath    string
	XMLPartPath    string
	Duration       time.Duration
	FFmpegPath     string
	ChatConfig     chat.Config
}

// SegmentResult reports the outcome of one segment.
type SegmentResult struct {
	ExitCode      int
	DanmakuCount  int
	RecordErr     error
	ChatErr       error
	FLVFinalPath  string
	XMLFinalPath  string
}

// RunOneSegment runs the recorder and chat collector concurrently for
// the configured duration, then finalizes whichever of the .part
// outputs exists — even if one side failed — by atomically renaming it
// to its final name. Grounded on
// original_source/recording/segment_pipeline.go's run_one_segment.
func RunOneSegment(ctx context.Context, in SegmentInput) SegmentResult {
	logger := log.WithContext(ctx, log.WithComponent("record"))

	if dir := filepath.Dir(in.FLVPartPath); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	if dir := filepath.Dir(in.XMLPartPath); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}

	recorder := NewRecorder(in.FFmpegPath)
	collector := chat.New(in.ChatConfig)

	var (
		wg          sync.WaitGroup
		exitCode    int
		recordErr   error
		danmakuCnt  int
		chatErr     error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		exitCode, recordErr = recorder.Record(ctx, in.StreamURL, in.FLVPartPath, in.Duration, in.StreamHeaders)
	}()
	go func() {
		defer wg.Done()
		danmakuCnt, chatErr = collector.Collect(ctx, in.RoomID, in.XMLPartPath, in.Duration)
	}()
	wg.Wait()

	result := SegmentResult{ExitCode: exitCode, DanmakuCount: danmakuCnt, RecordErr: recordErr, ChatErr: chatErr}

	if recordErr != nil {
		logger.Warn().Err(recordErr).Str("filename", in.FLVPartPath).Msg("recording failed")
	}
	if chatErr != nil {
		logger.Warn().Err(chatErr).Str("filename", in.XMLPartPath).Msg("chat collection failed")
	}

	// Finalize whichever part exists regardless of the other side's
	// outcome: a failed chat capture must not discard a good recording,
	// and vice versa.
	if err := finalize(in.FLVPartPath); err != nil {
		logger.Warn().Err(err).Msg("failed to finalize flv part")
	} else if finalPath, err := finalizePartPath(in.FLVPartPath); err == nil {
		result.FLVFinalPath = finalPath
	}
	if err := finalize(in.XMLPartPath); err != nil {
		logger.Warn().Err(err).Msg("failed to finalize xml part")
	} else if finalPath, err := finalizePartPath(in.XMLPartPath); err == nil {
		result.XMLFinalPath = finalPath
	}

	return result
}
