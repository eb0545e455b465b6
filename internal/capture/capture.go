// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package capture implements the per-streamer recording loop that ties
// together the live-state monitor (C7), the stream resolver (C3), and
// the segment pipeline (C5/C6): poll until live, resolve a playable
// URL, run fixed-duration segments back to back until the stream ends,
// then return to polling. Grounded on
// original_source/recording/recording_service.py's _run_streamer.
package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dy2bili/relaycast/internal/clock"
	"github.com/dy2bili/relaycast/internal/douyu/chat"
	"github.com/dy2bili/relaycast/internal/log"
	"github.com/dy2bili/relaycast/internal/metrics"
	"github.com/dy2bili/relaycast/internal/record"
)

// StatusChecker is the live-status surface a Loop needs from C7's
// Monitor — a small consumer-defined interface so this package is
// testable against a fake without standing up a real Douyu endpoint.
type StatusChecker interface {
	CheckIsStreaming(ctx context.Context) (*bool, error)
}

// StreamResolver is the surface a Loop needs from C3's Resolver.
type StreamResolver interface {
	ResolveStreamURL(ctx context.Context, roomID string) (string, map[string]string, error)
}

// Config holds the per-streamer recording-loop settings spec.md §6
// exposes (RECORDING_SEGMENT_MINUTES, RECORDING_RETRY_DELAY_SECONDS,
// STREAM_STATUS_CHECK_INTERVAL).
type Config struct {
	StreamerName      string
	RoomID            string
	ProcessingFolder  string
	FFmpegPath        string
	SegmentDuration   time.Duration
	RetryDelay        time.Duration
	StatusCheckPeriod time.Duration
	ChatConfig        chat.Config
}

// Loop owns one streamer's record/poll cycle.
type Loop struct {
	cfg      Config
	monitor  StatusChecker
	resolver StreamResolver
}

// New constructs a Loop for one streamer.
func New(cfg Config, mon StatusChecker, res StreamResolver) *Loop {
	return &Loop{cfg: cfg, monitor: mon, resolver: res}
}

// Run blocks until ctx is canceled, alternating between polling for a
// live stream and running back-to-back segments while it stays live.
func (l *Loop) Run(ctx context.Context) {
	logger := log.WithComponent("capture").With().Str("streamer_name", l.cfg.StreamerName).Logger()

	for ctx.Err() == nil {
		isLive, err := l.monitor.CheckIsStreaming(ctx)
		if err != nil || isLive == nil || !*isLive {
			if err != nil {
				logger.Warn().Err(err).Msg("live status check failed")
			}
			if !sleepOrDone(ctx, l.cfg.StatusCheckPeriod) {
				return
			}
			continue
		}

		logger.Info().Msg("stream detected live, starting recording")
		l.recordWhileLive(ctx, logger)
	}
}

func (l *Loop) recordWhileLive(ctx context.Context, logger zerolog.Logger) {
	for ctx.Err() == nil {
		streamURL, headers, err := l.resolver.ResolveStreamURL(ctx, l.cfg.RoomID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to resolve stream URL")
			if !sleepOrDone(ctx, l.cfg.RetryDelay) {
				return
			}
			continue
		}

		base := fmt.Sprintf("%s录播%s", l.cfg.StreamerName, clock.Now().Format("2006-01-02T15_04_05"))
		flvPart := l.cfg.ProcessingFolder + "/" + base + ".flv.part"
		xmlPart := l.cfg.ProcessingFolder + "/" + base + ".xml.part"

		metrics.SegmentsStarted.Inc()
		result := record.RunOneSegment(ctx, record.SegmentInput{
			RoomID:        l.cfg.RoomID,
			StreamURL:     streamURL,
			StreamHeaders: headers,
			FLVPartPath:   flvPart,
			XMLPartPath:   xmlPart,
			Duration:      l.cfg.SegmentDuration,
			FFmpegPath:    l.cfg.FFmpegPath,
			ChatConfig:    l.cfg.ChatConfig,
		})
		if result.RecordErr != nil {
			metrics.SegmentsFinalized.WithLabelValues("recorder_failed").Inc()
			logger.Warn().Err(result.RecordErr).Msg("segment recording failed, will retry")
		} else {
			metrics.SegmentsFinalized.WithLabelValues("ok").Inc()
		}

		if ctx.Err() != nil {
			return
		}

		isLive, err := l.monitor.CheckIsStreaming(ctx)
		if err == nil && isLive != nil && !*isLive {
			logger.Info().Msg("stream ended, returning to live-status polling")
			return
		}

		if !sleepOrDone(ctx, l.cfg.RetryDelay) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
