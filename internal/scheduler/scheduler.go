// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package scheduler implements C8: the recurring jobs that drive the
// whole pipeline — a periodic process/upload tick, a per-streamer
// live-status poll that records session edges, a stale-session
// sweeper, and a delayed post-stream pipeline trigger. Grounded on
// original_source/scheduler.go and the teacher's internal/jobs
// recurring-job shape, generalized from xg2g's EPG/picon refresh
// cadence to this domain's jobs.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dy2bili/relaycast/internal/clock"
	"github.com/dy2bili/relaycast/internal/douyu/monitor"
	"github.com/dy2bili/relaycast/internal/log"
	"github.com/dy2bili/relaycast/internal/store"
)

// Processor runs the synchronous cleanup/convert/encode stage (C9).
type Processor interface {
	RunSync(ctx context.Context) error
}

// Uploader runs the BVID backfill and upload passes (C11).
type Uploader interface {
	UpdateBVIDs(ctx context.Context) error
	Upload(ctx context.Context) error
}

// Config holds the scheduling intervals and feature toggles spec.md §6
// exposes (PROCESS_AFTER_STREAM_END, SCHEDULED_UPLOAD_ENABLED, etc).
type Config struct {
	ScheduleInterval          time.Duration
	StreamStatusCheckInterval time.Duration
	StreamStartTimeAdjustment time.Duration
	StaleSessionAfter         time.Duration
	StaleSessionCap           time.Duration
	ProcessAfterStreamEnd     bool
	ScheduledUploadEnabled    bool
	PostStreamDelay           time.Duration
}

// Streamer pairs a monitor with its configured identity for the
// scheduler's per-streamer jobs.
type Streamer struct {
	Name    string
	Monitor *monitor.Monitor
}

// Scheduler owns the set of recurring jobs. All jobs are cancellation
// safe: a canceled context stops the relevant ticker loop cleanly.
type Scheduler struct {
	cfg       Config
	clock     clock.Clock
	store     *store.Store
	processor Processor
	uploader  Uploader
	streamers []Streamer

	mu            sync.Mutex
	postStreamJob map[string]context.CancelFunc

	pipelineMu sync.Mutex
}

// New constructs a Scheduler.
func New(cfg Config, ck clock.Clock, st *store.Store, proc Processor, up Uploader, streamers []Streamer) *Scheduler {
	if ck == nil {
		ck = clock.Real{}
	}
	return &Scheduler{
		cfg:           cfg,
		clock:         ck,
		store:         st,
		processor:     proc,
		uploader:      up,
		streamers:     streamers,
		postStreamJob: make(map[string]context.CancelFunc),
	}
}

// Run starts all recurring jobs and blocks until ctx is canceled. Jobs
// fan out over an errgroup, matching the teacher's daemon.App.Run shape
// (golang.org/x/sync/errgroup over a set of long-lived goroutines); a
// job's own errors are handled internally by runTicker and never
// propagate here, so one job misbehaving cannot cancel the group's
// shared context out from under the others.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.runTicker(ctx, "pipeline_tick", s.cfg.ScheduleInterval, true, s.pipelineTick)
		return nil
	})

	g.Go(func() error {
		s.runTicker(ctx, "stale_sweeper", 12*time.Hour, false, s.staleSweep)
		return nil
	})

	for _, st := range s.streamers {
		st := st
		g.Go(func() error {
			s.runTicker(ctx, "live_check_"+st.Name, s.cfg.StreamStatusCheckInterval, false, func(ctx context.Context) {
				s.liveCheck(ctx, st)
			})
			return nil
		})
	}

	return g.Wait()
}

// runTicker runs job on every tick of interval until ctx is canceled.
// When runImmediately is set, job also runs once before the first tick,
// matching spec.md §4.8's "also immediately at startup" requirement for
// pipeline_tick — the other jobs here don't carry that requirement.
func (s *Scheduler) runTicker(ctx context.Context, name string, interval time.Duration, runImmediately bool, job func(context.Context)) {
	logger := log.WithComponent("scheduler")
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	runJob := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Str("job", name).Interface("panic", r).Msg("job panicked")
			}
		}()
		job(ctx)
	}

	if runImmediately {
		runJob()
		if ctx.Err() != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			runJob()
		}
	}
}

// pipelineTick runs the C9 synchronous processing stage, then (if
// enabled) the C11 BVID backfill and upload passes. Errors from either
// stage are logged and do not abort the tick — the next tick retries.
// The periodic ticker and schedulePostStreamPipeline's one-shot timer
// both call this, so pipelineMu serializes them: pipeline_tick shares a
// job id across both triggers and per spec.md §5 must never run two
// instances concurrently against the same processing/upload folders.
func (s *Scheduler) pipelineTick(ctx context.Context) {
	s.pipelineMu.Lock()
	defer s.pipelineMu.Unlock()

	logger := log.WithComponent("scheduler")
	start := time.Now()
	logger.Info().Msg("pipeline tick starting")

	if s.cfg.ProcessAfterStreamEnd && s.anyStreamerLive() {
		logger.Info().Msg("streamer live and process-after-stream-end enabled, skipping tick")
		return
	}

	if s.processor != nil {
		if err := s.processor.RunSync(ctx); err != nil {
			logger.Error().Err(err).Msg("processing stage failed")
		}
	}

	if !s.cfg.ScheduledUploadEnabled {
		logger.Info().Msg("scheduled upload disabled, skipping upload stage")
	} else if s.uploader != nil {
		if err := s.uploader.UpdateBVIDs(ctx); err != nil {
			logger.Error().Err(err).Msg("bvid backfill failed")
		}
		if err := s.uploader.Upload(ctx); err != nil {
			logger.Error().Err(err).Msg("upload pass failed")
		}
	}

	logger.Info().Dur("elapsed", time.Since(start)).Msg("pipeline tick complete")
}

func (s *Scheduler) anyStreamerLive() bool {
	for _, st := range s.streamers {
		if st.Monitor.IsLive() {
			return true
		}
	}
	return false
}

// liveCheck polls one streamer's status, records the resulting session
// edge, and — on a live-to-offline transition with
// ProcessAfterStreamEnd enabled — schedules a delayed pipeline run.
// Grounded on original_source/scheduler.go's scheduled_log_stream_end.
func (s *Scheduler) liveCheck(ctx context.Context, st Streamer) {
	logger := log.WithComponent("scheduler")

	edge, err := st.Monitor.DetectChange(ctx)
	if err != nil {
		logger.Error().Str("streamer_name", st.Name).Err(err).Msg("live check failed")
		return
	}
	if !edge.Changed {
		return
	}

	logger.Info().Str("streamer_name", st.Name).Bool("old_state", edge.Old).Bool("new_state", edge.New).Msg("streamer status changed")

	now := s.clock.Now()
	if edge.New {
		startTime := now.Add(-s.cfg.StreamStartTimeAdjustment)
		_, anomalyClosed, err := s.store.OpenNewSession(ctx, st.Name, startTime)
		if err != nil {
			logger.Error().Str("streamer_name", st.Name).Err(err).Msg("failed to open session")
			return
		}
		for _, id := range anomalyClosed {
			logger.Warn().Str("streamer_name", st.Name).Int64("session_id", id).Msg("closed anomalous open session before opening new one")
		}
		return
	}

	if err := s.store.CloseSession(ctx, st.Name, now); err != nil {
		logger.Error().Str("streamer_name", st.Name).Err(err).Msg("failed to close session")
		return
	}

	if s.cfg.ProcessAfterStreamEnd {
		s.schedulePostStreamPipeline(ctx, st.Name)
	}
}

// schedulePostStreamPipeline replaces any previously scheduled delayed
// pipeline run for this streamer with a new one firing after
// PostStreamDelay, matching the original's replace_existing=True job.
func (s *Scheduler) schedulePostStreamPipeline(ctx context.Context, streamerName string) {
	logger := log.WithComponent("scheduler")

	s.mu.Lock()
	if cancel, ok := s.postStreamJob[streamerName]; ok {
		cancel()
	}
	jobCtx, cancel := context.WithCancel(ctx)
	s.postStreamJob[streamerName] = cancel
	s.mu.Unlock()

	logger.Info().Str("streamer_name", streamerName).Dur("delay", s.cfg.PostStreamDelay).Msg("scheduling post-stream pipeline run")

	timer := s.clock.NewTimer(s.cfg.PostStreamDelay)
	go func() {
		defer timer.Stop()
		select {
		case <-jobCtx.Done():
			return
		case <-timer.C():
			s.pipelineTick(jobCtx)
		}
	}()
}

// StaleSweep runs the stale-session cleanup job directly, outside its
// ticker (exported for tests).
func (s *Scheduler) StaleSweep(ctx context.Context) { s.staleSweep(ctx) }

func (s *Scheduler) staleSweep(ctx context.Context) {
	logger := log.WithComponent("scheduler")
	updated, err := s.store.StaleSweep(ctx, s.cfg.StaleSessionAfter, s.cfg.StaleSessionCap)
	if err != nil {
		logger.Error().Err(err).Msg("stale session sweep failed")
		return
	}
	if len(updated) == 0 {
		return
	}
	logger.Info().Ints64("session_ids", updated).Msg("closed stale sessions")
}
