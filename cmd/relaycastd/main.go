// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dy2bili/relaycast/internal/capture"
	"github.com/dy2bili/relaycast/internal/clock"
	"github.com/dy2bili/relaycast/internal/config"
	"github.com/dy2bili/relaycast/internal/douyu/chat"
	"github.com/dy2bili/relaycast/internal/douyu/monitor"
	"github.com/dy2bili/relaycast/internal/douyu/resolver"
	"github.com/dy2bili/relaycast/internal/log"
	"github.com/dy2bili/relaycast/internal/process"
	"github.com/dy2bili/relaycast/internal/scheduler"
	"github.com/dy2bili/relaycast/internal/store"
	"github.com/dy2bili/relaycast/internal/upload"
)

var (
	version = "v0.1.0"
	commit  = "none"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("relaycastd %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	log.Configure(log.Config{Level: "info", Service: "relaycastd", Version: version})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fc, err := config.LoadFile(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration file")
	}
	cfg := config.Load(fc)

	if *configPath != "" {
		watchConfigFile(ctx, *configPath)
	}

	if len(cfg.Streamers) == 0 {
		logger.Fatal().Msg("no streamers configured, nothing to do")
	}

	st, err := store.Open(cfg.DatabasePath, store.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open persistence store")
	}
	defer st.Close()

	proc := process.New(process.Config{
		ProcessingFolder:    cfg.ProcessingFolder,
		UploadFolder:        cfg.UploadFolder,
		MinFileSizeMB:       cfg.MinFileSizeMB,
		FontSize:            cfg.FontSize,
		SCFontSize:          cfg.SCFontSize,
		SkipVideoEncoding:   cfg.SkipVideoEncoding,
		DeleteUploadedFiles: cfg.DeleteUploadedFiles,
	})

	schedStreamers := make([]scheduler.Streamer, 0, len(cfg.Streamers))
	uploaders := make([]*upload.Uploader, 0, len(cfg.Streamers))

	for _, sc := range cfg.Streamers {
		mon := monitor.New(sc.RoomID, sc.Name)
		mon.Initialize(ctx)
		schedStreamers = append(schedStreamers, scheduler.Streamer{Name: sc.Name, Monitor: mon})

		uploaders = append(uploaders, upload.New(upload.Config{
			UploadFolder:                  cfg.UploadFolder,
			DestinationYAML:               cfg.DestinationYAML,
			SkipVideoEncoding:             cfg.SkipVideoEncoding,
			DanmakuTitleSuffix:            cfg.DanmakuTitleSuffix,
			NoDanmakuTitleSuffix:          cfg.NoDanmakuTitleSuffix,
			BinaryPath:                    cfg.UploadBinaryPath,
			CookiesPath:                   cfg.CookiesPath,
			Submit:                        cfg.UploadSubmit,
			Line:                          cfg.UploadLine,
			StreamStartTimeAdjustment:     cfg.StreamStartTimeAdjustment,
			RateLimitCooldownSeconds:      cfg.RateLimitCooldownSeconds,
			RateLimitAppendMaxRetries:     cfg.RateLimitAppendMaxRetries,
			DeleteUploadedFiles:           cfg.DeleteUploadedFiles,
			DeleteUploadedFilesDelayHours: cfg.DeleteUploadedFilesDelayHours,
		}, st, sc.Name))

		if cfg.RecordingEnabled {
			res := resolver.New(resolver.Config{
				DID:     cfg.DouyuDID,
				CDN:     cfg.DouyuCDN,
				Rate:    cfg.DouyuRate,
				Timeout: 10 * time.Second,
			})
			loop := capture.New(capture.Config{
				StreamerName:      sc.Name,
				RoomID:            sc.RoomID,
				ProcessingFolder:  cfg.ProcessingFolder,
				FFmpegPath:        "ffmpeg",
				SegmentDuration:   time.Duration(cfg.RecordingSegmentMinutes) * time.Minute,
				RetryDelay:        time.Duration(cfg.RecordingRetryDelaySeconds) * time.Second,
				StatusCheckPeriod: cfg.StreamStatusCheckInterval,
				ChatConfig:        chat.Config{WSURL: cfg.ChatWSURL, HeartbeatSeconds: cfg.ChatHeartbeatSeconds},
			}, mon, res)
			go loop.Run(ctx)
		}
	}

	sched := scheduler.New(scheduler.Config{
		ScheduleInterval:          time.Duration(cfg.ScheduleIntervalMinutes) * time.Minute,
		StreamStatusCheckInterval: cfg.StreamStatusCheckInterval,
		StreamStartTimeAdjustment: cfg.StreamStartTimeAdjustment,
		StaleSessionAfter:         24 * time.Hour,
		StaleSessionCap:           12 * time.Hour,
		ProcessAfterStreamEnd:     cfg.ProcessAfterStreamEnd,
		ScheduledUploadEnabled:    cfg.ScheduledUploadEnabled,
		PostStreamDelay:           cfg.PostStreamDelay,
	}, clock.Real{}, st, proc, upload.NewMulti(uploaders...), schedStreamers)

	go serveHealthAndMetrics(ctx, ":9090")

	logger.Info().Str("version", version).Int("streamers", len(cfg.Streamers)).Msg("relaycastd starting")
	if err := sched.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("scheduler stopped with error")
	}
	logger.Info().Msg("relaycastd exiting")
}

// watchConfigFile reloads nothing by itself today (AppConfig is read once
// at startup) but logs every change to the config file so an operator
// knows a restart is needed to pick it up, the same fsnotify-based
// signal the teacher's daemon uses ahead of its own hot-reload path.
func watchConfigFile(ctx context.Context, path string) {
	logger := log.WithComponent("config-watch")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to start config file watcher")
		return
	}
	if err := watcher.Add(path); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("failed to watch config file")
		_ = watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					logger.Info().Str("path", path).Msg("config file changed, restart to apply")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
}

func serveHealthAndMetrics(ctx context.Context, addr string) {
	logger := log.WithComponent("http")
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("health/metrics server failed")
	}
}
