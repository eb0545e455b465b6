// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics exposes the daemon's operational Prometheus counters.
// Grounded on the promauto usage in the teacher's ffmpeg runner
// (internal/pipeline/exec/ffmpeg/runner.go): one counter vec per
// component boundary, incremented at the same call sites as the
// structured log lines for that event.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SegmentsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaycast_segments_started_total",
		Help: "Segments (recorder+collector pairs) started.",
	})

	SegmentsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaycast_segments_finalized_total",
		Help: "Segments finalized, by outcome (ok, recorder_failed).",
	}, []string{"outcome"})

	LiveEdges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaycast_live_edges_total",
		Help: "Live-state edge transitions observed, by direction.",
	}, []string{"direction"})

	UploadsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaycast_uploads_issued_total",
		Help: "Upload calls issued, by kind (create, append) and result.",
	}, []string{"kind", "result"})

	RateLimitBackoffs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaycast_upload_rate_limit_backoffs_total",
		Help: "Times the uploader slept for a destination rate-limit response.",
	})

	ProcTerminate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaycast_proc_terminate_total",
		Help: "Process-group termination signals sent, by signal and outcome.",
	}, []string{"signal", "outcome"})

	ProcWait = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaycast_proc_wait_total",
		Help: "Process-group wait outcomes.",
	}, []string{"outcome"})
)

// IncProcTerminate records a termination signal sent to a process group.
func IncProcTerminate(signal, outcome string) {
	ProcTerminate.WithLabelValues(signal, outcome).Inc()
}

// IncProcWait records a process-group wait outcome.
func IncProcWait(outcome string) {
	ProcWait.WithLabelValues(outcome).Inc()
}
