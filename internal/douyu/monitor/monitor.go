// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package monitor implements C7: polling a single Douyu room's live
// status and reporting offline<->live edges. Grounded on
// original_source/stream_monitor.go.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dy2bili/relaycast/internal/httpx"
	"github.com/dy2bili/relaycast/internal/log"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Monitor polls one streamer's live status via Douyu's public room-info
// endpoint and tracks the tri-state last-known status (uninitialized,
// offline, live) needed to detect edges without re-reporting a status
// that hasn't changed.
type Monitor struct {
	RoomID       string
	StreamerName string

	client  *http.Client
	baseURL string

	mu         sync.Mutex
	lastStatus *bool // nil = uninitialized
}

// New constructs a Monitor for a single room.
func New(roomID, streamerName string) *Monitor {
	return &Monitor{
		RoomID:       roomID,
		StreamerName: streamerName,
		client:       httpx.WithRateLimit(httpx.NewClient(10*time.Second), 1, 2),
		baseURL:      "https://www.douyu.com",
	}
}

// NewWithBaseURL is New with the room-info API host replaced by baseURL,
// so a test server can stand in for Douyu.
func NewWithBaseURL(roomID, streamerName, baseURL string) *Monitor {
	m := New(roomID, streamerName)
	m.baseURL = baseURL
	return m
}

// IsLive returns the cached status, defaulting to false when
// uninitialized.
func (m *Monitor) IsLive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastStatus != nil && *m.lastStatus
}

type roomInfoEnvelope struct {
	Room *struct {
		ShowStatus int `json:"show_status"`
		VideoLoop  int `json:"videoLoop"`
	} `json:"room"`
}

// CheckIsStreaming calls the Douyu API directly. The bool pointer
// result is nil on any API error (network, non-200, malformed body) so
// callers can distinguish "confirmed offline" from "couldn't tell".
func (m *Monitor) CheckIsStreaming(ctx context.Context) (*bool, error) {
	logger := log.WithComponent("douyu.monitor")
	url := fmt.Sprintf("%s/betard/%s", m.baseURL, m.RoomID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("monitor: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", "https://www.douyu.com")
	req.Header.Set("Origin", "https://www.douyu.com")

	resp, err := m.client.Do(req)
	if err != nil {
		logger.Error().Str("streamer_name", m.StreamerName).Err(err).Msg("douyu api request failed")
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Error().Str("streamer_name", m.StreamerName).Int("status", resp.StatusCode).Msg("failed to get room info")
		return nil, nil
	}

	var env roomInfoEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || env.Room == nil {
		logger.Error().Str("streamer_name", m.StreamerName).Msg("invalid room info response format")
		return nil, nil
	}

	live := env.Room.ShowStatus == 1 && env.Room.VideoLoop == 0
	return &live, nil
}

// Initialize seeds the cached status by calling the API once, intended
// for application startup. An API error defaults the cache to offline.
func (m *Monitor) Initialize(ctx context.Context) {
	logger := log.WithComponent("douyu.monitor")
	status, _ := m.CheckIsStreaming(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if status != nil {
		m.lastStatus = status
		state := "offline"
		if *status {
			state = "live"
		}
		logger.Info().Str("streamer_name", m.StreamerName).Str("new_state", state).Msg("initialized status")
		return
	}
	offline := false
	m.lastStatus = &offline
	logger.Warn().Str("streamer_name", m.StreamerName).Msg("failed to get initial status, defaulting to offline")
}

// Edge reports an offline<->live transition: Old/New are the statuses
// before and after, Changed is false if there was no transition (either
// because nothing changed or the poll failed).
type Edge struct {
	Old     bool
	New     bool
	Changed bool
}

// DetectChange polls once and reports whether the live status changed
// since the last successful call. The first call after construction
// (without Initialize) seeds the cache and reports no change, matching
// the original's "skip the first cycle" behavior.
func (m *Monitor) DetectChange(ctx context.Context) (Edge, error) {
	current, err := m.CheckIsStreaming(ctx)
	if err != nil {
		return Edge{}, err
	}
	if current == nil {
		return Edge{}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastStatus == nil {
		m.lastStatus = current
		return Edge{}, nil
	}

	if *current != *m.lastStatus {
		old := *m.lastStatus
		m.lastStatus = current
		return Edge{Old: old, New: *current, Changed: true}, nil
	}
	return Edge{}, nil
}
