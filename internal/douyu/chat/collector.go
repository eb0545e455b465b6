// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package chat implements C4: the Douyu danmaku WebSocket collector.
// It logs in, joins the room group, runs a cancelable heartbeat, and
// writes every chatmsg frame to a chatxml.Writer until the configured
// duration elapses. Grounded on
// original_source/recording/danmaku_collector.py.
package chat

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dy2bili/relaycast/internal/chatxml"
	"github.com/dy2bili/relaycast/internal/log"
	"github.com/dy2bili/relaycast/internal/stt"
)

// Config configures a Collector.
type Config struct {
	WSURL            string
	HeartbeatSeconds int
}

// DefaultConfig returns the production defaults (spec.md §6).
func DefaultConfig() Config {
	return Config{WSURL: "wss://danmuproxy.douyu.com:8506/", HeartbeatSeconds: 30}
}

// Collector connects to the Douyu chat socket for a single room.
type Collector struct {
	cfg Config
}

// New constructs a Collector.
func New(cfg Config) *Collector {
	return &Collector{cfg: cfg}
}

// Collect writes danmaku to outputPath for up to duration wall time and
// returns the number of comments written. The socket, writer and
// heartbeat goroutine are always cleaned up, even on error.
func (c *Collector) Collect(ctx context.Context, roomID, outputPath string, duration time.Duration) (int, error) {
	logger := log.WithComponent("douyu.chat")

	writer := chatxml.New(outputPath)
	if err := writer.Open(); err != nil {
		return 0, fmt.Errorf("chat: open writer: %w", err)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close chat xml writer")
		}
	}()

	conn, err := c.dial(ctx)
	if err != nil {
		return 0, fmt.Errorf("chat: dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, stt.Pack(fmt.Sprintf("type@=loginreq/roomid@=%s/", roomID))); err != nil {
		return 0, fmt.Errorf("chat: send loginreq: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, stt.Pack(fmt.Sprintf("type@=joingroup/rid@=%s/gid@=-9999/", roomID))); err != nil {
		return 0, fmt.Errorf("chat: send joingroup: %w", err)
	}

	hbCtx, cancelHB := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		c.heartbeat(hbCtx, conn, logger)
	}()
	defer func() {
		cancelHB()
		hbWG.Wait()
	}()

	start := time.Now()
	deadline := start.Add(duration)
	count := 0

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := conn.SetReadDeadline(time.Now().Add(remaining)); err != nil {
			return count, fmt.Errorf("chat: set read deadline: %w", err)
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				break
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				break
			}
			logger.Info().Err(err).Msg("chat socket closed")
			break
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		stt.IterPayloads(data, func(payload string) {
			kv := stt.ParseKV(payload)
			if kv["type"] != "chatmsg" {
				return
			}
			text := kv["txt"]
			if text == "" {
				return
			}
			offset := time.Since(start).Seconds()
			if werr := writer.WriteDanmaku(chatxml.Danmaku{OffsetSeconds: offset, Text: text}, func() int64 { return time.Now().Unix() }); werr != nil {
				logger.Warn().Err(werr).Msg("failed to write danmaku")
				return
			}
			count++
		})
	}

	return count, nil
}

// dial connects with the default TLS configuration; on a TLS handshake
// failure (modern defaults rejecting the endpoint's weak DH parameters)
// it retries once with an explicit TLS 1.2-only, permissive-cipher
// context (spec.md §5.5).
func (c *Collector) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WSURL, nil)
	if err == nil {
		return conn, nil
	}
	if !isTLSHandshakeFailure(err) {
		return nil, err
	}

	log.WithComponent("douyu.chat").Warn().Err(err).Msg("tls handshake failed, retrying with TLS 1.2 fallback")

	fallback := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_RSA_WITH_AES_128_CBC_SHA,
			},
		},
	}
	conn, _, err = fallback.DialContext(ctx, c.cfg.WSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("chat: tls 1.2 fallback dial: %w", err)
	}
	return conn, nil
}

func isTLSHandshakeFailure(err error) bool {
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "tls")
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

// heartbeat sends a "mrkl" keepalive frame every HeartbeatSeconds until
// ctx is canceled. The caller must always wait for this goroutine to
// return on exit (spec.md §5.4).
func (c *Collector) heartbeat(ctx context.Context, conn *websocket.Conn, logger zerolog.Logger) {
	interval := time.Duration(c.cfg.HeartbeatSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.BinaryMessage, stt.Pack("type@=mrkl/")); err != nil {
				logger.Warn().Err(err).Msg("heartbeat send failed")
				return
			}
		}
	}
}
