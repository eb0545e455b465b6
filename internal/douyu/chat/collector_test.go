// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package chat

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dy2bili/relaycast/internal/stt"
)

var upgrader = websocket.Upgrader{}

// newChatStubServer serves a single connection: it expects the
// loginreq/joingroup handshake then pushes one chatmsg frame before
// staying silent (so Collect runs out its duration and returns).
func newChatStubServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, _, err = conn.ReadMessage() // loginreq
		if err != nil {
			return
		}
		_, _, err = conn.ReadMessage() // joingroup
		if err != nil {
			return
		}

		_ = conn.WriteMessage(websocket.BinaryMessage, stt.Pack("type@=chatmsg/txt@=hello/"))
		_ = conn.WriteMessage(websocket.BinaryMessage, stt.Pack("type@=other/txt@=ignored/"))

		// Hold the connection open until the client's read deadline fires.
		time.Sleep(300 * time.Millisecond)
	}))
}

func TestCollectWritesChatmsgOnly(t *testing.T) {
	srv := newChatStubServer(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(Config{WSURL: wsURL, HeartbeatSeconds: 30})

	out := filepath.Join(t.TempDir(), "chat.xml")
	count, err := c.Collect(context.Background(), "1234", out, 150*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.NotContains(t, string(data), "ignored")
}

// TestCollectStopsHeartbeatGoroutineOnReturn verifies Collect's
// cancelable heartbeat goroutine exits once the duration-bounded read
// loop returns, rather than outliving the call.
func TestCollectStopsHeartbeatGoroutineOnReturn(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := newChatStubServer(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(Config{WSURL: wsURL, HeartbeatSeconds: 1})

	out := filepath.Join(t.TempDir(), "chat.xml")
	_, err := c.Collect(context.Background(), "1234", out, 100*time.Millisecond)
	require.NoError(t, err)
}

func TestIsTLSHandshakeFailureDetectsRecordHeaderError(t *testing.T) {
	err := tls.RecordHeaderError{Msg: "tls: first record does not look like a TLS handshake"}
	assert.True(t, isTLSHandshakeFailure(err))
}
