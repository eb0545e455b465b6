// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resolver

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func computeAuth(roomID string, ts int64, randStr, key string, encTime, isSpecial int) string {
	secret := randStr
	salt := ""
	if isSpecial == 0 {
		salt = fmt.Sprintf("%s%d", roomID, ts)
	}
	for i := 0; i < encTime; i++ {
		secret = md5hex(secret + key)
	}
	return md5hex(secret + key + salt)
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestResolveStreamURLFlvH5PlayV1(t *testing.T) {
	roomID := "1234"

	mux := http.NewServeMux()
	mux.HandleFunc("/wgapi/livenc/liveweb/websec/getEncryption", func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.URL.Query().Get("did"))
		fmt.Fprint(w, `{"error":0,"msg":"","data":{"enc_data":"ENC_DATA","rand_str":"RAND","key":"KEY","enc_time":2,"is_special":0}}`)
	})
	mux.HandleFunc("/lapi/live/getH5PlayV1/"+roomID, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		ts, _ := strconv.ParseInt(q.Get("tt"), 10, 64)
		assert.Equal(t, "ENC_DATA", q.Get("enc_data"))
		assert.Equal(t, computeAuth(roomID, ts, "RAND", "KEY", 2, 0), q.Get("auth"))
		fmt.Fprint(w, `{"error":0,"msg":"","data":{"rtmp_url":"https://example.invalid/live","rtmp_live":"stream.flv?token=abc"}}`)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := New(Config{BaseURL: srv.URL, DID: "TEST_DID", CDN: "hw-h5"})
	url, headers, err := r.ResolveStreamURL(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.invalid/live/stream.flv?token=abc", url)
	assert.Equal(t, "https://www.douyu.com", headers["Referer"])
	assert.NotEmpty(t, headers["User-Agent"])
}

func TestResolveStreamURLRetriesAfter403(t *testing.T) {
	roomID := "1234"
	var encryptionCalls, h5PlayCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/wgapi/livenc/liveweb/websec/getEncryption", func(w http.ResponseWriter, r *http.Request) {
		n := encryptionCalls.Add(1)
		if n == 1 {
			fmt.Fprint(w, `{"error":0,"msg":"","data":{"enc_data":"ENC_DATA_OLD","rand_str":"RAND1","key":"KEY1","enc_time":1,"is_special":0,"expire_at":1}}`)
			return
		}
		fmt.Fprint(w, `{"error":0,"msg":"","data":{"enc_data":"ENC_DATA_NEW","rand_str":"RAND2","key":"KEY2","enc_time":1,"is_special":0,"expire_at":9999999999}}`)
	})
	mux.HandleFunc("/lapi/live/getH5PlayV1/"+roomID, func(w http.ResponseWriter, r *http.Request) {
		h5PlayCalls.Add(1)
		if r.URL.Query().Get("enc_data") == "ENC_DATA_OLD" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		assert.Equal(t, "ENC_DATA_NEW", r.URL.Query().Get("enc_data"))
		fmt.Fprint(w, `{"error":0,"msg":"","data":{"rtmp_url":"https://example.invalid/live","rtmp_live":"stream.flv"}}`)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := New(Config{BaseURL: srv.URL, DID: "TEST_DID", CDN: "hw-h5"})
	url, _, err := r.ResolveStreamURL(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.invalid/live/stream.flv", url)
	assert.EqualValues(t, 2, h5PlayCalls.Load())
	assert.EqualValues(t, 2, encryptionCalls.Load())
}

func TestEnsureKeyRefreshesWhenExpired(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/wgapi/livenc/liveweb/websec/getEncryption", func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			fmt.Fprint(w, `{"error":0,"msg":"","data":{"enc_data":"ENC_DATA_1","rand_str":"RAND1","key":"KEY1","enc_time":1,"is_special":0,"expire_at":1}}`)
			return
		}
		fmt.Fprint(w, `{"error":0,"msg":"","data":{"enc_data":"ENC_DATA_2","rand_str":"RAND2","key":"KEY2","enc_time":1,"is_special":0,"expire_at":9999999999}}`)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := New(Config{BaseURL: srv.URL, DID: "TEST_DID"})
	first, err := r.ensureKey(context.Background())
	require.NoError(t, err)
	second, err := r.ensureKey(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "ENC_DATA_1", first.EncData)
	assert.Equal(t, "ENC_DATA_2", second.EncData)
	assert.EqualValues(t, 2, calls.Load())
}
