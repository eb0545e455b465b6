// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package resolver implements C3: resolving a Douyu room ID to a signed
// playable stream URL via the getEncryption + getH5PlayV1 endpoints.
// Grounded on original_source/recording/douyu_stream_resolver.py.
package resolver

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dy2bili/relaycast/internal/httpx"
	"github.com/dy2bili/relaycast/internal/log"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

// Config configures a Resolver.
type Config struct {
	BaseURL   string
	DID       string
	CDN       string
	Rate      int
	Timeout   time.Duration
	UserAgent string
}

// DefaultConfig returns the production defaults (spec.md §6).
func DefaultConfig() Config {
	return Config{
		BaseURL: "https://www.douyu.com",
		DID:     "10000000000000000000000000001501",
		CDN:     "hw-h5",
		Rate:    0,
		Timeout: 10 * time.Second,
	}
}

type keyData struct {
	EncData   string `json:"enc_data"`
	RandStr   string `json:"rand_str"`
	Key       string `json:"key"`
	EncTime   int    `json:"enc_time"`
	IsSpecial int    `json:"is_special"`
	ExpireAt  int64  `json:"expire_at"`
}

// Resolver resolves Douyu room IDs into playable stream URLs, caching
// the signing key bundle between calls.
type Resolver struct {
	cfg    Config
	client *http.Client

	mu         sync.Mutex
	key        *keyData
	keyExpires int64
}

// New constructs a Resolver.
func New(cfg Config) *Resolver {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &Resolver{cfg: cfg, client: httpx.WithRateLimit(httpx.NewClient(cfg.Timeout), 2, 4)}
}

// ResolveStreamURL returns a playable stream URL and the headers ffmpeg
// must send with it (Referer/Origin/User-Agent). On a 403 from
// getH5PlayV1 it invalidates the cached key and retries exactly once.
func (r *Resolver) ResolveStreamURL(ctx context.Context, roomID string) (string, map[string]string, error) {
	headers := r.requestHeaders()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		kd, err := r.ensureKey(ctx)
		if err != nil {
			return "", nil, err
		}
		ts := time.Now().Unix()
		auth := sign(roomID, ts, kd)

		params := url.Values{
			"cdn":      {r.cfg.CDN},
			"rate":     {strconv.Itoa(r.cfg.Rate)},
			"ver":      {"219032101"},
			"iar":      {"0"},
			"ive":      {"0"},
			"rid":      {roomID},
			"hevc":     {"0"},
			"fa":       {"0"},
			"sov":      {"0"},
			"enc_data": {kd.EncData},
			"tt":       {strconv.FormatInt(ts, 10)},
			"did":      {r.cfg.DID},
			"auth":     {auth},
		}

		data, status, err := r.getH5Play(ctx, roomID, params, headers)
		if err != nil {
			return "", nil, err
		}
		if status == http.StatusForbidden && attempt == 0 {
			r.invalidateKey()
			lastErr = fmt.Errorf("resolver: 403 from getH5PlayV1, retrying with fresh key")
			continue
		}
		if status != http.StatusOK {
			return "", nil, fmt.Errorf("resolver: getH5PlayV1 http %d", status)
		}

		streamURL, err := extractStreamURL(data)
		if err != nil {
			return "", nil, err
		}
		return streamURL, headers, nil
	}
	if lastErr != nil {
		return "", nil, lastErr
	}
	return "", nil, fmt.Errorf("resolver: exhausted retries")
}

type apiEnvelope struct {
	Error int             `json:"error"`
	Msg   string          `json:"msg"`
	Data  json.RawMessage `json:"data"`
}

func extractStreamURL(data apiEnvelope) (string, error) {
	if data.Error != 0 {
		return "", fmt.Errorf("resolver: getH5PlayV1 failed: error=%d msg=%s", data.Error, data.Msg)
	}
	var playInfo struct {
		RTMPURL  string `json:"rtmp_url"`
		RTMPLive string `json:"rtmp_live"`
		HLSURL   string `json:"hls_url"`
		HLSLive  string `json:"hls_live"`
	}
	if err := json.Unmarshal(data.Data, &playInfo); err != nil {
		return "", fmt.Errorf("resolver: decode play info: %w", err)
	}
	if playInfo.RTMPURL != "" && playInfo.RTMPLive != "" {
		return strings.TrimRight(playInfo.RTMPURL, "/") + "/" + strings.TrimLeft(playInfo.RTMPLive, "/"), nil
	}
	if playInfo.HLSURL != "" && playInfo.HLSLive != "" {
		return strings.TrimRight(playInfo.HLSURL, "/") + "/" + strings.TrimLeft(playInfo.HLSLive, "/"), nil
	}
	return "", fmt.Errorf("resolver: play info missing stream url")
}

func (r *Resolver) ensureKey(ctx context.Context) (keyData, error) {
	r.mu.Lock()
	now := time.Now().Unix()
	if r.key != nil && now < r.keyExpires {
		kd := *r.key
		r.mu.Unlock()
		return kd, nil
	}
	r.mu.Unlock()

	endpoint := fmt.Sprintf("%s/wgapi/livenc/liveweb/websec/getEncryption", strings.TrimRight(r.cfg.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return keyData{}, fmt.Errorf("resolver: build getEncryption request: %w", err)
	}
	q := req.URL.Query()
	q.Set("did", r.cfg.DID)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("User-Agent", r.cfg.UserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return keyData{}, fmt.Errorf("resolver: getEncryption request: %w", err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return keyData{}, fmt.Errorf("resolver: decode getEncryption: %w", err)
	}
	if env.Error != 0 {
		return keyData{}, fmt.Errorf("resolver: getEncryption failed: error=%d msg=%s", env.Error, env.Msg)
	}
	var kd keyData
	if err := json.Unmarshal(env.Data, &kd); err != nil || kd.EncData == "" {
		return keyData{}, fmt.Errorf("resolver: getEncryption invalid data")
	}

	r.mu.Lock()
	r.key = &kd
	r.keyExpires = computeKeyExpireAt(now, kd)
	r.mu.Unlock()

	log.WithComponent("douyu.resolver").Debug().Int64("expires_at", r.keyExpires).Msg("refreshed signing key")
	return kd, nil
}

// computeKeyExpireAt mirrors _compute_key_expire_at: refresh slightly
// ahead of the server-declared expiry, or fall back to a 5-minute cache
// if the payload carries no usable expire_at.
func computeKeyExpireAt(now int64, kd keyData) int64 {
	if kd.ExpireAt > 0 {
		expire := kd.ExpireAt - 5
		if expire < 0 {
			expire = 0
		}
		return expire
	}
	return now + 300
}

func (r *Resolver) invalidateKey() {
	r.mu.Lock()
	r.key = nil
	r.keyExpires = 0
	r.mu.Unlock()
}

func (r *Resolver) getH5Play(ctx context.Context, roomID string, params url.Values, headers map[string]string) (apiEnvelope, int, error) {
	endpoint := fmt.Sprintf("%s/lapi/live/getH5PlayV1/%s", strings.TrimRight(r.cfg.BaseURL, "/"), roomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+params.Encode(), strings.NewReader(params.Encode()))
	if err != nil {
		return apiEnvelope{}, 0, fmt.Errorf("resolver: build getH5PlayV1 request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return apiEnvelope{}, 0, fmt.Errorf("resolver: getH5PlayV1 request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return apiEnvelope{}, resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusOK {
		return apiEnvelope{}, resp.StatusCode, nil
	}

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return apiEnvelope{}, 0, fmt.Errorf("resolver: decode getH5PlayV1: %w", err)
	}
	return env, resp.StatusCode, nil
}

func (r *Resolver) requestHeaders() map[string]string {
	return map[string]string{
		"User-Agent": r.cfg.UserAgent,
		"Referer":    "https://www.douyu.com",
		"Origin":     "https://www.douyu.com",
	}
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// sign computes the getH5PlayV1 auth parameter: an iterated MD5 chain
// over the key bundle, then a final hash salted with room ID and
// timestamp unless the key is flagged "special".
func sign(roomID string, ts int64, kd keyData) string {
	secret := kd.RandStr
	salt := ""
	if kd.IsSpecial == 0 {
		salt = fmt.Sprintf("%s%d", roomID, ts)
	}
	for i := 0; i < kd.EncTime; i++ {
		secret = md5Hex(secret + kd.Key)
	}
	return md5Hex(secret + kd.Key + salt)
}
