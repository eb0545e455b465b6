// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package httpx provides a hardened http.Client for the outbound calls
// C3 (stream resolver) and C7 (live-state monitor) make, plus the
// token-bucket limiter C11 uses to pace its CLI calls. Grounded on
// the teacher's internal/platform/httpx/client.go, carried verbatim in
// spirit since the timeout/transport tuning is domain-agnostic.
package httpx

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultClientTimeout         = 10 * time.Second
	defaultDialTimeout           = 5 * time.Second
	defaultResponseHeaderTimeout = 5 * time.Second
	defaultIdleConnTimeout       = 30 * time.Second
	defaultExpectContinueTimeout = 1 * time.Second
	defaultMaxIdleConns          = 16
	defaultMaxIdleConnsPerHost   = 4
)

// NewClient returns a hardened HTTP client for outbound Douyu/Bilibili
// API calls.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}

	dialTimeout := timeout
	if dialTimeout > defaultDialTimeout {
		dialTimeout = defaultDialTimeout
	}

	responseHeaderTimeout := timeout
	if responseHeaderTimeout > defaultResponseHeaderTimeout {
		responseHeaderTimeout = defaultResponseHeaderTimeout
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          defaultMaxIdleConns,
			MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
			IdleConnTimeout:       defaultIdleConnTimeout,
			TLSHandshakeTimeout:   dialTimeout,
			ResponseHeaderTimeout: responseHeaderTimeout,
			ExpectContinueTimeout: defaultExpectContinueTimeout,
		},
	}
}

// rateLimitedTransport paces outbound requests ahead of whatever
// reactive backoff the caller layers on top of it (e.g. C11's 21540
// cooldown retry), so callers never rely on the remote side's rate
// limiter as the first line of defense.
type rateLimitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

// WithRateLimit wraps client's transport with a token-bucket limiter,
// capping it at rps requests per second with the given burst. Pass a
// client built by NewClient.
func WithRateLimit(client *http.Client, rps float64, burst int) *http.Client {
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	clone := *client
	clone.Transport = &rateLimitedTransport{base: base, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
	return &clone
}

// NewLimiter exposes rate.NewLimiter for callers that pace non-HTTP
// work (e.g. C11 pacing biliup CLI invocations) with the same token
// bucket primitive used for outbound HTTP calls.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(rps), burst)
}
