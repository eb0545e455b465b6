// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package clock centralizes "now" and provides the mockable Clock/Timer
// abstraction the teacher's internal/dvr/scheduler.go uses for testable
// interval-based jobs, applied here to C8's scheduler.
//
// LocalZone matches original_source/models.py's local_now(): a single,
// documented local zone (UTC+8, "Beijing time") that every persisted
// timestamp in spec.md §3 invariant 5 is recorded in. Using a fixed
// offset rather than an IANA zone name is deliberate and matches the
// source's own timezone(timedelta(hours=8)) convention — no DST, no
// tzdata dependency.
package clock

import "time"

// LocalZone is the single documented zone all persisted timestamps use.
var LocalZone = time.FixedZone("CST", 8*60*60)

// Now returns the current instant in LocalZone.
func Now() time.Time {
	return time.Now().In(LocalZone)
}

// Clock abstracts time so scheduler loops are testable without sleeping.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer abstracts time.Timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Ticker abstracts time.Ticker.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the production Clock backed by the standard library.
type Real struct{}

func (Real) Now() time.Time { return Now() }

func (Real) NewTimer(d time.Duration) Timer {
	t := time.NewTimer(d)
	return &realTimer{t}
}

func (Real) NewTicker(d time.Duration) Ticker {
	t := time.NewTicker(d)
	return &realTicker{t}
}

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time { return r.t.C }
func (r *realTimer) Stop() bool          { return r.t.Stop() }

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }
