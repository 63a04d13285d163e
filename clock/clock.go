// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package clock is the target-side timestamp source: a monotonic
// microsecond counter, and the critical-section-guarded bookkeeping that
// turns successive absolute reads into the Δt values the codec carries.
package clock

import "sync"

// Source returns a monotonically non-decreasing timestamp, in
// microseconds, from NowMicros. Tracer code calls through this
// interface rather than a concrete clock so targets without a wall clock
// (most embedded platforms) can supply a free-running hardware timer.
type Source interface {
	NowMicros() uint64
}

// Func adapts a plain function to Source.
type Func func() uint64

func (f Func) NowMicros() uint64 { return f() }

// Delta tracks the last absolute timestamp emitted and produces the
// truncated-to-32-bit Δt the wire codec expects. All access is expected to
// happen inside the same critical section that brackets a tracer's packet
// emission (see tracer.Tracer); the internal mutex exists only to make
// Delta safe to use outside that discipline too, e.g. from tests.
type Delta struct {
	mu   sync.Mutex
	src  Source
	last uint64
}

// NewDelta returns a Delta reading from src, with last set to 0 so the
// first call reports the absolute time of src's first read as its Δt.
func NewDelta(src Source) *Delta {
	return &Delta{src: src}
}

// Next reads the current time from the source, computes Δt since the
// previous call, updates the stored last-timestamp, and returns Δt
// truncated to 32 bits. A gap exceeding 2^32-1 microseconds (~71 minutes)
// wraps rather than erroring; the host-side stream parser treats a wrapped
// Δt as a known lossy condition, not a protocol violation.
func (d *Delta) Next() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.src.NowMicros()
	delta := now - d.last
	d.last = now
	return uint32(delta)
}

// Reset zeroes the stored last-timestamp, as if Next had never been called.
func (d *Delta) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = 0
}
