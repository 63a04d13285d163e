// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package tracer implements the per-site enter/exit emission state
// machine: a scoped object whose construction optionally emits an Enter
// packet and whose Close optionally emits the matching Exit, with an
// optional every-N-th-activation skip policy and async poll-bracketing.
package tracer

import (
	"context"
	"sync"

	"github.com/tracekit/utrace/clock"
	"github.com/tracekit/utrace/codec"
	"github.com/tracekit/utrace/instrument"
)

// csMu is the critical section's hosted-build stand-in for an interrupt
// mask; see criticalSection.
var csMu sync.Mutex

// Sink is the write-only, lossy transport a Tracer emits packets through.
// Target-side, bytes are dropped rather than blocked when the sink is
// busy — the codec's self-synchronization tolerates that.
type Sink interface {
	WriteByte(b byte) error
}

// Emitter bundles the shared, process-wide state every Tracer construction
// reads: the clock that turns absolute ticks into Δt, and the sink
// packets go out through. One Emitter is typically shared by an entire
// target process.
type Emitter struct {
	delta *clock.Delta
	sink  Sink
}

// NewEmitter returns an Emitter reading time from src and writing to sink.
func NewEmitter(src clock.Source, sink Sink) *Emitter {
	return &Emitter{delta: clock.NewDelta(src), sink: sink}
}

// emit encodes and writes a single (id, Δt) packet. Errors from the sink
// are swallowed by design: emission has no fallible path on the target
// side (spec §7) — a broken transport silently drops bytes, and the
// codec's resynchronization is what makes that safe.
func (e *Emitter) emit(id uint8) {
	delta := e.delta.Next()
	_ = codec.Encode(e.sink, id, delta)
}

// SkipPolicy decides whether a given activation of a site should actually
// emit, sampling every N-th activation when Limit > 0.
type SkipPolicy struct {
	counter *uint32
	limit   uint32
}

// NoSkip emits on every activation.
func NoSkip() SkipPolicy { return SkipPolicy{} }

// Skip returns a policy that emits only every limit-th activation, using
// counter as its persistent per-site state. counter must be process-wide,
// per-site storage (a package-level variable next to the Point), since the
// policy only holds a pointer to it.
func Skip(counter *uint32, limit uint32) SkipPolicy {
	return SkipPolicy{counter: counter, limit: limit}
}

// admit applies the skip policy, returning whether this activation should
// emit. Must be called from within the same critical section as emission.
func (p SkipPolicy) admit() bool {
	if p.counter == nil {
		return true
	}
	*p.counter++
	if *p.counter < p.limit {
		return false
	}
	*p.counter = 0
	return true
}

// Tracer is the scoped object acquired at entry to an instrumented region.
// Close emits the matching exit packet, if one was requested and entry was
// admitted by the skip policy.
type Tracer struct {
	emitter *Emitter
	exitID  uint8
	hasExit bool
}

// Enter constructs a Tracer for a pair of sites (enter, exit — either may
// be invalid, meaning that side is suppressed), under a critical section
// that masks interrupts for the duration of the timestamp read, Δt
// computation, and encode — the target-side concurrency discipline §5
// requires so last-timestamp state and the sink's output can't interleave
// with another emitter. It returns nil if the skip policy suppressed this
// activation; callers must guard the subsequent Close accordingly (nil
// Tracers are safe to Close, they just do nothing).
func Enter(emitter *Emitter, enter *instrument.Point, exit *instrument.Point, policy SkipPolicy) *Tracer {
	return criticalSection(func() *Tracer {
		if !policy.admit() {
			return nil
		}

		if id, ok := enter.RuntimeID(); ok {
			emitter.emit(id)
		}

		t := &Tracer{emitter: emitter}
		if id, ok := exit.RuntimeID(); ok {
			t.exitID = id
			t.hasExit = true
		}
		return t
	})
}

// Close emits the tracer's exit packet, if any was requested. Safe to call
// on a nil *Tracer.
func (t *Tracer) Close() {
	if t == nil || !t.hasExit {
		return
	}
	csMu.Lock()
	defer csMu.Unlock()
	t.emitter.emit(t.exitID)
}

// criticalSection is the target-side interrupt-masking discipline spec §5
// requires around emission. Go has no portable interrupt-mask primitive at
// this layer (that's a platform/HAL concern below this package), so on
// hosted builds this is a plain mutex; bare-metal targets built with
// TinyGo should supply a build-tagged variant that masks interrupts
// instead of locking.
func criticalSection[T any](f func() T) T {
	csMu.Lock()
	defer csMu.Unlock()
	return f()
}

// Pollable is an async future-equivalent: something whose execution is
// driven by repeated calls to Poll until it reports done.
type Pollable[T any] interface {
	Poll(ctx context.Context) (T, bool)
}

// pollableFunc adapts a function to Pollable.
type pollableFunc[T any] func(ctx context.Context) (T, bool)

func (f pollableFunc[T]) Poll(ctx context.Context) (T, bool) { return f(ctx) }

// WrapPollable brackets p's entire lifetime with an Instantiation-kind
// Tracer (opened here, closed by the wrapper's Poll once the inner
// Pollable reports done, after that poll's own bracket has closed) and each
// individual Poll call with a Poll-kind Tracer (opened and closed within
// that single call) — the two independent bracket pairs §4.2 describes for
// async sites.
func WrapPollable[T any](emitter *Emitter, p Pollable[T], instEnter, instExit *instrument.Point, pollEnter, pollExit *instrument.Point, instPolicy, pollPolicy SkipPolicy) *PollableTracer[T] {
	return &PollableTracer[T]{
		inner:     p,
		inst:      Enter(emitter, instEnter, instExit, instPolicy),
		emitter:   emitter,
		pollEnter: pollEnter,
		pollExit:  pollExit,
		policy:    pollPolicy,
	}
}

// PollableTracer wraps a Pollable with both bracket pairs wired in.
type PollableTracer[T any] struct {
	inner     Pollable[T]
	inst      *Tracer
	emitter   *Emitter
	pollEnter *instrument.Point
	pollExit  *instrument.Point
	policy    SkipPolicy
}

// Poll brackets one call to the wrapped Pollable's Poll with the Poll-kind
// tracer pair, and closes the Instantiation-kind tracer once the inner
// Pollable reports done, after the Poll-kind exit has been emitted.
func (w *PollableTracer[T]) Poll(ctx context.Context) (T, bool) {
	v, done := func() (T, bool) {
		t := Enter(w.emitter, w.pollEnter, w.pollExit, w.policy)
		defer t.Close()
		return w.inner.Poll(ctx)
	}()
	if done {
		w.inst.Close()
	}
	return v, done
}
