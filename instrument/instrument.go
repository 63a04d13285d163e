// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package instrument is the Go-native stand-in for the compiler macro the
// original design expands an instrumentation attribute into. Since Go has
// no such macro facility and no linker-assigned symbol addresses to read
// back, a site is declared with an explicit MustSite call instead, and
// the dense id it would have gotten from the linker is assigned later by
// cmd/utrace-gen and wired in at init time via Bind.
package instrument

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/tracekit/utrace/tracepoint"
)

// MaxTracePoints mirrors the reserved trace-point section's capacity.
const MaxTracePoints = 255

// Point is the handle a site holds for its lifetime. Before Bind has run
// with a generated table, RuntimeID reports (0, false) and the site's
// tracer must not emit — a target whose generated table is stale never
// corrupts the wire stream, it just stops tracing until regenerated.
type Point struct {
	info      tracepoint.Info
	hash      uint64
	runtimeID uint8
	bound     bool
}

// RuntimeID returns the site's assigned wire id, if a generated table has
// been bound and contains this site's callsite hash.
func (p *Point) RuntimeID() (uint8, bool) {
	if p == nil || !p.bound {
		return 0, false
	}
	return p.runtimeID, true
}

// Info returns the site's metadata, as embedded by cmd/utrace-gen into the
// generated binary-section table.
func (p *Point) Info() tracepoint.Info {
	if p == nil {
		return tracepoint.Info{}
	}
	return p.info
}

var (
	mu       sync.Mutex
	registry = map[uint64]*Point{}
	bound    = map[uint64]uint8{}
)

// MustSite registers an instrumentation site at the caller's location and
// returns its handle. It panics on a duplicate registration at the same
// callsite, which can only happen from a programming error (the same
// package-level var initialized twice).
func MustSite(info tracepoint.Info) *Point {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		panic("instrument: MustSite: could not resolve caller location")
	}
	hash := xxhash.Sum64String(fmt.Sprintf("%s:%d", file, line))
	info.ID = hash

	mu.Lock()
	defer mu.Unlock()
	if _, dup := registry[hash]; dup {
		panic(fmt.Sprintf("instrument: duplicate site at %s:%d", file, line))
	}
	p := &Point{info: info, hash: hash}
	registry[hash] = p
	if id, ok := bound[hash]; ok {
		p.runtimeID = id
		p.bound = true
	}
	return p
}

// Bind wires a cmd/utrace-gen-produced table (callsite hash -> dense
// runtime id, indexed by the table's position) into every Point registered
// so far, and into any MustSite call still to come. It is called from the
// generated file's init(), before any traced code can run.
func Bind(table []tracepoint.Info) {
	mu.Lock()
	defer mu.Unlock()

	for id, info := range table {
		if id > MaxTracePoints {
			panic("instrument: Bind: generated table exceeds MAX_TRACE_POINTS")
		}
		bound[info.ID] = uint8(id)
		if p, ok := registry[info.ID]; ok {
			p.runtimeID = uint8(id)
			p.bound = true
		}
	}
}

// Reset clears all registrations and bindings. Exposed for tests that need
// a clean registry between cases; production code never calls this.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	registry = map[uint64]*Point{}
	bound = map[uint64]uint8{}
}
