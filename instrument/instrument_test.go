// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package instrument

import (
	"testing"

	"github.com/tracekit/utrace/tracepoint"
)

func TestRuntimeIDBeforeBindIsInvalid(t *testing.T) {
	Reset()
	defer Reset()

	p := MustSite(tracepoint.Info{Kind: tracepoint.SyncEnter})
	if _, ok := p.RuntimeID(); ok {
		t.Error("RuntimeID should be invalid before Bind")
	}
}

func TestBindAssignsRuntimeID(t *testing.T) {
	Reset()
	defer Reset()

	p := MustSite(tracepoint.Info{Kind: tracepoint.SyncEnter})
	table := []tracepoint.Info{{}, p.Info()}

	Bind(table)

	id, ok := p.RuntimeID()
	if !ok {
		t.Fatal("expected RuntimeID to be valid after Bind")
	}
	if id != 1 {
		t.Errorf("got id %d, want 1", id)
	}
}

// TestBindBeforeSiteRegistration checks that a site registered after Bind
// has already run still picks up its assigned id, since a generated table
// is produced once at build time but package init order within the target
// isn't guaranteed relative to it.
func TestBindBeforeSiteRegistration(t *testing.T) {
	Reset()
	defer Reset()

	Bind([]tracepoint.Info{{}, {ID: futureSiteHash(t)}})

	p := declareFutureSite(t)
	id, ok := p.RuntimeID()
	if !ok {
		t.Fatal("expected RuntimeID to be valid for a site registered after Bind")
	}
	if id != 1 {
		t.Errorf("got id %d, want 1", id)
	}
}

// futureSiteHash and declareFutureSite call MustSite from the exact same
// line so their callsite hash is reproducible across the two calls in this
// test, standing in for a real MustSite call whose hash is computed once
// by cmd/utrace-gen and once by the running target.
func futureSiteHash(t *testing.T) uint64 {
	t.Helper()
	p := declareFutureSite(t)
	hash := p.hash
	mu.Lock()
	delete(registry, hash)
	mu.Unlock()
	return hash
}

func declareFutureSite(t *testing.T) *Point {
	t.Helper()
	return MustSite(tracepoint.Info{Kind: tracepoint.SyncExit})
}

func TestDuplicateSitePanics(t *testing.T) {
	Reset()
	defer Reset()

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration at the same callsite")
		}
	}()

	registerTwiceAtSameLine()
}

func registerTwiceAtSameLine() {
	for i := 0; i < 2; i++ {
		MustSite(tracepoint.Info{Kind: tracepoint.SyncEnter})
	}
}
