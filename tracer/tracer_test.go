// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package tracer

import (
	"context"
	"testing"

	"github.com/tracekit/utrace/codec"
	"github.com/tracekit/utrace/instrument"
	"github.com/tracekit/utrace/tracepoint"
)

type recordingSink struct{ bytes []byte }

func (s *recordingSink) WriteByte(b byte) error {
	s.bytes = append(s.bytes, b)
	return nil
}

func boundPoint(t *testing.T, id uint8) *instrument.Point {
	t.Helper()
	instrument.Reset()
	p := instrument.MustSite(tracepoint.Info{Kind: tracepoint.SyncEnter})
	table := make([]tracepoint.Info, id+1)
	table[id] = p.Info()
	instrument.Bind(table)
	return p
}

func TestEnterCloseEmitsMatchedPair(t *testing.T) {
	sink := &recordingSink{}
	emitter := NewEmitter(fixedClock(0), sink)

	enter := boundPoint(t, 1)
	instrument.Reset()
	exit := boundPoint(t, 2)

	tr := Enter(emitter, enter, exit, NoSkip())
	if tr == nil {
		t.Fatal("expected a Tracer, got nil")
	}
	tr.Close()

	dec := codec.NewDecoder()
	var got []codec.Packet
	for _, b := range sink.bytes {
		if pkt, ok := dec.PushByte(b); ok {
			got = append(got, pkt)
		}
	}
	if len(got) != 2 {
		t.Fatalf("got %d packets, want 2: %+v", len(got), got)
	}
	if got[0].ID != 1 || got[1].ID != 2 {
		t.Errorf("got ids %d, %d, want 1, 2", got[0].ID, got[1].ID)
	}
}

func TestEnterSuppressedSideDoesNotEmit(t *testing.T) {
	sink := &recordingSink{}
	emitter := NewEmitter(fixedClock(0), sink)

	enter := boundPoint(t, 1)

	tr := Enter(emitter, enter, nil, NoSkip())
	tr.Close()

	if len(sink.bytes) == 0 {
		t.Fatal("expected the enter packet to be emitted")
	}
	dec := codec.NewDecoder()
	var got []codec.Packet
	for _, b := range sink.bytes {
		if pkt, ok := dec.PushByte(b); ok {
			got = append(got, pkt)
		}
	}
	if len(got) != 1 {
		t.Fatalf("got %d packets, want exactly 1 (exit suppressed): %+v", len(got), got)
	}
}

func TestSkipPolicySamplesEveryNth(t *testing.T) {
	sink := &recordingSink{}
	emitter := NewEmitter(fixedClock(0), sink)
	enter := boundPoint(t, 1)

	var counter uint32
	policy := Skip(&counter, 3)

	var admitted int
	for i := 0; i < 9; i++ {
		if tr := Enter(emitter, enter, nil, policy); tr != nil {
			admitted++
			tr.Close()
		}
	}

	if admitted != 3 {
		t.Errorf("got %d admissions over 9 activations at limit 3, want 3", admitted)
	}
}

func TestWrapPollableBracketsInstantiationAndPolls(t *testing.T) {
	sink := &recordingSink{}
	emitter := NewEmitter(fixedClock(0), sink)

	instEnter := boundPoint(t, 1)
	instrument.Reset()
	instExit := boundPoint(t, 2)
	instrument.Reset()
	pollEnter := boundPoint(t, 3)
	instrument.Reset()
	pollExit := boundPoint(t, 4)

	steps := 0
	inner := pollableFunc[int](func(ctx context.Context) (int, bool) {
		steps++
		return steps, steps == 2
	})

	w := WrapPollable[int](emitter, inner, instEnter, instExit, pollEnter, pollExit, NoSkip(), NoSkip())

	if _, done := w.Poll(context.Background()); done {
		t.Fatal("expected first poll to report not done")
	}
	if _, done := w.Poll(context.Background()); !done {
		t.Fatal("expected second poll to report done")
	}

	dec := codec.NewDecoder()
	var ids []uint8
	for _, b := range sink.bytes {
		if pkt, ok := dec.PushByte(b); ok {
			ids = append(ids, pkt.ID)
		}
	}
	// inst-enter, poll-enter, poll-exit, poll-enter, poll-exit, inst-exit
	want := []uint8{1, 3, 4, 3, 4, 2}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("packet %d: got id %d, want %d", i, ids[i], want[i])
		}
	}
}

// TestWrapPollableSamplesInstantiationIndependentlyOfPolls pins the
// instantiation-side skip policy to its own counter, distinct from the
// poll-side policy, so a bracket that hardcoded the instantiation side to
// NoSkip() would still emit the inst-enter packet this test expects
// suppressed.
func TestWrapPollableSamplesInstantiationIndependentlyOfPolls(t *testing.T) {
	sink := &recordingSink{}
	emitter := NewEmitter(fixedClock(0), sink)

	instEnter := boundPoint(t, 1)
	instrument.Reset()
	instExit := boundPoint(t, 2)
	instrument.Reset()
	pollEnter := boundPoint(t, 3)
	instrument.Reset()
	pollExit := boundPoint(t, 4)

	var instCounter uint32
	instPolicy := Skip(&instCounter, 2)
	pollPolicy := NoSkip()

	inner := pollableFunc[int](func(ctx context.Context) (int, bool) {
		return 0, true
	})

	w := WrapPollable[int](emitter, inner, instEnter, instExit, pollEnter, pollExit, instPolicy, pollPolicy)
	w.Poll(context.Background())

	dec := codec.NewDecoder()
	var ids []uint8
	for _, b := range sink.bytes {
		if pkt, ok := dec.PushByte(b); ok {
			ids = append(ids, pkt.ID)
		}
	}
	// instantiation suppressed by its own 1-of-2 policy; only the poll
	// bracket (ids 3, 4) should emit.
	want := []uint8{3, 4}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v (instantiation bracket should be suppressed by its own policy)", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("packet %d: got id %d, want %d", i, ids[i], want[i])
		}
	}
}

func fixedClock(start uint64) clockFunc { return clockFunc(start) }

type clockFunc uint64

func (c clockFunc) NowMicros() uint64 { return uint64(c) }
