// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package broadcast

import (
	"testing"
	"time"

	"github.com/tracekit/utrace/stream"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	h := NewHub(4)
	a := h.Subscribe()
	b := h.Subscribe()

	h.Publish(stream.Event{Timestamp: 1})
	h.Close()

	evA, ok := <-a
	if !ok || evA.Timestamp != 1 {
		t.Errorf("subscriber a: got %+v, ok=%v", evA, ok)
	}
	evB, ok := <-b
	if !ok || evB.Timestamp != 1 {
		t.Errorf("subscriber b: got %+v, ok=%v", evB, ok)
	}
}

func TestPublishDropsOldestWhenSubscriberFull(t *testing.T) {
	h := NewHub(1)
	sub := h.Subscribe()

	h.Publish(stream.Event{Timestamp: 1})
	h.Publish(stream.Event{Timestamp: 2}) // drops timestamp 1, buffer holds 2
	h.Close()

	ev, ok := <-sub
	if !ok {
		t.Fatal("expected one buffered event")
	}
	if ev.Timestamp != 2 {
		t.Errorf("got timestamp %d, want 2 (oldest dropped)", ev.Timestamp)
	}
	if _, ok := <-sub; ok {
		t.Error("expected channel closed after the single buffered event")
	}
}

func TestPublishNeverBlocksOnAFullSubscriber(t *testing.T) {
	h := NewHub(1)
	h.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Publish(stream.Event{Timestamp: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full, undrained subscriber")
	}
}
