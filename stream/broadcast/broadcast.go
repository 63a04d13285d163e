// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package broadcast fans a single stream of events out to multiple
// independent consumers — the capture CLI's stdout sink and its
// chrometracing sink both subscribe to the same decoded event stream.
package broadcast

import (
	"github.com/tracekit/utrace/stream"
	"github.com/tracekit/utrace/tlog"
)

// DefaultBufferSize is each subscriber's channel capacity before the hub
// starts dropping that subscriber's oldest undelivered event.
const DefaultBufferSize = 256

// Hub fans Events out to any number of subscribers. A slow or stalled
// subscriber never blocks Publish and never brings the process down —
// it just starts losing its own oldest buffered events, logged at warn
// level, while every other subscriber keeps receiving in full.
type Hub struct {
	bufSize int
	subs    []chan stream.Event
	logger  *tlog.Helper
}

// NewHub returns an empty Hub. Subscribers added later via Subscribe get
// a channel of capacity bufSize (DefaultBufferSize if bufSize <= 0).
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Hub{bufSize: bufSize, logger: tlog.Default()}
}

// Subscribe registers a new consumer and returns the channel it should
// range over. The channel is never closed by Publish; call Close on the
// Hub once the source stream is exhausted to close every subscriber.
func (h *Hub) Subscribe() <-chan stream.Event {
	ch := make(chan stream.Event, h.bufSize)
	h.subs = append(h.subs, ch)
	return ch
}

// Publish delivers ev to every subscriber. A subscriber whose channel is
// full has its oldest buffered event dropped to make room — this never
// blocks and never panics, per the broadcast fan-out's no-panic
// guarantee on a lagging consumer.
func (h *Hub) Publish(ev stream.Event) {
	for i, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			select {
			case dropped := <-ch:
				h.logger.Warnf("subscriber %d is lagging, dropping event at timestamp %d", i, dropped.Timestamp)
			default:
			}
			select {
			case ch <- ev:
			default:
				h.logger.Warnf("subscriber %d is lagging, dropping event at timestamp %d", i, ev.Timestamp)
			}
		}
	}
}

// Close closes every subscriber's channel. Call once after the last
// Publish.
func (h *Hub) Close() {
	for _, ch := range h.subs {
		close(ch)
	}
}
