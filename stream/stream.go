// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package stream turns a raw capture byte stream into timestamped
// trace-point events: it feeds incoming bytes through the wire codec's
// decoder, accumulates Δt into an absolute timestamp, and resolves each
// decoded id against a binary's inspected trace-point table.
package stream

import (
	"iter"

	"github.com/tracekit/utrace/codec"
	"github.com/tracekit/utrace/tlog"
	"github.com/tracekit/utrace/tracepoint"
)

// EventKind distinguishes a resolved trace-point activation from a
// stream reset marker.
type EventKind int

const (
	// Point is a normal, resolved trace-point activation.
	Point EventKind = iota
	// Reset marks that the target's clock (and this parser's
	// accumulated timestamp) restarted from zero.
	Reset
)

// Event is one item a Parser yields: either a resolved trace point at an
// absolute timestamp, or a Reset marker.
type Event struct {
	Kind       EventKind
	Timestamp  uint64
	TracePoint tracepoint.DataWithLocation
}

// Parser decodes a single capture session's byte stream into Events,
// maintaining the running absolute timestamp and the decoder's
// resynchronization state across calls to PushAndParse.
type Parser struct {
	idMapping map[uint8]tracepoint.DataWithLocation
	decoder   *codec.Decoder
	timestamp uint64
	logger    *tlog.Helper
}

// NewParser returns a Parser resolving ids against idMapping — typically
// the output of inspect.File.Locations.
func NewParser(idMapping map[uint8]tracepoint.DataWithLocation) *Parser {
	return &Parser{
		idMapping: idMapping,
		decoder:   codec.NewDecoder(),
		logger:    tlog.Default(),
	}
}

// PushAndParse feeds data through the decoder and returns an iterator
// over every Event produced as a result — zero, one, or many, depending
// on how many complete packets data's bytes close out. A packet whose id
// has no entry in the parser's id mapping is logged and dropped, not
// yielded; it is not a protocol error, just an unresolvable point
// (e.g. the binary used to inspect the table is stale).
//
// Reset resets the parser's accumulated timestamp to zero; the yielded
// Reset event reports that new zero, not the pre-reset value.
func (p *Parser) PushAndParse(data []byte) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for _, b := range data {
			pkt, ok := p.decoder.PushByte(b)
			if !ok {
				continue
			}

			if pkt.IsReset() {
				p.timestamp = 0
				if !yield(Event{Kind: Reset, Timestamp: p.timestamp}) {
					return
				}
				continue
			}

			p.timestamp += uint64(pkt.DeltaT)
			tp, known := p.idMapping[pkt.ID]
			if !known {
				p.logger.Errorf("received trace packet with unknown id=%d, ignoring", pkt.ID)
				continue
			}

			if !yield(Event{Kind: Point, Timestamp: p.timestamp, TracePoint: tp}) {
				return
			}
		}
	}
}
