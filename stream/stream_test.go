// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stream

import (
	"testing"

	"github.com/tracekit/utrace/codec"
	"github.com/tracekit/utrace/tracepoint"
)

func encodePacket(t *testing.T, id uint8, deltaT uint32) []byte {
	t.Helper()
	buf, err := codec.AppendEncode(nil, id, deltaT)
	if err != nil {
		t.Fatalf("AppendEncode: %v", err)
	}
	return buf
}

func collect(p *Parser, data []byte) []Event {
	var got []Event
	for ev := range p.PushAndParse(data) {
		got = append(got, ev)
	}
	return got
}

func TestParserResolvesKnownPoint(t *testing.T) {
	tp := tracepoint.DataWithLocation{Info: tracepoint.Info{Kind: tracepoint.SyncEnter, ID: 1}}
	p := NewParser(map[uint8]tracepoint.DataWithLocation{1: tp})

	data := encodePacket(t, 1, 100)
	got := collect(p, data)

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Kind != Point || got[0].Timestamp != 100 {
		t.Errorf("got %+v, want Point at timestamp 100", got[0])
	}
	if got[0].TracePoint.Info.ID != 1 {
		t.Errorf("got resolved id %d, want 1", got[0].TracePoint.Info.ID)
	}
}

func TestParserAccumulatesTimestampAcrossPackets(t *testing.T) {
	tp := tracepoint.DataWithLocation{Info: tracepoint.Info{ID: 1}}
	p := NewParser(map[uint8]tracepoint.DataWithLocation{1: tp})

	var data []byte
	data = append(data, encodePacket(t, 1, 100)...)
	data = append(data, encodePacket(t, 1, 50)...)

	got := collect(p, data)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Timestamp != 100 {
		t.Errorf("first event timestamp = %d, want 100", got[0].Timestamp)
	}
	if got[1].Timestamp != 150 {
		t.Errorf("second event timestamp = %d, want 150", got[1].Timestamp)
	}
}

func TestParserUnknownIDIsDroppedNotYielded(t *testing.T) {
	p := NewParser(map[uint8]tracepoint.DataWithLocation{})

	data := encodePacket(t, 5, 10)
	got := collect(p, data)

	if len(got) != 0 {
		t.Fatalf("got %d events, want 0 (unresolvable id dropped)", len(got))
	}
}

func TestParserResetZeroesTimestampAndEmitsResetEvent(t *testing.T) {
	tp := tracepoint.DataWithLocation{Info: tracepoint.Info{ID: 1}}
	p := NewParser(map[uint8]tracepoint.DataWithLocation{1: tp})

	var data []byte
	data = append(data, encodePacket(t, 1, 500)...)
	data = append(data, encodePacket(t, codec.ResetID, 0)...)
	data = append(data, encodePacket(t, 1, 10)...)

	got := collect(p, data)
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[1].Kind != Reset || got[1].Timestamp != 0 {
		t.Errorf("got reset event %+v, want Reset at timestamp 0", got[1])
	}
	if got[2].Timestamp != 10 {
		t.Errorf("post-reset timestamp = %d, want 10 (accumulation restarted from zero)", got[2].Timestamp)
	}
}

func TestParserStopsEarlyWhenConsumerBreaks(t *testing.T) {
	tp := tracepoint.DataWithLocation{Info: tracepoint.Info{ID: 1}}
	p := NewParser(map[uint8]tracepoint.DataWithLocation{1: tp})

	var data []byte
	data = append(data, encodePacket(t, 1, 1)...)
	data = append(data, encodePacket(t, 1, 2)...)

	var got []Event
	for ev := range p.PushAndParse(data) {
		got = append(got, ev)
		break
	}

	if len(got) != 1 {
		t.Fatalf("got %d events, want exactly 1 (range loop broke after first)", len(got))
	}
}
