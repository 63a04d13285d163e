// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package viz writes decoded trace-point events out as a Chrome
// tracing-format JSON file, the format Chrome's about:tracing and
// Perfetto both load directly.
package viz

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/tracekit/utrace/stream"
	"github.com/tracekit/utrace/tlog"
	"github.com/tracekit/utrace/tracepoint"
)

// eventType is Chrome tracing's single-letter phase code.
type eventType string

const (
	spanBegin  eventType = "B"
	spanEnd    eventType = "E"
	instant    eventType = "i"
	arrowStart eventType = "s"
	arrowStep  eventType = "t"
)

// event is one Chrome tracing JSON record. ID and BP are only set on the
// arrow events (arrowStart/arrowStep) correlating an AsyncEnter instant
// to the polls of the same future; every other event omits them.
type event struct {
	Name string    `json:"name"`
	Cat  string    `json:"cat"`
	Type eventType `json:"ph"`
	PID  uint32    `json:"pid"`
	TID  uint32    `json:"tid"`
	TS   uint64    `json:"ts"`
	ID   *uint64   `json:"id,omitempty"`
	BP   *string   `json:"bp,omitempty"`
}

// Sink writes a chrome-tracing JSON array to disk, one or two records per
// Point passed to Write (two when an arrow event accompanies it),
// optionally zstd-compressed. A Reset event closes the current
// file and opens a new one rather than mixing two sessions' timelines
// into one trace.
type Sink struct {
	basename string
	compress bool
	logger   *tlog.Helper

	f      *os.File
	w      io.WriteCloser // either f directly, or a zstd encoder wrapping it
	opened bool

	// flow is the correlation id of the currently open async
	// instantiation, if any; set on AsyncEnter, cleared on AsyncExit, and
	// used to tag AsyncPollEnter/AsyncPollExit events with an arrow back
	// to that instantiation's instant marker.
	flow       *uint64
	nextFlowID uint64
}

// NewSink returns a Sink that will write to files named
// "<basename>_<unix_seconds>.json" (or ".json.zst" when compress is
// true), a new timestamped file per Reset.
func NewSink(basename string, compress bool) *Sink {
	return &Sink{basename: basename, compress: compress, logger: tlog.Default()}
}

// Write appends ev to the current trace file, opening one on first call
// or after a Reset, and closing the current file and starting a new one
// on a Reset event. Non-Point, non-Reset events are ignored.
func (s *Sink) Write(ev stream.Event) error {
	switch ev.Kind {
	case stream.Reset:
		return s.rotate()
	case stream.Point:
		if !s.opened {
			if err := s.rotate(); err != nil {
				return err
			}
		}
		return s.writePoint(ev)
	default:
		return nil
	}
}

func (s *Sink) writePoint(ev stream.Event) error {
	name := "unnamed"
	if ev.TracePoint.Info.Name != nil {
		name = *ev.TracePoint.Info.Name
	}
	kind := ev.TracePoint.Info.Kind
	cat := string(kind)

	if err := s.encode(event{
		Name: name, Cat: cat, Type: phaseFor(kind),
		PID: 1, TID: 1, TS: ev.Timestamp,
	}); err != nil {
		return err
	}

	switch kind {
	case tracepoint.AsyncEnter:
		id := s.nextFlowID
		s.nextFlowID++
		s.flow = &id
		bp := "e"
		return s.encode(event{
			Name: name, Cat: cat, Type: arrowStart,
			PID: 1, TID: 1, TS: ev.Timestamp, ID: &id, BP: &bp,
		})
	case tracepoint.AsyncExit:
		s.flow = nil
	case tracepoint.AsyncPollEnter, tracepoint.AsyncPollExit:
		if s.flow != nil {
			return s.encode(event{
				Name: name, Cat: cat, Type: arrowStep,
				PID: 1, TID: 1, TS: ev.Timestamp, ID: s.flow,
			})
		}
	}
	return nil
}

func (s *Sink) encode(rec event) error {
	enc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("viz: encode event: %w", err)
	}
	if _, err := s.w.Write(enc); err != nil {
		return err
	}
	_, err = s.w.Write([]byte(",\n"))
	return err
}

// phaseFor classifies a trace point's kind per the instant-vs-span rule:
// AsyncEnter/AsyncExit mark a future's construction/destruction at a
// point in time rather than bracketing a call on the stack, so they
// render as Chrome tracing instant markers; every other kind brackets a
// visible duration and renders as a span begin/end.
func phaseFor(k tracepoint.Kind) eventType {
	if k == tracepoint.AsyncEnter || k == tracepoint.AsyncExit {
		return instant
	}
	if k.IsEnter() {
		return spanBegin
	}
	return spanEnd
}

// rotate closes the current file (if any) and opens a new one stamped
// with the current wall-clock second, and drops any in-flight async
// correlation — a Reset starts a new session, so an instantiation open
// in the old one has nothing left to correlate to.
func (s *Sink) rotate() error {
	if err := s.Close(); err != nil {
		return err
	}
	s.flow = nil

	name := fmt.Sprintf("%s_%d.json", s.basename, time.Now().Unix())
	if s.compress {
		name += ".zst"
	}

	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("viz: create %s: %w", name, err)
	}
	s.f = f

	if s.compress {
		zw, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("viz: init zstd writer: %w", err)
		}
		s.w = zw
	} else {
		s.w = nopCloser{f}
	}
	s.opened = true
	if _, err := s.w.Write([]byte("[\n")); err != nil {
		return fmt.Errorf("viz: write %s: %w", name, err)
	}
	s.logger.Infof("opened trace file %s", name)
	return nil
}

// Close flushes and closes the current output file, if one is open.
func (s *Sink) Close() error {
	if !s.opened {
		return nil
	}
	s.opened = false
	if err := s.w.Close(); err != nil {
		s.f.Close()
		return fmt.Errorf("viz: close writer: %w", err)
	}
	return s.f.Close()
}

type nopCloser struct{ *os.File }

func (n nopCloser) Close() error { return nil }
