// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package tracepoint defines the metadata carried by an instrumentation
// site: its kind, its pairing with the matching enter or exit, and the
// JSON shape that gets embedded in a binary's trace-point section symbol
// names for the binary inspector to recover later.
package tracepoint

import "encoding/json"

// Kind is the specific instrumentation point a site emits.
type Kind string

const (
	SyncEnter      Kind = "SyncEnter"
	SyncExit       Kind = "SyncExit"
	AsyncEnter     Kind = "AsyncEnter"
	AsyncExit      Kind = "AsyncExit"
	AsyncPollEnter Kind = "AsyncPollEnter"
	AsyncPollExit  Kind = "AsyncPollExit"
	GenericEnter   Kind = "GenericEnter"
	GenericExit    Kind = "GenericExit"
)

// IsEnter reports whether k opens a pair rather than closing one.
func (k Kind) IsEnter() bool {
	switch k {
	case SyncEnter, AsyncEnter, AsyncPollEnter, GenericEnter:
		return true
	default:
		return false
	}
}

// IsExit reports whether k closes a pair.
func (k Kind) IsExit() bool {
	return !k.IsEnter()
}

// PairKind groups a Kind's enter and exit halves.
type PairKind int

const (
	SyncCall PairKind = iota
	AsyncInstantiation
	AsyncPoll
	Generic
)

// PairKindOf returns the pair a given Kind belongs to.
func PairKindOf(k Kind) PairKind {
	switch k {
	case SyncEnter, SyncExit:
		return SyncCall
	case AsyncEnter, AsyncExit:
		return AsyncInstantiation
	case AsyncPollEnter, AsyncPollExit:
		return AsyncPoll
	default:
		return Generic
	}
}

// EnterKind returns the enter-side Kind for the pair.
func (p PairKind) EnterKind() Kind {
	switch p {
	case SyncCall:
		return SyncEnter
	case AsyncInstantiation:
		return AsyncEnter
	case AsyncPoll:
		return AsyncPollEnter
	default:
		return GenericEnter
	}
}

// ExitKind returns the exit-side Kind for the pair.
//
// The Generic case previously returned GenericEnter in one revision of the
// upstream tracer — a pairing bug, since a Generic site's exit packet would
// then carry the enter kind. Corrected here to GenericExit.
func (p PairKind) ExitKind() Kind {
	switch p {
	case SyncCall:
		return SyncExit
	case AsyncInstantiation:
		return AsyncExit
	case AsyncPoll:
		return AsyncPollExit
	default:
		return GenericExit
	}
}

// Info is the metadata embedded, as UTF-8 JSON, in an instrumentation
// site's zero-byte symbol name within the trace-point section.
type Info struct {
	Kind    Kind    `json:"kind"`
	Name    *string `json:"name"`
	Comment *string `json:"comment"`
	Skip    *uint32 `json:"skip"`
	ID      uint64  `json:"id"`
}

// Marshal serializes info to its on-symbol JSON form.
func (info Info) Marshal() ([]byte, error) {
	return json.Marshal(info)
}

// Unmarshal decodes a symbol name's JSON payload into an Info.
func Unmarshal(data []byte) (Info, error) {
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, err
	}
	return info, nil
}

// DataWithLocation is a trace-point record enriched with source location,
// as recovered by the binary inspector from debug info.
type DataWithLocation struct {
	Info     Info
	Path     *string
	FileName *string
	Line     *uint64
}
