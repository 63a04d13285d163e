// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"io"
	"testing"
)

func TestRingBufferReadsWhatWasWritten(t *testing.T) {
	r := NewRingBuffer(8)
	r.Write([]byte("abc"))

	got := make([]byte, 3)
	n, err := r.Read(got)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 || !bytes.Equal(got, []byte("abc")) {
		t.Errorf("got %q (n=%d), want %q", got[:n], n, "abc")
	}
}

func TestRingBufferDropsOldestWhenFull(t *testing.T) {
	r := NewRingBuffer(4)
	r.Write([]byte("abcdef")) // capacity 4, so "ab" is dropped

	got := make([]byte, 4)
	n, _ := r.Read(got)
	if !bytes.Equal(got[:n], []byte("cdef")) {
		t.Errorf("got %q, want %q", got[:n], "cdef")
	}
}

func TestRingBufferReadOnEmptyReturnsEOF(t *testing.T) {
	r := NewRingBuffer(4)
	_, err := r.Read(make([]byte, 1))
	if err != io.EOF {
		t.Errorf("got %v, want io.EOF", err)
	}
}

func TestRingBufferPartialReadLeavesRemainder(t *testing.T) {
	r := NewRingBuffer(8)
	r.Write([]byte("abcdef"))

	first := make([]byte, 3)
	r.Read(first)
	if !bytes.Equal(first, []byte("abc")) {
		t.Fatalf("got %q, want abc", first)
	}

	second := make([]byte, 3)
	n, _ := r.Read(second)
	if !bytes.Equal(second[:n], []byte("def")) {
		t.Errorf("got %q, want def", second[:n])
	}
}

func TestRingBufferWrapsAroundInternally(t *testing.T) {
	r := NewRingBuffer(4)
	r.Write([]byte("ab"))

	out := make([]byte, 1)
	r.Read(out) // consume 'a', freeing a slot at the front

	r.Write([]byte("cde")) // 'e' wraps past the end of the backing array

	got := make([]byte, 4)
	n, _ := r.Read(got)
	if !bytes.Equal(got[:n], []byte("bcde")) {
		t.Errorf("got %q, want bcde", got[:n])
	}
}
