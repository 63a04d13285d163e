// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package codec

// Decoder is a streaming, self-synchronizing packet decoder: it accepts one
// byte at a time and reports a Packet exactly when the just-pushed byte has
// its high bit set and the previous buffered byte had its high bit clear.
// A terminator byte that arrives with nothing buffered can't be closing
// anything — the id byte's top bit is always clear — so it's treated as
// orphan garbage and dropped; this is what lets the decoder resynchronize
// after a stream cut mid-packet.
//
// The buffer is bounded to MaxPacketLen: if an in-progress packet would grow
// past that bound without closing, the oldest buffered byte is dropped.
// Without this bound a hostile or corrupted stream that never produces a
// valid boundary could grow the buffer without limit. This bound does not
// guarantee recovery within one spurious packet for every possible garbage
// prefix — a prefix ending in a non-terminator byte that happens to abut a
// real packet's start can merge with it; see DESIGN.md.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty streaming decoder.
func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, MaxPacketLen)}
}

// PushByte feeds one byte into the decoder. It returns (packet, true) when b
// closes a packet boundary, in which case the decoder's buffer is reset for
// the next packet. A false second return means more bytes are needed.
func (d *Decoder) PushByte(b byte) (Packet, bool) {
	terminator := b&continuationBit != 0

	if terminator {
		// A terminator is only meaningful as the byte that CLOSES an
		// already-started packet (one whose first, still-unterminated,
		// byte has top bit clear — the id byte's top bit is always clear,
		// since ids never exceed MaxID (127)). A terminator arriving with an empty
		// buffer, or right after another terminator, can't be closing
		// anything: it's orphan garbage from a mid-stream entry or a
		// dropped byte, so it's discarded and the buffer starts fresh.
		if len(d.buf) == 0 {
			return Packet{}, false
		}
		d.buf = append(d.buf, b)
		pkt, _ := Decode(d.buf)
		d.buf = d.buf[:0]
		return pkt, true
	}

	d.buf = append(d.buf, b)
	if len(d.buf) > MaxPacketLen {
		d.buf = d.buf[1:]
	}
	return Packet{}, false
}

// Reset discards any partially accumulated bytes.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}
