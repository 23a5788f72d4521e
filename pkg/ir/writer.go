// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ir

// Writer builds a Sequence. Consecutive marks or consecutive spaces are
// merged so the result always alternates.
type Writer struct {
	seq Sequence
}

// NewWriter returns an empty writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Mark appends a carrier-on pulse.
func (w *Writer) Mark(us int32) {
	if us <= 0 {
		return
	}
	if n := len(w.seq); n > 0 && w.seq[n-1] > 0 {
		w.seq[n-1] += us
		return
	}
	w.seq = append(w.seq, us)
}

// Space appends a carrier-off gap.
func (w *Writer) Space(us int32) {
	if us <= 0 {
		return
	}
	if n := len(w.seq); n > 0 && w.seq[n-1] < 0 {
		w.seq[n-1] -= us
		return
	}
	w.seq = append(w.seq, -us)
}

// Item appends a mark followed by a space.
func (w *Writer) Item(mark, space int32) {
	w.Mark(mark)
	w.Space(space)
}

// Header appends the protocol header.
func (w *Writer) Header(t *Timing) {
	w.Item(t.HeaderMark, t.HeaderSpace)
}

// Footer appends the footer mark and trailing pause.
func (w *Writer) Footer(t *Timing) {
	w.Item(t.FooterMark, t.FooterSpace)
}

// Bit appends one data bit.
func (w *Writer) Bit(t *Timing, one bool) {
	if one {
		w.Item(t.BitMark, t.OneSpace)
	} else {
		w.Item(t.BitMark, t.ZeroSpace)
	}
}

// Bits appends the low n bits of v in the timing's bit order.
func (w *Writer) Bits(t *Timing, v uint64, n int) {
	if t.Order == LSBFirst {
		for i := 0; i < n; i++ {
			w.Bit(t, v&(1<<uint(i)) != 0)
		}
		return
	}
	for i := n - 1; i >= 0; i-- {
		w.Bit(t, v&(1<<uint(i)) != 0)
	}
}

// Byte appends eight bits.
func (w *Writer) Byte(t *Timing, b byte) {
	w.Bits(t, uint64(b), 8)
}

// Sequence returns the built sequence.
func (w *Writer) Sequence() Sequence {
	return w.seq
}
