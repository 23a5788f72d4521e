// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ir

import (
	"errors"
	"fmt"
)

// ErrNoMatch is returned when a pulse does not fit the expected timing.
var ErrNoMatch = errors.New("pulse does not match")

// Reader is a cursor over a captured Sequence. Expect calls advance only
// when they match.
type Reader struct {
	seq       Sequence
	pos       int
	tolerance int
}

// NewReader returns a reader with the given tolerance in percent. Zero
// selects DefaultTolerance.
func NewReader(seq Sequence, tolerance int) *Reader {
	if tolerance == 0 {
		tolerance = DefaultTolerance
	}
	return &Reader{seq: seq, tolerance: tolerance}
}

// Pos returns the index of the next unread item.
func (r *Reader) Pos() int { return r.pos }

// Remaining returns the number of unread items.
func (r *Reader) Remaining() int { return len(r.seq) - r.pos }

// Reset rewinds the cursor.
func (r *Reader) Reset() { r.pos = 0 }

func (r *Reader) peekMarkAt(offset int, us int32) bool {
	i := r.pos + offset
	if i >= len(r.seq) {
		return false
	}
	lower, upper := Bounds(us, r.tolerance)
	v := r.seq[i]
	return v >= lower && v <= upper
}

func (r *Reader) peekSpaceAt(offset int, us int32) bool {
	i := r.pos + offset
	if i >= len(r.seq) {
		return false
	}
	lower, upper := Bounds(us, r.tolerance)
	v := r.seq[i]
	return v <= -lower && v >= -upper
}

// PeekMark reports whether the next item is a mark of us.
func (r *Reader) PeekMark(us int32) bool { return r.peekMarkAt(0, us) }

// PeekSpace reports whether the next item is a space of us.
func (r *Reader) PeekSpace(us int32) bool { return r.peekSpaceAt(0, us) }

// PeekItem reports whether the next two items are mark then space.
func (r *Reader) PeekItem(mark, space int32) bool {
	return r.peekMarkAt(0, mark) && r.peekSpaceAt(1, space)
}

// ExpectMark consumes a mark of us.
func (r *Reader) ExpectMark(us int32) bool {
	if !r.PeekMark(us) {
		return false
	}
	r.pos++
	return true
}

// ExpectSpace consumes a space of us.
func (r *Reader) ExpectSpace(us int32) bool {
	if !r.PeekSpace(us) {
		return false
	}
	r.pos++
	return true
}

// ExpectItem consumes a mark and a space.
func (r *Reader) ExpectItem(mark, space int32) bool {
	if !r.PeekItem(mark, space) {
		return false
	}
	r.pos += 2
	return true
}

// ExpectPause consumes a space of at least the lower bound of us, or
// succeeds at the end of the capture where receivers cut the idle gap.
func (r *Reader) ExpectPause(us int32) bool {
	if r.pos >= len(r.seq) {
		return true
	}
	lower, _ := Bounds(us, r.tolerance)
	if r.seq[r.pos] <= -lower {
		r.pos++
		return true
	}
	return false
}

// Header consumes the protocol header.
func (r *Reader) Header(t *Timing) error {
	if !r.ExpectItem(t.HeaderMark, t.HeaderSpace) {
		return r.fail("header")
	}
	return nil
}

// Footer consumes the footer mark and, if present, the trailing pause.
func (r *Reader) Footer(t *Timing) error {
	if !r.ExpectMark(t.FooterMark) {
		return r.fail("footer mark")
	}
	if t.FooterSpace > 0 && !r.ExpectPause(t.FooterSpace) {
		return r.fail("footer pause")
	}
	return nil
}

// Bit decodes one data bit.
func (r *Reader) Bit(t *Timing) (bool, error) {
	switch {
	case r.ExpectItem(t.BitMark, t.OneSpace):
		return true, nil
	case r.ExpectItem(t.BitMark, t.ZeroSpace):
		return false, nil
	default:
		return false, r.fail("data bit")
	}
}

// Bits decodes n bits in the timing's bit order.
func (r *Reader) Bits(t *Timing, n int) (uint64, error) {
	var v uint64
	for i := 0; i < n; i++ {
		one, err := r.Bit(t)
		if err != nil {
			return 0, err
		}
		if !one {
			continue
		}
		if t.Order == LSBFirst {
			v |= 1 << uint(i)
		} else {
			v |= 1 << uint(n-1-i)
		}
	}
	return v, nil
}

// Byte decodes eight bits.
func (r *Reader) Byte(t *Timing) (byte, error) {
	v, err := r.Bits(t, 8)
	return byte(v), err
}

func (r *Reader) fail(what string) error {
	return fmt.Errorf("%w: %s at item %d", ErrNoMatch, what, r.pos)
}
