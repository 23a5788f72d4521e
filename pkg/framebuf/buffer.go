// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package framebuf provides the fixed-capacity frame accumulator shared by
// the stream decoders. A write past capacity is rejected with ErrOverflow;
// nothing is ever truncated.
package framebuf

import "errors"

// ErrOverflow is returned when a write would exceed the buffer capacity.
var ErrOverflow = errors.New("frame buffer overflow")

// Buffer is an index + capacity pair over a preallocated array.
type Buffer struct {
	data []byte
	n    int
}

// New returns a buffer that holds at most capacity bytes.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Append adds one byte.
func (b *Buffer) Append(c byte) error {
	if b.n >= len(b.data) {
		return ErrOverflow
	}
	b.data[b.n] = c
	b.n++
	return nil
}

// Write adds p in full or not at all.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.n+len(p) > len(b.data) {
		return 0, ErrOverflow
	}
	copy(b.data[b.n:], p)
	b.n += len(p)
	return len(p), nil
}

// At returns the byte at index i. The second result is false when i is
// outside the filled region.
func (b *Buffer) At(i int) (byte, bool) {
	if i < 0 || i >= b.n {
		return 0, false
	}
	return b.data[i], true
}

// Last returns the most recently appended byte.
func (b *Buffer) Last() (byte, bool) {
	return b.At(b.n - 1)
}

// Bytes returns the filled region. The slice aliases the buffer and is only
// valid until the next Reset.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

// Clone returns a copy of the filled region.
func (b *Buffer) Clone() []byte {
	out := make([]byte, b.n)
	copy(out, b.data[:b.n])
	return out
}

// Len returns the number of filled bytes.
func (b *Buffer) Len() int { return b.n }

// Cap returns the capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Full reports whether another Append would overflow.
func (b *Buffer) Full() bool { return b.n >= len(b.data) }

// Reset empties the buffer without releasing storage.
func (b *Buffer) Reset() { b.n = 0 }
