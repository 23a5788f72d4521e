// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package stream drives byte-at-a-time frame decoders from a non-blocking
// byte source. A Poller drains every available byte on each Poll call,
// keeps partial frames between calls and discards them after a staleness
// timeout.
package stream

import (
	"io"
	"sync"
)

// Source is a non-blocking byte source. ReadByte is only called while
// Available reports data.
type Source interface {
	Available() int
	io.ByteReader
}

// Queue is an in-memory Source. Transport readers Write into it and the
// poll loop drains it. Safe for one writer and one reader goroutine.
type Queue struct {
	mu  sync.Mutex
	buf []byte
	off int
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Write appends p to the queue.
func (q *Queue) Write(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.off > 0 && q.off == len(q.buf) {
		q.buf = q.buf[:0]
		q.off = 0
	}
	q.buf = append(q.buf, p...)
	return len(p), nil
}

// Available returns the number of unread bytes.
func (q *Queue) Available() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf) - q.off
}

// ReadByte returns the next byte, or io.EOF when empty.
func (q *Queue) ReadByte() (byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.off >= len(q.buf) {
		return 0, io.EOF
	}
	b := q.buf[q.off]
	q.off++
	return b, nil
}

// Drain discards all unread bytes and returns how many were dropped.
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.buf) - q.off
	q.buf = q.buf[:0]
	q.off = 0
	return n
}
