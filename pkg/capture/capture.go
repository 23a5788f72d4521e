// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture records raw byte chunks and IR pulse sequences to a file
// so they can be replayed through a decoder later. A capture is a CBOR
// sequence: one Header followed by any number of Records.
package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/Thermoquad/wiredecode/pkg/ir"
)

// Version is the capture format version written by this package.
const Version = 1

var (
	ErrVersion = errors.New("capture: unsupported version")
	ErrRecord  = errors.New("capture: malformed record")
)

// Kind of a record payload.
type Kind uint8

const (
	KindBytes Kind = iota
	KindPulses
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindPulses:
		return "pulses"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Header opens every capture.
type Header struct {
	_        struct{} `cbor:",toarray"`
	Version  uint
	Session  []byte
	Protocol string
	Started  int64 // unix nanoseconds
	Baud     int
}

// SessionID returns the session identifier of the capture.
func (h *Header) SessionID() (uuid.UUID, error) {
	return uuid.FromBytes(h.Session)
}

// StartTime returns when the capture started.
func (h *Header) StartTime() time.Time {
	return time.Unix(0, h.Started)
}

// Record is one chunk as it arrived. Offset is relative to Header.Started.
type Record struct {
	_      struct{} `cbor:",toarray"`
	Offset int64
	Kind   Kind
	Data   []byte
	Pulses []int32
}

// Sequence returns the pulses of a KindPulses record.
func (r *Record) Sequence() ir.Sequence {
	return ir.Sequence(r.Pulses)
}

// Writer appends records to a capture.
type Writer struct {
	mu      sync.Mutex
	enc     *cbor.Encoder
	header  Header
	session uuid.UUID
	records int
}

// NewWriter writes a header for a new session and returns the writer.
func NewWriter(w io.Writer, protocol string, baud int, started time.Time) (*Writer, error) {
	id := uuid.New()
	h := Header{
		Version:  Version,
		Session:  id[:],
		Protocol: protocol,
		Started:  started.UnixNano(),
		Baud:     baud,
	}
	enc := cbor.NewEncoder(w)
	if err := enc.Encode(&h); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return &Writer{enc: enc, header: h, session: id}, nil
}

// Session returns the identifier written in the header.
func (w *Writer) Session() uuid.UUID { return w.session }

// Records returns how many records were written.
func (w *Writer) Records() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

func (w *Writer) write(r *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(r); err != nil {
		return err
	}
	w.records++
	return nil
}

// WriteBytes records a chunk of raw stream bytes received at at.
func (w *Writer) WriteBytes(at time.Time, data []byte) error {
	return w.write(&Record{
		Offset: at.UnixNano() - w.header.Started,
		Kind:   KindBytes,
		Data:   append([]byte(nil), data...),
	})
}

// WriteSequence records one captured IR pulse sequence.
func (w *Writer) WriteSequence(at time.Time, seq ir.Sequence) error {
	return w.write(&Record{
		Offset: at.UnixNano() - w.header.Started,
		Kind:   KindPulses,
		Pulses: []int32(seq),
	})
}

// Recorder is an io.Reader that records every chunk read through it.
type Recorder struct {
	r   io.Reader
	w   *Writer
	now func() time.Time
}

// NewRecorder records reads from r into w, timestamped by now.
func NewRecorder(r io.Reader, w *Writer, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{r: r, w: w, now: now}
}

func (r *Recorder) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.w.WriteBytes(r.now(), p[:n]); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// Reader iterates over the records of a capture.
type Reader struct {
	dec    *cbor.Decoder
	header Header
}

// NewReader reads and checks the capture header.
func NewReader(r io.Reader) (*Reader, error) {
	dec := cbor.NewDecoder(r)
	var h Header
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if h.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	if _, err := h.SessionID(); err != nil {
		return nil, fmt.Errorf("%w: session: %v", ErrRecord, err)
	}
	return &Reader{dec: dec, header: h}, nil
}

// Header returns the capture header.
func (r *Reader) Header() Header { return r.header }

// Next returns the next record, or io.EOF at the end of the capture.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("%w: %v", ErrRecord, err)
	}
	if rec.Kind > KindPulses {
		return Record{}, fmt.Errorf("%w: kind %d", ErrRecord, rec.Kind)
	}
	return rec, nil
}

// Replay writes every byte record to dst and then calls step with the
// record's original arrival time, so time based staleness behaves as it
// did live. Pulse records are passed to onPulses when it is non-nil.
// It returns the number of records replayed.
func Replay(r *Reader, dst io.Writer, step func(at time.Time), onPulses func(at time.Time, seq ir.Sequence)) (int, error) {
	start := r.header.StartTime()
	n := 0
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		at := start.Add(time.Duration(rec.Offset))
		switch rec.Kind {
		case KindBytes:
			if _, err := dst.Write(rec.Data); err != nil {
				return n, err
			}
			if step != nil {
				step(at)
			}
		case KindPulses:
			if onPulses != nil {
				onPulses(at, rec.Sequence())
			}
		}
		n++
	}
}
