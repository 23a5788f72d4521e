// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/Thermoquad/wiredecode/pkg/ir"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

var t0 = time.Unix(1700000000, 0)

// ============================================================
// Writer / Reader Tests
// ============================================================

func TestWriteRead(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, "cse7766", 4800, t0)
	if err != nil {
		t.Fatal(err)
	}
	if w.Session() == uuid.Nil {
		t.Error("nil session id")
	}
	if err := w.WriteBytes(t0.Add(10*time.Millisecond), []byte{0x55, 0x5A}); err != nil {
		t.Fatal(err)
	}
	seq := ir.Sequence{4480, -4480, 560, -1690}
	if err := w.WriteSequence(t0.Add(time.Second), seq); err != nil {
		t.Fatal(err)
	}
	if w.Records() != 2 {
		t.Errorf("Records() = %d", w.Records())
	}

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	h := r.Header()
	if h.Protocol != "cse7766" || h.Baud != 4800 || !h.StartTime().Equal(t0) {
		t.Errorf("header %+v", h)
	}
	if id, _ := h.SessionID(); id != w.Session() {
		t.Errorf("session %v, want %v", id, w.Session())
	}

	rec, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if rec.Kind != KindBytes || rec.Offset != int64(10*time.Millisecond) || !bytes.Equal(rec.Data, []byte{0x55, 0x5A}) {
		t.Errorf("first record %+v", rec)
	}
	rec, err = r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if rec.Kind != KindPulses || rec.Sequence().String() != seq.String() {
		t.Errorf("second record %+v", rec)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("end of capture: %v", err)
	}
}

func TestReader_BadVersion(t *testing.T) {
	id := uuid.New()
	data, err := cbor.Marshal(&Header{Version: 9, Session: id[:]})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewReader(bytes.NewReader(data)); !errors.Is(err, ErrVersion) {
		t.Errorf("err = %v", err)
	}
}

func TestReader_BadSession(t *testing.T) {
	data, _ := cbor.Marshal(&Header{Version: Version, Session: []byte{1, 2, 3}})
	if _, err := NewReader(bytes.NewReader(data)); !errors.Is(err, ErrRecord) {
		t.Errorf("err = %v", err)
	}
}

func TestReader_Truncated(t *testing.T) {
	var buf bytes.Buffer
	w, _ := NewWriter(&buf, "mr24", 115200, t0)
	_ = w.WriteBytes(t0, bytes.Repeat([]byte{0xAA}, 32))
	data := buf.Bytes()[:buf.Len()-5]

	r, err := NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Next(); !errors.Is(err, ErrRecord) {
		t.Errorf("err = %v", err)
	}
}

func TestRecorder(t *testing.T) {
	var buf bytes.Buffer
	w, _ := NewWriter(&buf, "pylontech", 115200, t0)
	clock := t0
	rec := NewRecorder(bytes.NewReader([]byte("1 50000\r\n")), w, func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	})
	got, err := io.ReadAll(rec)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "1 50000\r\n" {
		t.Errorf("passthrough %q", got)
	}
	if w.Records() == 0 {
		t.Error("nothing recorded")
	}
}

// ============================================================
// Replay Tests
// ============================================================

func TestReplay(t *testing.T) {
	var buf bytes.Buffer
	w, _ := NewWriter(&buf, "test", 9600, t0)
	_ = w.WriteBytes(t0.Add(time.Millisecond), []byte{1, 2})
	_ = w.WriteSequence(t0.Add(2*time.Millisecond), ir.Sequence{100, -200})
	_ = w.WriteBytes(t0.Add(3*time.Millisecond), []byte{3})

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	q := stream.NewQueue()
	var steps []time.Time
	var pulses int
	n, err := Replay(r, q,
		func(at time.Time) { steps = append(steps, at) },
		func(at time.Time, seq ir.Sequence) { pulses += len(seq) })
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("replayed %d records", n)
	}
	if q.Available() != 3 {
		t.Errorf("queue holds %d bytes", q.Available())
	}
	if len(steps) != 2 || !steps[1].Equal(t0.Add(3*time.Millisecond)) {
		t.Errorf("steps %v", steps)
	}
	if pulses != 2 {
		t.Errorf("pulses %d", pulses)
	}
}
