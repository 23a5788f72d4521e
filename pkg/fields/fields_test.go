// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package fields

import (
	"errors"
	"math"
	"testing"

	"github.com/Thermoquad/wiredecode/internal/fuzzutil"
)

// ============================================================
// Sign Extension
// ============================================================

func TestSignExtend24_TopBitSet(t *testing.T) {
	rng := fuzzutil.NewRand(t)
	for round := 0; round < fuzzutil.Rounds(); round++ {
		v := uint32(rng.Intn(0x800000)) | 0x800000
		got := SignExtend24(v)
		want := int32(v) - 0x1000000
		if got != want {
			t.Fatalf("SignExtend24(0x%06X) = %d, want %d", v, got, want)
		}
	}
}

func TestSignExtend24_Positive(t *testing.T) {
	tests := []uint32{0, 1, 0x123456, 0x7FFFFF}
	for _, v := range tests {
		if got := SignExtend24(v); got != int32(v) {
			t.Errorf("SignExtend24(0x%06X) = %d, want %d", v, got, v)
		}
	}
	if got := SignExtend24(0xFFFFFF); got != -1 {
		t.Errorf("SignExtend24(0xFFFFFF) = %d, want -1", got)
	}
}

// ============================================================
// Word Order
// ============================================================

func TestUint32Words(t *testing.T) {
	b := []byte{0x12, 0x34, 0x56, 0x78}
	if got := Uint32Words(b, BigEndian, HighWordFirst); got != 0x12345678 {
		t.Errorf("high word first: got 0x%08X", got)
	}
	if got := Uint32Words(b, BigEndian, LowWordFirst); got != 0x56781234 {
		t.Errorf("low word first: got 0x%08X", got)
	}
	if got := Uint32Words(b, LittleEndian, HighWordFirst); got != 0x34127856 {
		t.Errorf("little endian words: got 0x%08X", got)
	}
}

func TestFloat32Words_Swapped(t *testing.T) {
	bits := math.Float32bits(230.5)
	// low register first on the wire
	b := []byte{byte(bits >> 8), byte(bits), byte(bits >> 24), byte(bits >> 16)}
	if got := Float32Words(b, LowWordFirst); got != 230.5 {
		t.Errorf("got %v, want 230.5", got)
	}
}

func TestFloat32LE_RoundTrip(t *testing.T) {
	b := make([]byte, 4)
	PutFloat32LE(b, 72.25)
	if got := Float32LE(b); got != 72.25 {
		t.Errorf("got %v", got)
	}
}

// ============================================================
// Table Decode
// ============================================================

func TestTable_Decode(t *testing.T) {
	table := &Table{
		MinLen: 7,
		Fields: []Field{
			{Name: "voltage", Unit: "V", Offset: 0, Width: 2, Scale: 0.1},
			{Name: "offset", Unit: "", Offset: 2, Width: 3, Kind: Signed},
			{Name: "status", Offset: 5, Width: 1},
			{Name: "le", Offset: 5, Width: 2, Bytes: LittleEndian},
		},
	}
	data := []byte{0x09, 0x0A, 0xFF, 0xFF, 0xFE, 0x01, 0x02}
	values, err := table.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if math.Abs(values[0].Value-231.4) > 1e-9 {
		t.Errorf("voltage = %v, want 231.4", values[0].Value)
	}
	if values[1].Value != -2 {
		t.Errorf("offset = %v, want -2", values[1].Value)
	}
	if values[2].Value != 1 {
		t.Errorf("status = %v, want 1", values[2].Value)
	}
	if values[3].Raw != 0x0201 {
		t.Errorf("le raw = 0x%04X, want 0x0201", values[3].Raw)
	}
	if _, ok := table.Lookup("status"); !ok {
		t.Error("Lookup should find status")
	}
}

func TestTable_DecodeShort(t *testing.T) {
	table := &Table{MinLen: 4, Fields: []Field{{Name: "a", Offset: 0, Width: 4}}}
	if _, err := table.Decode([]byte{1, 2, 3}); !errors.Is(err, ErrShort) {
		t.Errorf("expected ErrShort, got %v", err)
	}
	f := Field{Name: "b", Offset: 2, Width: 2}
	if _, err := f.Raw([]byte{1, 2, 3}); !errors.Is(err, ErrShort) {
		t.Errorf("expected ErrShort, got %v", err)
	}
}
