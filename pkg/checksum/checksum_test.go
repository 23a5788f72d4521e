// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package checksum

import (
	"testing"

	"github.com/Thermoquad/wiredecode/internal/fuzzutil"
)

// ============================================================
// 8-bit Checksum Tests
// ============================================================

func TestXOR(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected byte
	}{
		{"empty", nil, 0x00},
		{"single", []byte{0x5A}, 0x5A},
		{"cancel", []byte{0x5A, 0x5A}, 0x00},
		{"mixed", []byte{0x01, 0x02, 0x04, 0x80}, 0x87},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := XOR(tt.data); got != tt.expected {
				t.Errorf("XOR mismatch: expected 0x%02X, got 0x%02X", tt.expected, got)
			}
		})
	}
}

func TestXORComplement_MR60Header(t *testing.T) {
	// SOF, ID, LEN, TYPE of a people-exist frame
	header := []byte{0x01, 0x00, 0x00, 0x00, 0x02, 0x0F, 0x09}
	want := ^byte(0x01 ^ 0x02 ^ 0x0F ^ 0x09)
	if got := XORComplement(header); got != want {
		t.Errorf("expected 0x%02X, got 0x%02X", want, got)
	}
}

func TestSum8_Wraps(t *testing.T) {
	if got := Sum8([]byte{0xFF, 0x02}); got != 0x01 {
		t.Errorf("Sum8 should wrap modulo 256, got 0x%02X", got)
	}
}

func TestSum8Complement_CSE7761(t *testing.T) {
	// Register 0x00 read returning 0x0A04
	got := Sum8Complement(0xA5, []byte{0x00, 0x0A, 0x04})
	want := ^byte(0xA5 + 0x00 + 0x0A + 0x04)
	if got != want {
		t.Errorf("expected 0x%02X, got 0x%02X", want, got)
	}
}

func TestRunning_MatchesBulk(t *testing.T) {
	rng := fuzzutil.NewRand(t)
	for round := 0; round < fuzzutil.Rounds(); round++ {
		data := fuzzutil.RandomBytes(rng, rng.Intn(64))
		x := NewRunningXOR()
		s := NewRunningSum()
		for _, b := range data {
			x.Add(b)
			s.Add(b)
		}
		if x.Value() != XOR(data) {
			t.Fatalf("round %d: running XOR 0x%02X != 0x%02X", round, x.Value(), XOR(data))
		}
		if s.Value() != Sum8(data) {
			t.Fatalf("round %d: running sum 0x%02X != 0x%02X", round, s.Value(), Sum8(data))
		}
		x.Reset()
		if x.Value() != 0 {
			t.Fatal("Reset should clear the accumulator")
		}
	}
}

// ============================================================
// CRC Tests
// ============================================================

func TestCRC16_CheckValues(t *testing.T) {
	data := []byte("123456789")
	tests := []struct {
		name     string
		fn       func([]byte) uint16
		expected uint16
	}{
		{"CCITT", CCITT, 0x29B1},
		{"XMODEM", XMODEM, 0x31C3},
		{"Modbus", Modbus, 0x4B37},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(data); got != tt.expected {
				t.Errorf("CRC mismatch: expected 0x%04X, got 0x%04X", tt.expected, got)
			}
		})
	}
}

func TestCCITT_Empty(t *testing.T) {
	if crc := CCITT(nil); crc != 0xFFFF {
		t.Errorf("CRC of empty data should be initial value, got 0x%04X", crc)
	}
}

func TestXMODEM_ResidueIsZero(t *testing.T) {
	rng := fuzzutil.NewRand(t)
	for round := 0; round < fuzzutil.Rounds(); round++ {
		msg := fuzzutil.RandomBytes(rng, 1+rng.Intn(32))
		crc := XMODEM(msg)
		framed := append(append([]byte{}, msg...), byte(crc>>8), byte(crc))
		if r := XMODEM(framed); r != 0 {
			t.Fatalf("round %d: residue 0x%04X for % X", round, r, framed)
		}
	}
}

func TestModbus_AppendAndCheck(t *testing.T) {
	// Read holding registers 0..1 of slave 1
	frame := AppendModbus([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01})
	if len(frame) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(frame))
	}
	if frame[6] != 0x84 || frame[7] != 0x0A {
		t.Errorf("expected CRC bytes 84 0A, got %02X %02X", frame[6], frame[7])
	}
	if !CheckModbus(frame) {
		t.Error("CheckModbus rejected a valid frame")
	}
	frame[7] ^= 0x01
	if CheckModbus(frame) {
		t.Error("CheckModbus accepted a corrupted frame")
	}
	if CheckModbus([]byte{0x01, 0x02}) {
		t.Error("CheckModbus accepted a frame too short to hold a CRC")
	}
}
