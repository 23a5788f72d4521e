// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hitachi

import (
	"errors"
	"testing"

	"github.com/Thermoquad/wiredecode/internal/fuzzutil"
	"github.com/Thermoquad/wiredecode/pkg/ir"
)

// ============================================================
// Frame Tests
// ============================================================

func TestMarshalLayout(t *testing.T) {
	frame, err := Marshal(State{Power: true, Mode: ModeCool, Temperature: 24, Fan: FanHigh})
	if err != nil {
		t.Fatal(err)
	}
	if len(frame) != StateLength {
		t.Fatalf("len = %d", len(frame))
	}
	if frame[0] != 0x80 || frame[1] != 0x08 {
		t.Errorf("magic = % X", frame[:2])
	}
	if frame[3] != 0xF1 || frame[4] != 0x03 || frame[5] != 8<<2 || frame[6] != 0x40 {
		t.Errorf("state bytes = % X", frame[3:7])
	}
	var x byte
	for _, b := range frame[2:13] {
		x ^= b
	}
	if frame[13] != x {
		t.Errorf("byte 13 = 0x%02X, want XOR 0x%02X", frame[13], x)
	}
}

func TestSetBits(t *testing.T) {
	b := byte(0xFF)
	setBits(&b, 4, 4, 0x2)
	if b != 0x2F {
		t.Errorf("setBits = 0x%02X, want 0x2F", b)
	}
	setBits(&b, 8, 4, 0x0)
	if b != 0x2F {
		t.Error("offset 8 must not change the byte")
	}
}

func TestStateRoundTrip(t *testing.T) {
	states := []State{
		{Power: true, Mode: ModeCool, Temperature: 24, Fan: FanHigh},
		{Power: false, Mode: ModeHeat, Temperature: 16, Fan: FanAuto, SwingV: true},
		{Power: true, Mode: ModeDry, Temperature: 32, Fan: FanLow, OffTimer: 90},
		{Power: true, Mode: ModeAuto, Temperature: 21, Fan: FanMedium, OnTimer: 0x1FF, OffTimer: 600},
		{Power: true, Mode: ModeFan, Temperature: 27, Fan: FanMedium},
	}
	for _, s := range states {
		t.Run(s.String(), func(t *testing.T) {
			seq, err := Encode(s)
			if err != nil {
				t.Fatal(err)
			}
			got, err := Decode(seq)
			if err != nil {
				t.Fatal(err)
			}
			if got != s {
				t.Errorf("got %v", got)
			}
		})
	}
}

func TestMarshalRejectsUnknownFields(t *testing.T) {
	if _, err := Marshal(State{Mode: Mode(0xE), Fan: FanAuto}); !errors.Is(err, ErrField) {
		t.Errorf("unknown mode: %v", err)
	}
	if _, err := Marshal(State{Mode: ModeCool, Fan: Fan(9)}); !errors.Is(err, ErrField) {
		t.Errorf("unknown fan: %v", err)
	}
}

// ============================================================
// Validation Tests
// ============================================================

func TestUnmarshalChecksums(t *testing.T) {
	good, _ := Marshal(State{Power: true, Mode: ModeCool, Temperature: 22, Fan: FanLow, OffTimer: 30})

	t.Run("state block", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[5] ^= 0x04
		if _, err := Unmarshal(bad); !errors.Is(err, ErrChecksum) {
			t.Errorf("got %v", err)
		}
	})
	t.Run("timer block", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[15] ^= 0x01
		if _, err := Unmarshal(bad); !errors.Is(err, ErrChecksum) {
			t.Errorf("got %v", err)
		}
	})
	t.Run("magic", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[1] = 0x09
		if _, err := Unmarshal(bad); !errors.Is(err, ErrMagic) {
			t.Errorf("got %v", err)
		}
	})
	t.Run("length", func(t *testing.T) {
		if _, err := Unmarshal(good[:20]); !errors.Is(err, ir.ErrFrameLength) {
			t.Errorf("got %v", err)
		}
	})
}

func TestEverySingleBitFlipRejected(t *testing.T) {
	good, _ := Marshal(State{Power: true, Mode: ModeHeat, Temperature: 25, Fan: FanMedium, OnTimer: 45})
	for i := range good {
		for bit := 0; bit < 8; bit++ {
			bad := append([]byte(nil), good...)
			bad[i] ^= 1 << bit
			if _, err := Unmarshal(bad); err == nil {
				t.Errorf("byte %d bit %d flip accepted", i, bit)
			}
		}
	}
}

func TestDecodeFrameDividers(t *testing.T) {
	frame, _ := Marshal(State{Power: true, Mode: ModeCool, Temperature: 24, Fan: FanAuto})
	seq, err := EncodeFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	// header + 168 bits + 2 dividers + footer, two items each
	if want := 2 * (1 + 168 + 2 + 1); len(seq) != want {
		t.Fatalf("len = %d, want %d", len(seq), want)
	}
	// first divider follows the header and seven bytes
	idx := 2 + 7*16
	if seq[idx] != 610 || seq[idx+1] != -DividerSpace {
		t.Errorf("divider = %d %d", seq[idx], seq[idx+1])
	}

	bad := append(ir.Sequence(nil), seq...)
	bad[idx+1] = -1680
	if _, err := DecodeFrame(bad); !errors.Is(err, ErrDivider) {
		t.Errorf("missing divider: %v", err)
	}
}

func TestDecodeJitter(t *testing.T) {
	rng := fuzzutil.NewRand(t)
	s := State{Power: true, Mode: ModeCool, Temperature: 19, Fan: FanLow, SwingV: true}
	seq, _ := Encode(s)
	for round := 0; round < fuzzutil.Rounds(); round++ {
		jittered := make(ir.Sequence, len(seq))
		for i, v := range seq {
			jittered[i] = v + int32(rng.Intn(31)-15)*v/100
		}
		got, err := Decode(jittered)
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if got != s {
			t.Fatalf("round %d: got %v", round, got)
		}
	}
}

func TestCodec(t *testing.T) {
	var c Codec
	frame, _ := Marshal(State{Power: true, Mode: ModeCool, Temperature: 24, Fan: FanAuto})
	seq, err := c.Encode(frame)
	if err != nil {
		t.Fatal(err)
	}
	back, err := c.Decode(seq)
	if err != nil {
		t.Fatal(err)
	}
	if string(back) != string(frame) {
		t.Errorf("frame = % X", back)
	}

	frame[13] ^= 0xFF
	seq, _ = c.Encode(frame)
	if _, err := c.Decode(seq); !errors.Is(err, ErrChecksum) {
		t.Errorf("corrupt checksum: %v", err)
	}
}
