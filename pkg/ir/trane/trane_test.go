// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package trane

import (
	"errors"
	"testing"

	"github.com/Thermoquad/wiredecode/pkg/ir"
)

func TestChecksum(t *testing.T) {
	frame := []byte{0x09, 0x08, 0x20, 0x50, 0x00, 0x20, 0x00, 0x00}
	// 0x0A + 9 + 8 + 0 + 0 + 2 + 0 = 0x1D
	if got := Checksum(frame); got != 0xD0 {
		t.Errorf("Checksum = 0x%02X, want 0xD0", got)
	}
	frame[7] = 0xF5
	if got := Checksum(frame); got != 0xD0 {
		t.Error("byte 7 must not feed its own checksum")
	}
}

func TestMarshal(t *testing.T) {
	frame, err := Marshal(State{Power: true, Mode: ModeCool, Temperature: 24, Light: true})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x09, 0x08, 0x20, 0x50, 0x00, 0x20, 0x00, 0xD0}
	if string(frame) != string(want) {
		t.Errorf("frame = % X, want % X", frame, want)
	}
}

func TestRoundTrip(t *testing.T) {
	states := []State{
		{Power: true, Mode: ModeCool, Temperature: 24, Fan: FanLow},
		{Power: false, Mode: ModeHeat, Temperature: 30, Fan: FanHigh, Sleep: true},
		{Power: true, Mode: ModeAuto, Temperature: 16, Swing: true, Light: true},
		{Power: true, Mode: ModeDry, Temperature: 20, Fan: FanMedium, Turbo: true},
		{Power: true, Mode: ModeFan, Temperature: 25, Fan: FanAuto},
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

func TestSequenceShape(t *testing.T) {
	seq, _ := Encode(State{Power: true, Mode: ModeCool, Temperature: 24})
	// header, 32 bits, 3 block bits, pause item, 32 bits, footer
	if want := 2 * (1 + 32 + 3 + 1 + 32 + 1); len(seq) != want {
		t.Fatalf("len = %d, want %d", len(seq), want)
	}
	pause := 2 + 35*2
	if seq[pause] != 620 || seq[pause+1] != -MessageSpace {
		t.Errorf("pause item = %d %d", seq[pause], seq[pause+1])
	}
	// block 010 LSB first: zero, one, zero
	block := 2 + 32*2
	if seq[block+1] != -540 || seq[block+3] != -1600 || seq[block+5] != -540 {
		t.Errorf("block spaces = %d %d %d", seq[block+1], seq[block+3], seq[block+5])
	}
}

func TestDecodeRejects(t *testing.T) {
	seq, _ := Encode(State{Power: true, Mode: ModeCool, Temperature: 24})
	block := 2 + 32*2

	t.Run("bad block", func(t *testing.T) {
		bad := append(ir.Sequence(nil), seq...)
		bad[block+1] = -1600
		if _, err := Decode(bad); !errors.Is(err, ErrBlock) {
			t.Errorf("got %v", err)
		}
	})
	t.Run("short pause", func(t *testing.T) {
		bad := append(ir.Sequence(nil), seq...)
		bad[block+7] = -5000
		if _, err := Decode(bad); !errors.Is(err, ErrBlock) {
			t.Errorf("got %v", err)
		}
	})
	t.Run("checksum", func(t *testing.T) {
		frame, _ := Marshal(State{Power: true, Mode: ModeCool, Temperature: 24})
		frame[1] = 0x09
		bad, _ := EncodeFrame(frame)
		if _, err := Decode(bad); !errors.Is(err, ErrChecksum) {
			t.Errorf("got %v", err)
		}
	})
	t.Run("magic", func(t *testing.T) {
		frame, _ := Marshal(State{Power: true, Mode: ModeCool, Temperature: 24})
		frame[3] = 0x40
		if _, err := Unmarshal(frame); !errors.Is(err, ErrMagic) {
			t.Errorf("got %v", err)
		}
	})
	t.Run("temperature", func(t *testing.T) {
		frame, _ := Marshal(State{Power: true, Mode: ModeCool, Temperature: 24})
		frame[1] = 0x0F
		frame[7] = Checksum(frame)
		if _, err := Unmarshal(frame); !errors.Is(err, ErrField) {
			t.Errorf("got %v", err)
		}
	})
}

func TestCodec(t *testing.T) {
	var c Codec
	frame, _ := Marshal(State{Power: true, Mode: ModeHeat, Temperature: 22, Fan: FanMedium})
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
}
