// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package coolix

import (
	"errors"
	"testing"

	"github.com/Thermoquad/wiredecode/internal/fuzzutil"
	"github.com/Thermoquad/wiredecode/pkg/ir"
)

// ============================================================
// Word Tests
// ============================================================

func TestEncodeWordCool24Low(t *testing.T) {
	word, err := EncodeWord(Command{Mode: ModeCool, Temperature: 24, Fan: FanLow})
	if err != nil {
		t.Fatal(err)
	}
	if word != 0xB29F40 {
		t.Errorf("word = 0x%06X, want 0xB29F40", word)
	}
}

func TestEncodeWordSpecial(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want uint32
	}{
		{"off", Command{Action: ActionOff}, WordOff},
		{"swing", Command{Action: ActionSwing}, WordSwing},
		{"fan only", Command{Mode: ModeFanOnly, Fan: FanHigh}, 0xB23FE4},
		{"dry forces fan code", Command{Mode: ModeDry, Temperature: 17, Fan: FanHigh}, 0xB21F04},
		{"heat 30 auto", Command{Mode: ModeHeat, Temperature: 30, Fan: FanAuto}, 0xB2BFBC},
		{"clamped low", Command{Mode: ModeCool, Temperature: 5, Fan: FanMedium}, 0xB25F00},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeWord(tt.cmd)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got 0x%06X, want 0x%06X", got, tt.want)
			}
		})
	}

	if _, err := EncodeWord(Command{Mode: Mode(42)}); !errors.Is(err, ErrMode) {
		t.Errorf("bad mode: %v", err)
	}
}

func TestDecodeWord(t *testing.T) {
	c, err := DecodeWord(0xB29F40)
	if err != nil {
		t.Fatal(err)
	}
	if c.Action != ActionSet || c.Mode != ModeCool || c.Temperature != 24 || c.Fan != FanLow {
		t.Errorf("decoded %v", c)
	}

	c, _ = DecodeWord(WordOff)
	if c.Action != ActionOff {
		t.Errorf("off decoded as %v", c)
	}
	c, _ = DecodeWord(WordSwing)
	if c.Action != ActionSwing {
		t.Errorf("swing decoded as %v", c)
	}

	if _, err := DecodeWord(0xA29F40); !errors.Is(err, ErrPrefix) {
		t.Errorf("bad prefix: %v", err)
	}
	// 0xE0 is only valid in fan-only mode
	if _, err := DecodeWord(0xB29FE0); !errors.Is(err, ErrTemperature) {
		t.Errorf("unknown temperature code: %v", err)
	}
}

func TestWordRoundTripAllStates(t *testing.T) {
	modes := []Mode{ModeCool, ModeHeat, ModeHeatCool, ModeDry, ModeFanOnly}
	fans := []Fan{FanAuto, FanLow, FanMedium, FanHigh}
	for _, m := range modes {
		for _, f := range fans {
			for temp := TempMin; temp <= TempMax; temp++ {
				in := Command{Mode: m, Fan: f, Temperature: temp}
				word, err := EncodeWord(in)
				if err != nil {
					t.Fatal(err)
				}
				out, err := DecodeWord(word)
				if err != nil {
					t.Fatalf("%v: %v", in, err)
				}
				want := in
				if m == ModeHeatCool || m == ModeDry {
					want.Fan = FanAuto
				}
				if m == ModeFanOnly {
					want.Temperature = 0
				}
				if out != want {
					t.Errorf("0x%06X: got %v, want %v", word, out, want)
				}
			}
		}
	}
}

// ============================================================
// Pulse Tests
// ============================================================

func TestEncodeShape(t *testing.T) {
	seq := EncodeRaw(0xB29F40)
	// per copy: header pair, 48 bit pairs, footer pair
	if want := 2 * (2 + 48*2 + 2); len(seq) != want {
		t.Fatalf("len = %d, want %d", len(seq), want)
	}
	if seq[0] != 4480 || seq[1] != -4480 || seq[2] != 660 {
		t.Errorf("prefix = %v", seq[:3])
	}
	// 0xB2 MSB first starts with a one bit
	if seq[3] != -1500 {
		t.Errorf("first data space = %d, want -1500", seq[3])
	}
}

func TestPulseRoundTrip(t *testing.T) {
	in := Command{Mode: ModeCool, Temperature: 24, Fan: FanLow}
	seq, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(seq)
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("got %v, want %v", out, in)
	}

	// a single copy is accepted
	single := seq[:len(seq)/2]
	if word, err := DecodeRaw(single); err != nil || word != 0xB29F40 {
		t.Errorf("single copy: 0x%06X %v", word, err)
	}
}

func TestPulseRoundTripJitter(t *testing.T) {
	rng := fuzzutil.NewRand(t)
	for round := 0; round < fuzzutil.Rounds(); round++ {
		word := 0xB20000 | uint32(rng.Intn(0x10000))
		seq := EncodeRaw(word)
		jittered := make(ir.Sequence, len(seq))
		for i, v := range seq {
			// up to +-20%
			j := int32(rng.Intn(41)-20) * v / 100
			jittered[i] = v + j
		}
		got, err := DecodeRaw(jittered)
		if err != nil {
			t.Fatalf("round %d 0x%06X: %v", round, word, err)
		}
		if got != word {
			t.Fatalf("round %d: got 0x%06X, want 0x%06X", round, got, word)
		}
	}
}

func TestDecodeRejectsCorruption(t *testing.T) {
	seq := EncodeRaw(0xB29F40)

	t.Run("flipped bit", func(t *testing.T) {
		bad := append(ir.Sequence(nil), seq...)
		// first bit of the first byte: one becomes zero
		bad[3] = -450
		if _, err := DecodeRaw(bad); !errors.Is(err, ErrInverse) {
			t.Errorf("got %v, want ErrInverse", err)
		}
	})

	t.Run("repeat differs", func(t *testing.T) {
		other := EncodeRaw(0xB2BFBC)
		mixed := append(append(ir.Sequence(nil), seq[:len(seq)/2]...), other[len(other)/2:]...)
		if _, err := DecodeRaw(mixed); !errors.Is(err, ErrRepeat) {
			t.Errorf("got %v, want ErrRepeat", err)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		if _, err := DecodeRaw(seq[:40]); !errors.Is(err, ir.ErrNoMatch) {
			t.Errorf("got %v, want ErrNoMatch", err)
		}
	})

	t.Run("out of tolerance header", func(t *testing.T) {
		bad := append(ir.Sequence(nil), seq...)
		bad[0] = 6000
		if _, err := DecodeRaw(bad); err == nil {
			t.Error("header 34% long should fail")
		}
	})
}

func TestCodec(t *testing.T) {
	var c Codec
	seq, err := c.Encode([]byte{0xB2, 0x9F, 0x40})
	if err != nil {
		t.Fatal(err)
	}
	frame, err := c.Decode(seq)
	if err != nil {
		t.Fatal(err)
	}
	if frame[0] != 0xB2 || frame[1] != 0x9F || frame[2] != 0x40 {
		t.Errorf("frame = % X", frame)
	}
	if _, err := c.Encode([]byte{0xB2}); !errors.Is(err, ir.ErrFrameLength) {
		t.Errorf("short frame: %v", err)
	}
}

func TestParseNames(t *testing.T) {
	m, err := ParseMode("heat_cool")
	if err != nil || m != ModeHeatCool {
		t.Errorf("ParseMode = %v, %v", m, err)
	}
	if _, err := ParseMode("turbo"); err == nil {
		t.Error("unknown mode should fail")
	}
	f, err := ParseFan("medium")
	if err != nil || f != FanMedium {
		t.Errorf("ParseFan = %v, %v", f, err)
	}
}
