// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package coolix encodes and decodes the Coolix air conditioner protocol
// used by Midea, Tokio and many rebranded units. A command is one 24-bit
// word sent MSB first with every byte followed by its complement, and the
// whole frame is transmitted twice.
package coolix

import (
	"errors"
	"fmt"

	"github.com/Thermoquad/wiredecode/pkg/ir"
)

// Timing is the Coolix pulse table in microseconds.
var Timing = ir.Timing{
	CarrierHz:   38000,
	HeaderMark:  4480,
	HeaderSpace: 4480,
	BitMark:     660,
	OneSpace:    1500,
	ZeroSpace:   450,
	FooterMark:  660,
	FooterSpace: 4480,
	Order:       ir.MSBFirst,
}

// Fixed command words.
const (
	WordOff   uint32 = 0xB27BE0
	WordSwing uint32 = 0xB26BE0

	wordBase   uint32 = 0xB20F00
	prefixMask uint32 = 0xFF0000
	prefix     uint32 = 0xB20000

	modeMask   uint32 = 0b1100
	modeCool   uint32 = 0b0000
	modeDryFan uint32 = 0b0100
	modeAuto   uint32 = 0b1000
	modeHeat   uint32 = 0b1100

	fanMask    uint32 = 0xF000
	fanAuto    uint32 = 0xB000
	fanMin     uint32 = 0x9000
	fanMed     uint32 = 0x5000
	fanMax     uint32 = 0x3000
	fanAutoDry uint32 = 0x1000

	tempMask    uint32 = 0xF0
	tempFanOnly uint32 = 0xE0
)

// Temperature range in degrees Celsius.
const (
	TempMin = 17
	TempMax = 30
)

// tempMap is indexed by degrees above TempMin. The codes are not monotonic.
var tempMap = [TempMax - TempMin + 1]uint32{
	0x00, 0x10, 0x30, 0x20, 0x60, 0x70, 0x50,
	0x40, 0xC0, 0xD0, 0x90, 0x80, 0xA0, 0xB0,
}

var (
	ErrPrefix      = errors.New("coolix: word prefix is not 0xB2")
	ErrInverse     = errors.New("coolix: byte does not match its inverted copy")
	ErrRepeat      = errors.New("coolix: repeated frame differs")
	ErrTemperature = errors.New("coolix: unknown temperature code")
	ErrMode        = errors.New("coolix: unsupported mode")
)

// Mode is the operating mode.
type Mode int

const (
	ModeCool Mode = iota
	ModeHeat
	ModeHeatCool
	ModeDry
	ModeFanOnly
)

var modeNames = map[Mode]string{
	ModeCool:     "cool",
	ModeHeat:     "heat",
	ModeHeatCool: "heat_cool",
	ModeDry:      "dry",
	ModeFanOnly:  "fan_only",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses a mode name as printed by String.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrMode, s)
}

// Fan is the fan speed.
type Fan int

const (
	FanAuto Fan = iota
	FanLow
	FanMedium
	FanHigh
)

var fanNames = map[Fan]string{
	FanAuto:   "auto",
	FanLow:    "low",
	FanMedium: "medium",
	FanHigh:   "high",
}

func (f Fan) String() string {
	if s, ok := fanNames[f]; ok {
		return s
	}
	return fmt.Sprintf("fan(%d)", int(f))
}

// ParseFan parses a fan name as printed by String.
func ParseFan(s string) (Fan, error) {
	for f, name := range fanNames {
		if name == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("coolix: unknown fan speed %q", s)
}

// Action is what a command word asks the unit to do.
type Action int

const (
	ActionSet Action = iota
	ActionOff
	ActionSwing
)

// Command is one decoded or to-be-encoded Coolix command. Mode, Fan and
// Temperature are meaningful only for ActionSet.
type Command struct {
	Action      Action
	Mode        Mode
	Fan         Fan
	Temperature int
}

func (c Command) String() string {
	switch c.Action {
	case ActionOff:
		return "off"
	case ActionSwing:
		return "swing"
	}
	if c.Mode == ModeFanOnly {
		return fmt.Sprintf("%s fan=%s", c.Mode, c.Fan)
	}
	return fmt.Sprintf("%s %dC fan=%s", c.Mode, c.Temperature, c.Fan)
}

// EncodeWord builds the 24-bit word for c. Temperatures outside 17..30
// are clamped.
func EncodeWord(c Command) (uint32, error) {
	switch c.Action {
	case ActionOff:
		return WordOff, nil
	case ActionSwing:
		return WordSwing, nil
	}

	word := wordBase
	switch c.Mode {
	case ModeCool:
		word |= modeCool
	case ModeHeat:
		word |= modeHeat
	case ModeHeatCool:
		word |= modeAuto
	case ModeDry, ModeFanOnly:
		word |= modeDryFan
	default:
		return 0, fmt.Errorf("%w: %s", ErrMode, c.Mode)
	}

	if c.Mode == ModeFanOnly {
		word |= tempFanOnly
	} else {
		temp := min(max(c.Temperature, TempMin), TempMax)
		word |= tempMap[temp-TempMin]
	}

	// auto and dry modes carry a fixed fan code
	word &^= fanMask
	switch {
	case c.Mode == ModeHeatCool || c.Mode == ModeDry:
		word |= fanAutoDry
	case c.Fan == FanLow:
		word |= fanMin
	case c.Fan == FanMedium:
		word |= fanMed
	case c.Fan == FanHigh:
		word |= fanMax
	default:
		word |= fanAuto
	}
	return word, nil
}

// DecodeWord interprets a 24-bit word.
func DecodeWord(word uint32) (Command, error) {
	if word&prefixMask != prefix {
		return Command{}, fmt.Errorf("%w: 0x%06X", ErrPrefix, word)
	}
	switch word {
	case WordOff:
		return Command{Action: ActionOff}, nil
	case WordSwing:
		return Command{Action: ActionSwing}, nil
	}

	c := Command{Action: ActionSet}
	switch word & modeMask {
	case modeHeat:
		c.Mode = ModeHeat
	case modeAuto:
		c.Mode = ModeHeatCool
	case modeDryFan:
		if word&fanMask == fanAutoDry {
			c.Mode = ModeDry
		} else {
			c.Mode = ModeFanOnly
		}
	default:
		c.Mode = ModeCool
	}

	switch word & fanMask {
	case fanMin:
		c.Fan = FanLow
	case fanMed:
		c.Fan = FanMedium
	case fanMax:
		c.Fan = FanHigh
	default:
		c.Fan = FanAuto
	}

	if c.Mode != ModeFanOnly {
		code := word & tempMask
		found := false
		for i, v := range tempMap {
			if v == code {
				c.Temperature = TempMin + i
				found = true
				break
			}
		}
		if !found {
			return Command{}, fmt.Errorf("%w: 0x%02X", ErrTemperature, code)
		}
	}
	return c, nil
}

// EncodeRaw builds the pulse train for a raw word, sent twice.
func EncodeRaw(word uint32) ir.Sequence {
	w := ir.NewWriter()
	for i := 0; i < 2; i++ {
		w.Header(&Timing)
		for shift := 16; shift >= 0; shift -= 8 {
			b := byte(word >> uint(shift))
			w.Byte(&Timing, b)
			w.Byte(&Timing, ^b)
		}
		w.Footer(&Timing)
	}
	return w.Sequence()
}

// DecodeRaw recovers the word from a pulse train. A second copy is
// optional but must match when present.
func DecodeRaw(seq ir.Sequence) (uint32, error) {
	r := ir.NewReader(seq, Timing.Tolerance)
	word, err := readCopy(r)
	if err != nil {
		return 0, err
	}
	if r.Remaining() == 0 {
		return word, nil
	}
	again, err := readCopy(r)
	if err != nil {
		return 0, fmt.Errorf("coolix: repeat: %w", err)
	}
	if again != word {
		return 0, fmt.Errorf("%w: 0x%06X then 0x%06X", ErrRepeat, word, again)
	}
	return word, nil
}

func readCopy(r *ir.Reader) (uint32, error) {
	if err := r.Header(&Timing); err != nil {
		return 0, err
	}
	var word uint32
	for i := 0; i < 3; i++ {
		b, err := r.Byte(&Timing)
		if err != nil {
			return 0, err
		}
		inv, err := r.Byte(&Timing)
		if err != nil {
			return 0, err
		}
		if b^inv != 0xFF {
			return 0, fmt.Errorf("%w: 0x%02X/0x%02X", ErrInverse, b, inv)
		}
		word = word<<8 | uint32(b)
	}
	if err := r.Footer(&Timing); err != nil {
		return 0, err
	}
	return word, nil
}

// Encode builds the pulse train for a command.
func Encode(c Command) (ir.Sequence, error) {
	word, err := EncodeWord(c)
	if err != nil {
		return nil, err
	}
	return EncodeRaw(word), nil
}

// Decode parses a pulse train into a command.
func Decode(seq ir.Sequence) (Command, error) {
	word, err := DecodeRaw(seq)
	if err != nil {
		return Command{}, err
	}
	return DecodeWord(word)
}

// Codec adapts Coolix to ir.Codec. Frames are the word's three bytes,
// most significant first.
type Codec struct{}

var _ ir.Codec = Codec{}

func (Codec) Name() string  { return "coolix" }
func (Codec) FrameLen() int { return 3 }

func (c Codec) Encode(frame []byte) (ir.Sequence, error) {
	if err := ir.CheckLen(c, frame); err != nil {
		return nil, err
	}
	return EncodeRaw(uint32(frame[0])<<16 | uint32(frame[1])<<8 | uint32(frame[2])), nil
}

func (Codec) Decode(seq ir.Sequence) ([]byte, error) {
	word, err := DecodeRaw(seq)
	if err != nil {
		return nil, err
	}
	return []byte{byte(word >> 16), byte(word >> 8), byte(word)}, nil
}
