// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package trane implements the Trane air conditioner protocol, a Gree
// derivative: two 32-bit words sent LSB first, separated by a fixed 3-bit
// block and a long pause, with a nibble checksum in the last byte.
package trane

import (
	"errors"
	"fmt"

	"github.com/Thermoquad/wiredecode/pkg/ir"
)

// Timing is the Trane pulse table in microseconds.
var Timing = ir.Timing{
	CarrierHz:   38000,
	HeaderMark:  9000,
	HeaderSpace: 4500,
	BitMark:     620,
	OneSpace:    1600,
	ZeroSpace:   540,
	FooterMark:  620,
	FooterSpace: MessageSpace,
	Order:       ir.LSBFirst,
}

const (
	// MessageSpace separates the two words.
	MessageSpace int32 = 19980
	// StateLength is the frame size in bytes.
	StateLength = 8

	blockBits  = 3
	blockValue = 0b010
)

// Temperature range in degrees Celsius.
const (
	TempMin = 16
	TempMax = 30
)

// Frame layout.
const (
	powerBit   = 0x08
	swingBit   = 0x40
	sleepBit   = 0x80
	lightBit   = 0x20
	turboBit   = 0x10
	magicByte3 = 0x50
	magicByte5 = 0x20
)

var (
	ErrBlock    = errors.New("trane: bad separator block")
	ErrMagic    = errors.New("trane: bad fixed bytes")
	ErrChecksum = errors.New("trane: checksum mismatch")
	ErrField    = errors.New("trane: invalid field value")
)

// Mode is the 3-bit operating mode.
type Mode uint8

const (
	ModeAuto Mode = iota
	ModeCool
	ModeDry
	ModeFan
	ModeHeat
)

var modeNames = map[Mode]string{
	ModeAuto: "heat_cool",
	ModeCool: "cool",
	ModeDry:  "dry",
	ModeFan:  "fan_only",
	ModeHeat: "heat",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ParseMode parses a mode name as printed by String.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: mode %q", ErrField, s)
}

// Fan is the 2-bit fan speed.
type Fan uint8

const (
	FanAuto Fan = iota
	FanLow
	FanMedium
	FanHigh
)

var fanNames = [...]string{"auto", "low", "medium", "high"}

func (f Fan) String() string {
	if int(f) < len(fanNames) {
		return fanNames[f]
	}
	return fmt.Sprintf("fan(%d)", uint8(f))
}

// ParseFan parses a fan name as printed by String.
func ParseFan(s string) (Fan, error) {
	for i, name := range fanNames {
		if name == s {
			return Fan(i), nil
		}
	}
	return 0, fmt.Errorf("%w: fan %q", ErrField, s)
}

// State is the decoded content of one frame.
type State struct {
	Power       bool
	Mode        Mode
	Fan         Fan
	Temperature int
	Swing       bool
	Sleep       bool
	Light       bool
	Turbo       bool
}

func (s State) String() string {
	power := "off"
	if s.Power {
		power = "on"
	}
	return fmt.Sprintf("%s %s %dC fan=%s swing=%v sleep=%v light=%v turbo=%v",
		power, s.Mode, s.Temperature, s.Fan, s.Swing, s.Sleep, s.Light, s.Turbo)
}

// Checksum computes the nibble checksum stored in the high nibble of byte
// 7. The high nibble of byte 7 itself is treated as zero.
func Checksum(frame []byte) byte {
	sum := byte(0x0A)
	for _, b := range frame[0:4] {
		sum += b & 0x0F
	}
	sum += frame[5] >> 4
	sum += frame[6] >> 4
	return (sum & 0x0F) << 4
}

// Marshal builds the 8-byte frame for s.
func Marshal(s State) ([]byte, error) {
	if _, ok := modeNames[s.Mode]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrField, s.Mode)
	}
	if s.Fan > FanHigh {
		return nil, fmt.Errorf("%w: %s", ErrField, s.Fan)
	}
	frame := make([]byte, StateLength)
	frame[0] = byte(s.Mode) | byte(s.Fan)<<4
	if s.Power {
		frame[0] |= powerBit
	}
	if s.Swing {
		frame[0] |= swingBit
	}
	if s.Sleep {
		frame[0] |= sleepBit
	}
	temp := min(max(s.Temperature, TempMin), TempMax)
	frame[1] = byte(temp - TempMin)
	if s.Light {
		frame[2] |= lightBit
	}
	if s.Turbo {
		frame[2] |= turboBit
	}
	frame[3] = magicByte3
	if s.Swing {
		frame[4] = 0x01
	}
	frame[5] = magicByte5
	frame[7] = Checksum(frame)
	return frame, nil
}

// Unmarshal validates an 8-byte frame and extracts its state.
func Unmarshal(frame []byte) (State, error) {
	if len(frame) != StateLength {
		return State{}, fmt.Errorf("%w: %d bytes", ir.ErrFrameLength, len(frame))
	}
	if frame[3]&0xF0 != magicByte3 {
		return State{}, fmt.Errorf("%w: byte 3 0x%02X", ErrMagic, frame[3])
	}
	if got, want := frame[7]&0xF0, Checksum(frame); got != want {
		return State{}, fmt.Errorf("%w: 0x%X, want 0x%X", ErrChecksum, got>>4, want>>4)
	}
	s := State{
		Power: frame[0]&powerBit != 0,
		Mode:  Mode(frame[0] & 0x07),
		Fan:   Fan(frame[0] >> 4 & 0x03),
		Swing: frame[0]&swingBit != 0,
		Sleep: frame[0]&sleepBit != 0,
		Light: frame[2]&lightBit != 0,
		Turbo: frame[2]&turboBit != 0,
	}
	if _, ok := modeNames[s.Mode]; !ok {
		return State{}, fmt.Errorf("%w: %s", ErrField, s.Mode)
	}
	s.Temperature = int(frame[1]&0x0F) + TempMin
	if s.Temperature > TempMax {
		return State{}, fmt.Errorf("%w: temperature code %d", ErrField, frame[1]&0x0F)
	}
	return s, nil
}

// EncodeFrame builds the pulse train for a raw frame.
func EncodeFrame(frame []byte) (ir.Sequence, error) {
	if len(frame) != StateLength {
		return nil, fmt.Errorf("%w: %d bytes", ir.ErrFrameLength, len(frame))
	}
	w := ir.NewWriter()
	w.Header(&Timing)
	for _, b := range frame[:4] {
		w.Byte(&Timing, b)
	}
	w.Bits(&Timing, blockValue, blockBits)
	w.Item(Timing.BitMark, MessageSpace)
	for _, b := range frame[4:] {
		w.Byte(&Timing, b)
	}
	w.Footer(&Timing)
	return w.Sequence(), nil
}

// DecodeFrame reads the raw frame out of a pulse train without checking
// its contents.
func DecodeFrame(seq ir.Sequence) ([]byte, error) {
	r := ir.NewReader(seq, Timing.Tolerance)
	if err := r.Header(&Timing); err != nil {
		return nil, err
	}
	frame := make([]byte, StateLength)
	for i := 0; i < 4; i++ {
		b, err := r.Byte(&Timing)
		if err != nil {
			return nil, fmt.Errorf("byte %d: %w", i, err)
		}
		frame[i] = b
	}
	block, err := r.Bits(&Timing, blockBits)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBlock, err)
	}
	if block != blockValue {
		return nil, fmt.Errorf("%w: %03b", ErrBlock, block)
	}
	if !r.ExpectItem(Timing.BitMark, MessageSpace) {
		return nil, fmt.Errorf("%w: no message space at item %d", ErrBlock, r.Pos())
	}
	for i := 4; i < StateLength; i++ {
		b, err := r.Byte(&Timing)
		if err != nil {
			return nil, fmt.Errorf("byte %d: %w", i, err)
		}
		frame[i] = b
	}
	if err := r.Footer(&Timing); err != nil {
		return nil, err
	}
	return frame, nil
}

// Encode builds the pulse train for s.
func Encode(s State) (ir.Sequence, error) {
	frame, err := Marshal(s)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(frame)
}

// Decode parses and validates a pulse train.
func Decode(seq ir.Sequence) (State, error) {
	frame, err := DecodeFrame(seq)
	if err != nil {
		return State{}, err
	}
	return Unmarshal(frame)
}

// Codec adapts Trane to ir.Codec.
type Codec struct{}

var _ ir.Codec = Codec{}

func (Codec) Name() string  { return "trane" }
func (Codec) FrameLen() int { return StateLength }

func (Codec) Encode(frame []byte) (ir.Sequence, error) {
	return EncodeFrame(frame)
}

func (Codec) Decode(seq ir.Sequence) ([]byte, error) {
	frame, err := DecodeFrame(seq)
	if err != nil {
		return nil, err
	}
	if _, err := Unmarshal(frame); err != nil {
		return nil, err
	}
	return frame, nil
}
