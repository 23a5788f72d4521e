// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package hitachi implements the 168-bit Hitachi air conditioner frame:
// 21 bytes sent LSB first in three segments separated by dividers, with
// XOR checksums over the state block and the timer block.
package hitachi

import (
	"errors"
	"fmt"

	"github.com/Thermoquad/wiredecode/pkg/ir"
)

// Timing is the Hitachi-168 pulse table in microseconds.
var Timing = ir.Timing{
	CarrierHz:   38000,
	HeaderMark:  9000,
	HeaderSpace: 4494,
	BitMark:     610,
	OneSpace:    1680,
	ZeroSpace:   565,
	FooterMark:  610,
	FooterSpace: 100000,
	Order:       ir.LSBFirst,
}

// DividerSpace follows a bit mark after bytes 6 and 14.
const DividerSpace int32 = 8007

// StateLength is the frame size in bytes.
const StateLength = 21

// Frame layout.
const (
	magic0 = 0x80
	magic1 = 0x08
	model  = 0x0C

	powerByte = 3
	modeByte  = 4
	tempByte  = 5
	fanByte   = 6
	swingByte = 7

	stateSumByte = 13
	timerFlags   = 14
	offTimerLo   = 15
	onTimerLo    = 17
	timerSumByte = 20

	powerOn  = 0xF1
	powerOff = 0xE1

	tempShift = 2
	tempMask  = 0x7C

	timerOffActive = 0x01
	timerOnActive  = 0x02
)

// dividerAfter lists the byte indexes followed by a divider.
var dividerAfter = [...]int{6, 14}

// Temperature range in degrees Celsius.
const (
	TempMin = 16
	TempMax = 32
)

var (
	ErrMagic    = errors.New("hitachi: bad magic bytes")
	ErrChecksum = errors.New("hitachi: checksum mismatch")
	ErrDivider  = errors.New("hitachi: missing segment divider")
	ErrField    = errors.New("hitachi: invalid field value")
)

// Mode is the operating mode nibble.
type Mode uint8

const (
	ModeFan  Mode = 0x1
	ModeCool Mode = 0x3
	ModeDry  Mode = 0x5
	ModeHeat Mode = 0x6
	ModeAuto Mode = 0x7
)

var modeNames = map[Mode]string{
	ModeFan:  "fan_only",
	ModeCool: "cool",
	ModeDry:  "dry",
	ModeHeat: "heat",
	ModeAuto: "heat_cool",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(0x%X)", uint8(m))
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

// Fan is the fan speed nibble.
type Fan uint8

const (
	FanAuto   Fan = 0x1
	FanLow    Fan = 0x2
	FanMedium Fan = 0x3
	FanHigh   Fan = 0x4
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
	return fmt.Sprintf("fan(0x%X)", uint8(f))
}

// ParseFan parses a fan name as printed by String.
func ParseFan(s string) (Fan, error) {
	for f, name := range fanNames {
		if name == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: fan %q", ErrField, s)
}

// State is the decoded content of one frame. Timer values are minutes,
// zero meaning inactive.
type State struct {
	Power       bool
	Mode        Mode
	Temperature int
	Fan         Fan
	SwingV      bool
	OffTimer    uint16
	OnTimer     uint16
}

func (s State) String() string {
	power := "off"
	if s.Power {
		power = "on"
	}
	return fmt.Sprintf("%s %s %dC fan=%s swing=%v off_timer=%d on_timer=%d",
		power, s.Mode, s.Temperature, s.Fan, s.SwingV, s.OffTimer, s.OnTimer)
}

// setBits replaces nbits of dst starting at offset with data.
func setBits(dst *byte, offset, nbits uint, data byte) {
	if offset >= 8 || nbits == 0 {
		return
	}
	mask := byte(0xFF >> (8 - min(nbits, 8)))
	*dst &^= mask << offset
	*dst |= (data & mask) << offset
}

func xorRange(frame []byte, from, to int) byte {
	var x byte
	for _, b := range frame[from : to+1] {
		x ^= b
	}
	return x
}

// Marshal builds the 21-byte frame for s, checksums included.
func Marshal(s State) ([]byte, error) {
	if _, ok := modeNames[s.Mode]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrField, s.Mode)
	}
	if _, ok := fanNames[s.Fan]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrField, s.Fan)
	}
	frame := make([]byte, StateLength)
	frame[0], frame[1], frame[2] = magic0, magic1, model

	frame[powerByte] = powerOff
	if s.Power {
		frame[powerByte] = powerOn
	}
	setBits(&frame[modeByte], 0, 4, byte(s.Mode))
	temp := min(max(s.Temperature, TempMin), TempMax)
	frame[tempByte] = byte(temp-TempMin) << tempShift
	setBits(&frame[fanByte], 4, 4, byte(s.Fan))
	if s.SwingV {
		frame[swingByte] |= 0x01
	}

	if s.OffTimer > 0 {
		frame[timerFlags] |= timerOffActive
		frame[offTimerLo], frame[offTimerLo+1] = byte(s.OffTimer), byte(s.OffTimer>>8)
	}
	if s.OnTimer > 0 {
		frame[timerFlags] |= timerOnActive
		frame[onTimerLo], frame[onTimerLo+1] = byte(s.OnTimer), byte(s.OnTimer>>8)
	}

	frame[stateSumByte] = xorRange(frame, 2, 12)
	frame[timerSumByte] = xorRange(frame, 14, 19)
	return frame, nil
}

// Unmarshal validates a 21-byte frame and extracts its state.
func Unmarshal(frame []byte) (State, error) {
	if len(frame) != StateLength {
		return State{}, fmt.Errorf("%w: %d bytes", ir.ErrFrameLength, len(frame))
	}
	if frame[0] != magic0 || frame[1] != magic1 {
		return State{}, fmt.Errorf("%w: % X", ErrMagic, frame[:2])
	}
	if got, want := frame[stateSumByte], xorRange(frame, 2, 12); got != want {
		return State{}, fmt.Errorf("%w: state block 0x%02X, want 0x%02X", ErrChecksum, got, want)
	}
	if got, want := frame[timerSumByte], xorRange(frame, 14, 19); got != want {
		return State{}, fmt.Errorf("%w: timer block 0x%02X, want 0x%02X", ErrChecksum, got, want)
	}

	var s State
	switch frame[powerByte] {
	case powerOn:
		s.Power = true
	case powerOff:
	default:
		return State{}, fmt.Errorf("%w: power 0x%02X", ErrField, frame[powerByte])
	}
	s.Mode = Mode(frame[modeByte] & 0x0F)
	if _, ok := modeNames[s.Mode]; !ok {
		return State{}, fmt.Errorf("%w: %s", ErrField, s.Mode)
	}
	s.Temperature = int(frame[tempByte]&tempMask>>tempShift) + TempMin
	if s.Temperature > TempMax {
		return State{}, fmt.Errorf("%w: temperature %d", ErrField, s.Temperature)
	}
	s.Fan = Fan(frame[fanByte] >> 4)
	if _, ok := fanNames[s.Fan]; !ok {
		return State{}, fmt.Errorf("%w: %s", ErrField, s.Fan)
	}
	s.SwingV = frame[swingByte]&0x01 != 0
	if frame[timerFlags]&timerOffActive != 0 {
		s.OffTimer = uint16(frame[offTimerLo]) | uint16(frame[offTimerLo+1])<<8
	}
	if frame[timerFlags]&timerOnActive != 0 {
		s.OnTimer = uint16(frame[onTimerLo]) | uint16(frame[onTimerLo+1])<<8
	}
	return s, nil
}

func isDivider(i int) bool {
	for _, d := range dividerAfter {
		if i == d {
			return true
		}
	}
	return false
}

// EncodeFrame builds the pulse train for a raw frame.
func EncodeFrame(frame []byte) (ir.Sequence, error) {
	if len(frame) != StateLength {
		return nil, fmt.Errorf("%w: %d bytes", ir.ErrFrameLength, len(frame))
	}
	w := ir.NewWriter()
	w.Header(&Timing)
	for i, b := range frame {
		w.Byte(&Timing, b)
		if isDivider(i) {
			w.Item(Timing.BitMark, DividerSpace)
		}
	}
	w.Footer(&Timing)
	return w.Sequence(), nil
}

// DecodeFrame reads the raw frame out of a pulse train. Checksums are not
// verified here.
func DecodeFrame(seq ir.Sequence) ([]byte, error) {
	r := ir.NewReader(seq, Timing.Tolerance)
	if err := r.Header(&Timing); err != nil {
		return nil, err
	}
	frame := make([]byte, StateLength)
	for i := range frame {
		b, err := r.Byte(&Timing)
		if err != nil {
			return nil, fmt.Errorf("byte %d: %w", i, err)
		}
		frame[i] = b
		if isDivider(i) && !r.ExpectItem(Timing.BitMark, DividerSpace) {
			return nil, fmt.Errorf("%w after byte %d at item %d", ErrDivider, i, r.Pos())
		}
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

// Codec adapts Hitachi-168 to ir.Codec. Decode verifies the magic bytes
// and both checksums.
type Codec struct{}

var _ ir.Codec = Codec{}

func (Codec) Name() string  { return "hitachi" }
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
