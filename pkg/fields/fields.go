// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package fields decodes fixed-offset numeric fields out of validated frame
// payloads. A Table is a static, read-only list of Field descriptors defined
// per protocol.
package fields

import (
	"errors"
	"fmt"
	"math"
)

// ErrShort is returned when a payload is too small for a field.
var ErrShort = errors.New("payload too short for field")

// ByteOrder selects the byte order inside one 16-bit word or a 24-bit field.
type ByteOrder int

const (
	BigEndian ByteOrder = iota
	LittleEndian
)

// WordOrder selects the register order of 32-bit values carried in two
// 16-bit words. It is vendor data and cannot be inferred.
type WordOrder int

const (
	HighWordFirst WordOrder = iota
	LowWordFirst
)

// Kind is the numeric interpretation of a field.
type Kind int

const (
	Unsigned Kind = iota
	Signed
	Float32
)

// Field maps a byte range to a physical quantity.
type Field struct {
	Name   string
	Unit   string
	Offset int
	Width  int // 1, 2, 3 or 4 bytes
	Kind   Kind
	Bytes  ByteOrder
	Words  WordOrder
	Scale  float64 // zero means 1
}

// Value is one decoded field.
type Value struct {
	Field Field
	Raw   uint32
	Value float64
}

// Raw extracts the unsigned raw bits of f from data.
func (f Field) Raw(data []byte) (uint32, error) {
	end := f.Offset + f.Width
	if f.Offset < 0 || end > len(data) {
		return 0, fmt.Errorf("%s at %d+%d: %w", f.Name, f.Offset, f.Width, ErrShort)
	}
	b := data[f.Offset:end]
	switch f.Width {
	case 1:
		return uint32(b[0]), nil
	case 2:
		return uint32(Uint16(b, f.Bytes)), nil
	case 3:
		if f.Bytes == LittleEndian {
			return Uint24LE(b), nil
		}
		return Uint24BE(b), nil
	case 4:
		return Uint32Words(b, f.Bytes, f.Words), nil
	default:
		return 0, fmt.Errorf("%s: unsupported width %d", f.Name, f.Width)
	}
}

// Decode extracts and scales f from data.
func (f Field) Decode(data []byte) (Value, error) {
	raw, err := f.Raw(data)
	if err != nil {
		return Value{}, err
	}
	var v float64
	switch f.Kind {
	case Float32:
		v = float64(math.Float32frombits(raw))
	case Signed:
		v = float64(signExtend(raw, f.Width))
	default:
		v = float64(raw)
	}
	if f.Scale != 0 {
		v *= f.Scale
	}
	return Value{Field: f, Raw: raw, Value: v}, nil
}

// Table is an ordered set of fields over a payload of at least MinLen bytes.
type Table struct {
	MinLen int
	Fields []Field
}

// Decode decodes every field in order. A payload shorter than MinLen is
// rejected as a whole.
func (t *Table) Decode(data []byte) ([]Value, error) {
	if len(data) < t.MinLen {
		return nil, fmt.Errorf("payload %d bytes, need %d: %w", len(data), t.MinLen, ErrShort)
	}
	out := make([]Value, 0, len(t.Fields))
	for _, f := range t.Fields {
		v, err := f.Decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Lookup returns the field with the given name.
func (t *Table) Lookup(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func signExtend(raw uint32, width int) int32 {
	switch width {
	case 1:
		return int32(int8(raw))
	case 2:
		return int32(int16(raw))
	case 3:
		return SignExtend24(raw)
	default:
		return int32(raw)
	}
}
