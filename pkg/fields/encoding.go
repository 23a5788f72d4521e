// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package fields

import "math"

// Uint16 reads two bytes in the given order.
func Uint16(b []byte, order ByteOrder) uint16 {
	if order == LittleEndian {
		return uint16(b[0]) | uint16(b[1])<<8
	}
	return uint16(b[0])<<8 | uint16(b[1])
}

// Uint24BE reads a 24-bit big-endian value.
func Uint24BE(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// Uint24LE reads a 24-bit little-endian value.
func Uint24LE(b []byte) uint32 {
	return uint32(b[2])<<16 | uint32(b[1])<<8 | uint32(b[0])
}

// SignExtend24 widens a 24-bit two's complement value. For any v with bit
// 23 set the result equals int32(v) - 0x1000000.
func SignExtend24(v uint32) int32 {
	v &= 0x00FFFFFF
	if v&(1<<23) != 0 {
		v |= 0xFF000000
	}
	return int32(v)
}

// Uint32Words assembles four bytes holding two 16-bit registers.
func Uint32Words(b []byte, bytes ByteOrder, words WordOrder) uint32 {
	w0 := uint32(Uint16(b[0:2], bytes))
	w1 := uint32(Uint16(b[2:4], bytes))
	if words == LowWordFirst {
		return w1<<16 | w0
	}
	return w0<<16 | w1
}

// Float32Words decodes an IEEE-754 float carried in two registers.
func Float32Words(b []byte, words WordOrder) float32 {
	return math.Float32frombits(Uint32Words(b, BigEndian, words))
}

// Float32LE decodes a little-endian IEEE-754 float.
func Float32LE(b []byte) float32 {
	return math.Float32frombits(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

// PutFloat32LE encodes f little-endian into b.
func PutFloat32LE(b []byte, f float32) {
	u := math.Float32bits(f)
	b[0] = byte(u)
	b[1] = byte(u >> 8)
	b[2] = byte(u >> 16)
	b[3] = byte(u >> 24)
}
