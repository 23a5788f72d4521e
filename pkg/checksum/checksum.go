// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package checksum implements the frame check functions used by the wire
// protocols in this module: XOR and additive 8-bit checksums, their one's
// complement variants, and the CRC-16 families (CCITT, XMODEM, Modbus).
//
// Vendor conventions differ and are kept distinct on purpose. A protocol
// picks exactly the function its wire format defines.
package checksum

// XOR returns the XOR of all bytes in data.
func XOR(data []byte) byte {
	var x byte
	for _, b := range data {
		x ^= b
	}
	return x
}

// XORComplement returns the bitwise complement of XOR(data).
func XORComplement(data []byte) byte {
	return ^XOR(data)
}

// Sum8 returns the sum of all bytes in data modulo 256.
func Sum8(data []byte) byte {
	var s byte
	for _, b := range data {
		s += b
	}
	return s
}

// Sum8Complement returns the bitwise complement of seed + Sum8(data).
func Sum8Complement(seed byte, data []byte) byte {
	return ^(seed + Sum8(data))
}

// BCC is the block check character of IEC 62056-21: XOR over every byte
// after STX up to and including ETX.
func BCC(data []byte) byte {
	return XOR(data)
}

// Running accumulates an 8-bit checksum one byte at a time.
type Running struct {
	value byte
	xor   bool
}

// NewRunningXOR returns an accumulator for XOR checksums.
func NewRunningXOR() *Running {
	return &Running{xor: true}
}

// NewRunningSum returns an accumulator for additive checksums.
func NewRunningSum() *Running {
	return &Running{}
}

// Add folds b into the accumulator.
func (r *Running) Add(b byte) {
	if r.xor {
		r.value ^= b
	} else {
		r.value += b
	}
}

// Value returns the accumulated checksum.
func (r *Running) Value() byte {
	return r.value
}

// Reset clears the accumulator.
func (r *Running) Reset() {
	r.value = 0
}
