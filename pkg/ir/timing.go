// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ir

// BitOrder is the order bits of a byte are sent in.
type BitOrder int

const (
	MSBFirst BitOrder = iota
	LSBFirst
)

// DefaultTolerance is the match window in percent.
const DefaultTolerance = 25

// Timing is the constant table of one pulse-distance protocol.
type Timing struct {
	CarrierHz   uint32
	HeaderMark  int32
	HeaderSpace int32
	BitMark     int32
	OneSpace    int32
	ZeroSpace   int32
	FooterMark  int32
	FooterSpace int32 // trailing pause, 0 for none
	Order       BitOrder
	Tolerance   int // percent, 0 means DefaultTolerance
}

func (t *Timing) tolerance() int {
	if t.Tolerance == 0 {
		return DefaultTolerance
	}
	return t.Tolerance
}

// Bounds returns the inclusive match window for a nominal duration.
func Bounds(length int32, tolerance int) (lower, upper int32) {
	lower = int32(int64(length) * int64(100-tolerance) / 100)
	upper = int32(int64(length) * int64(100+tolerance) / 100)
	return lower, upper
}
