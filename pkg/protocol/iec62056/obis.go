// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iec62056

import (
	"errors"
	"strconv"
	"strings"
)

// Limits on readout fields
const (
	MaxOBISLength  = 25
	MaxFloatDigits = 20
)

var (
	ErrLineFormat = errors.New("iec62056: invalid data line")
	ErrOBIS       = errors.New("iec62056: invalid OBIS code")
	ErrNumber     = errors.New("iec62056: value is not a number")
)

// DataLine is one parsed readout line, OBIS(value1)(value2).
type DataLine struct {
	OBIS   string
	Value1 string
	Value2 string
}

// ParseLine splits a readout line. The OBIS code is everything before the
// first '(' after the first character. Value2 is empty unless a second
// bracket pair follows.
func ParseLine(line string) (DataLine, error) {
	line = strings.TrimRight(line, "\r\n")
	lp, rp, lp2, rp2 := -1, -1, -1, -1
	for i := 1; i < len(line); i++ {
		switch line[i] {
		case '(':
			if lp < 0 {
				lp = i
			} else if lp2 < 0 {
				lp2 = i
			}
		case ')':
			if rp < 0 {
				rp = i
			} else if rp2 < 0 {
				rp2 = i
			}
		}
	}
	if lp < 0 || rp < 0 || rp < lp {
		return DataLine{}, ErrLineFormat
	}

	dl := DataLine{OBIS: line[:lp], Value1: line[lp+1 : rp]}
	if lp2 >= 0 && rp2 >= 0 && rp2 > lp2 {
		dl.Value2 = line[lp2+1 : rp2]
	}
	if !ValidOBIS(dl.OBIS) {
		return dl, ErrOBIS
	}
	return dl, nil
}

// ValidOBIS reports whether code only holds OBIS characters.
func ValidOBIS(code string) bool {
	if len(code) > MaxOBISLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case c == ':', c == '.', c == '-', c == '*':
		case c >= '0' && c <= '9':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// ParseNumber converts a value such as "0001234.5*kWh". Only digits, '.'
// and '-' are accepted before the unit separator.
func ParseNumber(value string) (float64, error) {
	num, _, _ := strings.Cut(value, "*")
	if len(num) == 0 || len(num) > MaxFloatDigits {
		return 0, ErrNumber
	}
	for i := 0; i < len(num); i++ {
		c := num[i]
		if !(c >= '0' && c <= '9' || c == '.' || c == '-') {
			return 0, ErrNumber
		}
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, ErrNumber
	}
	return f, nil
}
