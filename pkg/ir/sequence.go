// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package ir is the generic pulse-timing engine behind the infrared
// codecs. A protocol is a Timing table plus a byte layout; Writer turns
// bytes into a Sequence and Reader matches a captured Sequence back into
// bytes with a percentage tolerance.
package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// Sequence is a captured or generated pulse train in microseconds.
// Positive values are marks (carrier on), negative values are spaces.
type Sequence []int32

// Pair is one mark followed by its space.
type Pair struct {
	Mark  int32
	Space int32
}

// Pairs groups the sequence into (mark, space) pairs. A trailing mark
// without a space yields a pair with Space 0.
func (s Sequence) Pairs() []Pair {
	var out []Pair
	for i := 0; i < len(s); i++ {
		if s[i] <= 0 {
			continue
		}
		p := Pair{Mark: s[i]}
		if i+1 < len(s) && s[i+1] < 0 {
			p.Space = -s[i+1]
			i++
		}
		out = append(out, p)
	}
	return out
}

// Duration returns the total length in microseconds.
func (s Sequence) Duration() int64 {
	var total int64
	for _, v := range s {
		if v < 0 {
			total -= int64(v)
		} else {
			total += int64(v)
		}
	}
	return total
}

// String renders the sequence as signed durations, e.g. "+4480 -4480 +660".
func (s Sequence) String() string {
	var sb strings.Builder
	for i, v := range s {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if v > 0 {
			sb.WriteByte('+')
		}
		sb.WriteString(strconv.Itoa(int(v)))
	}
	return sb.String()
}

// ParseSequence parses signed durations separated by spaces, commas or
// newlines. Unsigned values alternate mark and space starting with a mark.
func ParseSequence(text string) (Sequence, error) {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\n' || r == '\t' || r == '\r'
	})
	seq := make(Sequence, 0, len(fields))
	for i, f := range fields {
		signed := strings.HasPrefix(f, "+") || strings.HasPrefix(f, "-")
		v, err := strconv.ParseInt(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("item %d %q: %w", i, f, err)
		}
		if v == 0 {
			return nil, fmt.Errorf("item %d: zero duration", i)
		}
		if !signed && i%2 == 1 {
			v = -v
		}
		seq = append(seq, int32(v))
	}
	return seq, nil
}
