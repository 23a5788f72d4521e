// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ir

import (
	"errors"
	"fmt"
	"sort"
)

// ErrFrameLength is returned when a frame has the wrong number of bytes.
var ErrFrameLength = errors.New("wrong frame length")

// Codec converts between a protocol's raw frame bytes and pulses.
type Codec interface {
	Name() string
	// FrameLen is the number of frame bytes.
	FrameLen() int
	Encode(frame []byte) (Sequence, error)
	Decode(seq Sequence) ([]byte, error)
}

// CheckLen validates a frame for codec c.
func CheckLen(c Codec, frame []byte) error {
	if len(frame) != c.FrameLen() {
		return fmt.Errorf("%s: %w: got %d bytes, want %d", c.Name(), ErrFrameLength, len(frame), c.FrameLen())
	}
	return nil
}

// Registry is a name-indexed set of codecs.
type Registry struct {
	codecs map[string]Codec
}

// NewRegistry builds a registry from codecs.
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{codecs: make(map[string]Codec, len(codecs))}
	for _, c := range codecs {
		r.codecs[c.Name()] = c
	}
	return r
}

// Get returns the codec registered under name.
func (r *Registry) Get(name string) (Codec, error) {
	c, ok := r.codecs[name]
	if !ok {
		return nil, fmt.Errorf("unknown IR protocol %q", name)
	}
	return c, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.codecs))
	for n := range r.codecs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DecodeAny tries every codec in name order and returns the first match.
func (r *Registry) DecodeAny(seq Sequence) (Codec, []byte, error) {
	for _, n := range r.Names() {
		c := r.codecs[n]
		if frame, err := c.Decode(seq); err == nil {
			return c, frame, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: no protocol matched", ErrNoMatch)
}
