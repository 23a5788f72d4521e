// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stream

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
)

// ValueType is the type carried by a Reading.
type ValueType int

const (
	Number ValueType = iota
	Bool
	Text
)

// Reading is one published quantity.
type Reading struct {
	Quantity string
	Unit     string
	Type     ValueType
	Value    float64
	Flag     bool
	Text     string
	// Approximate marks a derived value that was not measured directly,
	// such as current computed from power and voltage.
	Approximate bool
}

// NumberReading returns a numeric reading.
func NumberReading(quantity, unit string, v float64) Reading {
	return Reading{Quantity: quantity, Unit: unit, Type: Number, Value: v}
}

// NoReading returns the NaN "no value" state for a numeric quantity.
func NoReading(quantity, unit string) Reading {
	return NumberReading(quantity, unit, math.NaN())
}

// BoolReading returns a boolean reading.
func BoolReading(quantity string, v bool) Reading {
	return Reading{Quantity: quantity, Type: Bool, Flag: v}
}

// TextReading returns a text reading.
func TextReading(quantity, v string) Reading {
	return Reading{Quantity: quantity, Type: Text, Text: v}
}

// Missing reports whether r is the NaN "no value" state.
func (r Reading) Missing() bool {
	return r.Type == Number && math.IsNaN(r.Value)
}

func (r Reading) String() string {
	switch r.Type {
	case Bool:
		return fmt.Sprintf("%s=%v", r.Quantity, r.Flag)
	case Text:
		return fmt.Sprintf("%s=%q", r.Quantity, r.Text)
	}
	s := fmt.Sprintf("%s=%.3f", r.Quantity, r.Value)
	if r.Unit != "" {
		s += " " + r.Unit
	}
	if r.Approximate {
		s += " (approx)"
	}
	return s
}

// Sink receives published readings.
type Sink interface {
	Publish(r Reading)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(r Reading)

// Publish calls f(r).
func (f SinkFunc) Publish(r Reading) { f(r) }

// Publisher forwards the readings of one frame to a Sink, at most once per
// quantity. Create one per decoded frame.
type Publisher struct {
	sink Sink
	seen map[string]struct{}
	log  *zap.Logger
}

// NewPublisher starts a frame's publication.
func NewPublisher(sink Sink, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{sink: sink, seen: make(map[string]struct{}), log: log}
}

// Publish forwards r unless its quantity was already published for this
// frame. It reports whether r was forwarded.
func (p *Publisher) Publish(r Reading) bool {
	if _, dup := p.seen[r.Quantity]; dup {
		p.log.Debug("duplicate quantity in frame dropped", zap.String("quantity", r.Quantity))
		return false
	}
	p.seen[r.Quantity] = struct{}{}
	if p.sink != nil {
		p.sink.Publish(r)
	}
	return true
}

// PublishAll publishes each reading in order.
func (p *Publisher) PublishAll(rs []Reading) {
	for _, r := range rs {
		p.Publish(r)
	}
}

// Count returns the number of quantities published.
func (p *Publisher) Count() int {
	return len(p.seen)
}

// Collector is a Sink that records readings. Safe for concurrent use.
type Collector struct {
	mu       sync.Mutex
	readings []Reading
}

// Publish records r.
func (c *Collector) Publish(r Reading) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readings = append(c.readings, r)
}

// Readings returns a copy of everything recorded.
func (c *Collector) Readings() []Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Reading, len(c.readings))
	copy(out, c.readings)
	return out
}

// Last returns the most recent reading for quantity.
func (c *Collector) Last(quantity string) (Reading, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.readings) - 1; i >= 0; i-- {
		if c.readings[i].Quantity == quantity {
			return c.readings[i], true
		}
	}
	return Reading{}, false
}

// Len returns the number of recorded readings.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.readings)
}

// Reset clears all recorded readings.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readings = nil
}
