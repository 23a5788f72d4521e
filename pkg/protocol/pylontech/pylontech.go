// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package pylontech parses the console output of Pylontech battery
// management systems. The host sends "pwr\n" and the BMS answers with one
// whitespace separated line per battery:
//
//	Power Volt  Curr Tempr Tlow  Thigh  Vlow Vhigh Base.St Volt.St Curr.St Temp.St Coulomb Time                B.V.St B.T.St MosTempr M.T.St
//	1    50548  8910 25000 24200 25000  3368 3371  Charge  Normal  Normal  Normal  87%     2021-06-30 20:49:45 Normal Normal  22700    Normal
package pylontech

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/logging"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

const (
	// MaxLineLength bounds one console line.
	MaxLineLength = 256
	// ExpectedItems is the number of values a complete line yields.
	ExpectedItems = 14
	// NoMosTemperature is reported when the MOS temperature is absent.
	NoMosTemperature = -300
	stateWidth       = 7
	mosWidth         = 5
)

// Request asks the BMS for one line per battery.
var Request = []byte("pwr\n")

var (
	// ErrNotBatteryLine marks headers, prompts and echoes.
	ErrNotBatteryLine = errors.New("pylontech: not a battery line")
	// ErrShortLine marks a battery line missing fields.
	ErrShortLine = errors.New("pylontech: incomplete line")
)

// Line is one parsed battery line. Millivolt, milliampere and
// millidegree values are raw.
type Line struct {
	Battery          int
	Voltage          int
	Current          int
	Temperature      int
	TemperatureLow   int
	TemperatureHigh  int
	VoltageLow       int
	VoltageHigh      int
	BaseState        string
	VoltageState     string
	CurrentState     string
	TemperatureState string
	Coulomb          int
	MosTemperature   int
}

// scanner walks the whitespace separated tokens of a line the way a
// positional scanf would: the first token that does not match stops it.
type scanner struct {
	tokens []string
	pos    int
	items  int
	failed bool
}

func (s *scanner) next() (string, bool) {
	if s.failed || s.pos >= len(s.tokens) {
		s.failed = true
		return "", false
	}
	tok := s.tokens[s.pos]
	s.pos++
	return tok, true
}

func (s *scanner) number(dst *int) {
	tok, ok := s.next()
	if !ok {
		return
	}
	v, err := strconv.Atoi(tok)
	if err != nil {
		s.failed = true
		return
	}
	*dst = v
	s.items++
}

func (s *scanner) text(dst *string, width int) {
	tok, ok := s.next()
	if !ok {
		return
	}
	if len(tok) > width {
		tok = tok[:width]
	}
	*dst = tok
	s.items++
}

func (s *scanner) percent(dst *int) {
	tok, ok := s.next()
	if !ok {
		return
	}
	v, err := strconv.Atoi(strings.TrimSuffix(tok, "%"))
	if err != nil || !strings.HasSuffix(tok, "%") {
		s.failed = true
		return
	}
	*dst = v
	s.items++
}

// skip consumes a token made of sep-separated integers without counting it.
func (s *scanner) skip(sep string) {
	tok, ok := s.next()
	if !ok {
		return
	}
	for _, part := range strings.Split(tok, sep) {
		if _, err := strconv.Atoi(part); err != nil {
			s.failed = true
			return
		}
	}
}

func (s *scanner) skipAny() {
	s.next()
}

// ParseLine parses one battery line. Lines whose first item is not a
// positive battery number return ErrNotBatteryLine; battery lines with
// fewer than ExpectedItems values return ErrShortLine and nothing else.
func ParseLine(text string) (Line, error) {
	var l Line
	var mos string
	s := &scanner{tokens: strings.Fields(text)}
	s.number(&l.Battery)
	s.number(&l.Voltage)
	s.number(&l.Current)
	s.number(&l.Temperature)
	s.number(&l.TemperatureLow)
	s.number(&l.TemperatureHigh)
	s.number(&l.VoltageLow)
	s.number(&l.VoltageHigh)
	s.text(&l.BaseState, stateWidth)
	s.text(&l.VoltageState, stateWidth)
	s.text(&l.CurrentState, stateWidth)
	s.text(&l.TemperatureState, stateWidth)
	s.percent(&l.Coulomb)
	s.skip("-")
	s.skip(":")
	s.skipAny()
	s.skipAny()
	s.text(&mos, mosWidth)

	if l.Battery <= 0 {
		return Line{}, ErrNotBatteryLine
	}
	if s.items != ExpectedItems {
		return Line{}, fmt.Errorf("%w: found only %d items", ErrShortLine, s.items)
	}
	if v, err := strconv.Atoi(mos); err == nil {
		l.MosTemperature = v
	} else {
		l.MosTemperature = NoMosTemperature
	}
	return l, nil
}

// Readings converts a line to published quantities prefixed with the
// battery number.
func (l Line) Readings() []stream.Reading {
	p := fmt.Sprintf("battery%d.", l.Battery)
	milli := func(v int) float64 { return float64(v) / 1000 }
	return []stream.Reading{
		stream.NumberReading(p+"voltage", "V", milli(l.Voltage)),
		stream.NumberReading(p+"current", "A", milli(l.Current)),
		stream.NumberReading(p+"temperature", "°C", milli(l.Temperature)),
		stream.NumberReading(p+"temperature_low", "°C", milli(l.TemperatureLow)),
		stream.NumberReading(p+"temperature_high", "°C", milli(l.TemperatureHigh)),
		stream.NumberReading(p+"voltage_low", "V", milli(l.VoltageLow)),
		stream.NumberReading(p+"voltage_high", "V", milli(l.VoltageHigh)),
		stream.NumberReading(p+"coulomb", "%", float64(l.Coulomb)),
		stream.NumberReading(p+"mos_temperature", "°C", milli(l.MosTemperature)),
		stream.TextReading(p+"base_state", l.BaseState),
		stream.TextReading(p+"voltage_state", l.VoltageState),
		stream.TextReading(p+"current_state", l.CurrentState),
		stream.TextReading(p+"temperature_state", l.TemperatureState),
	}
}

// Monitor turns console lines into readings.
type Monitor struct {
	batteries map[int]bool
	badLines  int
	log       *zap.Logger
}

// NewMonitor creates a monitor. An empty battery list accepts all.
func NewMonitor(batteries []int, log *zap.Logger) *Monitor {
	if log == nil {
		log = logging.Named("pylontech")
	}
	m := &Monitor{log: log}
	if len(batteries) > 0 {
		m.batteries = make(map[int]bool, len(batteries))
		for _, b := range batteries {
			m.batteries[b] = true
		}
	}
	return m
}

// BadLines returns the number of consecutive incomplete battery lines.
func (m *Monitor) BadLines() int {
	return m.badLines
}

// Process parses one line and publishes its readings. Incomplete lines
// publish nothing.
func (m *Monitor) Process(text string, sink stream.Sink) (Line, error) {
	l, err := ParseLine(text)
	switch {
	case errors.Is(err, ErrNotBatteryLine):
		m.log.Debug("Ignoring line", zap.String("line", text))
		return Line{}, err
	case err != nil:
		m.badLines++
		m.log.Warn("Invalid line", zap.String("line", text), zap.Int("consecutive", m.badLines), zap.Error(err))
		return Line{}, err
	}
	m.badLines = 0
	if l.MosTemperature == NoMosTemperature {
		m.log.Warn("Received no MOS temperature", zap.Int("battery", l.Battery))
	}
	if m.batteries != nil && !m.batteries[l.Battery] {
		return l, nil
	}
	stream.NewPublisher(sink, m.log).PublishAll(l.Readings())
	return l, nil
}
