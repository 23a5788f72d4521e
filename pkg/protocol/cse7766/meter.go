// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cse7766

import (
	"errors"
	"math"

	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/logging"
	"github.com/Thermoquad/wiredecode/pkg/fields"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

// Chip selects the status-byte semantics and scaling.
type Chip int

const (
	ChipCSE7766 Chip = iota
	ChipHLW8032
)

func (c Chip) String() string {
	if c == ChipHLW8032 {
		return "hlw8032"
	}
	return "cse7766"
}

// Status header bits, valid when the high nibble is 0xF.
const (
	statusVoltageOverflow = 1 << 3
	statusCurrentOverflow = 1 << 2
	statusPowerOverflow   = 1 << 1
	statusCoeffAbnormal   = 1 << 0
)

// Data-update flags in byte 20.
const (
	updateVoltage = 0x40
	updateCurrent = 0x20
	updatePower   = 0x10
)

// Field offsets.
const (
	offVoltageCoeff = 2
	offVoltageCycle = 5
	offCurrentCoeff = 8
	offCurrentCycle = 11
	offPowerCoeff   = 14
	offPowerCycle   = 17
	offUpdate       = 20
	offPulses       = 21
)

// MinCurrent is the smallest current the chips can measure, in amperes.
// Below it the current is reported as 0, or derived from P/V when the
// current register is not updated.
const MinCurrent = 0.05

var (
	ErrNotCalibrated = errors.New("chip not calibrated")
	ErrAbnormal      = errors.New("abnormal chip state")
)

// Config configures a Meter.
type Config struct {
	Chip Chip
	// VoltageDivider scales HLW8032 voltage. Default 1.88.
	VoltageDivider float64
	// CurrentCoefficient scales HLW8032 current, 1/(shunt ohms * 1000).
	// Default 1.
	CurrentCoefficient float64
	Logger             *zap.Logger
}

// Measurement is the result of one frame. Missing quantities are NaN.
type Measurement struct {
	Voltage            float64
	Current            float64
	Power              float64
	Energy             float64
	ApparentPower      float64
	ReactivePower      float64
	PowerFactor        float64
	CurrentApproximate bool
}

// Meter turns validated frames into readings. It keeps the pulse counter
// history used for energy accounting.
type Meter struct {
	cfg         Config
	scaleV      float64
	scaleI      float64
	pulsesLast  uint16
	pulsesTotal uint64
	started     bool
	log         *zap.Logger
}

// NewMeter creates a Meter.
func NewMeter(cfg Config) *Meter {
	if cfg.Logger == nil {
		cfg.Logger = logging.Named(cfg.Chip.String())
	}
	m := &Meter{cfg: cfg, scaleV: 1, scaleI: 1, log: cfg.Logger}
	if cfg.Chip == ChipHLW8032 {
		m.scaleV = cfg.VoltageDivider
		if m.scaleV == 0 {
			m.scaleV = 1.88
		}
		m.scaleI = cfg.CurrentCoefficient
		if m.scaleI == 0 {
			m.scaleI = 1
		}
	}
	return m
}

func ratio(data []byte, coeffOff, cycleOff int) float64 {
	cycle := fields.Uint24BE(data[cycleOff:])
	if cycle == 0 {
		return 0
	}
	return float64(fields.Uint24BE(data[coeffOff:])) / float64(cycle)
}

// Process decodes f and publishes its quantities to sink, each at most
// once. A frame rejected by its status byte publishes nothing.
func (m *Meter) Process(f *Frame, sink stream.Sink) (Measurement, error) {
	nan := math.NaN()
	meas := Measurement{
		Voltage: nan, Current: nan, Power: nan, Energy: nan,
		ApparentPower: nan, ReactivePower: nan, PowerFactor: nan,
	}
	data := f[:]
	header := f.Header()

	if header == HeaderNoCal {
		m.log.Error("Chip not calibrated", zap.String("chip", m.cfg.Chip.String()))
		return meas, ErrNotCalibrated
	}

	var status byte
	if header&0xF0 == headerStatus {
		status = header & 0x0F
	}
	if status&statusCoeffAbnormal != 0 {
		m.log.Error("Abnormal coefficient storage area")
		return meas, ErrAbnormal
	}
	if m.cfg.Chip == ChipCSE7766 && status&(statusVoltageOverflow|statusCurrentOverflow) != 0 {
		m.log.Warn("Cycle exceeds range",
			zap.Bool("voltage", status&statusVoltageOverflow != 0),
			zap.Bool("current", status&statusCurrentOverflow != 0))
		return meas, ErrAbnormal
	}

	update := data[offUpdate]
	haveVoltage := update&updateVoltage != 0
	haveCurrent := update&updateCurrent != 0
	havePower := update&updatePower != 0
	pub := stream.NewPublisher(sink, m.log)

	voltage := 0.0
	if haveVoltage {
		if status&statusVoltageOverflow == 0 {
			voltage = ratio(data, offVoltageCoeff, offVoltageCycle) * m.scaleV
		}
		meas.Voltage = voltage
		pub.Publish(stream.NumberReading("voltage", "V", voltage))
	}

	pulses := fields.Uint16(data[offPulses:], fields.BigEndian)
	if !m.started {
		m.pulsesLast = pulses
		m.started = true
	}
	m.pulsesTotal += uint64(pulses - m.pulsesLast)
	m.pulsesLast = pulses
	powerCoeff := float64(fields.Uint24BE(data[offPowerCoeff:])) * m.scaleV * m.scaleI
	meas.Energy = float64(m.pulsesTotal) * powerCoeff / 1e6 / 3600
	pub.Publish(stream.NumberReading("energy", "Wh", meas.Energy))

	power := 0.0
	switch {
	case status&statusPowerOverflow != 0:
		// Out of range power cycle means no load: power is a real 0
		havePower = true
		meas.Power = 0
		pub.Publish(stream.NumberReading("power", "W", 0))
	case havePower:
		power = ratio(data, offPowerCoeff, offPowerCycle) * m.scaleV * m.scaleI
		meas.Power = power
		pub.Publish(stream.NumberReading("power", "W", power))
	}

	currentKnown := false
	calculated := 0.0
	if havePower && voltage > 1 {
		calculated = power / voltage
	}
	switch {
	case haveCurrent:
		current := 0.0
		if status&statusCurrentOverflow == 0 && calculated > MinCurrent {
			current = ratio(data, offCurrentCoeff, offCurrentCycle) * m.scaleI
		}
		meas.Current = current
		currentKnown = true
		pub.Publish(stream.NumberReading("current", "A", current))
	case calculated > MinCurrent:
		meas.Current = calculated
		meas.CurrentApproximate = true
		currentKnown = true
		r := stream.NumberReading("current", "A", calculated)
		r.Approximate = true
		pub.Publish(r)
	}

	if haveVoltage && currentKnown {
		apparent := voltage * meas.Current
		meas.ApparentPower = apparent
		pub.Publish(stream.NumberReading("apparent_power", "VA", apparent))
		if havePower {
			reactive := 0.0
			if apparent > power {
				reactive = math.Sqrt(apparent*apparent - power*power)
			}
			meas.ReactivePower = reactive
			pub.Publish(stream.NumberReading("reactive_power", "var", reactive))

			pf := 0.0
			if apparent > 0 {
				pf = math.Max(-1, math.Min(1, power/apparent))
			}
			meas.PowerFactor = pf
			pub.Publish(stream.NumberReading("power_factor", "", pf))
		}
	}

	m.log.Debug("Frame decoded",
		zap.Float64("voltage", meas.Voltage),
		zap.Float64("current", meas.Current),
		zap.Float64("power", meas.Power),
		zap.Uint16("pulses", pulses))
	return meas, nil
}

// ResetEnergy clears the accumulated pulse total.
func (m *Meter) ResetEnergy() {
	m.pulsesTotal = 0
	m.started = false
}
