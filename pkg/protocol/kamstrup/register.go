// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package kamstrup

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/logging"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

// Registers of the MULTICAL 40x
const (
	RegHeatEnergy  uint16 = 0x3C
	RegVolume      uint16 = 0x44
	RegFlow        uint16 = 0x4A
	RegPower       uint16 = 0x50
	RegTemp1       uint16 = 0x56
	RegTemp2       uint16 = 0x57
	RegTempDiff    uint16 = 0x59
	maxMantissaLen        = 4
)

// Register names used as reading quantities.
var RegisterNames = map[uint16]string{
	RegHeatEnergy: "heat_energy",
	RegVolume:     "volume",
	RegFlow:       "flow",
	RegPower:      "power",
	RegTemp1:      "temp1",
	RegTemp2:      "temp2",
	RegTempDiff:   "temp_diff",
}

// DefaultRegisters is the polling order when none is configured.
var DefaultRegisters = []uint16{RegHeatEnergy, RegPower, RegTemp1, RegTemp2, RegTempDiff, RegFlow, RegVolume}

// Units indexed by the unit byte of a response.
var Units = []string{
	"", "Wh", "kWh", "MWh", "GWh", "j", "kj", "Mj", "Gj", "Cal",
	"kCal", "Mcal", "Gcal", "varh", "kvarh", "Mvarh", "Gvarh", "VAh", "kVAh", "MVAh",
	"GVAh", "kW", "kW", "MW", "GW", "kvar", "kvar", "Mvar", "Gvar", "VA",
	"kVA", "MVA", "GVA", "V", "A", "kV", "kA", "C", "K", "l",
	"m3", "l/h", "m3/h", "m3xC", "ton", "ton/h", "h", "hh:mm:ss", "yy:mm:dd", "yyyy:mm:dd",
	"mm:dd", "", "bar", "RTC", "ASCII", "m3 x 10", "ton x 10", "GJ x 10", "minutes", "Bitfield",
	"s", "ms", "days", "RTC-Q", "Datetime",
}

// UnitName returns the unit for a unit byte.
func UnitName(idx byte) string {
	if int(idx) < len(Units) {
		return Units[idx]
	}
	return ""
}

var (
	ErrResponse = errors.New("kamstrup: invalid response")
	ErrRegister = errors.New("kamstrup: unexpected register")
)

// Value is one decoded register.
type Value struct {
	Register uint16
	Unit     string
	Value    float64
}

// ParseResponse decodes a GetRegister response payload:
//
//	3F 10 RegHi RegLo Unit MantissaLen SIEX Mantissa...
//
// SIEX bit 7 negates the value, bit 6 the exponent, bits 0-5 hold the
// decimal exponent.
func ParseResponse(register uint16, p []byte) (Value, error) {
	if len(p) < 6 {
		return Value{}, fmt.Errorf("%w: %d bytes", ErrResponse, len(p))
	}
	if p[0] != DestinationHeatMeter || p[1] != CommandGetRegister {
		return Value{}, fmt.Errorf("%w: header 0x%02X%02X", ErrResponse, p[0], p[1])
	}
	if got := uint16(p[2])<<8 | uint16(p[3]); got != register {
		return Value{}, fmt.Errorf("%w: 0x%04X, want 0x%04X", ErrRegister, got, register)
	}
	n := int(p[5])
	if n > maxMantissaLen {
		return Value{}, fmt.Errorf("%w: mantissa length %d", ErrResponse, n)
	}
	if len(p) < 7+n {
		return Value{}, fmt.Errorf("%w: %d bytes for mantissa length %d", ErrResponse, len(p), n)
	}

	siex := p[6]
	exp := float64(siex & 0x3F)
	if siex&0x40 != 0 {
		exp = -exp
	}
	scale := math.Pow(10, exp)
	if siex&0x80 != 0 {
		scale = -scale
	}
	var mantissa uint32
	for i := 0; i < n; i++ {
		mantissa = mantissa<<8 | uint32(p[7+i])
	}
	return Value{Register: register, Unit: UnitName(p[4]), Value: float64(mantissa) * scale}, nil
}

// Meter polls a list of registers one request at a time.
type Meter struct {
	registers []uint16
	next      int
	pending   uint16
	waiting   bool
	log       *zap.Logger
}

// NewMeter creates a poller. An empty register list uses DefaultRegisters.
func NewMeter(registers []uint16, log *zap.Logger) *Meter {
	if len(registers) == 0 {
		registers = DefaultRegisters
	}
	if log == nil {
		log = logging.Named("kamstrup")
	}
	return &Meter{registers: registers, log: log}
}

// NextRequest returns the request for the next register in the cycle. An
// unanswered previous request is abandoned.
func (m *Meter) NextRequest() []byte {
	if m.waiting {
		m.log.Error("Request timed out", zap.Uint16("register", m.pending))
	}
	m.pending = m.registers[m.next]
	m.next = (m.next + 1) % len(m.registers)
	m.waiting = true
	return Request(m.pending)
}

// Process decodes the response to the outstanding request.
func (m *Meter) Process(f *Frame, sink stream.Sink) error {
	if !m.waiting {
		return fmt.Errorf("%w: no request outstanding", ErrResponse)
	}
	m.waiting = false
	v, err := ParseResponse(m.pending, f.Payload)
	if err != nil {
		m.log.Error("Received invalid message", zap.Error(err))
		return err
	}
	name, ok := RegisterNames[v.Register]
	if !ok {
		name = fmt.Sprintf("register_%d", v.Register)
	}
	stream.NewPublisher(sink, m.log).Publish(stream.NumberReading(name, v.Unit, v.Value))
	return nil
}
