// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package modbus

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/logging"
	"github.com/Thermoquad/wiredecode/pkg/fields"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

var (
	ErrUnknownVendor = errors.New("modbus: unknown vendor")
	ErrShortResponse = errors.New("modbus: response shorter than expected")
	ErrUnexpected    = errors.New("modbus: unexpected response")
)

// Flag is a single status bit published as a boolean.
type Flag struct {
	Name     string
	Register int
	Mask     uint16
}

// Block is one read request and the fields decoded from its response.
// Field offsets are relative to the first register of the block.
type Block struct {
	Function byte
	Start    uint16
	Count    uint16
	Table    fields.Table
	Flags    []Flag
}

// Vendor is the register map of one device family.
type Vendor struct {
	Name   string
	Blocks []Block
}

// reg describes a field by register index inside its block.
func reg(name, unit string, index int, kind fields.Kind, words int, order fields.WordOrder, scale float64) fields.Field {
	return fields.Field{
		Name:   name,
		Unit:   unit,
		Offset: index * 2,
		Width:  words * 2,
		Kind:   kind,
		Bytes:  fields.BigEndian,
		Words:  order,
		Scale:  scale,
	}
}

func block(function byte, start, count uint16, fs ...fields.Field) Block {
	return Block{
		Function: function,
		Start:    start,
		Count:    count,
		Table:    fields.Table{MinLen: int(count) * 2, Fields: fs},
	}
}

// Havells solar inverters: 48 holding registers, 32-bit values high word
// first.
var Havells = Vendor{
	Name: "havells",
	Blocks: []Block{block(ReadHoldingRegisters, 0, 48,
		havells("pv1_voltage", "V", 0x00, 1, 0.1),
		havells("pv1_current", "A", 0x01, 1, 0.01),
		havells("pv2_voltage", "V", 0x02, 1, 0.1),
		havells("pv2_current", "A", 0x03, 1, 0.01),
		havells("pv1_active_power", "W", 0x04, 1, 10),
		havells("pv2_active_power", "W", 0x05, 1, 10),
		havells("phase_a_voltage", "V", 0x06, 1, 0.1),
		havells("phase_a_current", "A", 0x07, 1, 0.01),
		havells("phase_b_voltage", "V", 0x08, 1, 0.1),
		havells("phase_b_current", "A", 0x09, 1, 0.01),
		havells("phase_c_voltage", "V", 0x0A, 1, 0.1),
		havells("phase_c_current", "A", 0x0B, 1, 0.01),
		havells("frequency", "Hz", 0x0C, 1, 0.01),
		havells("active_power", "W", 0x0D, 1, 10),
		havells("reactive_power", "VAR", 0x0E, 1, 0.01),
		havells("today_production", "kWh", 0x0F, 1, 0.01),
		havells("total_energy_production", "kWh", 0x10, 2, 1),
		havells("total_generation_time", "h", 0x12, 2, 1),
		havells("today_generation_time", "min", 0x14, 1, 1),
		havells("inverter_module_temp", "°C", 0x15, 1, 1),
		havells("inverter_inner_temp", "°C", 0x16, 1, 1),
		havells("inverter_bus_voltage", "V", 0x17, 1, 1),
		havells("pv1_volt_sampled_by_slave_cpu", "V", 0x18, 1, 1),
		havells("pv2_volt_sampled_by_slave_cpu", "V", 0x19, 1, 1),
		havells("insulation_pv1_p_to_ground", "kΩ", 0x1A, 1, 1),
		havells("insulation_pv2_p_to_ground", "kΩ", 0x1B, 1, 1),
		havells("insulation_pv_n_to_ground", "kΩ", 0x1C, 1, 1),
		havells("gfci_value", "mA", 0x1D, 1, 1),
		havells("dci_of_r", "mA", 0x1E, 1, 1),
		havells("dci_of_s", "mA", 0x1F, 1, 1),
		havells("dci_of_t", "mA", 0x20, 1, 1),
	)},
}

func havells(name, unit string, index, words int, scale float64) fields.Field {
	return reg(name, unit, index, fields.Unsigned, words, fields.HighWordFirst, scale)
}

// EPSolar charge controllers: input registers in several blocks, 32-bit
// values low word first.
var EPSolar = Vendor{
	Name: "epsolar",
	Blocks: []Block{
		block(ReadInputRegisters, 0x3000, 9,
			epsolar("array_rated_voltage", "V", 0x0, 1, fields.Unsigned, 0.01),
			epsolar("array_rated_current", "A", 0x1, 1, fields.Unsigned, 0.01),
			epsolar("array_rated_power", "W", 0x2, 2, fields.Unsigned, 0.01),
			epsolar("battery_rated_voltage", "V", 0x4, 1, fields.Unsigned, 0.01),
			epsolar("battery_rated_current", "A", 0x5, 1, fields.Unsigned, 0.01),
			epsolar("battery_rated_power", "W", 0x6, 2, fields.Unsigned, 0.01),
			epsolar("charging_mode", "", 0x8, 1, fields.Unsigned, 1),
		),
		block(ReadInputRegisters, 0x3100, 0x12,
			epsolar("pv_input_voltage", "V", 0x0, 1, fields.Unsigned, 0.01),
			epsolar("pv_input_current", "A", 0x1, 1, fields.Unsigned, 0.01),
			epsolar("pv_power", "W", 0x2, 2, fields.Unsigned, 0.01),
			epsolar("battery_power", "W", 0x6, 2, fields.Unsigned, 0.01),
			epsolar("load_voltage", "V", 0xC, 1, fields.Unsigned, 0.01),
			epsolar("load_current", "A", 0xD, 1, fields.Unsigned, 0.01),
			epsolar("load_power", "W", 0xE, 2, fields.Unsigned, 0.01),
			epsolar("battery_temperature", "°C", 0x10, 1, fields.Signed, 0.01),
			epsolar("device_temperature", "°C", 0x11, 1, fields.Signed, 0.01),
		),
		block(ReadInputRegisters, 0x311A, 2,
			epsolar("battery_soc", "%", 0x0, 1, fields.Unsigned, 1),
			epsolar("remote_battery_temperature", "°C", 0x1, 1, fields.Signed, 0.01),
		),
		{
			Function: ReadInputRegisters,
			Start:    0x3200,
			Count:    3,
			Table: fields.Table{MinLen: 6, Fields: []fields.Field{
				epsolar("battery_status", "", 0x0, 1, fields.Unsigned, 1),
				epsolar("charging_status", "", 0x1, 1, fields.Unsigned, 1),
				epsolar("discharging_status", "", 0x2, 1, fields.Unsigned, 1),
			}},
			Flags: []Flag{{Name: "battery_resistance_error", Register: 0, Mask: 0x0100}},
		},
		block(ReadInputRegisters, 0x3300, 0x1C,
			epsolar("max_pv_voltage_today", "V", 0x0, 1, fields.Unsigned, 0.01),
			epsolar("min_pv_voltage_today", "V", 0x1, 1, fields.Unsigned, 0.01),
			epsolar("max_battery_voltage_today", "V", 0x2, 1, fields.Unsigned, 0.01),
			epsolar("min_battery_voltage_today", "V", 0x3, 1, fields.Unsigned, 0.01),
			epsolar("consumed_energy_today", "kWh", 0x4, 2, fields.Unsigned, 0.01),
			epsolar("consumed_energy_month", "kWh", 0x6, 2, fields.Unsigned, 0.01),
			epsolar("consumed_energy_year", "kWh", 0x8, 2, fields.Unsigned, 0.01),
			epsolar("consumed_energy_total", "kWh", 0xA, 1, fields.Unsigned, 0.01),
			epsolar("generated_energy_today", "kWh", 0xC, 2, fields.Unsigned, 0.01),
			epsolar("generated_energy_month", "kWh", 0xE, 2, fields.Unsigned, 0.01),
			epsolar("generated_energy_year", "kWh", 0x10, 2, fields.Unsigned, 0.01),
			epsolar("generated_energy_total", "kWh", 0x12, 2, fields.Unsigned, 0.01),
			epsolar("co2_reduction", "kg", 0x14, 1, fields.Unsigned, 10),
			epsolar("battery_voltage", "V", 0x1A, 1, fields.Unsigned, 0.01),
			epsolar("battery_current", "A", 0x1B, 1, fields.Signed, 0.01),
		),
	},
}

func epsolar(name, unit string, index, words int, kind fields.Kind, scale float64) fields.Field {
	return reg(name, unit, index, kind, words, fields.LowWordFirst, scale)
}

// Selec energy meters: IEEE-754 floats with the low word first.
var Selec = Vendor{
	Name: "selec",
	Blocks: []Block{block(ReadInputRegisters, 0, 34,
		selec("total_active_energy", "kWh", 0x00),
		selec("import_active_energy", "kWh", 0x02),
		selec("export_active_energy", "kWh", 0x04),
		selec("total_reactive_energy", "kVArh", 0x06),
		selec("import_reactive_energy", "kVArh", 0x08),
		selec("export_reactive_energy", "kVArh", 0x0A),
		selec("apparent_energy", "kVAh", 0x0C),
		selec("active_power", "W", 0x0E),
		selec("reactive_power", "VAr", 0x10),
		selec("apparent_power", "VA", 0x12),
		selec("voltage", "V", 0x14),
		selec("current", "A", 0x16),
		selec("power_factor", "", 0x18),
		selec("frequency", "Hz", 0x1A),
		selec("maximum_demand_active_power", "kW", 0x1C),
		selec("maximum_demand_reactive_power", "kVAr", 0x1E),
		selec("maximum_demand_apparent_power", "kVA", 0x20),
	)},
}

func selec(name, unit string, index int) fields.Field {
	return reg(name, unit, index, fields.Float32, 2, fields.LowWordFirst, 1)
}

var vendors = map[string]*Vendor{
	Havells.Name: &Havells,
	EPSolar.Name: &EPSolar,
	Selec.Name:   &Selec,
}

// LookupVendor returns the register map registered under name.
func LookupVendor(name string) (*Vendor, error) {
	v, ok := vendors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVendor, name)
	}
	return v, nil
}

// VendorNames lists the known vendors, sorted.
func VendorNames() []string {
	names := make([]string, 0, len(vendors))
	for name := range vendors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Device polls the blocks of one vendor map from one slave, one request at
// a time.
type Device struct {
	Address byte
	vendor  *Vendor
	next    int
	pending *Block
	log     *zap.Logger
}

// NewDevice creates a poller for the slave at address.
func NewDevice(address byte, vendor *Vendor, log *zap.Logger) *Device {
	if log == nil {
		log = logging.Named("modbus")
	}
	return &Device{Address: address, vendor: vendor, log: log.With(zap.String("vendor", vendor.Name))}
}

// NextRequest returns the read request for the next block in the cycle.
func (d *Device) NextRequest() []byte {
	if d.pending != nil {
		d.log.Warn("No response", zap.Uint16("start", d.pending.Start))
	}
	b := &d.vendor.Blocks[d.next]
	d.next = (d.next + 1) % len(d.vendor.Blocks)
	d.pending = b
	return ReadRequest(d.Address, b.Function, b.Start, b.Count)
}

// Process decodes the response to the outstanding request and publishes
// every field of its block.
func (d *Device) Process(r *Response, sink stream.Sink) error {
	b := d.pending
	if b == nil {
		return fmt.Errorf("%w: no request outstanding", ErrUnexpected)
	}
	d.pending = nil
	if err := r.Err(); err != nil {
		d.log.Warn("Exception response", zap.Error(err))
		return err
	}
	if r.Address != d.Address || r.Function != b.Function {
		return fmt.Errorf("%w: address %d function 0x%02X", ErrUnexpected, r.Address, r.Function)
	}
	if len(r.Data) < int(b.Count)*2 {
		d.log.Warn("Invalid size", zap.Int("got", len(r.Data)), zap.Int("want", int(b.Count)*2))
		return fmt.Errorf("%w: %d bytes, want %d", ErrShortResponse, len(r.Data), int(b.Count)*2)
	}

	values, err := b.Table.Decode(r.Data)
	if err != nil {
		return err
	}
	pub := stream.NewPublisher(sink, d.log)
	for _, v := range values {
		pub.Publish(stream.NumberReading(v.Field.Name, v.Field.Unit, v.Value))
	}
	for _, f := range b.Flags {
		word := fields.Uint16(r.Data[f.Register*2:], fields.BigEndian)
		pub.Publish(stream.BoolReading(f.Name, word&f.Mask != 0))
	}
	return nil
}
