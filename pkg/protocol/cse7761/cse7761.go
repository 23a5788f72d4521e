// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package cse7761 talks to the CSE7761 dual channel energy metering chip
// over its register query/response UART protocol (38400 8E1). Every
// request starts with 0xA5; responses carry big-endian register data and
// the complemented additive checksum ~(0xA5 + reg + sum(data)).
package cse7761

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/logging"
	"github.com/Thermoquad/wiredecode/pkg/checksum"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

// Protocol constants
const (
	Head = 0xA5

	RegSYSCON      = 0x00
	RegEMUCON      = 0x01
	RegEMUCON2     = 0x13
	RegPULSE1SEL   = 0x1D
	RegRMSIA       = 0x24
	RegRMSIB       = 0x25
	RegRMSU        = 0x26
	RegPOWERPA     = 0x2E
	RegPOWERPB     = 0x2F
	RegSYSSTATUS   = 0x43
	RegCOEFFCHKSUM = 0x6F
	RegRMSIAC      = 0x70

	RegSpecial     = 0xEA
	CmdReset       = 0x96
	CmdEnableWrite = 0xE5
	CmdCloseWrite  = 0xDC

	writeFlag = 0x80

	// SysconDefault is the SYSCON value after reset.
	SysconDefault = 0x0A04

	// Sonoff Dual R3 reference coefficients
	UREF = 42563
	IREF = 52241
	PREF = 44513

	// NoLoadThreshold is the raw current below which a channel reads 0.
	NoLoadThreshold = 1600
	invalidRMS      = 0x800000

	readAttempts = 3
)

// Calibration coefficient indexes, in register order from RegRMSIAC.
const (
	coeffRmsIAC = iota
	coeffRmsIBC
	coeffRmsUC
	coeffPowerPAC
	coeffPowerPBC
	coeffPowerSC
	coeffEnergyAC
	coeffEnergyBC
	coeffCount
)

var (
	// ErrChipID means SYSCON did not read back as SysconDefault.
	ErrChipID = errors.New("cse7761: chip identification failed")
	// ErrFailed is returned until Setup succeeds.
	ErrFailed    = errors.New("cse7761: component failed")
	ErrChecksum  = errors.New("cse7761: response checksum mismatch")
	ErrWriteLock = errors.New("cse7761: protected registers not writable")
)

// Channel is one of the two current channels.
type Channel int

const (
	ChannelA Channel = iota
	ChannelB
)

func (c Channel) String() string {
	if c == ChannelB {
		return "b"
	}
	return "a"
}

// ReadRequest builds the two-byte register read command.
func ReadRequest(reg byte) []byte {
	return []byte{Head, reg}
}

// WriteRequest builds a register write. Zero data sends the bare command,
// values below 0xFF one data byte, larger values two bytes big-endian.
func WriteRequest(reg byte, data uint16) []byte {
	buf := []byte{Head, reg}
	if data == 0 {
		return buf
	}
	if data < 0xFF {
		buf = append(buf, byte(data))
	} else {
		buf = append(buf, byte(data>>8), byte(data))
	}
	return append(buf, ^checksum.Sum8(buf))
}

// ResponseChecksum is the checksum byte that follows size data bytes.
func ResponseChecksum(reg byte, data []byte) byte {
	return checksum.Sum8Complement(Head+reg, data)
}

// ParseResponse validates a response of data bytes plus checksum and
// returns the big-endian register value.
func ParseResponse(reg byte, resp []byte) (uint32, error) {
	if len(resp) < 2 || len(resp) > 5 {
		return 0, fmt.Errorf("cse7761: response length %d", len(resp))
	}
	data := resp[:len(resp)-1]
	if got, want := resp[len(resp)-1], ResponseChecksum(reg, data); got != want {
		return 0, fmt.Errorf("%w: reg 0x%02X got 0x%02X want 0x%02X", ErrChecksum, reg, got, want)
	}
	var v uint32
	for _, b := range data {
		v = v<<8 | uint32(b)
	}
	return v, nil
}

// VoltageRaw applies the reserved-range rule to an RMS voltage count.
func VoltageRaw(v uint32) uint32 {
	if v >= invalidRMS {
		return 0
	}
	return v
}

// CurrentRaw applies the reserved-range rule and the no-load threshold to
// an RMS current count.
func CurrentRaw(v uint32) uint32 {
	if v >= invalidRMS || v < NoLoadThreshold {
		return 0
	}
	return v
}

// PowerRaw converts a two's complement active power count to its
// magnitude. A channel without current has no power.
func PowerRaw(v uint32, current uint32) uint32 {
	if current == 0 {
		return 0
	}
	p := int64(int32(v))
	if p < 0 {
		p = -p
	}
	return uint32(p)
}

// Coefficients are the calibration references.
type Coefficients struct {
	Voltage uint32
	Current uint32
	Power   uint32
}

// DefaultCoefficients returns the reference calibration.
func DefaultCoefficients() Coefficients {
	return Coefficients{Voltage: UREF, Current: IREF, Power: PREF}
}

func (c Coefficients) voltageDivisor() float64 {
	return float64(uint32(0x400000*100) / c.Voltage)
}

func (c Coefficients) currentDivisor() float64 {
	return float64((uint32(0x800000*100) / c.Current) * 10)
}

func (c Coefficients) powerDivisor() float64 {
	return float64(uint32(0x80000000) / c.Power)
}

// Raw holds one cycle of register reads after the invalid-range rules.
type Raw struct {
	Voltage uint32
	Current [2]uint32
	Power   [2]uint32
}

// Measurement is one converted cycle.
type Measurement struct {
	Voltage float64
	Current [2]float64
	Power   [2]float64
}

// Convert scales raw counts to volts, amperes and watts.
func Convert(raw Raw, coeff Coefficients) Measurement {
	m := Measurement{Voltage: float64(raw.Voltage) / coeff.voltageDivisor()}
	for ch := 0; ch < 2; ch++ {
		m.Current[ch] = float64(raw.Current[ch]) / coeff.currentDivisor()
		m.Power[ch] = float64(raw.Power[ch]) / coeff.powerDivisor()
	}
	return m
}

// Config configures a Client.
type Config struct {
	// Coefficients override the chip's stored calibration when non-zero.
	Coefficients Coefficients
	Logger       *zap.Logger
}

// Drainer is implemented by ports that can drop input already received.
type Drainer interface {
	Drain() int
}

// Client owns the UART to one chip. The port must return from Read after
// its timeout so a missing response surfaces as a short read. Ports that
// implement Drainer have stale input dropped before every request, so a
// late reply cannot shift the next response.
type Client struct {
	rw       io.ReadWriter
	override Coefficients
	coeff    Coefficients
	ready    bool
	log      *zap.Logger
}

// NewClient creates a client. Call Setup before Update.
func NewClient(rw io.ReadWriter, cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = logging.Named("cse7761")
	}
	return &Client{rw: rw, override: cfg.Coefficients, coeff: DefaultCoefficients(), log: log}
}

func (c *Client) readOnce(reg byte, size int) (uint32, error) {
	if d, ok := c.rw.(Drainer); ok {
		if n := d.Drain(); n > 0 {
			c.log.Debug("Discarded stale input", zap.Uint8("reg", reg), zap.Int("bytes", n))
		}
	}
	if _, err := c.rw.Write(ReadRequest(reg)); err != nil {
		return 0, err
	}
	resp := make([]byte, size+1)
	if _, err := io.ReadFull(c.rw, resp); err != nil {
		return 0, fmt.Errorf("cse7761: reg 0x%02X: %w", reg, err)
	}
	return ParseResponse(reg, resp)
}

// ReadRegister reads a size-byte register, retrying on failure.
func (c *Client) ReadRegister(reg byte, size int) (uint32, error) {
	var err error
	for attempt := 0; attempt < readAttempts; attempt++ {
		var v uint32
		if v, err = c.readOnce(reg, size); err == nil {
			return v, nil
		}
		c.log.Debug("Register read failed", zap.Uint8("reg", reg), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return 0, err
}

// WriteRegister writes a register or special command.
func (c *Client) WriteRegister(reg byte, data uint16) error {
	_, err := c.rw.Write(WriteRequest(reg, data))
	return err
}

// Setup resets the chip, checks SYSCON and loads calibration. On failure
// the client stays failed until Setup is called again.
func (c *Client) Setup() error {
	c.ready = false
	if err := c.WriteRegister(RegSpecial, CmdReset); err != nil {
		return err
	}
	syscon, err := c.ReadRegister(RegSYSCON, 2)
	if err != nil {
		c.log.Error("SYSCON read failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrChipID, err)
	}
	if syscon != SysconDefault {
		c.log.Error("Unexpected SYSCON", zap.String("syscon", fmt.Sprintf("0x%04X", syscon)))
		return fmt.Errorf("%w: SYSCON 0x%04X", ErrChipID, syscon)
	}
	if err := c.initChip(); err != nil {
		return err
	}
	c.ready = true
	c.log.Info("CSE7761 ready",
		zap.Uint32("voltage_coeff", c.coeff.Voltage),
		zap.Uint32("current_coeff", c.coeff.Current),
		zap.Uint32("power_coeff", c.coeff.Power))
	return nil
}

func (c *Client) initChip() error {
	var stored [coeffCount]uint32
	sum := uint16(0xFFFF)
	for i := range stored {
		v, err := c.ReadRegister(RegRMSIAC+byte(i), 2)
		if err != nil {
			return err
		}
		stored[i] = v
		sum += uint16(v)
	}
	sum = ^sum
	stored16, err := c.ReadRegister(RegCOEFFCHKSUM, 2)
	if err != nil {
		return err
	}
	if uint16(stored16) != sum || sum == 0 {
		c.log.Debug("Default calibration")
		c.coeff = DefaultCoefficients()
	} else {
		c.coeff = Coefficients{
			Voltage: stored[coeffRmsUC],
			Current: stored[coeffRmsIAC],
			Power:   stored[coeffPowerPAC],
		}
	}
	if c.override.Voltage != 0 {
		c.coeff.Voltage = c.override.Voltage
	}
	if c.override.Current != 0 {
		c.coeff.Current = c.override.Current
	}
	if c.override.Power != 0 {
		c.coeff.Power = c.override.Power
	}

	if err := c.WriteRegister(RegSpecial, CmdEnableWrite); err != nil {
		return err
	}
	status, err := c.ReadRegister(RegSYSSTATUS, 1)
	if err != nil {
		return err
	}
	if status&0x10 == 0 {
		return ErrWriteLock
	}
	for _, w := range []struct {
		reg  byte
		data uint16
	}{
		{RegSYSCON, 0xFF04},
		{RegEMUCON, 0x1183},
		{RegEMUCON2, 0x0FC1},
		{RegPULSE1SEL, 0x3290},
	} {
		if err := c.WriteRegister(w.reg|writeFlag, w.data); err != nil {
			return err
		}
	}
	return c.WriteRegister(RegSpecial, CmdCloseWrite)
}

// Coefficients returns the calibration in use.
func (c *Client) Coefficients() Coefficients {
	return c.coeff
}

// ReadRaw reads one cycle of registers.
func (c *Client) ReadRaw() (Raw, error) {
	var raw Raw
	v, err := c.ReadRegister(RegRMSU, 3)
	if err != nil {
		return raw, err
	}
	raw.Voltage = VoltageRaw(v)

	regs := [2][2]byte{{RegRMSIA, RegPOWERPA}, {RegRMSIB, RegPOWERPB}}
	for ch, r := range regs {
		if v, err = c.ReadRegister(r[0], 3); err != nil {
			return raw, err
		}
		raw.Current[ch] = CurrentRaw(v)
		if v, err = c.ReadRegister(r[1], 4); err != nil {
			return raw, err
		}
		raw.Power[ch] = PowerRaw(v, raw.Current[ch])
	}
	return raw, nil
}

// Update reads and publishes one cycle.
func (c *Client) Update(sink stream.Sink) (Measurement, error) {
	if !c.ready {
		return Measurement{}, ErrFailed
	}
	raw, err := c.ReadRaw()
	if err != nil {
		return Measurement{}, err
	}
	m := Convert(raw, c.coeff)
	pub := stream.NewPublisher(sink, c.log)
	pub.Publish(stream.NumberReading("voltage", "V", m.Voltage))
	for _, ch := range []Channel{ChannelA, ChannelB} {
		pub.Publish(stream.NumberReading("current_"+ch.String(), "A", m.Current[ch]))
		pub.Publish(stream.NumberReading("power_"+ch.String(), "W", m.Power[ch]))
	}
	return m, nil
}
