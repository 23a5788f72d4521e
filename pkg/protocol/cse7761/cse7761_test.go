// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cse7761

import (
	"errors"
	"io"
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/pkg/fields"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

// ============================================================
// Fake Chip
// ============================================================

var regSize = map[byte]int{
	RegSYSCON: 2, RegRMSU: 3, RegRMSIA: 3, RegRMSIB: 3,
	RegPOWERPA: 4, RegPOWERPB: 4, RegSYSSTATUS: 1, RegCOEFFCHKSUM: 2,
}

type fakeChip struct {
	regs    map[byte]uint32
	writes  [][]byte
	out     []byte
	corrupt int // responses still to send with a bad checksum
}

func newFakeChip() *fakeChip {
	regs := map[byte]uint32{
		RegSYSCON:    SysconDefault,
		RegSYSSTATUS: 0x10,
		RegRMSU:      9854 * 230,
		RegRMSIA:     160570 * 2,
		RegPOWERPA:   twos(-48243 * 460),
		RegRMSIB:     1000,
		RegPOWERPB:   12345,
	}
	for i := byte(0); i < coeffCount; i++ {
		regs[RegRMSIAC+i] = 0
	}
	return &fakeChip{regs: regs}
}

func twos(v int32) uint32 { return uint32(v) }

func notSum(b ...byte) byte {
	var s byte
	for _, c := range b {
		s += c
	}
	return ^s
}

func (f *fakeChip) Write(p []byte) (int, error) {
	if len(p) == 2 && p[0] == Head {
		reg := p[1]
		size, ok := regSize[reg]
		if !ok {
			size = 2
		}
		data := make([]byte, size)
		v := f.regs[reg]
		for i := size - 1; i >= 0; i-- {
			data[i] = byte(v)
			v >>= 8
		}
		cs := ResponseChecksum(reg, data)
		if f.corrupt > 0 {
			f.corrupt--
			cs++
		}
		f.out = append(append(f.out, data...), cs)
		return len(p), nil
	}
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeChip) Read(p []byte) (int, error) {
	if len(f.out) == 0 {
		return 0, io.EOF
	}
	n := copy(p, f.out)
	f.out = f.out[n:]
	return n, nil
}

func (f *fakeChip) Drain() int {
	n := len(f.out)
	f.out = nil
	return n
}

// ============================================================
// Frame Tests
// ============================================================

func TestWriteRequest(t *testing.T) {
	tests := []struct {
		name string
		reg  byte
		data uint16
		want []byte
	}{
		{"reset", RegSpecial, CmdReset, []byte{0xA5, 0xEA, 0x96, notSum(0xA5, 0xEA, 0x96)}},
		{"two bytes", RegSYSCON | 0x80, 0xFF04, []byte{0xA5, 0x80, 0xFF, 0x04, notSum(0xA5, 0x80, 0xFF, 0x04)}},
		{"bare", RegSYSCON, 0, []byte{0xA5, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WriteRequest(tt.reg, tt.data)
			if string(got) != string(tt.want) {
				t.Errorf("got % X, want % X", got, tt.want)
			}
		})
	}
}

func TestParseResponse(t *testing.T) {
	data := []byte{0x0A, 0x04}
	resp := append(data, ResponseChecksum(RegSYSCON, data))
	v, err := ParseResponse(RegSYSCON, resp)
	if err != nil || v != 0x0A04 {
		t.Fatalf("got 0x%X, %v", v, err)
	}
	for bit := 0; bit < 8; bit++ {
		bad := append([]byte(nil), resp...)
		bad[2] ^= 1 << bit
		if _, err := ParseResponse(RegSYSCON, bad); !errors.Is(err, ErrChecksum) {
			t.Errorf("bit %d: %v", bit, err)
		}
	}
	if _, err := ParseResponse(RegSYSCON, []byte{0x01}); err == nil {
		t.Error("short response accepted")
	}
}

// ============================================================
// Range Rule Tests
// ============================================================

func TestReservedRangeReadsZero(t *testing.T) {
	for _, v := range []uint32{0x800000, 0x800001, 0xFFFFFF, 0xC00000} {
		if VoltageRaw(v) != 0 {
			t.Errorf("VoltageRaw(0x%06X) = %d, want 0", v, VoltageRaw(v))
		}
		if CurrentRaw(v) != 0 {
			t.Errorf("CurrentRaw(0x%06X) = %d, want 0", v, CurrentRaw(v))
		}
		// the generic 24-bit rule would have made it negative
		if fields.SignExtend24(v) >= 0 {
			t.Errorf("SignExtend24(0x%06X) should be negative", v)
		}
	}
	if VoltageRaw(0x7FFFFF) != 0x7FFFFF {
		t.Error("largest valid voltage count altered")
	}
}

func TestNoLoadThreshold(t *testing.T) {
	if CurrentRaw(1599) != 0 {
		t.Error("1599 should be below the no-load threshold")
	}
	if CurrentRaw(1600) != 1600 {
		t.Error("1600 should pass")
	}
}

func TestPowerRaw(t *testing.T) {
	neg := uint32(0xFFFFFF9C) // -100
	if PowerRaw(neg, 5000) != 100 {
		t.Errorf("PowerRaw(-100) = %d", PowerRaw(neg, 5000))
	}
	if PowerRaw(neg, 0) != 0 {
		t.Error("power without current should be 0")
	}
}

// ============================================================
// Client Tests
// ============================================================

func TestClient_SetupAndUpdate(t *testing.T) {
	chip := newFakeChip()
	c := NewClient(chip, Config{Logger: zap.NewNop()})
	if err := c.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if c.Coefficients() != DefaultCoefficients() {
		t.Errorf("coefficients = %+v", c.Coefficients())
	}
	if len(chip.writes) == 0 || string(chip.writes[0]) != string(WriteRequest(RegSpecial, CmdReset)) {
		t.Errorf("first write = % X, want reset", chip.writes[0])
	}

	var sink stream.Collector
	m, err := c.Update(&sink)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(m.Voltage-230) > 1e-9 {
		t.Errorf("voltage = %f", m.Voltage)
	}
	if math.Abs(m.Current[ChannelA]-2) > 1e-9 || math.Abs(m.Power[ChannelA]-460) > 1e-9 {
		t.Errorf("channel a = %f A %f W", m.Current[ChannelA], m.Power[ChannelA])
	}
	if m.Current[ChannelB] != 0 || m.Power[ChannelB] != 0 {
		t.Errorf("channel b below threshold = %f A %f W", m.Current[ChannelB], m.Power[ChannelB])
	}
	if sink.Len() != 5 {
		t.Errorf("published %d readings, want 5", sink.Len())
	}
}

func TestClient_ChipIDFailure(t *testing.T) {
	chip := newFakeChip()
	chip.regs[RegSYSCON] = 0x1234
	c := NewClient(chip, Config{Logger: zap.NewNop()})
	if err := c.Setup(); !errors.Is(err, ErrChipID) {
		t.Fatalf("Setup = %v, want ErrChipID", err)
	}
	if _, err := c.Update(nil); !errors.Is(err, ErrFailed) {
		t.Errorf("Update after failed setup = %v", err)
	}

	// re-initialization recovers
	chip.regs[RegSYSCON] = SysconDefault
	if err := c.Setup(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Update(nil); err != nil {
		t.Error(err)
	}
}

func TestClient_WriteLocked(t *testing.T) {
	chip := newFakeChip()
	chip.regs[RegSYSSTATUS] = 0
	c := NewClient(chip, Config{Logger: zap.NewNop()})
	if err := c.Setup(); !errors.Is(err, ErrWriteLock) {
		t.Errorf("Setup = %v, want ErrWriteLock", err)
	}
}

func TestClient_ReadRetries(t *testing.T) {
	chip := newFakeChip()
	c := NewClient(chip, Config{Logger: zap.NewNop()})

	chip.corrupt = 2
	v, err := c.ReadRegister(RegSYSCON, 2)
	if err != nil || v != SysconDefault {
		t.Errorf("third attempt should succeed: 0x%X %v", v, err)
	}

	chip.corrupt = 3
	if _, err := c.ReadRegister(RegSYSCON, 2); !errors.Is(err, ErrChecksum) {
		t.Errorf("three bad responses: %v", err)
	}
}

func TestClient_StaleInputDiscarded(t *testing.T) {
	chip := newFakeChip()
	c := NewClient(chip, Config{Logger: zap.NewNop()})
	if err := c.Setup(); err != nil {
		t.Fatal(err)
	}

	// A late byte left on the line must not shift the following replies
	chip.out = append(chip.out, 0x00)
	for i := 0; i < 5; i++ {
		v, err := c.ReadRegister(RegRMSU, 3)
		if err != nil || v != 9854*230 {
			t.Fatalf("read %d: 0x%X %v, want 0x%X", i, v, err, 9854*230)
		}
	}
	if len(chip.out) != 0 {
		t.Errorf("%d bytes left unread", len(chip.out))
	}
}

func TestClient_StoredCalibration(t *testing.T) {
	chip := newFakeChip()
	chip.regs[RegRMSIAC+coeffRmsIAC] = 50000
	chip.regs[RegRMSIAC+coeffRmsUC] = 40000
	chip.regs[RegRMSIAC+coeffPowerPAC] = 45000
	sum := uint16(0xFFFF)
	for _, v := range []uint16{50000, 40000, 45000} {
		sum += v
	}
	chip.regs[RegCOEFFCHKSUM] = uint32(^sum)

	c := NewClient(chip, Config{Coefficients: Coefficients{Power: 44000}, Logger: zap.NewNop()})
	if err := c.Setup(); err != nil {
		t.Fatal(err)
	}
	want := Coefficients{Voltage: 40000, Current: 50000, Power: 44000}
	if c.Coefficients() != want {
		t.Errorf("coefficients = %+v, want %+v", c.Coefficients(), want)
	}
}
