// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package mr24 implements the Seeed MR24HPB1 24 GHz presence radar protocol.
//
// Packet layout, all multi-byte header fields little-endian:
//
//	0x55 | LenL LenH | Function | Address1 | Address2 | Data... | CRC16
//
// The length counts the whole packet including the start byte and CRC.
// The CRC is CRC-16/MODBUS over everything before it, sent low byte first.
package mr24

import (
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/logging"
	"github.com/Thermoquad/wiredecode/pkg/checksum"
	"github.com/Thermoquad/wiredecode/pkg/framebuf"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

// Packet constants
const (
	StartByte     = 0x55
	Overhead      = 8
	MaxPacketSize = 64

	StaleTimeout = time.Second
)

// Function codes
const (
	FuncRead      byte = 0x01
	FuncWrite     byte = 0x02
	FuncPassive   byte = 0x03
	FuncProactive byte = 0x04
	FuncSleep     byte = 0x05
	FuncFall      byte = 0x06
)

// Address code 1 groups
const (
	AddrModuleID   byte = 0x01
	AddrRadarInfo  byte = 0x03
	AddrSystemInfo byte = 0x04
	AddrOtherInfo  byte = 0x05
)

// Address code 2 values
const (
	// AddrModuleID
	InfoDeviceID        byte = 0x01
	InfoSoftwareVersion byte = 0x02
	InfoHardwareVersion byte = 0x03
	InfoProtocolVersion byte = 0x04

	// AddrRadarInfo
	RadarEnvironment byte = 0x05
	RadarMovement    byte = 0x06
	RadarApproach    byte = 0x07

	// AddrSystemInfo
	SystemThresholdGear    byte = 0x0C
	SystemSceneSetting     byte = 0x10
	SystemForcedUnoccupied byte = 0x12

	// AddrOtherInfo
	OtherHeartbeat     byte = 0x01
	OtherAbnormalReset byte = 0x02

	// FuncFall
	FallAlarm byte = 0x01
)

// Packet is one CRC-valid radar packet.
type Packet struct {
	Function byte
	Address1 byte
	Address2 byte
	Data     []byte
}

// Marshal builds the wire form of p.
func Marshal(p Packet) []byte {
	size := len(p.Data) + Overhead
	out := make([]byte, 0, size)
	out = append(out, StartByte, byte(size), byte(size>>8), p.Function, p.Address1, p.Address2)
	out = append(out, p.Data...)
	return checksum.AppendModbus(out)
}

// ReadRequest builds a read command for one address pair.
func ReadRequest(addr1, addr2 byte) []byte {
	return Marshal(Packet{Function: FuncRead, Address1: addr1, Address2: addr2})
}

// WriteRequest builds a write command.
func WriteRequest(addr1, addr2 byte, data ...byte) []byte {
	return Marshal(Packet{Function: FuncWrite, Address1: addr1, Address2: addr2, Data: data})
}

// Decoder locates and validates packets in the byte stream.
type Decoder struct {
	buf    *framebuf.Buffer
	length int
	log    *zap.Logger
}

// NewDecoder creates a decoder. A nil logger uses the package logger.
func NewDecoder(log *zap.Logger) *Decoder {
	if log == nil {
		log = logging.Named("mr24")
	}
	return &Decoder{buf: framebuf.New(MaxPacketSize), log: log}
}

// Reset drops any partial packet.
func (d *Decoder) Reset() {
	d.buf.Reset()
	d.length = 0
}

// Pending reports whether a partial packet is buffered.
func (d *Decoder) Pending() bool {
	return d.buf.Len() > 0
}

// DecodeByte feeds one byte.
func (d *Decoder) DecodeByte(b byte) (*Packet, error) {
	if d.buf.Len() == 0 && b != StartByte {
		return nil, nil
	}
	if err := d.buf.Append(b); err != nil {
		d.Reset()
		return nil, stream.Wrap(stream.KindLength, err, "packet")
	}

	n := d.buf.Len()
	if n == 3 {
		raw := d.buf.Bytes()
		d.length = int(raw[1]) | int(raw[2])<<8
		if d.length < Overhead || d.length > MaxPacketSize {
			length := d.length
			d.Reset()
			return nil, stream.Errorf(stream.KindLength, "packet length %d", length)
		}
	}
	if d.length == 0 || n < d.length {
		return nil, nil
	}

	raw := d.buf.Bytes()
	if !checksum.CheckModbus(raw) {
		d.log.Warn("CRC checksum failed, discarding received packet", logging.Hex("packet", raw))
		d.Reset()
		return nil, stream.Errorf(stream.KindChecksum, "CRC mismatch")
	}
	p := &Packet{Function: raw[3], Address1: raw[4], Address2: raw[5]}
	if d.length > Overhead {
		p.Data = append([]byte(nil), raw[6:d.length-2]...)
	}
	d.Reset()
	return p, nil
}
