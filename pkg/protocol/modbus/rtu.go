// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package modbus implements the master side of Modbus RTU: request
// building, a byte-at-a-time response framer and the register maps of a
// few vendor devices.
package modbus

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/logging"
	"github.com/Thermoquad/wiredecode/pkg/checksum"
	"github.com/Thermoquad/wiredecode/pkg/framebuf"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

// Function codes
const (
	ReadCoils              = 0x01
	ReadDiscreteInputs     = 0x02
	ReadHoldingRegisters   = 0x03
	ReadInputRegisters     = 0x04
	WriteSingleCoil        = 0x05
	WriteSingleRegister    = 0x06
	WriteMultipleRegisters = 0x10

	ExceptionFlag = 0x80
)

const (
	MaxFrameSize = 256
	crcSize      = 2
	StaleTimeout = 50 * time.Millisecond
)

var exceptionNames = map[byte]string{
	0x01: "illegal function",
	0x02: "illegal data address",
	0x03: "illegal data value",
	0x04: "slave device failure",
	0x05: "acknowledge",
	0x06: "slave device busy",
	0x08: "memory parity error",
	0x0A: "gateway path unavailable",
	0x0B: "gateway target failed to respond",
}

// ExceptionError is a well-formed exception response from a slave.
type ExceptionError struct {
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	name, ok := exceptionNames[e.Code]
	if !ok {
		name = "unknown"
	}
	return fmt.Sprintf("modbus exception 0x%02X (%s) for function 0x%02X", e.Code, name, e.Function)
}

// ReadRequest builds a read request for count registers (or coils) at start.
func ReadRequest(address, function byte, start, count uint16) []byte {
	return checksum.AppendModbus([]byte{
		address, function,
		byte(start >> 8), byte(start),
		byte(count >> 8), byte(count),
	})
}

// WriteRegisterRequest builds a single register write.
func WriteRegisterRequest(address byte, register, value uint16) []byte {
	return checksum.AppendModbus([]byte{
		address, WriteSingleRegister,
		byte(register >> 8), byte(register),
		byte(value >> 8), byte(value),
	})
}

// Response is one CRC-valid frame from a slave. Data holds the payload
// after the byte count for read functions, the echoed address and value
// for writes. Exception is non-zero for exception responses.
type Response struct {
	Address   byte
	Function  byte
	Data      []byte
	Exception byte
}

// Err returns the exception carried by r, if any.
func (r *Response) Err() error {
	if r.Exception == 0 {
		return nil
	}
	return &ExceptionError{Function: r.Function, Code: r.Exception}
}

const (
	stateAddress = iota
	stateFunction
	stateByteCount
	stateBody
)

// Decoder frames responses from one slave address. Bytes that do not start
// with the expected address are skipped.
type Decoder struct {
	address byte
	state   int
	need    int // total frame length once known
	buf     *framebuf.Buffer
	log     *zap.Logger
}

// NewDecoder creates a framer for responses from address.
func NewDecoder(address byte, log *zap.Logger) *Decoder {
	if log == nil {
		log = logging.Named("modbus")
	}
	return &Decoder{address: address, buf: framebuf.New(MaxFrameSize), log: log}
}

// Reset drops any partial frame.
func (d *Decoder) Reset() {
	d.state = stateAddress
	d.need = 0
	d.buf.Reset()
}

// Pending reports whether a partial frame is buffered.
func (d *Decoder) Pending() bool {
	return d.state != stateAddress
}

// push appends b, dropping the partial frame on overflow.
func (d *Decoder) push(b byte) error {
	if err := d.buf.Append(b); err != nil {
		d.Reset()
		return stream.Wrap(stream.KindLength, err, "frame")
	}
	return nil
}

// DecodeByte feeds one byte.
func (d *Decoder) DecodeByte(b byte) (*Response, error) {
	switch d.state {
	case stateAddress:
		if b != d.address {
			return nil, nil
		}
		if err := d.push(b); err != nil {
			return nil, err
		}
		d.state = stateFunction
		return nil, nil

	case stateFunction:
		if err := d.push(b); err != nil {
			return nil, err
		}
		switch {
		case b&ExceptionFlag != 0:
			d.need = 3 + crcSize
			d.state = stateBody
		case b >= ReadCoils && b <= ReadInputRegisters:
			d.state = stateByteCount
		case b == WriteSingleCoil || b == WriteSingleRegister || b == WriteMultipleRegisters:
			d.need = 6 + crcSize
			d.state = stateBody
		default:
			d.Reset()
			return nil, stream.Errorf(stream.KindInvalid, "function 0x%02X", b)
		}
		return nil, nil

	case stateByteCount:
		if err := d.push(b); err != nil {
			return nil, err
		}
		d.need = 3 + int(b) + crcSize
		if d.need > MaxFrameSize {
			d.Reset()
			return nil, stream.Errorf(stream.KindLength, "byte count %d", b)
		}
		d.state = stateBody
		return nil, nil
	}

	if err := d.push(b); err != nil {
		return nil, err
	}
	if d.buf.Len() < d.need {
		return nil, nil
	}

	frame := d.buf.Clone()
	d.Reset()
	if !checksum.CheckModbus(frame) {
		d.log.Debug("CRC mismatch", logging.Hex("frame", frame))
		return nil, stream.Errorf(stream.KindChecksum, "CRC mismatch")
	}
	r := &Response{Address: frame[0], Function: frame[1] &^ ExceptionFlag}
	body := frame[2 : len(frame)-crcSize]
	switch {
	case frame[1]&ExceptionFlag != 0:
		r.Exception = body[0]
	case r.Function <= ReadInputRegisters:
		r.Data = body[1:]
	default:
		r.Data = body
	}
	return r, nil
}
