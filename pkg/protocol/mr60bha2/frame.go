// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package mr60bha2 decodes the Seeed MR60BHA2 (breathing and heartbeat) and
// MR60FDA2 (fall detection) 60 GHz radar frames. Both modules share one
// framing:
//
//	SOF(0x01) ID(2) LEN(2) TYPE(2) HCKSUM DATA(LEN) DCKSUM
//
// All header fields are big-endian. HCKSUM is the complemented XOR of the
// seven header bytes before it and DCKSUM the complemented XOR of DATA.
package mr60bha2

import (
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/logging"
	"github.com/Thermoquad/wiredecode/pkg/checksum"
	"github.com/Thermoquad/wiredecode/pkg/framebuf"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

// Frame constants
const (
	StartOfFrame = 0x01
	HeaderSize   = 8
	MaxDataSize  = 28
	MaxFrameSize = HeaderSize + MaxDataSize + 1

	StaleTimeout = time.Second
)

// Frame types
const (
	TypeBreathRate      uint16 = 0x0A14
	TypeHeartRate       uint16 = 0x0A15
	TypeDistance        uint16 = 0x0A16
	TypeFall            uint16 = 0x0E02
	TypeInstallHeight   uint16 = 0x0E04
	TypeParameters      uint16 = 0x0E06
	TypeHeightThreshold uint16 = 0x0E08
	TypeSensitivity     uint16 = 0x0E0A
	TypePeopleExist     uint16 = 0x0F09
	TypeReset           uint16 = 0x2110
)

var knownTypes = map[uint16]string{
	TypeBreathRate:      "breath_rate",
	TypeHeartRate:       "heart_rate",
	TypeDistance:        "distance",
	TypeFall:            "fall",
	TypeInstallHeight:   "install_height",
	TypeParameters:      "parameters",
	TypeHeightThreshold: "height_threshold",
	TypeSensitivity:     "sensitivity",
	TypePeopleExist:     "people_exist",
}

// TypeName returns a readable name for a frame type.
func TypeName(t uint16) string {
	if n, ok := knownTypes[t]; ok {
		return n
	}
	return "unknown"
}

// Frame is one checksum-valid radar frame.
type Frame struct {
	ID   uint16
	Type uint16
	Data []byte
}

// Decoder state machine states
const (
	stateHeader = iota
	stateID1
	stateID2
	stateLenHigh
	stateLenLow
	stateType1
	stateType2
	stateHeaderChecksum
	stateData
	stateDataChecksum
)

// Decoder locates and validates radar frames in the byte stream.
type Decoder struct {
	state  int
	buf    *framebuf.Buffer
	length int
	log    *zap.Logger
}

// NewDecoder creates a decoder. A nil logger uses the package logger.
func NewDecoder(log *zap.Logger) *Decoder {
	if log == nil {
		log = logging.Named("mr60bha2")
	}
	return &Decoder{buf: framebuf.New(MaxFrameSize), log: log}
}

// Reset returns to the header search.
func (d *Decoder) Reset() {
	d.state = stateHeader
	d.buf.Reset()
	d.length = 0
}

// Pending reports whether a partial frame is buffered.
func (d *Decoder) Pending() bool {
	return d.state != stateHeader
}

func (d *Decoder) fail(err *stream.FrameError) (*Frame, error) {
	d.log.Debug("frame discarded", zap.Error(err), logging.Hex("buffer", d.buf.Bytes()))
	d.Reset()
	return nil, err
}

// DecodeByte feeds one byte.
func (d *Decoder) DecodeByte(b byte) (*Frame, error) {
	switch d.state {
	case stateHeader:
		if b != StartOfFrame {
			return nil, nil
		}
	case stateLenHigh:
		if b != 0 {
			return d.fail(stream.Errorf(stream.KindLength, "length high byte 0x%02X", b))
		}
	case stateLenLow:
		if int(b) > MaxDataSize {
			return d.fail(stream.Errorf(stream.KindLength, "data length %d exceeds %d", b, MaxDataSize))
		}
		d.length = int(b)
	case stateType2:
		t := uint16(d.buf.Bytes()[5])<<8 | uint16(b)
		if _, ok := knownTypes[t]; !ok {
			return d.fail(stream.Errorf(stream.KindInvalid, "unknown frame type 0x%04X", t))
		}
	case stateHeaderChecksum:
		if want := checksum.XORComplement(d.buf.Bytes()); b != want {
			return d.fail(stream.Errorf(stream.KindChecksum, "header checksum 0x%02X, want 0x%02X", b, want))
		}
	case stateDataChecksum:
		data := d.buf.Bytes()[HeaderSize:]
		if want := checksum.XORComplement(data); b != want {
			return d.fail(stream.Errorf(stream.KindChecksum, "data checksum 0x%02X, want 0x%02X", b, want))
		}
	}

	if err := d.buf.Append(b); err != nil {
		return d.fail(stream.Wrap(stream.KindLength, err, "frame"))
	}

	switch d.state {
	case stateHeaderChecksum:
		if d.length == 0 {
			return d.complete(), nil
		}
		d.state = stateData
	case stateData:
		if d.buf.Len() == HeaderSize+d.length {
			d.state = stateDataChecksum
		}
	case stateDataChecksum:
		return d.complete(), nil
	default:
		d.state++
	}
	return nil, nil
}

func (d *Decoder) complete() *Frame {
	raw := d.buf.Bytes()
	f := &Frame{
		ID:   uint16(raw[1])<<8 | uint16(raw[2]),
		Type: uint16(raw[5])<<8 | uint16(raw[6]),
	}
	if d.length > 0 {
		f.Data = append([]byte(nil), raw[HeaderSize:HeaderSize+d.length]...)
	}
	d.Reset()
	return f
}

// Marshal builds the wire form of a frame. Frames without data carry no
// data checksum.
func Marshal(f Frame) []byte {
	out := make([]byte, 0, HeaderSize+len(f.Data)+1)
	out = append(out,
		StartOfFrame,
		byte(f.ID>>8), byte(f.ID),
		byte(len(f.Data)>>8), byte(len(f.Data)),
		byte(f.Type>>8), byte(f.Type))
	out = append(out, checksum.XORComplement(out))
	if len(f.Data) == 0 {
		return out
	}
	out = append(out, f.Data...)
	return append(out, checksum.XORComplement(f.Data))
}
