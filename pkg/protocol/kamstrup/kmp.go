// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package kamstrup speaks the Kamstrup Meter Protocol (KMP) used by the
// MULTICAL heat meters. Requests start with 0x80, responses with 0x40, and
// both end with 0x0D. Bytes in the set {06 0D 1B 40 80} are sent as 0x1B
// followed by the byte XOR 0xFF. The CRC is CRC-16/XMODEM over the
// de-stuffed message, transmitted big-endian, so a valid message including
// its CRC has a zero residue.
package kamstrup

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/logging"
	"github.com/Thermoquad/wiredecode/pkg/checksum"
	"github.com/Thermoquad/wiredecode/pkg/framebuf"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

// Framing bytes
const (
	RequestStart  = 0x80
	ResponseStart = 0x40
	EndOfMessage  = 0x0D
	Escape        = 0x1B
	EscapeXor     = 0xFF

	DestinationHeatMeter = 0x3F
	CommandGetRegister   = 0x10

	MaxMessageSize = 40
	StaleTimeout   = 250 * time.Millisecond
)

// ErrEscape is returned when a message ends inside an escape sequence.
var ErrEscape = errors.New("kamstrup: dangling escape byte")

func needsEscape(b byte) bool {
	switch b {
	case 0x06, EndOfMessage, Escape, ResponseStart, RequestStart:
		return true
	}
	return false
}

// Stuff escapes every reserved byte of msg.
func Stuff(msg []byte) []byte {
	out := make([]byte, 0, len(msg)*2)
	for _, b := range msg {
		if needsEscape(b) {
			out = append(out, Escape, b^EscapeXor)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// Unstuff reverses Stuff.
func Unstuff(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != Escape {
			out = append(out, data[i])
			continue
		}
		if i+1 >= len(data) {
			return nil, ErrEscape
		}
		i++
		out = append(out, data[i]^EscapeXor)
	}
	return out, nil
}

// AppendCRC appends the big-endian CRC-16/XMODEM of msg.
func AppendCRC(msg []byte) []byte {
	crc := checksum.XMODEM(msg)
	return append(msg, byte(crc>>8), byte(crc))
}

// Request builds the wire form of a single register read.
func Request(register uint16) []byte {
	msg := AppendCRC([]byte{DestinationHeatMeter, CommandGetRegister, 0x01, byte(register >> 8), byte(register)})
	out := []byte{RequestStart}
	out = append(out, Stuff(msg)...)
	return append(out, EndOfMessage)
}

// Frame is one CRC-valid de-stuffed response, CRC removed.
type Frame struct {
	Payload []byte
}

// Decoder collects 0x40 .. 0x0D responses from the byte stream.
type Decoder struct {
	buf *framebuf.Buffer
	in  bool
	log *zap.Logger
}

// NewDecoder creates a decoder. A nil logger uses the package logger.
func NewDecoder(log *zap.Logger) *Decoder {
	if log == nil {
		log = logging.Named("kamstrup")
	}
	return &Decoder{buf: framebuf.New(MaxMessageSize), log: log}
}

// Reset drops any partial message.
func (d *Decoder) Reset() {
	d.buf.Reset()
	d.in = false
}

// Pending reports whether a partial message is buffered.
func (d *Decoder) Pending() bool {
	return d.in
}

// DecodeByte feeds one byte.
func (d *Decoder) DecodeByte(b byte) (*Frame, error) {
	if b == ResponseStart {
		if d.in && d.buf.Len() > 0 {
			d.log.Debug("restart inside message", logging.Hex("dropped", d.buf.Bytes()))
		}
		d.buf.Reset()
		d.in = true
		return nil, nil
	}
	if !d.in {
		return nil, nil
	}
	if b != EndOfMessage {
		if err := d.buf.Append(b); err != nil {
			d.Reset()
			return nil, stream.Wrap(stream.KindLength, err, "message")
		}
		return nil, nil
	}

	raw := d.buf.Clone()
	d.Reset()
	msg, err := Unstuff(raw)
	if err != nil {
		return nil, stream.Wrap(stream.KindInvalid, err, "unstuff")
	}
	if len(msg) < 3 {
		return nil, stream.Errorf(stream.KindLength, "message of %d bytes", len(msg))
	}
	if crc := checksum.XMODEM(msg); crc != 0 {
		d.log.Debug("CRC mismatch", logging.Hex("message", msg))
		return nil, stream.Errorf(stream.KindChecksum, "CRC residue 0x%04X", crc)
	}
	return &Frame{Payload: msg[:len(msg)-2]}, nil
}
