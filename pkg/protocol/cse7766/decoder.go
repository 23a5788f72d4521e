// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package cse7766 decodes the 24-byte UART frames of the CSE7766 and
// HLW8032 energy metering chips. Both chips stream a frame every 50 ms:
// a status header, 0x5A, six 24-bit big-endian coefficient/cycle pairs, a
// data-update flag byte, a 16-bit pulse counter and an additive checksum.
package cse7766

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/wiredecode/internal/logging"
	"github.com/Thermoquad/wiredecode/pkg/checksum"
	"github.com/Thermoquad/wiredecode/pkg/framebuf"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

// Frame constants
const (
	FrameSize    = 24
	CheckByte    = 0x5A
	HeaderNormal = 0x55
	HeaderNoCal  = 0xAA
	headerStatus = 0xF0

	// StaleTimeout abandons a partial frame.
	StaleTimeout = 500 * time.Millisecond
)

// Frame is one checksum-valid raw frame.
type Frame [FrameSize]byte

// Header returns the status byte.
func (f *Frame) Header() byte { return f[0] }

// Decoder locates and validates frames in the byte stream.
type Decoder struct {
	buf *framebuf.Buffer
	log *zap.Logger
}

// NewDecoder creates a decoder. A nil logger uses the package logger.
func NewDecoder(log *zap.Logger) *Decoder {
	if log == nil {
		log = logging.Named("cse7766")
	}
	return &Decoder{buf: framebuf.New(FrameSize), log: log}
}

// Reset drops any partial frame.
func (d *Decoder) Reset() {
	d.buf.Reset()
}

// Pending reports whether a partial frame is buffered.
func (d *Decoder) Pending() bool {
	return d.buf.Len() > 0
}

func validHeader(b byte) bool {
	return b == HeaderNormal || b == HeaderNoCal || b&0xF0 == headerStatus
}

// DecodeByte feeds one byte. Bytes that cannot start a frame are skipped.
func (d *Decoder) DecodeByte(b byte) (*Frame, error) {
	switch d.buf.Len() {
	case 0:
		if !validHeader(b) {
			return nil, nil
		}
	case 1:
		if b != CheckByte {
			d.Reset()
			// the rejected byte may itself start a frame
			if validHeader(b) {
				_ = d.buf.Append(b)
			}
			return nil, stream.Errorf(stream.KindResync, "second byte 0x%02X, want 0x5A", b)
		}
	}

	if err := d.buf.Append(b); err != nil {
		d.Reset()
		return nil, stream.Wrap(stream.KindLength, err, "frame")
	}
	if d.buf.Len() < FrameSize {
		return nil, nil
	}

	data := d.buf.Bytes()
	sum := checksum.Sum8(data[2:23])
	if sum != data[23] {
		d.log.Warn("Invalid checksum",
			zap.String("got", fmt.Sprintf("0x%02X", data[23])),
			zap.String("want", fmt.Sprintf("0x%02X", sum)))
		d.Reset()
		return nil, stream.Errorf(stream.KindChecksum, "0x%02X != 0x%02X", data[23], sum)
	}

	var f Frame
	copy(f[:], data)
	d.Reset()
	return &f, nil
}
