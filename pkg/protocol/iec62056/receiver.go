// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package iec62056 reads electricity meters over the IEC 62056-21 optical
// interface. The meter is woken with an identification request, agrees on
// a baud rate and then sends a data readout:
//
//	STX  1.8.0(0001234.5*kWh)\r\n ... !\r\n  ETX BCC
//
// BCC is the XOR of every byte after STX up to and including ETX. Mode D
// meters push the readout unrequested and carry no STX, ETX or BCC.
package iec62056

import (
	"bytes"

	"github.com/Thermoquad/wiredecode/pkg/framebuf"
	"github.com/Thermoquad/wiredecode/pkg/stream"
)

// Control characters
const (
	STX = 0x02
	ETX = 0x03
	ACK = 0x06
)

// MaxFrameSize bounds one received frame. A longer frame is rejected and
// the rest of it skipped up to the next LF, STX or ETX.
const MaxFrameSize = 128

// FrameKind classifies a received frame.
type FrameKind int

const (
	// FrameLine ends in CR LF.
	FrameLine FrameKind = iota
	// FrameSTX ends in STX.
	FrameSTX
	// FrameETX ends in ETX followed by the BCC byte.
	FrameETX
)

// Frame is one unit of meter output.
type Frame struct {
	Kind FrameKind
	Data []byte
	// BCC is the received block check character of a FrameETX.
	BCC byte
}

// Receiver splits meter output into frames and suppresses the local echo
// of the last transmitted line, which half-duplex optical heads return.
type Receiver struct {
	buf     *framebuf.Buffer
	echo    []byte
	discard bool
}

// NewReceiver creates a receiver.
func NewReceiver() *Receiver {
	return &Receiver{buf: framebuf.New(MaxFrameSize)}
}

// Reset drops buffered input.
func (r *Receiver) Reset() {
	r.buf.Reset()
	r.discard = false
}

// Pending reports whether a partial frame is buffered.
func (r *Receiver) Pending() bool {
	return r.buf.Len() > 0
}

// ExpectEcho records a transmitted frame so its echo is ignored.
func (r *Receiver) ExpectEcho(sent []byte) {
	r.echo = append(r.echo[:0], sent...)
}

// DecodeByte feeds one byte. The only error is an overlong frame; frames
// that do not parse are rejected by the session.
func (r *Receiver) DecodeByte(b byte) (*Frame, error) {
	if r.discard {
		switch b {
		case '\n':
			r.discard = false
			return nil, nil
		case STX, ETX:
			r.discard = false
		default:
			return nil, nil
		}
	}
	if err := r.buf.Append(b); err != nil {
		r.buf.Reset()
		r.discard = b != '\n'
		return nil, stream.Wrap(stream.KindLength, err, "frame")
	}
	data := r.buf.Bytes()
	n := len(data)

	switch {
	case n >= 2 && data[n-2] == ETX:
		f := &Frame{Kind: FrameETX, Data: r.buf.Clone(), BCC: b}
		r.buf.Reset()
		return f, nil

	case b == STX:
		f := &Frame{Kind: FrameSTX, Data: r.buf.Clone()}
		r.buf.Reset()
		return f, nil

	case n >= 2 && data[n-2] == '\r' && b == '\n':
		if len(r.echo) > 0 && bytes.Equal(data, r.echo) {
			r.echo = r.echo[:0]
			r.buf.Reset()
			return nil, nil
		}
		f := &Frame{Kind: FrameLine, Data: r.buf.Clone()}
		r.buf.Reset()
		return f, nil
	}
	return nil, nil
}
