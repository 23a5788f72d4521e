// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stream

import (
	"bytes"
	"fmt"

	"github.com/Thermoquad/wiredecode/pkg/framebuf"
)

// LineFeed terminates a line.
const LineFeed = '\n'

// Line is one complete text line without its CR/LF terminator.
type Line string

// LineDecoder splits a byte stream into LF-terminated lines. A line longer
// than the capacity is rejected as a whole and everything up to the next
// LF is discarded.
type LineDecoder struct {
	buf      *framebuf.Buffer
	skipping bool
}

// NewLineDecoder returns a decoder for lines of at most maxLen bytes,
// terminator excluded.
func NewLineDecoder(maxLen int) *LineDecoder {
	return &LineDecoder{buf: framebuf.New(maxLen)}
}

// Reset drops any partial line.
func (d *LineDecoder) Reset() {
	d.buf.Reset()
	d.skipping = false
}

// Pending reports whether a partial line is buffered.
func (d *LineDecoder) Pending() bool {
	return d.buf.Len() > 0 || d.skipping
}

// DecodeByte feeds one byte and returns a line when LF arrives.
func (d *LineDecoder) DecodeByte(b byte) (*Line, error) {
	if b == LineFeed {
		if d.skipping {
			d.skipping = false
			return nil, nil
		}
		line := Line(bytes.TrimRight(d.buf.Bytes(), "\r"))
		d.buf.Reset()
		return &line, nil
	}
	if d.skipping {
		return nil, nil
	}
	if err := d.buf.Append(b); err != nil {
		n := d.buf.Len()
		d.buf.Reset()
		d.skipping = true
		return nil, Wrap(KindLength, err, fmt.Sprintf("line longer than %d bytes", n))
	}
	return nil, nil
}
