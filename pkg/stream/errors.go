// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stream

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a soft decode failure.
type ErrorKind int

const (
	// KindResync is an unexpected header or framing byte.
	KindResync ErrorKind = iota
	// KindChecksum is a checksum or CRC mismatch.
	KindChecksum
	// KindLength is an implausible declared length or buffer overflow.
	KindLength
	// KindStale is a partial frame abandoned after the staleness timeout.
	KindStale
	// KindInvalid is a frame that passed its checksum but carries
	// contents the decoder cannot accept.
	KindInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case KindResync:
		return "resync"
	case KindChecksum:
		return "checksum"
	case KindLength:
		return "length"
	case KindStale:
		return "stale"
	case KindInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FrameError is returned by decoders when a frame is discarded. It is
// never fatal; the decoder has already reset itself.
type FrameError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Errorf builds a FrameError of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *FrameError {
	return &FrameError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a FrameError around err.
func Wrap(kind ErrorKind, err error, msg string) *FrameError {
	return &FrameError{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind of a FrameError anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}
