// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stream

import (
	"time"

	"go.uber.org/zap"
)

// Decoder is a byte-at-a-time frame state machine. DecodeByte returns a
// frame when one completes, or an error when a partial frame is discarded.
// After an error the decoder is already back in its header search state.
type Decoder[F any] interface {
	DecodeByte(b byte) (*F, error)
	Reset()
	// Pending reports whether a partial frame is buffered.
	Pending() bool
}

// PollerConfig configures a Poller.
type PollerConfig[F any] struct {
	// Timeout is the staleness limit between bytes of one frame. Zero
	// disables it.
	Timeout time.Duration
	OnFrame func(frame *F)
	OnError func(err error)
	Stats   *Statistics
	Logger  *zap.Logger
}

// Poller feeds a Decoder from a Source. It is not safe for concurrent use;
// each decoder instance is owned by one poll loop.
type Poller[F any] struct {
	src     Source
	dec     Decoder[F]
	timeout time.Duration
	last    time.Time
	onFrame func(*F)
	onError func(error)
	stats   *Statistics
	log     *zap.Logger
}

// NewPoller creates a poller over src and dec.
func NewPoller[F any](src Source, dec Decoder[F], cfg PollerConfig[F]) *Poller[F] {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	stats := cfg.Stats
	if stats == nil {
		stats = NewStatistics()
	}
	return &Poller[F]{
		src:     src,
		dec:     dec,
		timeout: cfg.Timeout,
		onFrame: cfg.OnFrame,
		onError: cfg.OnError,
		stats:   stats,
		log:     log,
	}
}

// Poll processes every byte currently available and returns the number of
// complete frames. It never blocks waiting for more input.
func (p *Poller[F]) Poll(now time.Time) int {
	if p.timeout > 0 && p.dec.Pending() && !p.last.IsZero() && now.Sub(p.last) >= p.timeout {
		p.dec.Reset()
		p.fail(Errorf(KindStale, "partial frame idle for %s", now.Sub(p.last)))
	}

	frames := 0
	for p.src.Available() > 0 {
		b, err := p.src.ReadByte()
		if err != nil {
			break
		}
		p.last = now
		p.stats.AddBytes(1)

		frame, err := p.dec.DecodeByte(b)
		if err != nil {
			p.fail(err)
			continue
		}
		if frame != nil {
			frames++
			p.stats.Update(nil)
			if p.onFrame != nil {
				p.onFrame(frame)
			}
		}
	}
	return frames
}

func (p *Poller[F]) fail(err error) {
	p.stats.Update(err)
	p.log.Debug("frame discarded", zap.Error(err))
	if p.onError != nil {
		p.onError(err)
	}
}

// Statistics returns the poller's counters.
func (p *Poller[F]) Statistics() *Statistics {
	return p.stats
}

// Reset drops any partial frame.
func (p *Poller[F]) Reset() {
	p.dec.Reset()
	p.last = time.Time{}
}
