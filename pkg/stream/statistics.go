// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stream

import (
	"fmt"
	"time"
)

// Statistics tracks frame statistics and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	BytesReceived  uint64
	TotalFrames    uint64
	ValidFrames    uint64
	ChecksumErrors uint64
	ResyncErrors   uint64
	LengthErrors   uint64
	StaleResets    uint64
	InvalidFrames  uint64
	OtherErrors    uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// AddBytes counts received bytes
func (s *Statistics) AddBytes(n int) {
	s.BytesReceived += uint64(n)
}

// Update records one frame outcome. A nil error is a valid frame.
func (s *Statistics) Update(err error) {
	s.TotalFrames++
	s.LastUpdateTime = time.Now()

	if err == nil {
		s.ValidFrames++
		return
	}

	kind, ok := KindOf(err)
	if !ok {
		s.OtherErrors++
		return
	}
	switch kind {
	case KindChecksum:
		s.ChecksumErrors++
	case KindResync:
		s.ResyncErrors++
	case KindLength:
		s.LengthErrors++
	case KindStale:
		s.StaleResets++
	case KindInvalid:
		s.InvalidFrames++
	default:
		s.OtherErrors++
	}
}

// Errors returns the total number of discarded frames
func (s *Statistics) Errors() uint64 {
	return s.ChecksumErrors + s.ResyncErrors + s.LengthErrors + s.StaleResets + s.InvalidFrames + s.OtherErrors
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.ValidFrames) / elapsed
		s.ErrorRate = float64(s.Errors()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	percent := func(n uint64) float64 {
		if s.TotalFrames == 0 {
			return 0
		}
		return float64(n) * 100.0 / float64(s.TotalFrames)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Bytes Received:  %8d\n", s.BytesReceived)
	result += fmt.Sprintf("Total Frames:    %8d\n", s.TotalFrames)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", s.ValidFrames, percent(s.ValidFrames))

	if s.ChecksumErrors > 0 {
		result += fmt.Sprintf("Checksum Errors: %8d (%.1f%%)\n", s.ChecksumErrors, percent(s.ChecksumErrors))
	}
	if s.ResyncErrors > 0 {
		result += fmt.Sprintf("Resync Errors:   %8d (%.1f%%)\n", s.ResyncErrors, percent(s.ResyncErrors))
	}
	if s.LengthErrors > 0 {
		result += fmt.Sprintf("Length Errors:   %8d (%.1f%%)\n", s.LengthErrors, percent(s.LengthErrors))
	}
	if s.StaleResets > 0 {
		result += fmt.Sprintf("Stale Resets:    %8d (%.1f%%)\n", s.StaleResets, percent(s.StaleResets))
	}
	if s.InvalidFrames > 0 {
		result += fmt.Sprintf("Invalid Frames:  %8d (%.1f%%)\n", s.InvalidFrames, percent(s.InvalidFrames))
	}
	if s.OtherErrors > 0 {
		result += fmt.Sprintf("Other Errors:    %8d (%.1f%%)\n", s.OtherErrors, percent(s.OtherErrors))
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
