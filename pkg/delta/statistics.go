// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package delta

import (
	"errors"
	"fmt"
	"time"
)

// Statistics tracks frame counts and error rates for one link.
// It is not safe for concurrent use.
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames   uint64
	ValidFrames   uint64
	FramingErrors uint64
	CRCErrors     uint64
	DecodeErrors  uint64
	IgnoredFrames uint64
	Readings      map[CommandID]uint64

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
		Readings:       make(map[CommandID]uint64),
	}
}

// RecordReading counts a frame that decoded to a reading
func (s *Statistics) RecordReading(r Reading) {
	s.TotalFrames++
	s.ValidFrames++
	s.Readings[r.Command]++
	s.LastUpdateTime = time.Now()
}

// RecordIgnored counts a valid frame without a known command
func (s *Statistics) RecordIgnored() {
	s.TotalFrames++
	s.ValidFrames++
	s.IgnoredFrames++
	s.LastUpdateTime = time.Now()
}

// RecordError counts a dropped frame
func (s *Statistics) RecordError(err error) {
	s.TotalFrames++
	switch {
	case errors.Is(err, ErrCRCMismatch):
		s.CRCErrors++
	case errors.Is(err, ErrPayloadLength):
		s.DecodeErrors++
	default:
		if kind, ok := KindOf(err); ok && kind == KindDecode {
			s.DecodeErrors++
		} else {
			s.FramingErrors++
		}
	}
	s.LastUpdateTime = time.Now()
}

// Errors returns the total number of dropped frames
func (s *Statistics) Errors() uint64 {
	return s.FramingErrors + s.CRCErrors + s.DecodeErrors
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.TotalFrames) / elapsed
		s.ErrorRate = float64(s.Errors()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	var validPercent, errorPercent float64
	if s.TotalFrames > 0 {
		validPercent = float64(s.ValidFrames) * 100.0 / float64(s.TotalFrames)
		errorPercent = float64(s.Errors()) * 100.0 / float64(s.TotalFrames)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", s.TotalFrames)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", s.ValidFrames, validPercent)
	result += fmt.Sprintf("Dropped Frames:  %8d (%.1f%%)\n", s.Errors(), errorPercent)

	if s.FramingErrors > 0 {
		result += fmt.Sprintf("  Framing Errors:   %5d\n", s.FramingErrors)
	}
	if s.CRCErrors > 0 {
		result += fmt.Sprintf("  CRC Errors:       %5d\n", s.CRCErrors)
	}
	if s.DecodeErrors > 0 {
		result += fmt.Sprintf("  Decode Errors:    %5d\n", s.DecodeErrors)
	}
	if s.IgnoredFrames > 0 {
		result += fmt.Sprintf("Ignored Frames:  %8d\n", s.IgnoredFrames)
	}
	for _, id := range Commands {
		if n := s.Readings[id]; n > 0 {
			result += fmt.Sprintf("%-16s %8d\n", id.String()+":", n)
		}
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
