// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upb

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Statistics tracks frame statistics and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames     uint64
	ValidFrames     uint64
	Reports         uint64
	Acks            uint64
	Naks            uint64
	Busy            uint64
	PIMErrors       uint64
	Unknown         uint64
	ChecksumErrors  uint64
	DecodeErrors    uint64
	Anomalies       uint64
	InvalidLevels   uint64
	MissingArgs     uint64
	BytesDropped    uint64
	BufferOverflows uint64

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

// Update updates statistics based on a decoded frame and its errors
func (s *Statistics) Update(m *Message, decodeErr error, validationErrors []ValidationError) {
	s.TotalFrames++
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		if errors.Is(decodeErr, ErrChecksum) {
			s.ChecksumErrors++
		} else {
			s.DecodeErrors++
		}
		return
	}

	switch m.Type() {
	case TypeReport:
		s.Reports++
	case TypeAck:
		s.Acks++
	case TypeNak:
		s.Naks++
	case TypeBusy:
		s.Busy++
	case TypeError:
		s.PIMErrors++
	case TypeUnknown:
		s.Unknown++
	}

	if len(validationErrors) == 0 {
		s.ValidFrames++
		return
	}

	for _, err := range validationErrors {
		s.Anomalies++
		switch err.Type {
		case AnomalyInvalidLevel:
			s.InvalidLevels++
		case AnomalyMissingArgument:
			s.MissingArgs++
		}
	}
}

// RecordOverflow counts bytes discarded by the frame extractor
func (s *Statistics) RecordOverflow(dropped int) {
	if dropped <= 0 {
		return
	}
	s.BufferOverflows++
	s.BytesDropped += uint64(dropped)
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.TotalFrames) / elapsed
		errorCount := s.ChecksumErrors + s.DecodeErrors + s.Anomalies
		s.ErrorRate = float64(errorCount) / elapsed
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

	var b strings.Builder
	fmt.Fprintf(&b, "=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	fmt.Fprintf(&b, "Total Frames:    %8d\n", s.TotalFrames)
	fmt.Fprintf(&b, "Valid Frames:    %8d (%.1f%%)\n", s.ValidFrames, percent(s.ValidFrames))
	fmt.Fprintf(&b, "  Reports:          %5d\n", s.Reports)
	fmt.Fprintf(&b, "  ACK / NAK:        %5d / %d\n", s.Acks, s.Naks)

	if s.Busy > 0 {
		fmt.Fprintf(&b, "  Busy:             %5d\n", s.Busy)
	}
	if s.PIMErrors > 0 {
		fmt.Fprintf(&b, "  PIM Errors:       %5d\n", s.PIMErrors)
	}
	if s.Unknown > 0 {
		fmt.Fprintf(&b, "  Unknown:          %5d\n", s.Unknown)
	}
	if s.ChecksumErrors > 0 {
		fmt.Fprintf(&b, "Checksum Errors: %8d (%.1f%%)\n", s.ChecksumErrors, percent(s.ChecksumErrors))
	}
	if s.DecodeErrors > 0 {
		fmt.Fprintf(&b, "Decode Errors:   %8d (%.1f%%)\n", s.DecodeErrors, percent(s.DecodeErrors))
	}
	if s.Anomalies > 0 {
		fmt.Fprintf(&b, "Anomalies:       %8d\n", s.Anomalies)
		if s.InvalidLevels > 0 {
			fmt.Fprintf(&b, "  Invalid Level:    %5d\n", s.InvalidLevels)
		}
		if s.MissingArgs > 0 {
			fmt.Fprintf(&b, "  Missing Arg:      %5d\n", s.MissingArgs)
		}
	}
	if s.BufferOverflows > 0 {
		fmt.Fprintf(&b, "Overflows:       %8d (%d bytes dropped)\n", s.BufferOverflows, s.BytesDropped)
	}

	fmt.Fprintf(&b, "Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	fmt.Fprintf(&b, "Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	b.WriteString("================================\n")

	return b.String()
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
