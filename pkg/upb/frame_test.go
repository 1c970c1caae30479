// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upb

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

func TestFrameExtractor(t *testing.T) {
	tests := []struct {
		name       string
		chunks     []string
		wantFrames []string
		wantBuffer int
	}{
		{
			name:       "single frame",
			chunks:     []string{"PK\r"},
			wantFrames: []string{"PK"},
		},
		{
			name:       "several frames in one chunk",
			chunks:     []string{"PA\rPK\rPU0800010005866408\r"},
			wantFrames: []string{"PA", "PK", "PU0800010005866408"},
		},
		{
			name:       "frame split across chunks",
			chunks:     []string{"PU0800", "010005", "866408\rP"},
			wantFrames: []string{"PU0800010005866408"},
			wantBuffer: 1,
		},
		{
			name:       "delimiter at index zero",
			chunks:     []string{"\rPK\r"},
			wantFrames: []string{"", "PK"},
		},
		{
			name:       "partial data stays buffered",
			chunks:     []string{"PU08", "00"},
			wantFrames: nil,
			wantBuffer: 6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewFrameExtractor(0)
			var got []string
			for _, chunk := range tt.chunks {
				frames, dropped := e.Feed([]byte(chunk))
				if dropped != 0 {
					t.Fatalf("Feed(%q) dropped %d bytes", chunk, dropped)
				}
				got = append(got, frames...)
			}
			if !reflect.DeepEqual(got, tt.wantFrames) {
				t.Errorf("frames = %q, want %q", got, tt.wantFrames)
			}
			if e.Buffered() != tt.wantBuffer {
				t.Errorf("Buffered() = %d, want %d", e.Buffered(), tt.wantBuffer)
			}
		})
	}
}

func TestFrameExtractorDefaultCapacity(t *testing.T) {
	if got := NewFrameExtractor(-1).Capacity(); got != DefaultBufferSize {
		t.Errorf("Capacity() = %d, want %d", got, DefaultBufferSize)
	}
}

func TestFrameExtractorOverflowResets(t *testing.T) {
	e := NewFrameExtractor(DefaultBufferSize)

	// exactly capacity without a delimiter is still held
	frames, dropped := e.Feed(bytes.Repeat([]byte{'x'}, DefaultBufferSize))
	if len(frames) != 0 || dropped != 0 {
		t.Fatalf("Feed() = %d frames, %d dropped; want 0, 0", len(frames), dropped)
	}
	if e.Buffered() != DefaultBufferSize {
		t.Fatalf("Buffered() = %d, want %d", e.Buffered(), DefaultBufferSize)
	}

	// one more byte overflows and discards everything
	frames, dropped = e.Feed([]byte{'x'})
	if len(frames) != 0 {
		t.Fatalf("Feed() returned %d frames after overflow", len(frames))
	}
	if dropped != DefaultBufferSize+1 {
		t.Errorf("dropped = %d, want %d", dropped, DefaultBufferSize+1)
	}
	if e.Buffered() != 0 {
		t.Errorf("Buffered() = %d after overflow, want 0", e.Buffered())
	}

	// the next delimited frame is extracted normally
	frames, dropped = e.Feed([]byte("PK\r"))
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
	if !reflect.DeepEqual(frames, []string{"PK"}) {
		t.Errorf("frames = %q, want [PK]", frames)
	}
}

func TestFrameExtractorOversizedRun(t *testing.T) {
	tests := []struct {
		name        string
		stream      string
		wantFrames  []string
		wantDropped int
	}{
		{
			name:        "tail after overflow forms the next frame",
			stream:      strings.Repeat("A", 20) + "PK\r",
			wantFrames:  []string{"AAAPK"},
			wantDropped: 17,
		},
		{
			name:        "later frames survive",
			stream:      strings.Repeat("x", 20) + "\rPN\r",
			wantFrames:  []string{"xxx", "PN"},
			wantDropped: 17,
		},
		{
			name:        "frame of exactly capacity",
			stream:      strings.Repeat("x", 16) + "\r",
			wantFrames:  []string{strings.Repeat("x", 16)},
			wantDropped: 0,
		},
		{
			name:        "several overflows in one run",
			stream:      strings.Repeat("x", 40) + "\rPA\r",
			wantFrames:  []string{"xxxxxx", "PA"},
			wantDropped: 34,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			whole := NewFrameExtractor(16)
			frames, dropped := whole.Feed([]byte(tt.stream))
			if !reflect.DeepEqual(frames, tt.wantFrames) {
				t.Errorf("whole frames = %q, want %q", frames, tt.wantFrames)
			}
			if dropped != tt.wantDropped {
				t.Errorf("whole dropped = %d, want %d", dropped, tt.wantDropped)
			}

			// byte by byte gives the same result
			bytewise := NewFrameExtractor(16)
			var got []string
			total := 0
			for i := 0; i < len(tt.stream); i++ {
				f, d := bytewise.Feed([]byte{tt.stream[i]})
				got = append(got, f...)
				total += d
			}
			if !reflect.DeepEqual(got, tt.wantFrames) {
				t.Errorf("bytewise frames = %q, want %q", got, tt.wantFrames)
			}
			if total != tt.wantDropped {
				t.Errorf("bytewise dropped = %d, want %d", total, tt.wantDropped)
			}
		})
	}
}

func TestFrameExtractorNoDuplicateFrames(t *testing.T) {
	e := NewFrameExtractor(0)
	first, _ := e.Feed([]byte("PA\r"))
	second, _ := e.Feed([]byte("PK\r"))
	if !reflect.DeepEqual(first, []string{"PA"}) || !reflect.DeepEqual(second, []string{"PK"}) {
		t.Errorf("frames = %q then %q, want [PA] then [PK]", first, second)
	}
}

func TestFrameExtractorReset(t *testing.T) {
	e := NewFrameExtractor(0)
	e.Feed([]byte("PU0800"))
	e.Reset()
	if e.Buffered() != 0 {
		t.Errorf("Buffered() = %d after Reset, want 0", e.Buffered())
	}
	frames, _ := e.Feed([]byte("PK\r"))
	if !reflect.DeepEqual(frames, []string{"PK"}) {
		t.Errorf("frames = %q, want [PK]", frames)
	}
}
