// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upb

import "bytes"

// FrameExtractor splits a byte stream into delimiter-terminated frames.
//
// Undelimited bytes accumulate in a buffer of fixed capacity. A byte that
// arrives when the buffer is full is discarded together with everything
// buffered, and accumulation restarts empty; the stream resynchronizes at the
// next delimiter. The result depends only on the byte sequence, never on how
// it was split into chunks.
type FrameExtractor struct {
	buffer   []byte
	capacity int
}

// NewFrameExtractor creates an extractor with the given buffer capacity.
// A capacity <= 0 selects DefaultBufferSize.
func NewFrameExtractor(capacity int) *FrameExtractor {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &FrameExtractor{
		buffer:   make([]byte, 0, capacity),
		capacity: capacity,
	}
}

// Feed appends data and returns every frame completed by it, in order,
// without the delimiter. dropped is the number of bytes discarded because
// they did not fit in the buffer.
func (e *FrameExtractor) Feed(data []byte) (frames []string, dropped int) {
	for len(data) > 0 {
		i := bytes.IndexByte(data, Delimiter)
		run := data
		if i >= 0 {
			run = data[:i]
		}
		dropped += e.accumulate(run)

		if i < 0 {
			break
		}
		frames = append(frames, string(e.buffer))
		e.buffer = e.buffer[:0]
		data = data[i+1:]
	}
	return frames, dropped
}

// accumulate appends undelimited bytes, discarding the buffer each time a
// byte finds it full. It returns the number of bytes discarded.
func (e *FrameExtractor) accumulate(run []byte) (dropped int) {
	for len(run) > 0 {
		room := e.capacity - len(e.buffer)
		if len(run) <= room {
			e.buffer = append(e.buffer, run...)
			return dropped
		}
		// the byte after the free room overflows: it goes with the buffer
		dropped += len(e.buffer) + room + 1
		e.buffer = e.buffer[:0]
		run = run[room+1:]
	}
	return dropped
}

// Buffered returns the number of bytes waiting for a delimiter.
func (e *FrameExtractor) Buffered() int {
	return len(e.buffer)
}

// Capacity returns the buffer capacity.
func (e *FrameExtractor) Capacity() int {
	return e.capacity
}

// Reset discards any buffered bytes.
func (e *FrameExtractor) Reset() {
	e.buffer = e.buffer[:0]
}
