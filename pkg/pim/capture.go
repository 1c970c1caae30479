// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pim

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Direction of a captured chunk
const (
	DirectionRX uint8 = 0 // PIM to host
	DirectionTX uint8 = 1 // host to PIM
)

// CaptureRecord is one chunk of traffic in a capture file. Capture files
// are a plain sequence of CBOR-encoded records.
type CaptureRecord struct {
	Time      int64  `cbor:"0,keyasint"` // unix nanoseconds
	Direction uint8  `cbor:"1,keyasint"`
	Data      []byte `cbor:"2,keyasint"`
}

// Timestamp returns the record time.
func (r CaptureRecord) Timestamp() time.Time {
	return time.Unix(0, r.Time)
}

// CaptureTransport records every chunk read from and written to a
// transport. It is safe for one reader and one writer concurrently.
type CaptureTransport struct {
	Transport

	mu  sync.Mutex
	enc *cbor.Encoder
	err error
}

// NewCaptureTransport wraps t, recording traffic to w.
func NewCaptureTransport(t Transport, w io.Writer) *CaptureTransport {
	return &CaptureTransport{Transport: t, enc: cbor.NewEncoder(w)}
}

func (c *CaptureTransport) Read(p []byte) (int, error) {
	n, err := c.Transport.Read(p)
	if n > 0 {
		c.record(DirectionRX, p[:n])
	}
	return n, err
}

func (c *CaptureTransport) Write(p []byte) (int, error) {
	n, err := c.Transport.Write(p)
	if n > 0 {
		c.record(DirectionTX, p[:n])
	}
	return n, err
}

// Err returns the first error hit while recording. Recording stops after it;
// traffic is unaffected.
func (c *CaptureTransport) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *CaptureTransport) record(dir uint8, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	rec := CaptureRecord{
		Time:      time.Now().UnixNano(),
		Direction: dir,
		Data:      append([]byte(nil), data...),
	}
	if err := c.enc.Encode(rec); err != nil {
		c.err = fmt.Errorf("pim: capture: %w", err)
	}
}

// CaptureReader reads records back from a capture file.
type CaptureReader struct {
	dec *cbor.Decoder
}

// NewCaptureReader reads records from r.
func NewCaptureReader(r io.Reader) *CaptureReader {
	return &CaptureReader{dec: cbor.NewDecoder(r)}
}

// Next returns the next record, or io.EOF after the last one.
func (c *CaptureReader) Next() (CaptureRecord, error) {
	var rec CaptureRecord
	if err := c.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return CaptureRecord{}, io.EOF
		}
		return CaptureRecord{}, fmt.Errorf("pim: read capture: %w", err)
	}
	return rec, nil
}
