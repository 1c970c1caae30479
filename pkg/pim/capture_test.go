// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pim

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestCaptureRoundTrip(t *testing.T) {
	var file bytes.Buffer
	tr := newFakeTransport()
	c := NewCaptureTransport(tr, &file)

	if _, err := c.Write([]byte("\x1406100105FFE5\r")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	tr.feed("PA\rPK\r")
	buf := make([]byte, 64)
	n, err := c.Read(buf)
	if err != nil || n != 6 {
		t.Fatalf("Read() = %d, %v; want 6, nil", n, err)
	}
	if err := c.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}

	r := NewCaptureReader(&file)
	first, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if first.Direction != DirectionTX || string(first.Data) != "\x1406100105FFE5\r" {
		t.Errorf("first record = %d %q, want TX write", first.Direction, first.Data)
	}
	second, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if second.Direction != DirectionRX || string(second.Data) != "PA\rPK\r" {
		t.Errorf("second record = %d %q, want RX read", second.Direction, second.Data)
	}
	if second.Timestamp().Before(first.Timestamp()) {
		t.Error("records out of time order")
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next() at end error = %v, want io.EOF", err)
	}
}

func TestCaptureSkipsEmptyReads(t *testing.T) {
	var file bytes.Buffer
	c := NewCaptureTransport(newFakeTransport(), &file)

	// idle read times out with no data
	if n, err := c.Read(make([]byte, 8)); n != 0 || err != nil {
		t.Fatalf("Read() = %d, %v; want 0, nil", n, err)
	}
	if file.Len() != 0 {
		t.Errorf("empty read recorded %d bytes", file.Len())
	}
}

func TestCaptureReaderCorrupt(t *testing.T) {
	r := NewCaptureReader(bytes.NewReader([]byte{0xFF, 0x00, 0x13}))
	if _, err := r.Next(); err == nil || errors.Is(err, io.EOF) {
		t.Errorf("Next() error = %v, want decode error", err)
	}
}
