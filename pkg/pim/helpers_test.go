// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pim

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/upbridge/pkg/upb"
)

type readResult struct {
	data []byte
	err  error
}

// fakeTransport is an in-memory PIM link. Tests push received bytes with
// feed and inspect written bytes with writes.
type fakeTransport struct {
	reads     chan readResult
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	onWrite  func(p []byte)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		reads:  make(chan readResult, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	select {
	case r := <-f.reads:
		return copy(p, r.data), r.err
	case <-f.closed:
		return 0, io.ErrClosedPipe
	case <-time.After(10 * time.Millisecond):
		return 0, nil
	}
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	if f.writeErr != nil {
		err := f.writeErr
		f.mu.Unlock()
		return 0, err
	}
	f.written = append(f.written, append([]byte(nil), p...))
	hook := f.onWrite
	f.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return len(p), nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) feed(s string) {
	f.reads <- readResult{data: []byte(s)}
}

func (f *fakeTransport) fail(err error) {
	f.reads <- readResult{err: err}
}

func (f *fakeTransport) setOnWrite(fn func(p []byte)) {
	f.mu.Lock()
	f.onWrite = fn
	f.mu.Unlock()
}

func (f *fakeTransport) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

// packetWrites returns the written frames that carry a packet.
func (f *fakeTransport) packetWrites() [][]byte {
	var out [][]byte
	for _, w := range f.writes() {
		if len(w) > 0 && w[0] == upb.TransmitMarker {
			out = append(out, w)
		}
	}
	return out
}

// recordingListener collects the messages delivered to it.
type recordingListener struct {
	mu   sync.Mutex
	got  []*upb.Message
	hook func(m *upb.Message)
}

func (l *recordingListener) OnMessageReceived(m *upb.Message) {
	l.mu.Lock()
	l.got = append(l.got, m)
	hook := l.hook
	l.mu.Unlock()
	if hook != nil {
		hook(m)
	}
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.got)
}

// report builds a decoded report message.
func report(t *testing.T, req upb.Request) *upb.Message {
	t.Helper()
	m, err := upb.DecodePacket(string(encode(t, req)))
	if err != nil {
		t.Fatalf("DecodePacket() error = %v", err)
	}
	return m
}

// reportFrame builds the PIM frame text for a report, delimiter included.
func reportFrame(t *testing.T, req upb.Request) string {
	t.Helper()
	return "PU" + string(encode(t, req)) + "\r"
}

func encode(t *testing.T, req upb.Request) []byte {
	t.Helper()
	wire, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return wire
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitDone waits for a completion to resolve.
func waitDone(t *testing.T, c *Completion) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("completion did not resolve")
	}
}

func isPacketWrite(p []byte) bool {
	return len(p) > 0 && p[0] == upb.TransmitMarker && bytes.HasSuffix(p, []byte{upb.Delimiter})
}
