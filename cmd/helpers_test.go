// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/upbridge/pkg/upb"
)

// fakeTransport is an in-memory PIM link fed by the test.
type fakeTransport struct {
	reads     chan []byte
	failures  chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		reads:    make(chan []byte, 16),
		failures: make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	select {
	case data := <-f.reads:
		return copy(p, data), nil
	case err := <-f.failures:
		return 0, err
	case <-f.closed:
		return 0, io.ErrClosedPipe
	case <-time.After(10 * time.Millisecond):
		return 0, nil
	}
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.written = append(f.written, append([]byte(nil), p...))
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// publishRecorder keeps the last payload per topic.
type publishRecorder struct {
	mu     sync.Mutex
	topics map[string]string
	count  int
}

func newPublishRecorder() *publishRecorder {
	return &publishRecorder{topics: make(map[string]string)}
}

func (r *publishRecorder) publish(topic, payload string, retained bool) {
	r.mu.Lock()
	r.topics[topic] = payload
	r.count++
	r.mu.Unlock()
}

func (r *publishRecorder) get(topic string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.topics[topic]
	return p, ok
}

func (r *publishRecorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// reportFrame builds the PIM frame text for a report, delimiter included.
func reportFrame(t *testing.T, req upb.Request) string {
	t.Helper()
	wire, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return "PU" + string(wire) + "\r"
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
