// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pim

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/upbridge/pkg/upb"
)

// Outcome is the result of a write.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeAck
	OutcomeNak
	OutcomeWriteFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "PENDING"
	case OutcomeAck:
		return "ACK"
	case OutcomeNak:
		return "NAK"
	case OutcomeWriteFailed:
		return "WRITE_FAILED"
	default:
		return fmt.Sprintf("OUTCOME(%d)", int(o))
	}
}

// Completion is the future result of a write. It resolves exactly once.
type Completion struct {
	once     sync.Once
	done     chan struct{}
	outcome  Outcome
	err      error
	attempts int

	onResolve func(Outcome, error)
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// resolve reports whether this call was the one that resolved c.
func (c *Completion) resolve(o Outcome, err error, attempts int) bool {
	resolved := false
	c.once.Do(func() {
		c.outcome = o
		c.err = err
		c.attempts = attempts
		close(c.done)
		resolved = true
	})
	if resolved && c.onResolve != nil {
		c.onResolve(o, err)
	}
	return resolved
}

// Done is closed when the completion resolves.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Outcome returns the outcome, or OutcomePending before resolution.
func (c *Completion) Outcome() Outcome {
	select {
	case <-c.done:
		return c.outcome
	default:
		return OutcomePending
	}
}

// Err returns the failure cause of a WRITE_FAILED outcome.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Attempts returns how many times the packet was transmitted.
func (c *Completion) Attempts() int {
	select {
	case <-c.done:
		return c.attempts
	default:
		return 0
	}
}

// Wait blocks until the completion resolves or ctx ends.
func (c *Completion) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-c.done:
		return c.outcome, c.err
	case <-ctx.Done():
		return OutcomePending, ctx.Err()
	}
}

// PendingWrite is a packet waiting for, or in, transmission.
type PendingWrite struct {
	payload    []byte
	completion *Completion
	attempts   int
	started    time.Time
}

// NewPendingWrite wraps an encoded packet (hex text, without marker or
// delimiter).
func NewPendingWrite(payload []byte) *PendingWrite {
	return &PendingWrite{
		payload:    append([]byte(nil), payload...),
		completion: newCompletion(),
	}
}

// OnResolve sets a hook run once, on the resolving goroutine, when the write
// resolves. It must be set before the write is submitted.
func (w *PendingWrite) OnResolve(fn func(Outcome, error)) *PendingWrite {
	w.completion.onResolve = fn
	return w
}

// Payload returns the encoded packet.
func (w *PendingWrite) Payload() []byte { return w.payload }

// Completion returns the write's completion.
func (w *PendingWrite) Completion() *Completion { return w.completion }

// WritePipeline serializes writes to a half-duplex link. One worker
// goroutine transmits each packet and waits for the PIM to acknowledge it,
// retrying on timeout.
type WritePipeline struct {
	w          io.Writer
	ackTimeout time.Duration
	maxRetries int
	onFault    func(error)
	log        zerolog.Logger
	metrics    *Metrics

	mu       sync.Mutex // guards queue sends and stopped
	queue    chan *PendingWrite
	stopped  bool
	stopping atomic.Bool

	gateMu  sync.Mutex
	gate    chan bool
	current *PendingWrite

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWritePipeline creates a pipeline writing to w. onFault, if set, is
// called from the worker when w returns an error.
func NewWritePipeline(w io.Writer, cfg Config, onFault func(error)) *WritePipeline {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &WritePipeline{
		w:          w,
		ackTimeout: cfg.AckTimeout,
		maxRetries: cfg.MaxRetries,
		onFault:    onFault,
		log:        cfg.Logger.With().Str("component", "writer").Logger(),
		metrics:    cfg.Metrics,
		queue:      make(chan *PendingWrite, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (p *WritePipeline) Start() {
	go p.run()
}

// Submit queues an encoded packet. It never blocks: when the queue is full
// or the pipeline stopped, the returned completion is already resolved.
func (p *WritePipeline) Submit(payload []byte) *Completion {
	return p.Enqueue(NewPendingWrite(payload))
}

// Enqueue queues a prepared write. See Submit.
func (p *WritePipeline) Enqueue(w *PendingWrite) *Completion {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.finish(w, OutcomeWriteFailed, ErrPipelineStopped)
		return w.completion
	}
	select {
	case p.queue <- w:
		p.metrics.setQueueDepth(len(p.queue))
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		p.log.Warn().Int("capacity", cap(p.queue)).Msg("write queue full, rejecting write")
		p.finish(w, OutcomeWriteFailed, ErrQueueFull)
	}
	return w.completion
}

// Acknowledge signals the armed attempt with an ACK (true) or NAK (false).
// It reports whether an attempt was waiting; a signal with nothing armed is
// dropped.
func (p *WritePipeline) Acknowledge(ack bool) bool {
	p.gateMu.Lock()
	defer p.gateMu.Unlock()
	if p.gate == nil {
		return false
	}
	select {
	case p.gate <- ack:
		return true
	default:
		return false
	}
}

// Armed reports whether an attempt is waiting for acknowledgment.
func (p *WritePipeline) Armed() bool {
	p.gateMu.Lock()
	defer p.gateMu.Unlock()
	return p.gate != nil
}

// Pending returns the number of queued writes, excluding the one in flight.
func (p *WritePipeline) Pending() int {
	return len(p.queue)
}

// Stop refuses new writes and cancels the queued ones. The write in flight
// gets up to drain to finish before it is cancelled.
func (p *WritePipeline) Stop(drain time.Duration) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.stopping.Store(true)
	close(p.queue)
	p.mu.Unlock()

	timer := time.NewTimer(drain)
	defer timer.Stop()

	select {
	case <-p.done:
		return
	case <-timer.C:
	}

	p.log.Warn().Dur("drain", drain).Msg("writer did not drain, cancelling")
	p.cancel()

	timer.Reset(drain)
	select {
	case <-p.done:
	case <-timer.C:
		// worker is stuck in a transport write; settle its caller anyway
		p.gateMu.Lock()
		w := p.current
		p.gateMu.Unlock()
		if w != nil {
			p.finish(w, OutcomeWriteFailed, ErrCancelled)
		}
		p.log.Error().Msg("writer did not exit after cancel")
	}
}

func (p *WritePipeline) run() {
	defer close(p.done)
	defer p.cancel()

	for w := range p.queue {
		p.metrics.setQueueDepth(len(p.queue))
		if p.stopping.Load() {
			p.finish(w, OutcomeWriteFailed, ErrCancelled)
			continue
		}
		p.process(w)
	}
}

func (p *WritePipeline) process(w *PendingWrite) {
	w.started = time.Now()

	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		w.attempts = attempt
		gate := p.arm(w)
		p.metrics.attempt()

		if err := p.transmit(w.payload); err != nil {
			p.disarm()
			p.log.Error().Err(err).Int("attempt", attempt).Msg("transport write failed")
			p.finish(w, OutcomeWriteFailed, fmt.Errorf("pim: write attempt %d: %w", attempt, err))
			if p.onFault != nil {
				p.onFault(err)
			}
			return
		}

		timer := time.NewTimer(p.ackTimeout)
		select {
		case ack := <-gate:
			timer.Stop()
			p.disarm()
			p.metrics.acknowledged(time.Since(w.started))
			if ack {
				p.finish(w, OutcomeAck, nil)
			} else {
				p.finish(w, OutcomeNak, nil)
			}
			return

		case <-timer.C:
			p.disarm()
			p.log.Debug().
				Int("attempt", attempt).
				Int("max", p.maxRetries).
				Str("payload", string(w.payload)).
				Msg("no acknowledgment, retrying")

		case <-p.ctx.Done():
			timer.Stop()
			p.disarm()
			p.finish(w, OutcomeWriteFailed, ErrCancelled)
			return
		}
	}

	p.log.Warn().Str("payload", string(w.payload)).Int("attempts", w.attempts).Msg("write failed, no acknowledgment")
	p.finish(w, OutcomeWriteFailed, ErrNoAcknowledgment)
}

// arm installs a fresh gate before transmission, so an acknowledgment racing
// the write is not lost.
func (p *WritePipeline) arm(w *PendingWrite) chan bool {
	gate := make(chan bool, 1)
	p.gateMu.Lock()
	p.gate = gate
	p.current = w
	p.gateMu.Unlock()
	return gate
}

func (p *WritePipeline) disarm() {
	p.gateMu.Lock()
	p.gate = nil
	p.current = nil
	p.gateMu.Unlock()
}

// transmit writes marker, payload and delimiter in a single write.
func (p *WritePipeline) transmit(payload []byte) error {
	frame := make([]byte, 0, len(payload)+2)
	frame = append(frame, upb.TransmitMarker)
	frame = append(frame, payload...)
	frame = append(frame, upb.Delimiter)
	_, err := p.w.Write(frame)
	return err
}

func (p *WritePipeline) finish(w *PendingWrite, o Outcome, err error) {
	if w.completion.resolve(o, err, w.attempts) {
		p.metrics.write(o)
	}
}
