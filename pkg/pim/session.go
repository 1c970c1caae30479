// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pim

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/upbridge/pkg/upb"
)

// Session drives one PIM. It owns the frame extractor, the write pipeline
// and the dispatch table.
type Session struct {
	cfg       Config
	log       zerolog.Logger
	metrics   *Metrics
	extractor *upb.FrameExtractor // for OnBytes from the embedding
	table     *DispatchTable

	mu        sync.Mutex // guards the fields below
	started   bool
	transport Transport
	pipeline  *WritePipeline
	reader    *readerRun // current or last reader

	online  atomic.Bool
	offline atomic.Bool // offline already signalled since last online
}

// readerRun is one reader goroutine's state. Each Start gets a fresh one,
// so a reader that outlives its Stop cannot touch the next run.
type readerRun struct {
	stop        chan struct{}
	done        chan struct{}
	extractor   *upb.FrameExtractor
	dispatching atomic.Bool // reader is between a read and its last callback
}

// NewSession creates a stopped session. Zero-valued Config fields take
// their DefaultConfig values.
func NewSession(cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "session").Logger(),
		metrics:   cfg.Metrics,
		extractor: upb.NewFrameExtractor(cfg.BufferSize),
	}
	s.table = NewDispatchTable(cfg.Logger, cfg.OnDeviceDiscovered)
	return s
}

// Start puts the PIM into message mode and starts the reader and writer
// goroutines over t. A reader left over from the previous run is joined
// first, within JoinTimeout.
func (s *Session) Start(t Transport) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	prev := s.reader
	s.mu.Unlock()

	if prev != nil {
		s.join(prev)
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}

	s.online.Store(false)
	s.offline.Store(false)

	if _, err := t.Write(upb.MessageModeCommand()); err != nil {
		s.mu.Unlock()
		terr := &TransportError{Reason: ReasonOf(err), Err: err}
		s.setOffline(terr.Reason, terr)
		return terr
	}

	r := &readerRun{
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		extractor: upb.NewFrameExtractor(s.cfg.BufferSize),
	}
	s.transport = t
	s.pipeline = NewWritePipeline(t, s.cfg, s.onWriteFault)
	s.pipeline.Start()
	s.reader = r
	s.started = true

	go s.readLoop(t, r)
	s.mu.Unlock()

	s.log.Info().Msg("session started")
	return nil
}

// Stop ends the session: it stops the reader, closes the transport and
// stops the writer, failing any write still pending. It is safe to call
// from a listener; the reader then delivers no further frames.
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	r, t, p := s.reader, s.transport, s.pipeline
	close(r.stop)
	s.mu.Unlock()

	// Joining from inside a reader callback would wait on ourselves. The
	// next Start joins this reader instead.
	if !r.dispatching.Load() {
		s.join(r)
	}

	err := t.Close()
	p.Stop(s.cfg.DrainTimeout)
	s.online.Store(false)

	s.log.Info().Msg("session stopped")
	return err
}

// join waits for r's reader to exit, at most JoinTimeout.
func (s *Session) join(r *readerRun) bool {
	timer := time.NewTimer(s.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return true
	case <-timer.C:
		s.log.Warn().Dur("timeout", s.cfg.JoinTimeout).Msg("reader did not stop in time")
		return false
	}
}

func (r *readerRun) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (s *Session) readLoop(t Transport, r *readerRun) {
	defer close(r.done)

	buf := make([]byte, s.cfg.ReadBufferSize)
	for !r.stopped() {
		n, err := t.Read(buf)

		r.dispatching.Store(true)
		if n > 0 {
			s.feed(r.extractor, r.stop, buf[:n])
		}
		if err != nil {
			if !r.stopped() {
				s.log.Error().Err(err).Msg("transport read failed")
				s.setOffline(ReasonTransportError, &TransportError{Reason: ReasonTransportError, Err: err})
			}
			r.dispatching.Store(false)
			return
		}
		r.dispatching.Store(false)
	}
}

// OnBytes feeds received bytes through extraction, decoding and dispatch.
// It is for embeddings that read the transport themselves and never call
// Start; callers must not invoke it concurrently.
func (s *Session) OnBytes(chunk []byte) {
	s.feed(s.extractor, nil, chunk)
}

// feed extracts and handles frames, stopping once stop is closed. A nil
// stop never fires.
func (s *Session) feed(extractor *upb.FrameExtractor, stop <-chan struct{}, chunk []byte) {
	frames, dropped := extractor.Feed(chunk)
	if dropped > 0 {
		s.metrics.overflow()
		s.log.Warn().Int("dropped", dropped).Int("capacity", extractor.Capacity()).Msg("frame buffer overflow, bytes discarded")
	}

	for _, frame := range frames {
		select {
		case <-stop:
			return
		default:
		}
		s.handleFrame(frame)
	}
}

func (s *Session) handleFrame(frame string) {
	m, err := upb.Decode(frame)
	if errors.Is(err, upb.ErrFrameEmpty) {
		return
	}
	if s.cfg.OnFrame != nil {
		s.cfg.OnFrame(frame, m, err)
	}
	if err != nil {
		s.metrics.decodeError()
		s.log.Warn().Err(err).Str("frame", frame).Msg("dropping undecodable frame")
		return
	}

	s.metrics.frame(m.Type())
	if s.online.CompareAndSwap(false, true) {
		s.offline.Store(false)
		s.log.Info().Msg("PIM online")
		s.emit(Status{Kind: StatusOnline})
	}

	switch m.Type() {
	case upb.TypeAck, upb.TypeNak:
		ack := m.Type() == upb.TypeAck
		if !s.acknowledge(ack) {
			s.log.Debug().Str("type", m.Type().String()).Msg("acknowledgment with no write in flight")
		}
	case upb.TypeReport:
		s.route(m)
	case upb.TypeError:
		s.log.Warn().Str("frame", m.Raw()).Msg("PIM reported an error")
	default:
		s.log.Debug().Str("type", m.Type().String()).Str("frame", m.Raw()).Msg("ignoring frame")
	}
}

func (s *Session) acknowledge(ack bool) bool {
	s.mu.Lock()
	p := s.pipeline
	s.mu.Unlock()
	if p == nil {
		return false
	}
	return p.Acknowledge(ack)
}

func (s *Session) route(m *upb.Message) {
	result := s.table.Route(m)
	s.metrics.route(result)

	if result == RouteLink && s.cfg.OnLink != nil {
		s.cfg.OnLink(m.EffectiveDestination(), m)
	}
}

// SendCommand encodes req and queues it. A write to a unit that exhausts
// its retries also signals StatusDeviceError for that unit.
func (s *Session) SendCommand(req upb.Request) *Completion {
	payload, err := req.Encode()
	if err != nil {
		w := NewPendingWrite(nil)
		w.completion.resolve(OutcomeWriteFailed, err, 0)
		return w.completion
	}

	w := NewPendingWrite(payload)
	if !req.Link {
		unit := req.Destination
		w.OnResolve(func(o Outcome, err error) {
			if errors.Is(err, ErrNoAcknowledgment) {
				s.emit(Status{Kind: StatusDeviceError, Unit: unit, Err: err})
			}
		})
	}
	return s.enqueue(w)
}

// Submit queues an already encoded packet.
func (s *Session) Submit(payload []byte) *Completion {
	return s.enqueue(NewPendingWrite(payload))
}

func (s *Session) enqueue(w *PendingWrite) *Completion {
	s.mu.Lock()
	p := s.pipeline
	s.mu.Unlock()

	if p == nil {
		w.completion.resolve(OutcomeWriteFailed, ErrNotStarted, 0)
		return w.completion
	}
	return p.Enqueue(w)
}

func (s *Session) onWriteFault(err error) {
	reason := ReasonOf(err)
	s.setOffline(reason, &TransportError{Reason: reason, Err: err})
}

func (s *Session) setOffline(reason Reason, err error) {
	if !s.offline.CompareAndSwap(false, true) {
		return
	}
	s.online.Store(false)
	s.emit(Status{Kind: StatusOffline, Reason: reason, Err: err})
}

func (s *Session) emit(st Status) {
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(st)
	}
}

// Online reports whether a frame has been decoded since start.
func (s *Session) Online() bool { return s.online.Load() }

// Device returns a snapshot of a unit's record.
func (s *Session) Device(id uint8) (DeviceRecord, bool) { return s.table.Device(id) }

// Devices returns snapshots of every known unit, ordered by id.
func (s *Session) Devices() []DeviceRecord { return s.table.Devices() }

// SetDeviceState records an externally observed liveness change, such as a
// unit declared DEAD after repeated failed writes.
func (s *Session) SetDeviceState(id uint8, state DeviceState) {
	s.table.SetDeviceState(id, state)
}

// RegisterListener binds l to a unit id; the last registration wins.
func (s *Session) RegisterListener(id uint8, l Listener) { s.table.RegisterListener(id, l) }

// DeregisterListener unbinds l, unless another listener replaced it.
func (s *Session) DeregisterListener(id uint8, l Listener) { s.table.DeregisterListener(id, l) }

func (s *Session) RegisterLink(link LinkRecord) { s.table.RegisterLink(link) }

func (s *Session) DeregisterLink(id uint8) { s.table.DeregisterLink(id) }

// TriggerDiscovery hands the known devices to Config.OnDiscovery.
func (s *Session) TriggerDiscovery() {
	if s.cfg.OnDiscovery == nil {
		return
	}
	s.cfg.OnDiscovery(s.Devices())
}

// PendingWrites returns the number of queued writes.
func (s *Session) PendingWrites() int {
	s.mu.Lock()
	p := s.pipeline
	s.mu.Unlock()
	if p == nil {
		return 0
	}
	return p.Pending()
}
