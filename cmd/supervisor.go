// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/upbridge/pkg/pim"
)

// openFunc opens a transport to the PIM.
type openFunc func() (pim.Transport, string, error)

// backoff is an exponential reconnect schedule.
type backoff struct {
	Initial time.Duration
	Max     time.Duration
}

var defaultBackoff = backoff{Initial: time.Second, Max: 30 * time.Second}

// delay returns the wait before attempt n (1-based).
func (b backoff) delay(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// supervisor keeps one session connected, reopening the transport with
// exponential backoff whenever the session goes offline.
type supervisor struct {
	session *pim.Session
	open    openFunc
	backoff backoff
	log     zerolog.Logger

	// onConnect runs after every successful connect, including the first.
	onConnect func(connInfo string)

	mu       sync.RWMutex
	connInfo string

	active       atomic.Bool // first connect succeeded
	reconnecting atomic.Bool
	done         chan struct{}
	closeOnce    sync.Once
}

// newSupervisor creates the session from cfg, chaining its status hook.
func newSupervisor(cfg pim.Config, open openFunc) *supervisor {
	sv := &supervisor{
		open:    open,
		backoff: defaultBackoff,
		log:     cfg.Logger.With().Str("component", "supervisor").Logger(),
		done:    make(chan struct{}),
	}

	statusHook := cfg.OnStatus
	cfg.OnStatus = func(st pim.Status) {
		if statusHook != nil {
			statusHook(st)
		}
		if st.Kind == pim.StatusOffline {
			sv.lost()
		}
	}
	sv.session = pim.NewSession(cfg)
	return sv
}

// Session returns the supervised session.
func (sv *supervisor) Session() *pim.Session {
	return sv.session
}

// ConnInfo describes the current transport.
func (sv *supervisor) ConnInfo() string {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return sv.connInfo
}

// Connect makes the first connection. Later connections are made by the
// supervisor itself.
func (sv *supervisor) Connect() error {
	if err := sv.connect(); err != nil {
		return err
	}
	sv.active.Store(true)
	return nil
}

func (sv *supervisor) connect() error {
	t, info, err := sv.open()
	if err != nil {
		return err
	}
	if err := sv.session.Start(t); err != nil {
		t.Close()
		return err
	}

	sv.mu.Lock()
	sv.connInfo = info
	sv.mu.Unlock()

	if sv.onConnect != nil {
		sv.onConnect(info)
	}
	return nil
}

func (sv *supervisor) lost() {
	if !sv.active.Load() || sv.closed() {
		return
	}
	if !sv.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go sv.reconnect()
}

// reconnect runs on its own goroutine; the status hook that triggers it may
// be running on the session's reader.
func (sv *supervisor) reconnect() {
	defer sv.reconnecting.Store(false)

	sv.session.Stop()

	for attempt := 1; ; attempt++ {
		delay := sv.backoff.delay(attempt)
		select {
		case <-sv.done:
			return
		case <-time.After(delay):
		}

		err := sv.connect()
		if err == nil {
			sv.log.Info().Int("attempt", attempt).Str("connection", sv.ConnInfo()).Msg("reconnected")
			if sv.closed() {
				sv.session.Stop()
			}
			return
		}
		if errors.Is(err, pim.ErrAlreadyStarted) {
			return
		}
		sv.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", sv.backoff.delay(attempt+1)).Msg("reconnect failed")
	}
}

func (sv *supervisor) closed() bool {
	select {
	case <-sv.done:
		return true
	default:
		return false
	}
}

// Close stops reconnecting and stops the session.
func (sv *supervisor) Close() {
	sv.closeOnce.Do(func() { close(sv.done) })
	sv.session.Stop()
}
