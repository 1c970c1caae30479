// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package pim drives a UPB Powerline Interface Module over a byte stream.
//
// A Session owns one reader goroutine, which extracts and decodes frames and
// routes reports to registered listeners, and one writer goroutine, which
// transmits queued packets one at a time and waits for the PIM to acknowledge
// each before sending the next.
package pim

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/upbridge/pkg/upb"
)

// Config defines session timing, capacities and callbacks.
type Config struct {
	AckTimeout     time.Duration // wait per transmit attempt
	MaxRetries     int           // transmit attempts per write
	QueueSize      int           // pending writes accepted before rejecting
	BufferSize     int           // frame extractor capacity
	ReadBufferSize int           // bytes requested per transport read
	JoinTimeout    time.Duration // bound on waiting for the reader at stop
	DrainTimeout   time.Duration // bound on the in-flight write at stop

	Logger  zerolog.Logger
	Metrics *Metrics // nil disables metrics

	// OnStatus receives connection and device status changes. It may be
	// called from either session goroutine.
	OnStatus func(Status)

	// OnLink receives reports addressed to a registered link.
	OnLink func(link uint8, m *upb.Message)

	// OnDeviceDiscovered is called the first time a unit id is referenced.
	OnDeviceDiscovered func(unit uint8)

	// OnDiscovery is called by TriggerDiscovery with the known devices.
	OnDiscovery func(devices []DeviceRecord)

	// OnFrame observes every non-empty frame after decoding; m is nil when
	// err is set. It runs on the reader goroutine.
	OnFrame func(frame string, m *upb.Message, err error)
}

// DefaultConfig returns the defaults used by the PIM serial handler.
func DefaultConfig() Config {
	return Config{
		AckTimeout:     500 * time.Millisecond,
		MaxRetries:     3,
		QueueSize:      128,
		BufferSize:     upb.DefaultBufferSize,
		ReadBufferSize: 256,
		JoinTimeout:    time.Second,
		DrainTimeout:   time.Second,
		Logger:         zerolog.Nop(),
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	return c
}
