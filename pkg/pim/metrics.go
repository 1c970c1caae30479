// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pim

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Thermoquad/upbridge/pkg/upb"
)

const metricsNamespace = "upbridge"

// Metrics exports session counters to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	frames        prometheus.Counter
	decodeErrors  prometheus.Counter
	overflows     prometheus.Counter
	messages      *prometheus.CounterVec
	routes        *prometheus.CounterVec
	writes        *prometheus.CounterVec
	writeAttempts prometheus.Counter
	queueDepth    prometheus.Gauge
	ackLatency    prometheus.Histogram
}

// NewMetrics creates the session metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_total",
			Help:      "Frames extracted from the PIM byte stream.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_errors_total",
			Help:      "Frames that failed to decode.",
		}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "buffer_overflows_total",
			Help:      "Times the frame buffer was discarded for exceeding capacity.",
		}),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_total",
				Help:      "Decoded messages by type.",
			},
			[]string{"type"},
		),
		routes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "routes_total",
				Help:      "Report routing results.",
			},
			[]string{"result"},
		),
		writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "writes_total",
				Help:      "Completed writes by outcome.",
			},
			[]string{"outcome"},
		),
		writeAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "write_attempts_total",
			Help:      "Packet transmissions, retries included.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "write_queue_depth",
			Help:      "Writes waiting in the queue.",
		}),
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "ack_latency_seconds",
			Help:      "Time from first transmission to ACK or NAK.",
			Buckets:   []float64{0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 1.5},
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.frames, m.decodeErrors, m.overflows, m.messages, m.routes,
			m.writes, m.writeAttempts, m.queueDepth, m.ackLatency,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

func (m *Metrics) frame(t upb.MessageType) {
	if m == nil {
		return
	}
	m.frames.Inc()
	m.messages.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) decodeError() {
	if m == nil {
		return
	}
	m.frames.Inc()
	m.decodeErrors.Inc()
}

func (m *Metrics) overflow() {
	if m == nil {
		return
	}
	m.overflows.Inc()
}

func (m *Metrics) route(r RouteResult) {
	if m == nil {
		return
	}
	m.routes.WithLabelValues(r.String()).Inc()
}

func (m *Metrics) write(o Outcome) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(o.String()).Inc()
}

func (m *Metrics) attempt() {
	if m == nil {
		return
	}
	m.writeAttempts.Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) acknowledged(d time.Duration) {
	if m == nil {
		return
	}
	m.ackLatency.Observe(d.Seconds())
}
