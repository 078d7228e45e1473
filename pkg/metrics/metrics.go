// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for mTunnel.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/absmach/mtunnel/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for mTunnel.
type Metrics struct {
	// Listener metrics
	ListenerUp     *prometheus.GaugeVec
	AcceptedTotal  *prometheus.CounterVec
	AcceptErrors   *prometheus.CounterVec
	TunnelsDropped *prometheus.CounterVec

	// Session metrics
	ActiveSessions    *prometheus.GaugeVec
	SessionsTotal     *prometheus.CounterVec
	SessionDuration   *prometheus.HistogramVec
	HandshakeDuration *prometheus.HistogramVec
	BytesRelayed      *prometheus.CounterVec

	// Resource metrics
	GoroutinesActive *prometheus.GaugeVec
	MemoryAllocated  *prometheus.GaugeVec
}

// New creates a new Metrics instance registered with reg. A nil reg uses
// the default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mtunnel"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ListenerUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "listener_up",
				Help:      "Whether the tunnel listener is bound (1) or not (0)",
			},
			[]string{"tunnel"},
		),
		AcceptedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accepted_connections_total",
				Help:      "Total number of accepted client connections",
			},
			[]string{"tunnel"},
		),
		AcceptErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accept_errors_total",
				Help:      "Total number of transient accept errors",
			},
			[]string{"tunnel"},
		),
		TunnelsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tunnels_dropped_total",
				Help:      "Tunnels excluded at startup",
			},
			[]string{"tunnel", "stage"},
		),
		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of currently running sessions",
			},
			[]string{"tunnel"},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of finished sessions",
			},
			[]string{"tunnel", "outcome", "reason"},
		),
		SessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Session duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"tunnel"},
		),
		HandshakeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handshake_duration_seconds",
				Help:      "Outbound TLS handshake duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tunnel"},
		),
		BytesRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relayed_bytes_total",
				Help:      "Total number of relayed bytes",
			},
			[]string{"tunnel", "direction"},
		),
		GoroutinesActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_active",
				Help:      "Number of active goroutines by component",
			},
			[]string{"component"},
		),
		MemoryAllocated: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_allocated_bytes",
				Help:      "Memory allocated in bytes",
			},
			[]string{"type"},
		),
	}
}

// ObserveSession tracks a session lifecycle.
func (m *Metrics) ObserveSession(tunnel string, run func() session.Outcome) session.Outcome {
	m.ActiveSessions.WithLabelValues(tunnel).Inc()
	defer m.ActiveSessions.WithLabelValues(tunnel).Dec()

	out := run()

	m.SessionsTotal.WithLabelValues(tunnel, out.State.String(), out.Reason).Inc()
	m.SessionDuration.WithLabelValues(tunnel).Observe(out.Duration.Seconds())
	if out.Handshake > 0 {
		m.HandshakeDuration.WithLabelValues(tunnel).Observe(out.Handshake.Seconds())
	}
	m.BytesRelayed.WithLabelValues(tunnel, "upstream").Add(float64(out.BytesUp))
	m.BytesRelayed.WithLabelValues(tunnel, "downstream").Add(float64(out.BytesDown))

	return out
}

// SampleRuntime updates the goroutine and memory gauges every interval
// until ctx is done.
func (m *Metrics) SampleRuntime(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.sampleRuntime()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Metrics) sampleRuntime() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	m.GoroutinesActive.WithLabelValues("all").Set(float64(runtime.NumGoroutine()))
	m.MemoryAllocated.WithLabelValues("heap").Set(float64(stats.HeapAlloc))
	m.MemoryAllocated.WithLabelValues("sys").Set(float64(stats.Sys))
}
