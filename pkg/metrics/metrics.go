// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for mongoproxy.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for mongoproxy.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	SessionsReaped  prometheus.Counter

	// Relay metrics
	BytesTotal  *prometheus.CounterVec
	ErrorsTotal *prometheus.CounterVec

	// Ledger metrics
	LedgerOps      *prometheus.CounterVec
	LedgerDuration prometheus.Histogram

	// Backend metrics
	DialDuration        prometheus.Histogram
	CircuitBreakerState prometheus.Gauge
	CircuitBreakerTrips prometheus.Counter

	// Admission metrics
	RateLimited prometheus.Counter
}

// New creates all metrics and registers them with reg. A nil reg registers
// with prometheus.DefaultRegisterer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mongoproxy"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently relaying",
		}),
		SessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of closed sessions by close reason",
		}, []string{"reason"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session duration in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 3600},
		}),
		SessionsReaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_reaped_total",
			Help:      "Total number of sessions cancelled for inactivity",
		}),
		BytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total number of bytes relayed",
		}, []string{"direction"}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of session errors by kind",
		}, []string{"kind"}),
		LedgerOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Total number of ledger operations by result",
		}, []string{"op", "result"}),
		LedgerDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_upsert_duration_seconds",
			Help:      "Ledger upsert duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		DialDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_dial_duration_seconds",
			Help:      "Backend dial duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		CircuitBreakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		}),
		CircuitBreakerTrips: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of circuit breaker trips",
		}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_connections_total",
			Help:      "Total number of connections rejected by the per-address rate limit",
		}),
	}
}

// ObserveLedger records the outcome and latency of one ledger call.
func (m *Metrics) ObserveLedger(op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.LedgerOps.WithLabelValues(op, result).Inc()
	if op == "upsert" {
		m.LedgerDuration.Observe(time.Since(start).Seconds())
	}
}
