// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"sync"
	"time"

	proxyerrors "github.com/absmach/mongoproxy/pkg/errors"
	"github.com/absmach/mongoproxy/pkg/handler"
	"github.com/absmach/mongoproxy/pkg/ledger"
	"github.com/absmach/mongoproxy/pkg/metrics"
	"github.com/absmach/mongoproxy/pkg/server/tcp"
)

// InstrumentedHandler wraps a handler with metrics instrumentation.
type InstrumentedHandler struct {
	handler handler.Handler
	metrics *metrics.Metrics

	// relaying holds the ids of sessions counted in ActiveSessions.
	relaying sync.Map
}

var _ handler.Handler = (*InstrumentedHandler)(nil)

// OnConnect implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	h.relaying.Store(hctx.SessionID, struct{}{})
	h.metrics.ActiveSessions.Inc()

	return h.handler.OnConnect(ctx, hctx)
}

// OnDisconnect implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context, sum handler.Summary) error {
	if _, ok := h.relaying.LoadAndDelete(hctx.SessionID); ok {
		h.metrics.ActiveSessions.Dec()
	}

	h.metrics.SessionsTotal.WithLabelValues(sum.Reason).Inc()
	h.metrics.SessionDuration.Observe(sum.Duration.Seconds())
	h.metrics.BytesTotal.WithLabelValues(tcp.Upstream.String()).Add(float64(sum.BytesUpstream))
	h.metrics.BytesTotal.WithLabelValues(tcp.Downstream.String()).Add(float64(sum.BytesDownstream))

	switch {
	case sum.Reason == tcp.ReasonIdle:
		h.metrics.SessionsReaped.Inc()
	case sum.Reason == tcp.ReasonRateLimited:
		h.metrics.RateLimited.Inc()
	case sum.Err != nil:
		h.metrics.ErrorsTotal.WithLabelValues(proxyerrors.KindOf(sum.Err).String()).Inc()
	}

	return h.handler.OnDisconnect(ctx, hctx, sum)
}

// InstrumentedLedger records the outcome and latency of every ledger call.
type InstrumentedLedger struct {
	ledger.Ledger
	metrics *metrics.Metrics
}

var _ ledger.Ledger = (*InstrumentedLedger)(nil)

// Upsert implements ledger.Ledger with metrics.
func (l *InstrumentedLedger) Upsert(ctx context.Context, ip string, seen time.Time) error {
	start := time.Now()
	err := l.Ledger.Upsert(ctx, ip, seen)
	l.metrics.ObserveLedger("upsert", start, err)
	if err != nil {
		l.metrics.ErrorsTotal.WithLabelValues(proxyerrors.KindLedger.String()).Inc()
	}
	return err
}

// Get implements ledger.Ledger with metrics.
func (l *InstrumentedLedger) Get(ctx context.Context, ip string) (ledger.Record, error) {
	start := time.Now()
	rec, err := l.Ledger.Get(ctx, ip)
	observed := err
	if errors.Is(err, ledger.ErrNotFound) {
		observed = nil
	}
	l.metrics.ObserveLedger("get", start, observed)
	return rec, err
}

// List implements ledger.Ledger with metrics.
func (l *InstrumentedLedger) List(ctx context.Context, limit int) ([]ledger.Record, error) {
	start := time.Now()
	recs, err := l.Ledger.List(ctx, limit)
	l.metrics.ObserveLedger("list", start, err)
	return recs, err
}
