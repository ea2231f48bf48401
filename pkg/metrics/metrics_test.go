// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestNew_RegistersWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("", reg)

	m.ActiveSessions.Inc()
	m.BytesTotal.WithLabelValues("upstream").Add(4)
	m.SessionsTotal.WithLabelValues("eof").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"mongoproxy_active_sessions",
		"mongoproxy_bytes_total",
		"mongoproxy_sessions_total",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestObserveLedger(t *testing.T) {
	m := New("test", prometheus.NewRegistry())

	m.ObserveLedger("upsert", time.Now(), nil)
	m.ObserveLedger("upsert", time.Now(), errors.New("down"))
	m.ObserveLedger("upsert", time.Now(), errors.New("down"))

	if got := counterValue(t, m.LedgerOps.WithLabelValues("upsert", "success")); got != 1 {
		t.Errorf("success count = %v, want 1", got)
	}
	if got := counterValue(t, m.LedgerOps.WithLabelValues("upsert", "error")); got != 2 {
		t.Errorf("error count = %v, want 2", got)
	}
}
