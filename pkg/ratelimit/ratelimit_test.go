// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_Disabled(t *testing.T) {
	l := New(0, 1)
	for i := 0; i < 100; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatal("disabled limiter rejected a connection")
		}
	}
	if l.clients() != 0 {
		t.Errorf("clients() = %d, want 0", l.clients())
	}

	var nilLimiter *Limiter
	if !nilLimiter.Allow("10.0.0.1") {
		t.Error("nil limiter must admit everything")
	}
}

func TestLimiter_PerAddressBurst(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New(1, 3)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("connection %d rejected within burst", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("connection over burst admitted")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("other address must have its own bucket")
	}

	now = now.Add(time.Second)
	if !l.Allow("10.0.0.1") {
		t.Error("token not refilled after one second")
	}
}

func TestLimiter_Bounded(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New(10, 10)
	l.maxClients = 2
	l.now = func() time.Time { return now }

	l.Allow("10.0.0.1")
	now = now.Add(time.Second)
	l.Allow("10.0.0.2")
	now = now.Add(time.Second)
	l.Allow("10.0.0.3")

	if l.clients() != 2 {
		t.Errorf("clients() = %d, want 2", l.clients())
	}
	l.mu.Lock()
	_, kept := l.visitors["10.0.0.1"]
	l.mu.Unlock()
	if kept {
		t.Error("oldest address should have been evicted")
	}
}
