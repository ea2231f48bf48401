// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	proxyerrors "github.com/absmach/mongoproxy/pkg/errors"
)

func relayingSession(t *testing.T, id string, lastActive time.Time) *Session {
	t.Helper()
	proxySide, clientSide := net.Pipe()
	t.Cleanup(func() {
		proxySide.Close()
		clientSide.Close()
	})
	s := newSession(context.Background(), id, proxySide, "backend:27017", func() time.Time { return lastActive })
	s.state.Store(int32(StateRelaying))
	return s
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	s := relayingSession(t, "a", time.Now())

	if err := reg.Add(s); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := reg.Add(s); !errors.Is(err, proxyerrors.ErrDuplicateSession) {
		t.Errorf("duplicate Add() error = %v, want %v", err, proxyerrors.ErrDuplicateSession)
	}
	if got := reg.Snapshot(); len(got) != 1 || got[0] != s {
		t.Errorf("Snapshot() = %v, want [a]", got)
	}
	if reg.Count() != 1 {
		t.Errorf("Count() = %d, want 1", reg.Count())
	}

	reg.Remove("a")
	if got := reg.Snapshot(); len(got) != 0 {
		t.Errorf("Snapshot() after Remove = %v, want empty", got)
	}
	if reg.Count() != 0 {
		t.Errorf("Count() = %d, want 0", reg.Count())
	}
}

func TestRegistry_CancelAll(t *testing.T) {
	reg := NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		if err := reg.Add(relayingSession(t, id, time.Now())); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	if n := reg.CancelAll(ReasonShutdown); n != 3 {
		t.Errorf("CancelAll() = %d, want 3", n)
	}
	for _, s := range reg.Snapshot() {
		if s.Reason() != ReasonShutdown {
			t.Errorf("session %s reason = %q, want %q", s.ID, s.Reason(), ReasonShutdown)
		}
	}
	if reg.Count() != 3 {
		t.Errorf("CancelAll removed sessions, Count() = %d", reg.Count())
	}
}

func TestReaper_Scan(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reg := NewRegistry()

	stale := relayingSession(t, "stale", now.Add(-10*time.Minute))
	fresh := relayingSession(t, "fresh", now.Add(-time.Second))
	dialing := relayingSession(t, "dialing", now.Add(-time.Hour))
	dialing.state.Store(int32(StateConnecting))
	for _, s := range []*Session{stale, fresh, dialing} {
		if err := reg.Add(s); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	r := NewReaper(reg, time.Minute, 5*time.Minute, slog.Default())
	r.now = func() time.Time { return now }

	if n := r.Scan(); n != 1 {
		t.Fatalf("Scan() = %d, want 1", n)
	}
	if stale.Reason() != ReasonIdle {
		t.Errorf("stale reason = %q, want %q", stale.Reason(), ReasonIdle)
	}
	if fresh.Reason() != "" || dialing.Reason() != "" {
		t.Errorf("unexpected cancellation: fresh=%q dialing=%q", fresh.Reason(), dialing.Reason())
	}
	if reg.Count() != 3 {
		t.Errorf("reaper mutated registry, Count() = %d", reg.Count())
	}
}

func TestReaper_RunStopsOnCancel(t *testing.T) {
	r := NewReaper(NewRegistry(), 10*time.Millisecond, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewReaper_Defaults(t *testing.T) {
	r := NewReaper(NewRegistry(), 0, 0, nil)
	if r.interval != DefaultReapInterval || r.timeout != DefaultIdleTimeout {
		t.Errorf("defaults = %v/%v, want %v/%v", r.interval, r.timeout, DefaultReapInterval, DefaultIdleTimeout)
	}
}
