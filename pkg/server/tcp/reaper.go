// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"log/slog"
	"time"
)

// Default reaper settings.
const (
	DefaultIdleTimeout  = 300 * time.Second
	DefaultReapInterval = 300 * time.Second
)

// Reaper periodically cancels sessions that have been idle longer than the
// configured timeout. It only reads the registry; sessions remove themselves.
type Reaper struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewReaper creates a reaper over reg.
func NewReaper(reg *Registry, interval, timeout time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry: reg,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Run scans the registry every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Scan(); n > 0 {
				r.logger.Info("reaped idle sessions", slog.Int("count", n))
			}
		}
	}
}

// Scan cancels every relaying session idle for longer than the timeout and
// returns the number cancelled. It never waits for a session to close.
func (r *Reaper) Scan() int {
	now := r.now()
	reaped := 0
	for _, s := range r.registry.Snapshot() {
		if s.State() != StateRelaying {
			continue
		}
		if idle := s.IdleFor(now); idle > r.timeout {
			r.logger.Debug("cancelling idle session",
				slog.String("session", s.ID),
				slog.String("client", s.ClientAddr),
				slog.Duration("idle", idle))
			s.Cancel(ReasonIdle)
			reaped++
		}
	}
	return reaped
}
