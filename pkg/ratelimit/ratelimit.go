// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits how often a single source address may open
// connections through the proxy.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxClients bounds the number of tracked source addresses.
	DefaultMaxClients = 10000

	// DefaultIdleTTL is how long an unused per-address limiter is kept.
	DefaultIdleTTL = 10 * time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per source address. A zero rate disables
// limiting and Allow always succeeds.
type Limiter struct {
	mu         sync.Mutex
	visitors   map[string]*visitor
	rate       rate.Limit
	burst      int
	maxClients int
	idleTTL    time.Duration
	now        func() time.Time
}

// New creates a limiter admitting perSecond connections per address with the
// given burst.
func New(perSecond float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		visitors:   make(map[string]*visitor),
		rate:       rate.Limit(perSecond),
		burst:      burst,
		maxClients: DefaultMaxClients,
		idleTTL:    DefaultIdleTTL,
		now:        time.Now,
	}
}

// Enabled reports whether the limiter restricts anything.
func (l *Limiter) Enabled() bool {
	return l != nil && l.rate > 0
}

// Allow reports whether a new connection from ip is admitted.
func (l *Limiter) Allow(ip string) bool {
	if !l.Enabled() {
		return true
	}

	l.mu.Lock()
	now := l.now()
	v, ok := l.visitors[ip]
	if !ok {
		if len(l.visitors) >= l.maxClients {
			l.evictLocked(now)
		}
		v = &visitor{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// evictLocked drops limiters idle for longer than idleTTL. If every tracked
// address is still active the oldest one is dropped so the map stays bounded.
func (l *Limiter) evictLocked(now time.Time) {
	var (
		oldestIP string
		oldest   time.Time
	)
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idleTTL {
			delete(l.visitors, ip)
			continue
		}
		if oldestIP == "" || v.lastSeen.Before(oldest) {
			oldestIP, oldest = ip, v.lastSeen
		}
	}
	if len(l.visitors) >= l.maxClients && oldestIP != "" {
		delete(l.visitors, oldestIP)
	}
}

func (l *Limiter) clients() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}
