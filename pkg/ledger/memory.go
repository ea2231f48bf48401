// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Ledger = (*Memory)(nil)

// Memory is a process-local Ledger.
type Memory struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*Record),
	}
}

// Upsert implements Ledger.
func (m *Memory) Upsert(ctx context.Context, ip string, seen time.Time) error {
	if err := validateIP(ip); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[ip]
	if !ok {
		m.records[ip] = &Record{IP: ip, Count: 1, FirstSeen: seen, LastSeen: seen}
		return nil
	}
	rec.Count++
	if seen.Before(rec.FirstSeen) {
		rec.FirstSeen = seen
	}
	if seen.After(rec.LastSeen) {
		rec.LastSeen = seen
	}
	return nil
}

// Get implements Ledger.
func (m *Memory) Get(ctx context.Context, ip string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[ip]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

// List implements Ledger.
func (m *Memory) List(ctx context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping implements Ledger.
func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements Ledger.
func (m *Memory) Close() error {
	return nil
}
