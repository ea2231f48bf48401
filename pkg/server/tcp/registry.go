// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"fmt"
	"sync"

	proxyerrors "github.com/absmach/mongoproxy/pkg/errors"
)

// Registry tracks live sessions by id. A session is present from the moment
// it is accepted until its teardown has completed.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session. Ids must be unique among live sessions.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("%w: %s", proxyerrors.ErrDuplicateSession, s.ID)
	}
	r.sessions[s.ID] = s
	return nil
}

// Remove unregisters a session. Only the session's own teardown path calls it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Snapshot returns the live sessions at the time of the call.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CancelAll signals every live session to close and returns how many were signalled.
func (r *Registry) CancelAll(reason string) int {
	sessions := r.Snapshot()
	for _, s := range sessions {
		s.Cancel(reason)
	}
	return len(sessions)
}
