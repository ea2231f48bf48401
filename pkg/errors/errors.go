// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for mongoproxy.
//
// Every failure that crosses a component boundary carries a Kind so callers can
// tell per-session failures (which are contained and logged) apart from
// process-fatal ones (which abort startup).
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Kind classifies a failure by how far it is allowed to propagate.
type Kind int

const (
	// KindUnknown is an unclassified failure.
	KindUnknown Kind = iota

	// KindDial means the backend was unreachable: DNS failure, refused or timed out.
	KindDial

	// KindPeerReset means either side reset the connection.
	KindPeerReset

	// KindIO is a generic read or write failure.
	KindIO

	// KindLedger means the accounting store was unavailable or rejected a write.
	KindLedger

	// KindBind means the listening socket could not be acquired.
	KindBind

	// KindCancelled means the operation stopped because its session was cancelled.
	KindCancelled

	// KindRateLimited means the connection was refused by admission control.
	KindRateLimited
)

// String returns the label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindDial:
		return "dial_failure"
	case KindPeerReset:
		return "peer_reset"
	case KindIO:
		return "io_failure"
	case KindLedger:
		return "ledger_failure"
	case KindBind:
		return "bind_failure"
	case KindCancelled:
		return "cancelled"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Common error types
var (
	// ErrSessionClosed is returned when a closed session is asked to change state.
	ErrSessionClosed = errors.New("session already closed")

	// ErrInvalidTransition indicates a session state change that the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrDuplicateSession indicates a session id is already registered.
	ErrDuplicateSession = errors.New("duplicate session id")

	// ErrBackendUnavailable indicates the backend is unavailable.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrRateLimited indicates the source address exceeded its accept rate.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrNotFound indicates a ledger lookup found no record.
	ErrNotFound = errors.New("record not found")
)

// Error wraps an error with its kind and session context.
type Error struct {
	Kind       Kind   // Classification
	Op         string // Operation that failed
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Kind, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	if e.RemoteAddr != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Kind, e.Op, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error. It returns nil for a nil err.
func New(kind Kind, op, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Classify maps a raw I/O error to a Kind. A nil error and io.EOF classify as
// KindUnknown because they are not failures.
func Classify(err error) Kind {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return KindUnknown
	case KindOf(err) != KindUnknown:
		return KindOf(err)
	case errors.Is(err, context.Canceled), errors.Is(err, net.ErrClosed):
		return KindCancelled
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNABORTED):
		return KindPeerReset
	default:
		return KindIO
	}
}

// IsFatal reports whether err must stop the process. Only startup resource
// acquisition failures qualify.
func IsFatal(err error) bool {
	return KindOf(err) == KindBind
}
