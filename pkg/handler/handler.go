// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"log/slog"
	"time"
)

// Context contains session metadata passed to Handler methods.
type Context struct {
	// SessionID is a unique identifier for this session
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// SourceIP is the client's IP address, the ledger key
	SourceIP string

	// BackendAddr is the address the session relays to
	BackendAddr string

	// StartedAt is when the client connection was accepted
	StartedAt time.Time
}

// Summary describes how a session ended.
type Summary struct {
	// BytesUpstream is the number of bytes relayed client → backend.
	BytesUpstream int64

	// BytesDownstream is the number of bytes relayed backend → client.
	BytesDownstream int64

	// Duration is the time from accept to teardown.
	Duration time.Duration

	// Reason is the close reason label (eof, idle, shutdown, error, dial_failure, ...).
	Reason string

	// Err is the first error that ended the session, nil on a clean close.
	Err error
}

// Handler receives session lifecycle notifications. Errors returned by these
// methods are logged and never affect forwarding.
type Handler interface {
	// OnConnect is called once the backend connection is established and the
	// session starts relaying.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnDisconnect is called exactly once per accepted connection after both
	// sockets are closed, including sessions whose backend dial failed.
	OnDisconnect(ctx context.Context, hctx *Context, sum Summary) error
}

// NoopHandler is a Handler implementation that ignores all notifications.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context, sum Summary) error {
	return nil
}

// LogHandler logs every session event.
type LogHandler struct {
	logger *slog.Logger
}

var _ Handler = (*LogHandler)(nil)

// NewLogHandler creates a LogHandler.
func NewLogHandler(logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{logger: logger}
}

// OnConnect is called after the backend dial succeeds.
func (h *LogHandler) OnConnect(ctx context.Context, hctx *Context) error {
	h.logger.Info("session connected",
		slog.String("session", hctx.SessionID),
		slog.String("client", hctx.RemoteAddr),
		slog.String("backend", hctx.BackendAddr))
	return nil
}

// OnDisconnect is called when the session is closed.
func (h *LogHandler) OnDisconnect(ctx context.Context, hctx *Context, sum Summary) error {
	attrs := []any{
		slog.String("session", hctx.SessionID),
		slog.String("client", hctx.RemoteAddr),
		slog.String("reason", sum.Reason),
		slog.Int64("bytes_upstream", sum.BytesUpstream),
		slog.Int64("bytes_downstream", sum.BytesDownstream),
		slog.Duration("duration", sum.Duration),
	}
	if sum.Err != nil {
		attrs = append(attrs, slog.String("error", sum.Err.Error()))
	}
	h.logger.Info("session closed", attrs...)
	return nil
}
