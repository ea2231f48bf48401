// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the session lifecycle notification interface.
//
// # Data Flow
//
//	accept → ledger upsert → dial backend → OnConnect → relay ... → teardown → OnDisconnect
//	accept → ledger upsert → dial fails                          → teardown → OnDisconnect
//
// The relay never inspects payload bytes, so handlers only see session
// metadata (Context) and, on disconnect, a Summary with byte counts, duration
// and close reason.
//
// # Implementation
//
// NoopHandler ignores every event and LogHandler writes one line per event.
// Handler errors are logged by the server and never interrupt forwarding.
//
// # Example
//
//	type AuditHandler struct {
//		sink AuditSink
//	}
//
//	func (h *AuditHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
//		return h.sink.Opened(hctx.SessionID, hctx.SourceIP)
//	}
//
//	func (h *AuditHandler) OnDisconnect(ctx context.Context, hctx *handler.Context, sum handler.Summary) error {
//		return h.sink.Closed(hctx.SessionID, sum.Reason, sum.BytesUpstream+sum.BytesDownstream)
//	}
package handler
