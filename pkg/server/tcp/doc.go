// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the connection-forwarding engine of mongoproxy.
//
// # Overview
//
// The server accepts client connections, dials one backend connection per
// client and relays bytes in both directions without interpreting them. Every
// accepted source address is counted in a ledger before the backend is dialed.
//
// # Architecture
//
//	┌─────────┐         ┌─────────┐         ┌─────────┐
//	│ Client  │ ←─TCP─→ │ Session │ ←─TCP─→ │ Backend │
//	└─────────┘         └─────────┘         └─────────┘
//	                      ↑     ↓
//	               ┌────────┐ ┌────────┐
//	               │ Reaper │ │ Ledger │
//	               └────────┘ └────────┘
//
// # Session Lifecycle
//
//	Connecting ──dial ok──→ Relaying ──pump ended / cancelled──→ Closing ──→ Closed
//	     └────────────dial failed / rate limited──────────────────────────────↑
//
// Each session runs two pumps, upstream (client → backend) and downstream
// (backend → client). The first pump to end, or a cancellation, moves the
// session to Closing: both sockets are closed so the sibling pump unblocks,
// then the session waits for it and reaches Closed.
//
// Cancel only signals a session. Sockets are closed by the goroutine that
// owns the session, and only that goroutine removes it from the registry.
//
// # Idle Reaper
//
// Every ReapInterval the reaper scans the registry and cancels sessions with
// no traffic for longer than IdleTimeout.
//
// # Graceful Shutdown
//
// When the context is cancelled:
//
//  1. The listener is closed and the accept loop returns
//  2. Every live session is cancelled with reason "shutdown"
//  3. The server waits up to ShutdownTimeout for their teardown
//  4. ErrShutdownTimeout is returned if sessions are still open
//
// # Example
//
//	d := backend.New(backend.Config{Host: "mongo", Port: "27017"})
//	srv := tcp.New(tcp.Config{Address: ":27018"}, d, ledger.NewMemory(), handler.NewLogHandler(logger))
//	if err := srv.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
