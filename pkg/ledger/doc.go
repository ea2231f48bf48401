// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ledger records per-source-IP connection counters.
//
// # Overview
//
// Every accepted client connection results in one Upsert for its source IP,
// even when the backend dial that follows fails. A Record holds the hit count,
// the first time the address was seen and the most recent time it was seen.
//
// # Backends
//
//   - memory://            process-local map, used by tests and single-node setups
//   - sqlite://<path>      modernc.org/sqlite, UNIQUE index on ip, ON CONFLICT upsert
//   - redis://host:port/0  one hash per ip updated by a Lua script, sorted-set index
//   - mongodb://host/db    unique index on ip, $inc / $setOnInsert / $max upsert
//
// # Concurrency
//
// Upsert is linearizable per key in every backend: the store itself applies the
// read-increment-write atomically, so concurrent connections from one address
// never lose an update. Callers treat ledger errors as non-fatal; accounting
// must never stop a session from relaying bytes.
//
// # Example
//
//	l, err := ledger.Open(ctx, "sqlite:///var/lib/mongoproxy/ledger.db", ledger.Options{})
//	if err != nil {
//		return err
//	}
//	defer l.Close()
//
//	if err := l.Upsert(ctx, "10.0.0.7", time.Now()); err != nil {
//		logger.Warn("ledger upsert failed", slog.String("error", err.Error()))
//	}
package ledger
