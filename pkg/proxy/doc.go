// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy wires the relay components into a ready-to-run proxy.
//
// # Architecture
//
//	Application
//	     ↓
//	┌─────────────┐
//	│ MongoProxy  │  (Coordinator)
//	└─────────────┘
//	     ↓
//	┌─────────────┐     ┌─────────────┐
//	│ tcp.Server  │ ──→ │   Ledger    │
//	└─────────────┘     └─────────────┘
//	     ↓
//	┌─────────────┐     ┌─────────────┐
//	│   Dialer    │ ──→ │   Breaker   │
//	└─────────────┘     └─────────────┘
//
// # Usage
//
//	l, err := ledger.Open(ctx, "sqlite:///var/lib/mongoproxy/ledger.db", ledger.Options{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer l.Close()
//
//	p, err := proxy.NewMongo(proxy.MongoConfig{
//		Host:       "0.0.0.0",
//		Port:       "27018",
//		TargetHost: "mongo",
//		TargetPort: "27017",
//	}, l, handler.NewLogHandler(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := p.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// The ledger is passed in and outlives the proxy; closing it is the caller's
// job once Listen has returned.
package proxy
