// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	proxyerrors "github.com/absmach/mongoproxy/pkg/errors"
)

// DefaultCollection names the table, collection or key prefix holding records.
const DefaultCollection = "connections"

// ErrNotFound is returned by Get when no record exists for the address.
var ErrNotFound = proxyerrors.ErrNotFound

var collectionName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Record is the per-source-address connection counter.
type Record struct {
	IP        string    `json:"ip"         bson:"ip"`
	Count     int64     `json:"count"      bson:"count"`
	FirstSeen time.Time `json:"first_seen" bson:"first_seen"`
	LastSeen  time.Time `json:"last_seen"  bson:"last_seen"`
}

// Ledger stores one Record per source IP.
//
// Upsert must be linearizable per key: two concurrent upserts for the same IP
// always end with the count increased by two. LastSeen never moves backwards
// and FirstSeen is set only when the record is created.
type Ledger interface {
	// Upsert creates the record for ip with count 1, or increments its count
	// and advances LastSeen to seen.
	Upsert(ctx context.Context, ip string, seen time.Time) error

	// Get returns the record for ip or ErrNotFound.
	Get(ctx context.Context, ip string) (Record, error)

	// List returns up to limit records, most recently seen first.
	List(ctx context.Context, limit int) ([]Record, error)

	// Ping checks that the underlying store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store connection.
	Close() error
}

// Options configures Open.
type Options struct {
	// Collection is the table (SQLite), collection (MongoDB) or key prefix (Redis).
	Collection string
}

// Open connects to the ledger named by rawURL. Supported schemes are
// memory://, sqlite://<path>, redis:// or rediss://, and mongodb:// or
// mongodb+srv://. An empty URL selects the in-memory ledger.
func Open(ctx context.Context, rawURL string, opts Options) (Ledger, error) {
	if opts.Collection == "" {
		opts.Collection = DefaultCollection
	}
	if !collectionName.MatchString(opts.Collection) {
		return nil, fmt.Errorf("invalid ledger collection name %q", opts.Collection)
	}

	if rawURL == "" {
		return NewMemory(), nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ledger url: %w", err)
	}

	switch u.Scheme {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(ctx, strings.TrimPrefix(rawURL, "sqlite://"), opts.Collection)
	case "redis", "rediss":
		return NewRedis(ctx, rawURL, opts.Collection)
	case "mongodb", "mongodb+srv":
		return NewMongo(ctx, rawURL, opts.Collection)
	default:
		return nil, fmt.Errorf("unsupported ledger scheme %q", u.Scheme)
	}
}

func validateIP(ip string) error {
	if ip == "" {
		return fmt.Errorf("empty source address")
	}
	return nil
}
