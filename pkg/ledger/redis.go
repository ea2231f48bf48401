// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Ledger = (*Redis)(nil)

// upsertScript applies the whole read-increment-write on the server, so the
// update is atomic per key. Timestamps are unix milliseconds.
var upsertScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], 'ip', ARGV[1])
local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
local first = tonumber(redis.call('HGET', KEYS[1], 'first_seen') or '0')
local last = tonumber(redis.call('HGET', KEYS[1], 'last_seen') or '0')
local seen = tonumber(ARGV[2])
if count == 1 or seen < first then
	redis.call('HSET', KEYS[1], 'first_seen', ARGV[2])
end
if seen > last then
	redis.call('HSET', KEYS[1], 'last_seen', ARGV[2])
	redis.call('ZADD', KEYS[2], seen, ARGV[1])
end
return count
`)

// Redis is a Ledger keeping one hash per source IP plus a sorted-set index
// ordered by last-seen time.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to the server named by rawURL and checks it responds.
func NewRedis(ctx context.Context, rawURL, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis ledger: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) key(ip string) string { return r.prefix + ":ip:" + ip }
func (r *Redis) index() string        { return r.prefix + ":by_last_seen" }

// Upsert implements Ledger.
func (r *Redis) Upsert(ctx context.Context, ip string, seen time.Time) error {
	if err := validateIP(ip); err != nil {
		return err
	}
	keys := []string{r.key(ip), r.index()}
	if err := upsertScript.Run(ctx, r.client, keys, ip, seen.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("redis ledger upsert: %w", err)
	}
	return nil
}

// Get implements Ledger.
func (r *Redis) Get(ctx context.Context, ip string) (Record, error) {
	fields, err := r.client.HGetAll(ctx, r.key(ip)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("redis ledger get: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}
	return parseHash(fields)
}

// List implements Ledger.
func (r *Redis) List(ctx context.Context, limit int) ([]Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ips, err := r.client.ZRevRange(ctx, r.index(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ledger list: %w", err)
	}
	if len(ips) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ips))
	for i, ip := range ips {
		cmds[i] = pipe.HGetAll(ctx, r.key(ip))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis ledger list: %w", err)
	}

	out := make([]Record, 0, len(ips))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := parseHash(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Ping implements Ledger.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close implements Ledger.
func (r *Redis) Close() error {
	return r.client.Close()
}

func parseHash(fields map[string]string) (Record, error) {
	count, err := strconv.ParseInt(fields["count"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("redis ledger: bad count: %w", err)
	}
	first, err := strconv.ParseInt(fields["first_seen"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("redis ledger: bad first_seen: %w", err)
	}
	last, err := strconv.ParseInt(fields["last_seen"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("redis ledger: bad last_seen: %w", err)
	}
	return Record{
		IP:        fields["ip"],
		Count:     count,
		FirstSeen: time.UnixMilli(first).UTC(),
		LastSeen:  time.UnixMilli(last).UTC(),
	}, nil
}
