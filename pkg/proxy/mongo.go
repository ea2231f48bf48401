// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/mongoproxy/pkg/backend"
	"github.com/absmach/mongoproxy/pkg/breaker"
	"github.com/absmach/mongoproxy/pkg/handler"
	"github.com/absmach/mongoproxy/pkg/ledger"
	"github.com/absmach/mongoproxy/pkg/ratelimit"
	"github.com/absmach/mongoproxy/pkg/server/tcp"
)

var errNoLedger = errors.New("ledger is required")

// MongoConfig holds configuration for the MongoDB relay.
type MongoConfig struct {
	Host       string
	Port       string
	ReusePort  bool
	TargetHost string
	TargetPort string

	DialTimeout time.Duration
	Resolver    backend.Resolver
	Breaker     *breaker.Breaker

	IdleTimeout     time.Duration
	ReapInterval    time.Duration
	LedgerTimeout   time.Duration
	ShutdownTimeout time.Duration
	MaxSessions     int64
	Limiter         *ratelimit.Limiter

	// OnDial, when set, observes every backend dial attempt.
	OnDial func(took time.Duration, err error)

	Logger *slog.Logger
}

// MongoProxy coordinates the TCP relay, the backend dialer and the ledger.
type MongoProxy struct {
	server *tcp.Server
}

// NewMongo creates a MongoDB relay. The ledger stays owned by the caller.
func NewMongo(cfg MongoConfig, l ledger.Ledger, h handler.Handler) (*MongoProxy, error) {
	if l == nil {
		return nil, errNoLedger
	}

	var d tcp.Dialer = backend.New(backend.Config{
		Host:     cfg.TargetHost,
		Port:     cfg.TargetPort,
		Timeout:  cfg.DialTimeout,
		Resolver: cfg.Resolver,
		Breaker:  cfg.Breaker,
	})
	if cfg.OnDial != nil {
		d = &observedDialer{Dialer: d, observe: cfg.OnDial}
	}

	serverCfg := tcp.Config{
		Address:         net.JoinHostPort(cfg.Host, cfg.Port),
		IdleTimeout:     cfg.IdleTimeout,
		ReapInterval:    cfg.ReapInterval,
		LedgerTimeout:   cfg.LedgerTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		MaxSessions:     cfg.MaxSessions,
		ReusePort:       cfg.ReusePort,
		Limiter:         cfg.Limiter,
		Logger:          cfg.Logger,
	}

	return &MongoProxy{
		server: tcp.New(serverCfg, d, l, h),
	}, nil
}

// Listen starts the relay and blocks until ctx is cancelled.
func (p *MongoProxy) Listen(ctx context.Context) error {
	return p.server.Listen(ctx)
}

// Serve runs the relay on an existing listener.
func (p *MongoProxy) Serve(ctx context.Context, l net.Listener) error {
	return p.server.Serve(ctx, l)
}

// Addr returns the bound address, nil until the relay is listening.
func (p *MongoProxy) Addr() net.Addr {
	return p.server.Addr()
}

// Count returns the number of live sessions.
func (p *MongoProxy) Count() int {
	return p.server.Count()
}

// Sessions returns a snapshot of the live sessions.
func (p *MongoProxy) Sessions() []tcp.Info {
	return p.server.Sessions()
}

type observedDialer struct {
	tcp.Dialer
	observe func(time.Duration, error)
}

func (d *observedDialer) DialContext(ctx context.Context) (net.Conn, error) {
	start := time.Now()
	conn, err := d.Dialer.DialContext(ctx)
	d.observe(time.Since(start), err)
	return conn, err
}
