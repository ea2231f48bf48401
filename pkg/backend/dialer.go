// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package backend dials the database the proxy relays to.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/absmach/mongoproxy/pkg/breaker"
	proxyerrors "github.com/absmach/mongoproxy/pkg/errors"
)

// DefaultTimeout bounds resolution plus connection establishment.
const DefaultTimeout = 10 * time.Second

// Config holds the backend dial configuration.
type Config struct {
	// Host is the backend host name or IP address.
	Host string

	// Port is the backend port.
	Port string

	// Timeout bounds one dial attempt across all resolved addresses.
	Timeout time.Duration

	// Resolver resolves Host. Defaults to net.DefaultResolver.
	Resolver Resolver

	// Breaker, when set, fails dials fast while the backend is down.
	Breaker *breaker.Breaker
}

// Dialer opens one fresh backend connection per session.
type Dialer struct {
	config Config
	dialer net.Dialer
}

// New creates a Dialer.
func New(cfg Config) *Dialer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	return &Dialer{
		config: cfg,
		dialer: net.Dialer{KeepAlive: 30 * time.Second},
	}
}

// Address returns the configured host:port.
func (d *Dialer) Address() string {
	return net.JoinHostPort(d.config.Host, d.config.Port)
}

// DialContext connects to the backend. Every failure is a KindDial error.
// Dials abandoned because ctx was cancelled are not counted by the breaker.
func (d *Dialer) DialContext(ctx context.Context) (net.Conn, error) {
	if d.config.Breaker != nil {
		if err := d.config.Breaker.Allow(); err != nil {
			return nil, proxyerrors.New(proxyerrors.KindDial, "dial", "", d.Address(), err)
		}
	}

	conn, err := d.dial(ctx)
	if d.config.Breaker != nil && ctx.Err() == nil {
		d.config.Breaker.Record(err)
	}
	if err != nil {
		return nil, proxyerrors.New(proxyerrors.KindDial, "dial", "", d.Address(), err)
	}
	return conn, nil
}

func (d *Dialer) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	hosts, err := d.config.Resolver.LookupHost(ctx, d.config.Host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", d.config.Host, err)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("resolve %s: %w", d.config.Host, proxyerrors.ErrBackendUnavailable)
	}

	var errs []error
	for _, host := range hosts {
		conn, err := d.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, d.config.Port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}
