// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mongoproxy holds the process-level configuration of the relay.
package mongoproxy

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/caarlos0/env/v11"
)

var errInvalidConfig = errors.New("invalid configuration")

// Config is the relay configuration, read from the environment.
type Config struct {
	// Relay
	Host            string        `env:"PROXY_HOST"        envDefault:"0.0.0.0"`
	Port            string        `env:"PROXY_PORT"        envDefault:"27017"`
	ReusePort       bool          `env:"REUSE_PORT"        envDefault:"false"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT"      envDefault:"300s"`
	ReaperInterval  time.Duration `env:"REAPER_INTERVAL"   envDefault:"300s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"  envDefault:"30s"`
	MaxSessions     int64         `env:"MAX_SESSIONS"      envDefault:"0"`

	// Backend
	TargetHost  string        `env:"MONGO_HOST"    envDefault:"localhost"`
	TargetPort  string        `env:"MONGO_PORT"    envDefault:"27017"`
	DialTimeout time.Duration `env:"DIAL_TIMEOUT"  envDefault:"10s"`
	DNSServer   string        `env:"DNS_SERVER"`

	// Ledger
	LedgerURL        string        `env:"LEDGER_URL"         envDefault:"memory://"`
	LedgerTimeout    time.Duration `env:"LEDGER_TIMEOUT"     envDefault:"5s"`
	LedgerCollection string        `env:"LEDGER_COLLECTION"  envDefault:"connections"`

	// Admission
	RateLimit float64 `env:"RATE_LIMIT"  envDefault:"0"`
	RateBurst int     `env:"RATE_BURST"  envDefault:"10"`

	// Circuit Breaker
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"   envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT"  envDefault:"30s"`

	// Observability
	StatusPort  int    `env:"STATUS_PORT"   envDefault:"8080"`
	MetricsPort int    `env:"METRICS_PORT"  envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL"     envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"    envDefault:"json"`
	LogFile     string `env:"LOG_FILE"`
}

// NewConfig parses the environment into a Config and validates it.
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports the first setting the relay cannot run with.
func (c Config) Validate() error {
	durations := []struct {
		key string
		val time.Duration
	}{
		{"IDLE_TIMEOUT", c.IdleTimeout},
		{"REAPER_INTERVAL", c.ReaperInterval},
		{"SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
		{"DIAL_TIMEOUT", c.DialTimeout},
		{"LEDGER_TIMEOUT", c.LedgerTimeout},
		{"BREAKER_RESET_TIMEOUT", c.BreakerResetTimeout},
	}
	for _, d := range durations {
		if d.val <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", errInvalidConfig, d.key, d.val)
		}
	}

	switch {
	case c.Port == "":
		return fmt.Errorf("%w: PROXY_PORT is required", errInvalidConfig)
	case c.TargetHost == "" || c.TargetPort == "":
		return fmt.Errorf("%w: MONGO_HOST and MONGO_PORT are required", errInvalidConfig)
	case c.MaxSessions < 0:
		return fmt.Errorf("%w: MAX_SESSIONS must not be negative", errInvalidConfig)
	case c.RateLimit < 0:
		return fmt.Errorf("%w: RATE_LIMIT must not be negative", errInvalidConfig)
	case c.RateLimit > 0 && c.RateBurst <= 0:
		return fmt.Errorf("%w: RATE_BURST must be positive when RATE_LIMIT is set", errInvalidConfig)
	case c.BreakerMaxFailures < 0:
		return fmt.Errorf("%w: BREAKER_MAX_FAILURES must not be negative", errInvalidConfig)
	case c.StatusPort < 0 || c.MetricsPort < 0:
		return fmt.Errorf("%w: ports must not be negative", errInvalidConfig)
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("%w: LOG_FORMAT must be json or text, got %q", errInvalidConfig, c.LogFormat)
	}
	return nil
}

// Address returns the listen address.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// TargetAddress returns the backend address.
func (c Config) TargetAddress() string {
	return net.JoinHostPort(c.TargetHost, c.TargetPort)
}
