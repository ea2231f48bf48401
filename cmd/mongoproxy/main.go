// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the MongoDB relay with its status, health and metrics endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/absmach/mongoproxy"
	"github.com/absmach/mongoproxy/pkg/backend"
	"github.com/absmach/mongoproxy/pkg/breaker"
	proxyerrors "github.com/absmach/mongoproxy/pkg/errors"
	"github.com/absmach/mongoproxy/pkg/handler"
	"github.com/absmach/mongoproxy/pkg/health"
	"github.com/absmach/mongoproxy/pkg/ledger"
	"github.com/absmach/mongoproxy/pkg/metrics"
	"github.com/absmach/mongoproxy/pkg/proxy"
	"github.com/absmach/mongoproxy/pkg/ratelimit"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	svcName          = "mongoproxy"
	envPrefix        = ""
	httpReadTimeout  = 5 * time.Second
	httpWriteTimeout = 10 * time.Second
	httpIdleTimeout  = 60 * time.Second
)

func main() {
	envErr := godotenv.Load()

	cfg, err := mongoproxy.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog := setupLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	defer closeLog()
	if envErr != nil {
		logger.Warn("no .env file found, using environment variables")
	}

	if err := run(cfg, logger); err != nil {
		reportFailure(logger, cfg.Address(), err)
		closeLog()
		os.Exit(1)
	}
	logger.Info(fmt.Sprintf("%s service stopped", svcName))
}

func run(cfg mongoproxy.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(svcName, reg)

	store, err := ledger.Open(ctx, cfg.LedgerURL, ledger.Options{Collection: cfg.LedgerCollection})
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close ledger", slog.String("error", err.Error()))
		}
	}()
	instrumented := &InstrumentedLedger{Ledger: store, metrics: m}

	cb := breaker.New(breaker.Config{
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout,
	})
	cb.OnStateChange(func(from, to breaker.State) {
		logger.Warn("circuit breaker state changed",
			slog.String("backend", cfg.TargetAddress()),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.CircuitBreakerState.Set(float64(to))
		if to == breaker.StateOpen {
			m.CircuitBreakerTrips.Inc()
		}
	})

	var resolver backend.Resolver
	if cfg.DNSServer != "" {
		resolver = backend.NewDNSResolver(cfg.DNSServer, cfg.DialTimeout)
		logger.Info("resolving backend through nameserver", slog.String("server", cfg.DNSServer))
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit > 0 {
		limiter = ratelimit.New(cfg.RateLimit, cfg.RateBurst)
	}

	h := &InstrumentedHandler{
		handler: handler.NewLogHandler(logger),
		metrics: m,
	}

	p, err := proxy.NewMongo(proxy.MongoConfig{
		Host:            cfg.Host,
		Port:            cfg.Port,
		ReusePort:       cfg.ReusePort,
		TargetHost:      cfg.TargetHost,
		TargetPort:      cfg.TargetPort,
		DialTimeout:     cfg.DialTimeout,
		Resolver:        resolver,
		Breaker:         cb,
		IdleTimeout:     cfg.IdleTimeout,
		ReapInterval:    cfg.ReaperInterval,
		LedgerTimeout:   cfg.LedgerTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		MaxSessions:     cfg.MaxSessions,
		Limiter:         limiter,
		OnDial: func(took time.Duration, _ error) {
			m.DialDuration.Observe(took.Seconds())
		},
		Logger: logger,
	}, instrumented, h)
	if err != nil {
		return err
	}

	checker := health.NewChecker(10 * time.Second)
	checker.Register("ledger", store.Ping)
	checker.RegisterCritical("listener", func(context.Context) error {
		if p.Addr() == nil {
			return errors.New("relay is not listening")
		}
		return nil
	})
	checker.Register("backend", func(context.Context) error {
		if st := cb.State(); st == breaker.StateOpen {
			return fmt.Errorf("circuit breaker %s", st)
		}
		return nil
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.Listen(ctx)
	})

	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		g.Go(func() error {
			return serveHTTP(ctx, "metrics", fmt.Sprintf(":%d", cfg.MetricsPort), mux, logger)
		})
	}

	if cfg.StatusPort > 0 {
		mux := health.NewMux(checker, health.StatusHandler(instrumented, p, logger))
		g.Go(func() error {
			return serveHTTP(ctx, "status", fmt.Sprintf(":%d", cfg.StatusPort), mux, logger)
		})
	}

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	logger.Info(fmt.Sprintf("%s service started", svcName),
		slog.String("address", cfg.Address()),
		slog.String("backend", cfg.TargetAddress()),
		slog.String("ledger", ledgerScheme(cfg.LedgerURL)))

	return g.Wait()
}

// reportFailure logs why run returned. Failing to acquire the relay listener
// is reported on its own so operators can tell it from runtime failures.
func reportFailure(logger *slog.Logger, addr string, err error) {
	if proxyerrors.IsFatal(err) {
		logger.Error("failed to bind relay listener",
			slog.String("address", addr),
			slog.String("error", err.Error()))
		return
	}
	logger.Error(fmt.Sprintf("%s service terminated with error: %s", svcName, err))
}

// serveHTTP runs an auxiliary HTTP server until ctx is cancelled.
func serveHTTP(ctx context.Context, name, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  httpReadTimeout,
		WriteTimeout: httpWriteTimeout,
		IdleTimeout:  httpIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("starting %s server", name), slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpWriteTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// StopSignalHandler cancels the root context on SIGINT or SIGTERM.
func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

// setupLogger creates a structured logger with the specified level and format.
// When file is set, records are also written to a rotating log file.
func setupLogger(level, format, file string) (*slog.Logger, func()) {
	var out io.Writer = os.Stdout
	closeFn := func() {}
	if file != "" {
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closeFn = func() { rotator.Close() }
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), closeFn
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ledgerScheme strips credentials from the ledger URL for logging.
func ledgerScheme(raw string) string {
	if i := strings.Index(raw, "://"); i >= 0 {
		return raw[:i]
	}
	return "memory"
}
