// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	proxyerrors "github.com/absmach/mongoproxy/pkg/errors"
	"github.com/absmach/mongoproxy/pkg/handler"
	"github.com/absmach/mongoproxy/pkg/ledger"
	"github.com/absmach/mongoproxy/pkg/ratelimit"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

const (
	defaultLedgerTimeout   = 5 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	maxAcceptBackoff       = time.Second
)

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// IdleTimeout is how long a session may stay silent before the reaper
	// cancels it.
	IdleTimeout time.Duration

	// ReapInterval is the period of the idle scan.
	ReapInterval time.Duration

	// LedgerTimeout bounds the per-connection ledger upsert.
	LedgerTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for cancelled sessions to
	// finish their teardown during shutdown.
	ShutdownTimeout time.Duration

	// MaxSessions caps concurrent sessions. Zero means unlimited; when the cap
	// is reached the accept loop stops accepting until a session ends.
	MaxSessions int64

	// ReusePort sets SO_REUSEPORT on the listening socket where supported.
	ReusePort bool

	// Limiter, when enabled, rejects clients that connect too often.
	Limiter *ratelimit.Limiter

	// Logger for server events
	Logger *slog.Logger
}

// Dialer opens backend connections.
type Dialer interface {
	DialContext(ctx context.Context) (net.Conn, error)
	Address() string
}

// Server accepts client connections and relays each one to a freshly dialed
// backend connection, recording every accepted source address in a ledger.
type Server struct {
	config   Config
	dialer   Dialer
	ledger   ledger.Ledger
	handler  handler.Handler
	registry *Registry
	sem      *semaphore.Weighted
	wg       sync.WaitGroup

	mu   sync.Mutex
	addr net.Addr
}

// New creates a TCP server. The ledger and dialer are owned by the caller and
// outlive every session.
func New(cfg Config, d Dialer, l ledger.Ledger, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = defaultLedgerTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	s := &Server{
		config:   cfg,
		dialer:   d,
		ledger:   l,
		handler:  h,
		registry: NewRegistry(),
	}
	if cfg.MaxSessions > 0 {
		s.sem = semaphore.NewWeighted(cfg.MaxSessions)
	}
	return s
}

// Listen binds the configured address and serves until ctx is cancelled.
// A bind failure is returned as a KindBind error.
func (s *Server) Listen(ctx context.Context) error {
	lc := listenConfig(s.config.ReusePort)
	listener, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return proxyerrors.New(proxyerrors.KindBind, "listen", "", s.config.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled. On shutdown it
// stops accepting, cancels every live session and waits for their teardown.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	s.config.Logger.Info("TCP server started",
		slog.String("address", listener.Addr().String()),
		slog.String("backend", s.dialer.Address()))

	// Sessions are not children of ctx: shutdown cancels them explicitly so
	// each one records why it ended.
	sessCtx, sessCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer sessCancel()

	loopCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		<-gctx.Done()
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
		}
		return nil
	})
	g.Go(func() error {
		return NewReaper(s.registry, s.config.ReapInterval, s.config.IdleTimeout, s.config.Logger).Run(gctx)
	})
	g.Go(func() error {
		defer stop()
		return s.acceptLoop(gctx, sessCtx, listener)
	})
	loopErr := g.Wait()

	n := s.registry.CancelAll(ReasonShutdown)
	s.config.Logger.Info("shutdown signal received, cancelling sessions", slog.Int("sessions", n))
	sessCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all sessions closed gracefully")
		return loopErr
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded",
			slog.Int("sessions", s.registry.Count()))
		return ErrShutdownTimeout
	}
}

// acceptLoop runs until the listener is closed. Per-connection failures never
// end it.
func (s *Server) acceptLoop(ctx, sessCtx context.Context, listener net.Listener) error {
	var backoff time.Duration
	for {
		if s.sem != nil {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
		}

		conn, err := listener.Accept()
		if err != nil {
			s.release()
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			s.config.Logger.Error("failed to accept connection",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = 0

		sess := newSession(sessCtx, uuid.New().String(), conn, s.dialer.Address(), nil)
		if err := s.registry.Add(sess); err != nil {
			s.config.Logger.Error("failed to register session", slog.String("error", err.Error()))
			conn.Close()
			s.release()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release()
			s.handleSession(sess)
		}()
	}
}

func (s *Server) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

// handleSession drives one session from accept to teardown:
//  1. Upsert the ledger record for the source address
//  2. Apply the per-address rate limit
//  3. Dial the backend
//  4. Relay both directions until either ends or the session is cancelled
//  5. Close both sockets, unregister and notify the handler
func (s *Server) handleSession(sess *Session) {
	logger := s.config.Logger.With(
		slog.String("session", sess.ID),
		slog.String("client", sess.ClientAddr))

	hctx := &handler.Context{
		SessionID:   sess.ID,
		RemoteAddr:  sess.ClientAddr,
		SourceIP:    sess.SourceIP,
		BackendAddr: sess.BackendAddr(),
		StartedAt:   sess.CreatedAt,
	}

	s.record(sess, logger)

	var err error
	if s.config.Limiter.Enabled() && !s.config.Limiter.Allow(sess.SourceIP) {
		sess.setReason(ReasonRateLimited)
		err = proxyerrors.New(proxyerrors.KindRateLimited, "admit", sess.ID, sess.ClientAddr, proxyerrors.ErrRateLimited)
	} else if err = sess.connect(s.dialer.DialContext); err != nil {
		sess.setReason(ReasonDialFailure)
	}

	if err == nil {
		hctx.BackendAddr = sess.BackendAddr()
		if herr := s.handler.OnConnect(sess.ctx, hctx); herr != nil {
			logger.Error("connect handler error", slog.String("error", herr.Error()))
		}
		logger.Debug("session relaying", slog.String("backend", hctx.BackendAddr))
		err = sess.relay()
	}

	if terr := sess.teardown(); terr != nil {
		logger.Error("session teardown", slog.String("error", terr.Error()))
	}
	s.registry.Remove(sess.ID)

	sum := s.summarize(sess, err)
	switch {
	case err == nil:
	case sum.Reason == ReasonDialFailure:
		logger.Warn("backend dial failed", slog.String("error", err.Error()))
	default:
		logger.Debug("session ended with error", slog.String("error", err.Error()))
	}

	if herr := s.handler.OnDisconnect(context.Background(), hctx, sum); herr != nil {
		logger.Error("disconnect handler error", slog.String("error", herr.Error()))
	}
}

// record upserts the ledger entry for the session's source address. Ledger
// failures are logged and never affect forwarding.
func (s *Server) record(sess *Session, logger *slog.Logger) {
	if s.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(sess.ctx, s.config.LedgerTimeout)
	defer cancel()

	if err := s.ledger.Upsert(ctx, sess.SourceIP, sess.CreatedAt); err != nil {
		err = proxyerrors.New(proxyerrors.KindLedger, "upsert", sess.ID, sess.ClientAddr, err)
		logger.Warn("ledger upsert failed", slog.String("error", err.Error()))
	}
}

func (s *Server) summarize(sess *Session, err error) handler.Summary {
	up, down := sess.Bytes()
	reason := sess.Reason()
	if reason == "" {
		reason = ReasonShutdown
	}
	return handler.Summary{
		BytesUpstream:   up,
		BytesDownstream: down,
		Duration:        sess.now().Sub(sess.CreatedAt),
		Reason:          reason,
		Err:             err,
	}
}

// Addr returns the bound listen address, nil before Serve is called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Sessions returns a snapshot of the live sessions.
func (s *Server) Sessions() []Info {
	live := s.registry.Snapshot()
	out := make([]Info, 0, len(live))
	for _, sess := range live {
		out = append(out, sess.Info())
	}
	return out
}

// Count returns the number of live sessions.
func (s *Server) Count() int {
	return s.registry.Count()
}
