// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	proxyerrors "github.com/absmach/mongoproxy/pkg/errors"
)

// State is a session lifecycle state.
type State int32

const (
	// StateConnecting means the backend dial is in progress.
	StateConnecting State = iota

	// StateRelaying means both pumps are running.
	StateRelaying

	// StateClosing means a pump ended or the session was cancelled and the
	// sockets are being released.
	StateClosing

	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// allowed lists the legal successors of every state.
var allowed = map[State][]State{
	StateConnecting: {StateRelaying, StateClosed},
	StateRelaying:   {StateClosing},
	StateClosing:    {StateClosed},
}

// Close reasons reported in handler.Summary and metrics.
const (
	ReasonEOF         = "eof"
	ReasonIdle        = "idle"
	ReasonShutdown    = "shutdown"
	ReasonPeerReset   = "peer_reset"
	ReasonIOFailure   = "io_failure"
	ReasonError       = "error"
	ReasonDialFailure = "dial_failure"
	ReasonRateLimited = "rate_limited"
)

// Session is one relayed client ↔ backend connection pair.
//
// Only the goroutine running the session touches its sockets. Other
// goroutines (the reaper, shutdown) interact through Cancel, which is a
// non-blocking signal.
type Session struct {
	ID         string
	ClientAddr string
	SourceIP   string
	CreatedAt  time.Time

	client  net.Conn
	backend net.Conn
	up      *Pump
	down    *Pump

	state        atomic.Int32
	lastActivity atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards reason, backendAddr and the pump pointers.
	mu          sync.Mutex
	reason      string
	backendAddr string

	closeOnce sync.Once
	done      chan struct{}
	now       func() time.Time
}

func newSession(parent context.Context, id string, client net.Conn, backendAddr string, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(parent)
	created := now()

	s := &Session{
		ID:          id,
		ClientAddr:  client.RemoteAddr().String(),
		SourceIP:    sourceIP(client.RemoteAddr()),
		CreatedAt:   created,
		client:      client,
		ctx:         ctx,
		cancel:      cancel,
		backendAddr: backendAddr,
		done:        make(chan struct{}),
		now:         now,
	}
	s.state.Store(int32(StateConnecting))
	s.lastActivity.Store(created.UnixNano())
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// LastActivity returns the time of the last byte read or written in either direction.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// IdleFor returns how long the session has been inactive at now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity())
}

// Done is closed once the session reached StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Reason returns the close reason, empty while the session is healthy.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Bytes returns the bytes relayed upstream and downstream.
func (s *Session) Bytes() (up, down int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.up != nil {
		up = s.up.Bytes()
	}
	if s.down != nil {
		down = s.down.Bytes()
	}
	return up, down
}

// BackendAddr returns the configured backend address until the dial succeeds,
// and the dialed endpoint afterwards.
func (s *Session) BackendAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendAddr
}

// Info is a point-in-time view of a session.
type Info struct {
	ID              string        `json:"id"`
	ClientAddr      string        `json:"client"`
	SourceIP        string        `json:"source_ip"`
	BackendAddr     string        `json:"backend"`
	State           string        `json:"state"`
	CreatedAt       time.Time     `json:"created_at"`
	Idle            time.Duration `json:"idle"`
	BytesUpstream   int64         `json:"bytes_upstream"`
	BytesDownstream int64         `json:"bytes_downstream"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	up, down := s.Bytes()
	return Info{
		ID:              s.ID,
		ClientAddr:      s.ClientAddr,
		SourceIP:        s.SourceIP,
		BackendAddr:     s.BackendAddr(),
		State:           s.State().String(),
		CreatedAt:       s.CreatedAt,
		Idle:            s.IdleFor(s.now()),
		BytesUpstream:   up,
		BytesDownstream: down,
	}
}

// Cancel asks the session to close. It only records the reason and signals
// the session's context; the session's own goroutine closes the sockets.
// Cancelling a closing or closed session is a no-op.
func (s *Session) Cancel(reason string) {
	s.setReason(reason)
	s.cancel()
}

func (s *Session) setReason(reason string) {
	s.mu.Lock()
	if s.reason == "" {
		s.reason = reason
	}
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

// transition moves the session to the given state if the lifecycle allows it.
func (s *Session) transition(to State) error {
	for {
		from := s.State()
		if from == StateClosed {
			return fmt.Errorf("%w: cannot enter %s", proxyerrors.ErrSessionClosed, to)
		}
		legal := false
		for _, next := range allowed[from] {
			if next == to {
				legal = true
				break
			}
		}
		if !legal {
			return fmt.Errorf("%w: %s -> %s", proxyerrors.ErrInvalidTransition, from, to)
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

// connect dials the backend on behalf of the session. A session cancelled
// while the dial was in flight discards the fresh connection.
func (s *Session) connect(dial func(context.Context) (net.Conn, error)) error {
	conn, err := dial(s.ctx)
	if err != nil {
		return err
	}
	if s.ctx.Err() != nil {
		conn.Close()
		return proxyerrors.New(proxyerrors.KindCancelled, "dial", s.ID, s.ClientAddr, s.ctx.Err())
	}

	s.mu.Lock()
	s.backend = conn
	if addr := conn.RemoteAddr(); addr != nil {
		s.backendAddr = addr.String()
	}
	s.up = NewPump(s.ID, Upstream, s.client, conn, s.touch)
	s.down = NewPump(s.ID, Downstream, conn, s.client, s.touch)
	s.mu.Unlock()
	s.touch()
	return s.transition(StateRelaying)
}

// relay runs both pumps until either ends or the session is cancelled, then
// closes both sockets and waits for the sibling pump. It returns the first
// error that is not a consequence of the teardown itself.
func (s *Session) relay() error {
	errCh := make(chan error, 2)
	go func() { errCh <- s.up.Run(s.ctx) }()
	go func() { errCh <- s.down.Run(s.ctx) }()

	var (
		first   error
		pending = 2
	)
	select {
	case first = <-errCh:
		pending--
		s.setReason(reasonFor(first))
	case <-s.ctx.Done():
	}

	if err := s.transition(StateClosing); err != nil {
		return err
	}
	// Cancel before closing so the sibling pump reports the close as a
	// cancellation rather than an I/O failure.
	s.cancel()
	s.closeConns()

	for ; pending > 0; pending-- {
		if err := <-errCh; first == nil && proxyerrors.KindOf(err) != proxyerrors.KindCancelled {
			first = err
		}
	}
	if proxyerrors.KindOf(first) == proxyerrors.KindCancelled {
		return nil
	}
	return first
}

// teardown releases both sockets and moves the session to StateClosed. It is
// safe on every exit path; calling it twice reports ErrSessionClosed.
func (s *Session) teardown() error {
	s.closeConns()
	s.cancel()

	if err := s.transition(StateClosed); err != nil {
		return err
	}
	close(s.done)
	return nil
}

func (s *Session) closeConns() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		backend := s.backend
		s.mu.Unlock()
		errs := []error{s.client.Close()}
		if backend != nil {
			errs = append(errs, backend.Close())
		}
		err = errors.Join(errs...)
	})
	return err
}

func reasonFor(err error) string {
	switch proxyerrors.KindOf(err) {
	case proxyerrors.KindUnknown:
		if err == nil {
			return ReasonEOF
		}
		return ReasonError
	case proxyerrors.KindPeerReset:
		return ReasonPeerReset
	case proxyerrors.KindIO:
		return ReasonIOFailure
	case proxyerrors.KindCancelled:
		return ReasonShutdown
	default:
		return ReasonError
	}
}

func sourceIP(addr net.Addr) string {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
