// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	proxyerrors "github.com/absmach/mongoproxy/pkg/errors"
)

// BufferSize is the fixed read buffer size of a Pump.
const BufferSize = 4096

// Direction indicates the direction of byte flow.
type Direction int

const (
	// Upstream represents bytes flowing from client to backend server.
	Upstream Direction = iota

	// Downstream represents bytes flowing from backend server to client.
	Downstream
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}

type flusher interface {
	Flush() error
}

// Pump forwards bytes from src to dst in one direction.
type Pump struct {
	sessionID string
	dir       Direction
	src       io.Reader
	dst       io.Writer
	activity  func()
	bytes     atomic.Int64
}

// NewPump creates a pump. activity, if non-nil, is called after every
// successful read and every successful write.
func NewPump(sessionID string, dir Direction, src io.Reader, dst io.Writer, activity func()) *Pump {
	if activity == nil {
		activity = func() {}
	}
	return &Pump{
		sessionID: sessionID,
		dir:       dir,
		src:       src,
		dst:       dst,
		activity:  activity,
	}
}

// Bytes returns the number of bytes written to dst so far.
func (p *Pump) Bytes() int64 {
	return p.bytes.Load()
}

// Run copies until src reports EOF, an I/O call fails, or ctx is cancelled.
// It returns nil on EOF and a classified *errors.Error otherwise. Run never
// retries a failed call. A read blocked on a socket only returns once the
// socket is closed, so cancelling ctx alone does not interrupt it.
func (p *Pump) Run(ctx context.Context) error {
	buf := make([]byte, BufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return p.fail(ctx, "read", err)
		}

		n, rerr := p.src.Read(buf)
		if n > 0 {
			p.activity()
			if err := p.write(buf[:n]); err != nil {
				return p.fail(ctx, "write", err)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return p.fail(ctx, "read", rerr)
		}
	}
}

func (p *Pump) write(b []byte) error {
	n, err := p.dst.Write(b)
	p.bytes.Add(int64(n))
	if err != nil {
		return err
	}
	if n < len(b) {
		return io.ErrShortWrite
	}
	if f, ok := p.dst.(flusher); ok {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	p.activity()
	return nil
}

func (p *Pump) fail(ctx context.Context, op string, err error) error {
	kind := proxyerrors.Classify(err)
	if ctx.Err() != nil {
		kind = proxyerrors.KindCancelled
	}
	return proxyerrors.New(kind, op+" "+p.dir.String(), p.sessionID, "", err)
}
