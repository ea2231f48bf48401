// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"syscall"
	"testing"

	proxyerrors "github.com/absmach/mongoproxy/pkg/errors"
)

type errWriter struct {
	err error
}

func (w *errWriter) Write(p []byte) (int, error) {
	return 0, w.err
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) {
	return len(p) / 2, nil
}

type flushBuffer struct {
	bytes.Buffer
	flushes int
}

func (f *flushBuffer) Flush() error {
	f.flushes++
	return nil
}

type errReader struct {
	data []byte
	err  error
}

func (r *errReader) Read(p []byte) (int, error) {
	if len(r.data) > 0 {
		n := copy(p, r.data)
		r.data = r.data[n:]
		return n, nil
	}
	return 0, r.err
}

func TestPump_Fidelity(t *testing.T) {
	payload := make([]byte, 3*BufferSize+17)
	rand.New(rand.NewSource(1)).Read(payload)

	var dst bytes.Buffer
	activity := 0
	p := NewPump("s1", Upstream, bytes.NewReader(payload), &dst, func() { activity++ })

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !bytes.Equal(dst.Bytes(), payload) {
		t.Error("destination bytes differ from source")
	}
	if got := p.Bytes(); got != int64(len(payload)) {
		t.Errorf("Bytes() = %d, want %d", got, len(payload))
	}
	if activity == 0 {
		t.Error("activity callback never called")
	}
}

func TestPump_FlushesEveryWrite(t *testing.T) {
	dst := &flushBuffer{}
	p := NewPump("s1", Downstream, bytes.NewReader(make([]byte, 2*BufferSize)), dst, nil)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if dst.flushes != 2 {
		t.Errorf("flushes = %d, want 2", dst.flushes)
	}
}

func TestPump_Errors(t *testing.T) {
	cases := []struct {
		desc string
		src  io.Reader
		dst  io.Writer
		kind proxyerrors.Kind
	}{
		{
			desc: "write reset by peer",
			src:  bytes.NewReader([]byte("ping")),
			dst:  &errWriter{err: syscall.ECONNRESET},
			kind: proxyerrors.KindPeerReset,
		},
		{
			desc: "short write",
			src:  bytes.NewReader([]byte("ping")),
			dst:  shortWriter{},
			kind: proxyerrors.KindIO,
		},
		{
			desc: "read failure after data",
			src:  &errReader{data: []byte("partial"), err: errors.New("disk on fire")},
			dst:  io.Discard,
			kind: proxyerrors.KindIO,
		},
		{
			desc: "broken pipe on read",
			src:  &errReader{err: syscall.EPIPE},
			dst:  io.Discard,
			kind: proxyerrors.KindPeerReset,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			p := NewPump("s1", Upstream, tc.src, tc.dst, nil)
			err := p.Run(context.Background())
			if err == nil {
				t.Fatal("Run() error = nil, want error")
			}
			if got := proxyerrors.KindOf(err); got != tc.kind {
				t.Errorf("KindOf() = %v, want %v (err %v)", got, tc.kind, err)
			}
		})
	}
}

func TestPump_PartialDataForwardedBeforeError(t *testing.T) {
	var dst bytes.Buffer
	p := NewPump("s1", Upstream, &errReader{data: []byte("partial"), err: syscall.ECONNRESET}, &dst, nil)

	if err := p.Run(context.Background()); err == nil {
		t.Fatal("Run() error = nil, want error")
	}
	if dst.String() != "partial" {
		t.Errorf("forwarded %q, want %q", dst.String(), "partial")
	}
}

func TestPump_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var dst bytes.Buffer
	p := NewPump("s1", Downstream, bytes.NewReader([]byte("never")), &dst, nil)

	err := p.Run(ctx)
	if got := proxyerrors.KindOf(err); got != proxyerrors.KindCancelled {
		t.Errorf("KindOf() = %v, want %v", got, proxyerrors.KindCancelled)
	}
	if dst.Len() != 0 {
		t.Errorf("forwarded %d bytes after cancellation", dst.Len())
	}
}

func TestDirection_String(t *testing.T) {
	if Upstream.String() != "upstream" || Downstream.String() != "downstream" {
		t.Errorf("unexpected direction names %q %q", Upstream, Downstream)
	}
	if Direction(9).String() != "unknown" {
		t.Errorf("Direction(9) = %q, want unknown", Direction(9))
	}
}
