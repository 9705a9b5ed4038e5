// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fleetnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/luxfi/fleetnet/packet"
)

func init() {
	registerTransport(TransportTCP, dialTCP, listenTCP)
}

// DialTransport opens a raw transport to addr ("tcp://host:port",
// "ws://host:port", "grpc://host:port" or a bare "host:port").
func DialTransport(ctx context.Context, addr string, opts ...Option) (Transport, error) {
	return dialTransport(ctx, addr, newOptions(opts))
}

func dialTransport(ctx context.Context, addr string, o *options) (Transport, error) {
	name, hostport := ParseAddr(addr)
	dial, _, err := lookupTransport(name)
	if err != nil {
		return nil, err
	}
	return dial(ctx, hostport, o)
}

// ListenTransport creates a raw transport listener on addr.
func ListenTransport(addr string, opts ...Option) (Listener, error) {
	return listenTransport(addr, newOptions(opts))
}

func listenTransport(addr string, o *options) (Listener, error) {
	name, hostport := ParseAddr(addr)
	_, listen, err := lookupTransport(name)
	if err != nil {
		return nil, err
	}
	return listen(hostport, o)
}

// dialTCP creates a TCP transport
func dialTCP(ctx context.Context, addr string, o *options) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial: %w", err)
	}
	return NewStreamTransport(conn, o.maxFrame), nil
}

// listenTCP creates a TCP listener
func listenTCP(addr string, o *options) (Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{listener: listener, maxFrame: o.maxFrame}, nil
}

type tcpListener struct {
	listener net.Listener
	maxFrame int
}

func (l *tcpListener) Accept(ctx context.Context) (Transport, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.listener.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, net.ErrClosed) {
				return nil, ErrListenerClosed
			}
			return nil, r.err
		}
		return NewStreamTransport(r.conn, l.maxFrame), nil
	case <-ctx.Done():
		l.listener.Close()
		return nil, ctx.Err()
	}
}

func (l *tcpListener) Close() error {
	return l.listener.Close()
}

func (l *tcpListener) Addr() string {
	return l.listener.Addr().String()
}

// StreamTransport carries length prefixed frames over a net.Conn. It also
// serves in-memory pipes in tests.
type StreamTransport struct {
	conn net.Conn
	r    *packet.Reader
	w    *packet.Writer
}

// NewStreamTransport wraps conn. maxFrame of zero means the default limit.
func NewStreamTransport(conn net.Conn, maxFrame int) *StreamTransport {
	return &StreamTransport{
		conn: conn,
		r:    packet.NewReader(conn, maxFrame),
		w:    packet.NewWriter(conn, maxFrame),
	}
}

func (t *StreamTransport) Send(ctx context.Context, frame []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	return t.w.WriteFrame(frame)
}

func (t *StreamTransport) Recv(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetReadDeadline(deadline)
		defer t.conn.SetReadDeadline(time.Time{})
	}
	return t.r.ReadFrame()
}

func (t *StreamTransport) Close() error {
	return t.conn.Close()
}

func (t *StreamTransport) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

func (t *StreamTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
