// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fleetnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

func init() {
	registerTransport(TransportWS, dialWS, listenWS)
}

func dialWS(ctx context.Context, addr string, o *options) (Transport, error) {
	url := "ws://" + addr
	if !strings.Contains(addr, "/") {
		url += o.wsPath
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	return newWSTransport(conn, o.maxFrame), nil
}

// cutPath splits "host:port/path" keeping the leading slash of path.
func cutPath(addr string) (host, path string, found bool) {
	i := strings.IndexByte(addr, '/')
	if i < 0 {
		return addr, "", false
	}
	return addr[:i], addr[i:], true
}

func listenWS(addr string, o *options) (Listener, error) {
	host, path, found := cutPath(addr)
	if !found {
		path = o.wsPath
	}
	listener, err := net.Listen("tcp", host)
	if err != nil {
		return nil, err
	}
	l := &wsListener{
		listener: listener,
		maxFrame: o.maxFrame,
		accepted: make(chan *wsTransport),
		closed:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.upgrade)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go l.server.Serve(listener)
	return l, nil
}

type wsListener struct {
	listener  net.Listener
	server    *http.Server
	upgrader  websocket.Upgrader
	maxFrame  int
	accepted  chan *wsTransport
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	t := newWSTransport(conn, l.maxFrame)
	select {
	case l.accepted <- t:
	case <-l.closed:
		t.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case t := <-l.accepted:
		return t, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.server.Close()
	})
	return err
}

func (l *wsListener) Addr() string {
	return l.listener.Addr().String()
}

// wsTransport sends every frame body as one binary message.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSTransport(conn *websocket.Conn, maxFrame int) *wsTransport {
	conn.SetReadLimit(int64(maxFrame))
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (t *wsTransport) Recv(ctx context.Context) ([]byte, error) {
	deadline, _ := ctx.Deadline()
	t.conn.SetReadDeadline(deadline)
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil, fmt.Errorf("ws: %w", ErrTransportClosed)
			}
			return nil, err
		}
		if kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) Close() error {
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

func (t *wsTransport) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
