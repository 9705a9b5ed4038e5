// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fleetnet

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
)

// Transport types
const (
	TransportTCP  = "tcp"  // length prefixed frames on a TCP stream, default
	TransportWS   = "ws"   // one binary websocket message per frame
	TransportGRPC = "grpc" // one message per frame on a bidi gRPC stream
)

// DefaultTransport is used for addresses without a scheme.
const DefaultTransport = TransportTCP

// Transport carries frame bodies between two endpoints. Send is called
// from one goroutine at a time; Recv likewise. Close unblocks both.
type Transport interface {
	io.Closer
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	LocalAddr() string
	RemoteAddr() string
}

// Listener accepts inbound transports.
type Listener interface {
	io.Closer
	Accept(ctx context.Context) (Transport, error)
	Addr() string
}

type dialFunc func(ctx context.Context, addr string, o *options) (Transport, error)
type listenFunc func(addr string, o *options) (Listener, error)

var (
	transportsMu sync.RWMutex
	transports   = map[string]struct {
		dial   dialFunc
		listen listenFunc
	}{}
)

// registerTransport makes a transport available under name.
func registerTransport(name string, dial dialFunc, listen listenFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = struct {
		dial   dialFunc
		listen listenFunc
	}{dial, listen}
}

func lookupTransport(name string) (dialFunc, listenFunc, error) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	t, ok := transports[name]
	if !ok {
		return nil, nil, fmt.Errorf("fleetnet: unknown transport %q", name)
	}
	return t.dial, t.listen, nil
}

// AvailableTransports returns the registered transport names, sorted.
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	slices.Sort(result)
	return result
}

// HasTransport reports whether name is a registered address scheme.
func HasTransport(name string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[name]
	return ok
}

// ParseAddr splits "scheme://host:port" into the transport name and the
// remaining address. An address without scheme uses DefaultTransport.
func ParseAddr(addr string) (transport, hostport string) {
	scheme, rest, found := strings.Cut(addr, "://")
	if !found {
		return DefaultTransport, addr
	}
	return scheme, rest
}
