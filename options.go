// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fleetnet

import (
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/fleetnet/packet"
	"github.com/luxfi/fleetnet/query"
)

const (
	DefaultWorkers          = 4
	DefaultSendQueue        = 1024
	DefaultHandshakeTimeout = 10 * time.Second
	drainTimeout            = 5 * time.Second
)

// Option configures servers, clients and channels.
type Option func(*options)

type options struct {
	log              *zap.Logger
	workers          int
	pool             *Pool
	sendQueue        int
	maxFrame         int
	queryTimeout     time.Duration
	supersede        query.Policy
	handshake        Handshake
	handshakeTimeout time.Duration
	onDispatchError  func(c *Channel, p *packet.Packet, err error)
	wsPath           string
}

func newOptions(opts []Option) *options {
	o := &options{
		log:              zap.NewNop(),
		workers:          DefaultWorkers,
		sendQueue:        DefaultSendQueue,
		maxFrame:         packet.DefaultMaxFrame,
		queryTimeout:     query.DefaultTimeout,
		handshake:        Handshake{Version: ProtocolVersion, Constraint: DefaultConstraint},
		handshakeTimeout: DefaultHandshakeTimeout,
		wsPath:           "/fleetnet",
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithWorkers sets the number of dispatch workers of a newly created pool.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithPool shares an existing dispatch pool instead of creating one.
func WithPool(p *Pool) Option {
	return func(o *options) { o.pool = p }
}

// WithSendQueue sets the capacity of each outbound queue.
func WithSendQueue(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.sendQueue = n
		}
	}
}

// WithMaxFrame bounds the size of a frame body in both directions.
func WithMaxFrame(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrame = n
		}
	}
}

// WithQueryTimeout sets the default response window of queries.
func WithQueryTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.queryTimeout = d
		}
	}
}

// WithSupersedePolicy selects what happens to a pending query when a new
// one reuses its correlation id.
func WithSupersedePolicy(p query.Policy) Option {
	return func(o *options) { o.supersede = p }
}

// WithHandshake sets the local identity and acceptance rules.
func WithHandshake(h Handshake) Option {
	return func(o *options) {
		if h.Version == "" {
			h.Version = ProtocolVersion
		}
		if h.Constraint == "" {
			h.Constraint = DefaultConstraint
		}
		o.handshake = h
	}
}

// WithHandshakeTimeout bounds the handshake of a new connection.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// OnDispatchError is called with every listener failure. Failures are
// logged either way.
func OnDispatchError(fn func(c *Channel, p *packet.Packet, err error)) Option {
	return func(o *options) { o.onDispatchError = fn }
}

// WithWebsocketPath sets the HTTP path of the ws transport.
func WithWebsocketPath(path string) Option {
	return func(o *options) {
		if path != "" {
			o.wsPath = path
		}
	}
}
