// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fleetnet

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/luxfi/fleetnet/registry"
)

// Client dials peers. Like Server it owns a root registry that every
// dialed channel's registry inherits from, and a dispatch pool.
type Client struct {
	opts     *options
	reg      *registry.Registry
	pool     *Pool
	ownPool  bool
	channels *ChannelSet
}

// NewClient creates a client.
func NewClient(opts ...Option) *Client {
	o := newOptions(opts)
	c := &Client{
		opts:     o,
		reg:      registry.New(),
		pool:     o.pool,
		channels: NewChannelSet(),
	}
	if c.pool == nil {
		c.pool = NewPool(o.workers)
		c.ownPool = true
	}
	return c
}

// Registry returns the registry shared by all dialed channels.
func (c *Client) Registry() *registry.Registry { return c.reg }

// Channels returns the live dialed channels.
func (c *Client) Channels() *ChannelSet { return c.channels }

// Dial connects to addr, runs the handshake and returns the open channel.
func (c *Client) Dial(ctx context.Context, addr string) (*Channel, error) {
	t, err := dialTransport(ctx, addr, c.opts)
	if err != nil {
		return nil, err
	}
	hctx, cancel := context.WithTimeout(ctx, c.opts.handshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(hctx, func() { t.Close() })
	peer, err := c.opts.handshake.initiate(hctx, t)
	if !stop() && err == nil {
		err = hctx.Err()
	}
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	ch := newChannel(t, c.reg.Child(), c.pool, peer, c.opts)
	c.channels.Add(ch)
	ch.log.Info("connected", zap.Stringer("version", peer.Version))
	return ch, nil
}

// Close closes every dialed channel and the client's own pool.
func (c *Client) Close() error {
	c.channels.Close()
	if c.ownPool {
		c.pool.Close()
	}
	return nil
}

// Dial is a one-shot client: it dials addr and returns the channel. The
// client's pool stops when the channel closes.
func Dial(ctx context.Context, addr string, opts ...Option) (*Channel, error) {
	cl := NewClient(opts...)
	ch, err := cl.Dial(ctx, addr)
	if err != nil {
		cl.Close()
		return nil, err
	}
	if cl.ownPool {
		ch.OnClose(func(*Channel) { go cl.pool.Close() })
	}
	return ch, nil
}
