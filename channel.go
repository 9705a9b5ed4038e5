// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fleetnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/fleetnet/buffer"
	"github.com/luxfi/fleetnet/packet"
	"github.com/luxfi/fleetnet/query"
	"github.com/luxfi/fleetnet/registry"
)

var (
	ErrChannelClosed     = query.ErrChannelClosed
	ErrTransportClosed   = errors.New("fleetnet: transport closed")
	ErrListenerClosed    = errors.New("fleetnet: listener closed")
	ErrHandshakeRejected = errors.New("fleetnet: handshake rejected")
	ErrPoolClosed        = errors.New("fleetnet: dispatch pool closed")
)

type outbound struct {
	body []byte
	done chan error
}

// Channel is one persistent connection. Outbound packets leave in the order
// they were sent; prioritized packets overtake the normal queue. Inbound
// responses resolve pending queries directly on the read loop, everything
// else is dispatched to the channel's registry on its lane of the shared
// pool, one packet at a time in arrival order.
type Channel struct {
	t       Transport
	reg     *registry.Registry
	queries *query.Manager
	lane    *Lane
	peer    Peer
	log     *zap.Logger
	onError func(c *Channel, p *packet.Packet, err error)

	out  chan outbound
	prio chan outbound

	ctx       context.Context
	cancel    context.CancelFunc
	closing   chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	cause     error
	readDone  chan struct{}
	writeDone chan struct{}

	mu      sync.Mutex
	onClose []func(*Channel)

	sent     atomic.Uint64
	received atomic.Uint64
}

// NewChannel starts a channel over t. Inbound packets go to reg and are
// dispatched on pool. The transport must already be past the handshake.
func NewChannel(t Transport, reg *registry.Registry, pool *Pool, opts ...Option) *Channel {
	return newChannel(t, reg, pool, Peer{}, newOptions(opts))
}

func newChannel(t Transport, reg *registry.Registry, pool *Pool, peer Peer, o *options) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		t:         t,
		reg:       reg,
		lane:      pool.NewLane(),
		peer:      peer,
		onError:   o.onDispatchError,
		out:       make(chan outbound, o.sendQueue),
		prio:      make(chan outbound, o.sendQueue),
		ctx:       ctx,
		cancel:    cancel,
		closing:   make(chan struct{}),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	c.log = o.log.With(
		zap.String("remote", t.RemoteAddr()),
		zap.String("peer", peer.Name),
	)
	c.queries = query.NewManager(c.Send,
		query.WithTimeout(o.queryTimeout),
		query.WithPolicy(o.supersede),
		query.WithLogger(c.log),
	)
	go c.writeLoop()
	go c.readLoop()
	c.log.Debug("channel open", zap.String("local", t.LocalAddr()))
	return c
}

// Registry returns the registry inbound packets are dispatched to.
func (c *Channel) Registry() *registry.Registry { return c.reg }

// Queries returns the channel's pending query table.
func (c *Channel) Queries() *query.Manager { return c.queries }

// Peer returns what the remote end announced in the handshake.
func (c *Channel) Peer() Peer { return c.peer }

func (c *Channel) LocalAddr() string  { return c.t.LocalAddr() }
func (c *Channel) RemoteAddr() string { return c.t.RemoteAddr() }

func (c *Channel) String() string {
	return fmt.Sprintf("channel(%s %s)", c.t.RemoteAddr(), c.peer)
}

// Send queues p for transmission and returns without waiting for the
// write. The channel takes ownership of p's payload.
func (c *Channel) Send(p *packet.Packet) error {
	_, err := c.enqueue(p, false)
	return err
}

// SendSync queues p and blocks until it was handed to the transport.
func (c *Channel) SendSync(ctx context.Context, p *packet.Packet) error {
	done, err := c.enqueue(p, true)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("fleetnet: write: %w", err)
		}
		return nil
	case <-c.writeDone:
		select {
		case err := <-done:
			return err
		default:
		}
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendQuery sends p expecting a response with the same correlation id. A
// packet without id gets a random one.
func (c *Channel) SendQuery(p *packet.Packet) (*query.Handle, error) {
	return c.queries.Send(p)
}

// SendQueryTimeout is SendQuery with a response window other than the default.
func (c *Channel) SendQueryTimeout(p *packet.Packet, timeout time.Duration) (*query.Handle, error) {
	return c.queries.SendTimeout(p, timeout)
}

// Query sends p and waits for the response. The caller releases the
// returned packet.
func (c *Channel) Query(ctx context.Context, p *packet.Packet) (*packet.Packet, error) {
	h, err := c.queries.Send(p)
	if err != nil {
		return nil, err
	}
	resp, err := h.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		c.queries.Cancel(h.ID())
	}
	return resp, err
}

// Reply answers req with payload on req's channel id and correlation id.
func (c *Channel) Reply(req *packet.Packet, payload *buffer.Buffer) error {
	return c.Send(req.Reply(payload))
}

func (c *Channel) enqueue(p *packet.Packet, wait bool) (chan error, error) {
	body, err := packet.Marshal(p)
	p.Release()
	if err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, c.closedErr()
	}
	o := outbound{body: body}
	if wait {
		o.done = make(chan error, 1)
	}
	q := c.out
	if p.Prioritized {
		q = c.prio
	}
	select {
	case q <- o:
		c.sent.Add(1)
		return o.done, nil
	case <-c.closing:
		return nil, c.closedErr()
	}
}

func (c *Channel) writeLoop() {
	defer close(c.writeDone)
	for {
		var o outbound
		select {
		case o = <-c.prio:
		default:
			select {
			case o = <-c.prio:
			case o = <-c.out:
			case <-c.closing:
				c.drain()
				return
			}
		}
		if err := c.write(c.ctx, o); err != nil {
			go c.shutdown(err)
			return
		}
	}
}

// drain flushes what was queued before Close, bounded by drainTimeout.
func (c *Channel) drain() {
	if c.cause != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		var o outbound
		select {
		case o = <-c.prio:
		default:
			select {
			case o = <-c.prio:
			case o = <-c.out:
			default:
				return
			}
		}
		if c.write(ctx, o) != nil {
			return
		}
	}
}

func (c *Channel) write(ctx context.Context, o outbound) error {
	err := c.t.Send(ctx, o.body)
	if o.done != nil {
		o.done <- err
	}
	return err
}

func (c *Channel) readLoop() {
	defer close(c.readDone)
	for {
		body, err := c.t.Recv(c.ctx)
		if err != nil {
			if c.closed.Load() || errors.Is(err, io.EOF) {
				err = nil
			}
			c.shutdown(err)
			return
		}
		p, err := packet.Unmarshal(body)
		if err != nil {
			c.log.Warn("dropping connection", zap.Error(err))
			c.shutdown(err)
			return
		}
		c.received.Add(1)
		if p.HasID() && c.queries.Resolve(p) {
			continue
		}
		if c.queries.Late(p) {
			c.log.Debug("dropping late response", zap.Stringer("packet", p))
			p.Release()
			continue
		}
		if err := c.lane.Submit(func() { c.dispatch(p) }); err != nil {
			c.shutdown(err)
			return
		}
	}
}

func (c *Channel) dispatch(p *packet.Packet) {
	defer p.Release()
	handled, err := c.reg.Dispatch(c, p)
	if err != nil {
		c.log.Warn("listener failed",
			zap.Int32("channel", p.Channel),
			zap.Error(err),
		)
		if c.onError != nil {
			c.onError(c, p, err)
		}
	}
	if !handled {
		c.log.Debug("unhandled packet", zap.Stringer("packet", p))
	}
}

// OnClose registers fn to run once the channel closed. It runs immediately
// when the channel is already closed.
func (c *Channel) OnClose(fn func(*Channel)) {
	c.mu.Lock()
	if !c.closed.Load() {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	<-c.writeDone
	fn(c)
}

// Done is closed when the channel starts shutting down.
func (c *Channel) Done() <-chan struct{} { return c.closing }

// Err returns why the channel closed: nil while open or after a clean
// close, the transport or protocol error otherwise.
func (c *Channel) Err() error {
	select {
	case <-c.closing:
		return c.cause
	default:
		return nil
	}
}

// Close flushes queued packets, closes the transport and fails every
// pending query with ErrChannelClosed.
func (c *Channel) Close() error {
	c.shutdown(nil)
	<-c.readDone
	return nil
}

func (c *Channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.closed.Store(true)
		close(c.closing)
		c.mu.Unlock()

		select {
		case <-c.writeDone:
		case <-time.After(drainTimeout):
		}
		c.cancel()
		c.t.Close()
		<-c.writeDone
		c.queries.Close(cause)

		if cause != nil {
			c.log.Info("channel closed", zap.Error(cause))
		} else {
			c.log.Debug("channel closed")
		}

		c.mu.Lock()
		callbacks := c.onClose
		c.onClose = nil
		c.mu.Unlock()
		for _, fn := range callbacks {
			fn(c)
		}
	})
}

func (c *Channel) closedErr() error {
	if c.cause != nil {
		return fmt.Errorf("%w: %w", ErrChannelClosed, c.cause)
	}
	return ErrChannelClosed
}

// Stats is a snapshot of channel counters.
type Stats struct {
	Sent     uint64
	Received uint64
	Pending  int
	Queued   int
}

func (c *Channel) Stats() Stats {
	return Stats{
		Sent:     c.sent.Load(),
		Received: c.received.Load(),
		Pending:  c.queries.Len(),
		Queued:   len(c.out) + len(c.prio) + c.lane.Pending(),
	}
}
