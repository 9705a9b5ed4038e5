// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/luxfi/fleetnet/buffer"
	"github.com/luxfi/fleetnet/codec"
	"github.com/luxfi/fleetnet/packet"
	"github.com/luxfi/fleetnet/query"
)

// Channel is the side of a connection a Sender needs.
type Channel interface {
	Send(p *packet.Packet) error
	SendQueryTimeout(p *packet.Packet, timeout time.Duration) (*query.Handle, error)
}

// Sender plans calls on the remote instance of one type.
type Sender struct {
	ch      Channel
	codecs  *codec.Registry
	typ     string
	timeout time.Duration
}

// NewSender returns a sender for calls on typ over ch. Arguments and
// results are encoded with codecs.
func NewSender(ch Channel, codecs *codec.Registry, typ string) *Sender {
	return &Sender{ch: ch, codecs: codecs, typ: typ}
}

// On returns a sender for typ on the same channel, used to plan calls on
// values returned by an earlier call of a chain.
func (s *Sender) On(typ string) *Sender {
	out := *s
	out.typ = typ
	return &out
}

// WithTimeout returns a sender whose calls wait at most d for the response.
// Zero means the channel's query timeout.
func (s *Sender) WithTimeout(d time.Duration) *Sender {
	out := *s
	out.timeout = d
	return &out
}

// Invoke plans a call of method with args.
func (s *Sender) Invoke(method string, args ...any) *Invocation {
	return &Invocation{
		sender:  s,
		call:    Call{Type: s.typ, Method: method, ExpectsResult: true, Args: args},
		timeout: s.timeout,
	}
}

// Invocation is one planned call.
type Invocation struct {
	sender  *Sender
	call    Call
	timeout time.Duration
}

// Timeout overrides the response window of this call.
func (i *Invocation) Timeout(d time.Duration) *Invocation {
	i.timeout = d
	return i
}

// Join chains next calls after i: each runs on the result of the one
// before.
func (i *Invocation) Join(next ...*Invocation) *Chain {
	return i.chain().Join(next...)
}

func (i *Invocation) chain() *Chain {
	return &Chain{sender: i.sender, calls: []Call{i.call}, timeout: i.timeout}
}

func (i *Invocation) FireAndForget() error { return i.chain().FireAndForget() }

func (i *Invocation) FireSync(ctx context.Context) (any, error) { return i.chain().FireSync(ctx) }

func (i *Invocation) Fire() (*Result, error) { return i.chain().Fire() }

// Chain is a list of calls sent as one request.
type Chain struct {
	sender  *Sender
	calls   []Call
	timeout time.Duration
}

func (c *Chain) Join(next ...*Invocation) *Chain {
	for _, i := range next {
		c.calls = append(c.calls, i.call)
	}
	return c
}

// Calls returns the planned calls.
func (c *Chain) Calls() []Call { return c.calls }

func (c *Chain) packet(expectResult bool) (*packet.Packet, error) {
	calls := make([]Call, len(c.calls))
	copy(calls, c.calls)
	for i := range calls {
		// Links before the last feed the next one and always produce a value.
		calls[i].ExpectsResult = expectResult || i < len(calls)-1
	}
	b := buffer.New()
	if err := writeChain(b, c.sender.codecs, calls); err != nil {
		b.Release()
		return nil, err
	}
	return packet.New(packet.ChannelRPC, b), nil
}

// FireAndForget sends the chain without waiting for, or asking for, a
// response.
func (c *Chain) FireAndForget() error {
	p, err := c.packet(false)
	if err != nil {
		return err
	}
	return c.sender.ch.Send(p)
}

// Fire sends the chain and returns a handle to its result.
func (c *Chain) Fire() (*Result, error) {
	p, err := c.packet(true)
	if err != nil {
		return nil, err
	}
	h, err := c.sender.ch.SendQueryTimeout(p, c.timeout)
	if err != nil {
		return nil, err
	}
	return &Result{h: h, codecs: c.sender.codecs, frame: c.calls[len(c.calls)-1].String()}, nil
}

// FireSync sends the chain and waits for its result.
func (c *Chain) FireSync(ctx context.Context) (any, error) {
	r, err := c.Fire()
	if err != nil {
		return nil, err
	}
	return r.Wait(ctx)
}

// Result is the pending outcome of a fired chain.
type Result struct {
	h      *query.Handle
	codecs *codec.Registry
	frame  string
}

// Done is closed once the response arrived or the call failed.
func (r *Result) Done() <-chan struct{} { return r.h.Done() }

// Wait blocks for the result. A call that got no response in time fails
// with ErrTimeout, a failure raised by the callee is a *RemoteError.
func (r *Result) Wait(ctx context.Context) (any, error) {
	resp, err := r.h.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("rpc: %s: %w", r.frame, mapTimeout(err))
	}
	defer resp.Release()
	return readResponse(resp.Payload, r.codecs)
}

// Firer is anything that can be fired synchronously.
type Firer interface {
	FireSync(ctx context.Context) (any, error)
}

// Sync fires f and asserts the result type. A nil result is the zero T.
func Sync[T any](ctx context.Context, f Firer) (T, error) {
	var zero T
	v, err := f.FireSync(ctx)
	if err != nil || v == nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %T want %T", codec.ErrMismatch, v, zero)
	}
	return out, nil
}
