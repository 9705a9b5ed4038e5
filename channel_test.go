// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fleetnet

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/fleetnet/buffer"
	"github.com/luxfi/fleetnet/packet"
	"github.com/luxfi/fleetnet/query"
	"github.com/luxfi/fleetnet/registry"
)

const echoChannel = packet.ChannelUser + 1

func pipeChannels(t *testing.T, opts ...Option) (a, b *Channel) {
	t.Helper()
	ca, cb := net.Pipe()
	pool := NewPool(2)
	a = NewChannel(NewStreamTransport(ca, 0), registry.New(), pool, opts...)
	b = NewChannel(NewStreamTransport(cb, 0), registry.New(), pool, opts...)
	t.Cleanup(func() {
		a.Close()
		b.Close()
		pool.Close()
	})
	return a, b
}

func stringPacket(channel int32, s string) *packet.Packet {
	b := buffer.New()
	b.WriteString(s)
	return packet.New(channel, b)
}

func echo(src registry.Source, p *packet.Packet) error {
	b := buffer.New()
	b.WriteString("echo:" + p.Payload.ReadString())
	return src.Send(p.Reply(b))
}

func TestChannelOrdering(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, b := pipeChannels(t)
	got := make(chan int32, 100)
	b.Registry().AddListener(packet.ChannelUser, registry.ListenerFunc(func(_ registry.Source, p *packet.Packet) error {
		got <- p.Payload.ReadInt32()
		return nil
	}))

	for i := int32(0); i < 100; i++ {
		buf := buffer.New()
		buf.WriteInt32(i)
		if err := a.Send(packet.New(packet.ChannelUser, buf)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for want := int32(0); want < 100; want++ {
		select {
		case v := <-got:
			if v != want {
				t.Fatalf("got %d, want %d", v, want)
			}
		case <-ctx.Done():
			t.Fatalf("received %d packets", want)
		}
	}
}

func TestChannelQuery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, b := pipeChannels(t)
	b.Registry().AddListener(echoChannel, registry.ListenerFunc(echo))

	resp, err := a.Query(ctx, stringPacket(echoChannel, "hello world"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got := resp.Payload.ReadString(); got != "echo:hello world" {
		t.Errorf("got %q, want %q", got, "echo:hello world")
	}
	if a.Queries().Len() != 0 {
		t.Errorf("pending after response: %d", a.Queries().Len())
	}
}

func TestChannelQueryTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, _ := pipeChannels(t, WithQueryTimeout(30*time.Millisecond))
	p := stringPacket(echoChannel, "nobody listens")
	h, err := a.SendQuery(p)
	if err != nil {
		t.Fatalf("SendQuery: %v", err)
	}
	if _, err := h.Wait(ctx); !errors.Is(err, query.ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if a.Queries().HasPending(p.ID) {
		t.Error("query still pending after timeout")
	}
}

func TestLateResponseNotDispatched(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, b := pipeChannels(t)
	release := make(chan struct{})
	b.Registry().AddListener(echoChannel, registry.ListenerFunc(func(src registry.Source, p *packet.Packet) error {
		<-release
		if err := echo(src, p); err != nil {
			return err
		}
		// queued behind the late echo on the same channel
		return src.Send(stringPacket(echoChannel, "after"))
	}))
	seen := make(chan *packet.Packet, 1)
	a.Registry().AddListener(echoChannel, registry.ListenerFunc(func(_ registry.Source, p *packet.Packet) error {
		seen <- p
		return nil
	}))

	p := stringPacket(echoChannel, "slow")
	h, err := a.SendQueryTimeout(p, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("SendQuery: %v", err)
	}
	if _, err := h.Wait(ctx); !errors.Is(err, query.ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	close(release)

	select {
	case got := <-seen:
		if got.HasID() {
			t.Fatalf("late response %v dispatched as a request", got)
		}
		if s := got.Payload.ReadString(); s != "after" {
			t.Errorf("got %q, want after", s)
		}
	case <-ctx.Done():
		t.Fatal("nothing dispatched")
	}
	if !a.Queries().Ended(p.ID) {
		t.Error("timed out id not remembered")
	}
}

func TestChannelCloseFailsPending(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, _ := pipeChannels(t)
	h, err := a.SendQuery(stringPacket(echoChannel, "pending"))
	if err != nil {
		t.Fatalf("SendQuery: %v", err)
	}
	a.Close()
	if _, err := h.Wait(ctx); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("got %v, want ErrChannelClosed", err)
	}
	if err := a.Send(stringPacket(echoChannel, "late")); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Send after Close: got %v, want ErrChannelClosed", err)
	}
}

func TestPeerCloseClosesChannel(t *testing.T) {
	a, b := pipeChannels(t)
	closed := make(chan struct{})
	b.OnClose(func(*Channel) { close(closed) })
	a.Close()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("peer channel did not close")
	}
	if err := b.Err(); err != nil {
		t.Errorf("clean close reported %v", err)
	}
}

func TestSendSync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, b := pipeChannels(t)
	var wg sync.WaitGroup
	wg.Add(1)
	b.Registry().AddListener(packet.ChannelUser, registry.ListenerFunc(func(registry.Source, *packet.Packet) error {
		wg.Done()
		return nil
	}))
	if err := a.SendSync(ctx, stringPacket(packet.ChannelUser, "sync")); err != nil {
		t.Fatalf("SendSync: %v", err)
	}
	wg.Wait()
}

func TestDispatchErrorSurfaced(t *testing.T) {
	errs := make(chan error, 1)
	a, b := pipeChannels(t, OnDispatchError(func(_ *Channel, _ *packet.Packet, err error) {
		errs <- err
	}))
	b.Registry().AddListener(packet.ChannelUser, registry.ListenerFunc(func(registry.Source, *packet.Packet) error {
		return errors.New("boom")
	}))
	if err := a.Send(stringPacket(packet.ChannelUser, "x")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case err := <-errs:
		var lerr *registry.ListenerError
		if !errors.As(err, &lerr) || lerr.Channel != packet.ChannelUser {
			t.Errorf("got %v, want *registry.ListenerError on channel %d", err, packet.ChannelUser)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch error not reported")
	}
}

func TestPoolLaneOrdering(t *testing.T) {
	pool := NewPool(4)
	defer pool.Close()

	const lanes, tasks = 8, 200
	var mu sync.Mutex
	seen := make([][]int, lanes)
	var wg sync.WaitGroup
	wg.Add(lanes * tasks)
	for l := 0; l < lanes; l++ {
		lane := pool.NewLane()
		for i := 0; i < tasks; i++ {
			if err := lane.Submit(func() {
				mu.Lock()
				seen[l] = append(seen[l], i)
				mu.Unlock()
				wg.Done()
			}); err != nil {
				t.Fatalf("Submit: %v", err)
			}
		}
	}
	wg.Wait()
	for l, order := range seen {
		for i, v := range order {
			if v != i {
				t.Fatalf("lane %d: task %d ran at position %d", l, v, i)
			}
		}
	}

	pool.Close()
	if err := pool.NewLane().Submit(func() {}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Submit after Close: got %v, want ErrPoolClosed", err)
	}
}
