// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luxfi/fleetnet"
	"github.com/luxfi/fleetnet/buffer"
	"github.com/luxfi/fleetnet/codec"
	"github.com/luxfi/fleetnet/packet"
	"github.com/luxfi/fleetnet/registry"
)

type room struct {
	name    string
	players int
}

type lobby struct {
	rooms  map[string]*room
	called chan string
}

func (l *lobby) find(name string) *room { return l.rooms[name] }

func lobbyBindings(release <-chan struct{}) []Binding {
	return []Binding{
		Bind1("Lobby", "Find", func(_ context.Context, l *lobby, name string) (*room, error) {
			return l.find(name), nil
		}),
		Bind1("Lobby", "Check", func(_ context.Context, _ *lobby, name string) (bool, error) {
			return false, NewError("IllegalArgumentException", "boom: "+name)
		}),
		Bind1("Lobby", "Notify", func(_ context.Context, l *lobby, msg string) (bool, error) {
			l.called <- msg
			return true, nil
		}),
		Bind0("Lobby", "Stall", func(context.Context, *lobby) (bool, error) {
			<-release
			return true, nil
		}),
		Bind0("Lobby", "Explode", func(context.Context, *lobby) (bool, error) {
			panic("kaboom")
		}),
		Bind0("Room", "Players", func(_ context.Context, r *room) (int, error) {
			return r.players, nil
		}),
		Bind2("Room", "Add", func(_ context.Context, r *room, a, b int) (int, error) {
			return r.players + a + b, nil
		}),
	}
}

// setup connects a caller channel to a callee channel serving a lobby.
func setup(t *testing.T) (*Sender, *lobby) {
	t.Helper()
	ca, cb := net.Pipe()
	pool := fleetnet.NewPool(2)
	caller := fleetnet.NewChannel(fleetnet.NewStreamTransport(ca, 0), registry.New(), pool)
	callee := fleetnet.NewChannel(fleetnet.NewStreamTransport(cb, 0), registry.New(), pool)
	release := make(chan struct{})
	t.Cleanup(func() {
		close(release)
		caller.Close()
		callee.Close()
		pool.Close()
	})

	l := &lobby{
		rooms:  map[string]*room{"alpha": {name: "alpha", players: 12}},
		called: make(chan string, 1),
	}
	h := NewHandler(codec.NewRegistry())
	if err := h.Register("Lobby", l, lobbyBindings(release)...); err != nil {
		t.Fatalf("Register: %v", err)
	}
	callee.Registry().AddListener(packet.ChannelRPC, h)
	return NewSender(caller, codec.NewRegistry(), "Lobby"), l
}

func TestChain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, l := setup(t)

	got, err := Sync[int](ctx, s.Invoke("Find", "alpha").Join(s.On("Room").Invoke("Players")))
	if err != nil {
		t.Fatalf("FireSync: %v", err)
	}
	if want := l.find("alpha").players; got != want {
		t.Errorf("got %d, want %d", got, want)
	}

	sum, err := Sync[int](ctx, s.Invoke("Find", "alpha").Join(s.On("Room").Invoke("Add", 1, 2)))
	if err != nil {
		t.Fatalf("FireSync: %v", err)
	}
	if sum != 15 {
		t.Errorf("got %d, want 15", sum)
	}
}

func TestRemoteError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, _ := setup(t)

	_, err := s.Invoke("Check", "x").FireSync(ctx)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("got %v, want *RemoteError", err)
	}
	if re.Type != "IllegalArgumentException" || !strings.Contains(re.Message, "boom") {
		t.Errorf("got %+v", re)
	}
	if re.Frame != "Lobby.Check/1" {
		t.Errorf("frame: got %q, want Lobby.Check/1", re.Frame)
	}
}

func TestProtocolErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, _ := setup(t)

	for name, tc := range map[string]struct {
		f    Firer
		want error
	}{
		"unknown target": {s.On("Casino").Invoke("Spin"), ErrUnknownTarget},
		"unknown method": {s.Invoke("Find"), ErrUnknownMethod},
		"nil target":     {s.Invoke("Find", "missing").Join(s.On("Room").Invoke("Players")), ErrNilTarget},
		"bad argument":   {s.Invoke("Find", 42), ErrBadArgument},
		"panic":          {s.Invoke("Explode"), ErrPanic},
	} {
		_, err := tc.f.FireSync(ctx)
		var re *RemoteError
		if !errors.As(err, &re) || !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want remote %v", name, err, tc.want)
		}
	}
}

func TestTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, _ := setup(t)

	_, err := s.WithTimeout(30 * time.Millisecond).Invoke("Stall").FireSync(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	var re *RemoteError
	if errors.As(err, &re) {
		t.Errorf("timeout reported as remote failure %v", re)
	}
}

func TestLateResultBetweenServingPeers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ca, cb := net.Pipe()
	pool := fleetnet.NewPool(2)
	caller := fleetnet.NewChannel(fleetnet.NewStreamTransport(ca, 0), registry.New(), pool)
	callee := fleetnet.NewChannel(fleetnet.NewStreamTransport(cb, 0), registry.New(), pool)
	release := make(chan struct{})
	defer func() {
		caller.Close()
		callee.Close()
		pool.Close()
	}()

	l := &lobby{rooms: map[string]*room{}, called: make(chan string, 1)}
	var counts [2]atomic.Int32
	for i, ch := range []*fleetnet.Channel{caller, callee} {
		h := NewHandler(codec.NewRegistry())
		if err := h.Register("Lobby", l, lobbyBindings(release)...); err != nil {
			t.Fatalf("Register: %v", err)
		}
		ch.Registry().AddListener(packet.ChannelRPC, h)
		ch.Registry().AddListener(packet.ChannelRPC, registry.ListenerFunc(func(registry.Source, *packet.Packet) error {
			counts[i].Add(1)
			return nil
		}))
	}

	s := NewSender(caller, codec.NewRegistry(), "Lobby")
	if _, err := s.WithTimeout(50 * time.Millisecond).Invoke("Stall").FireSync(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	close(release)

	// the late result must be dropped, and the connection stays usable
	if err := s.Invoke("Notify", "still here").FireAndForget(); err != nil {
		t.Fatalf("FireAndForget: %v", err)
	}
	select {
	case <-l.called:
	case <-ctx.Done():
		t.Fatal("call after late result never ran")
	}
	time.Sleep(100 * time.Millisecond)
	if got := counts[0].Load(); got != 0 {
		t.Errorf("caller dispatched %d packets as requests, want 0", got)
	}
	if got := counts[1].Load(); got != 2 {
		t.Errorf("callee dispatched %d packets, want 2", got)
	}
}

func TestFireAndForget(t *testing.T) {
	s, l := setup(t)
	if err := s.Invoke("Notify", "hello").FireAndForget(); err != nil {
		t.Fatalf("FireAndForget: %v", err)
	}
	select {
	case msg := <-l.called:
		if msg != "hello" {
			t.Errorf("got %q, want hello", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call never ran")
	}
}

func TestFireAsync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, _ := setup(t)

	r, err := s.Invoke("Find", "alpha").Join(s.On("Room").Invoke("Players")).Fire()
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	select {
	case <-r.Done():
	case <-ctx.Done():
		t.Fatal("no response")
	}
	v, err := r.Wait(ctx)
	if err != nil || v != 12 {
		t.Errorf("got %v, %v, want 12", v, err)
	}
}

func TestChainWireFormat(t *testing.T) {
	codecs := codec.NewRegistry()
	s := NewSender(nil, codecs, "Lobby")
	chain := s.Invoke("Find", "alpha").Join(s.On("Room").Invoke("Players"))

	p, err := chain.packet(false)
	if err != nil {
		t.Fatalf("packet: %v", err)
	}
	b := p.Payload
	if n := b.ReadInt32(); n != 2 {
		t.Fatalf("chain length %d, want 2", n)
	}
	for _, want := range []struct {
		typ, method string
		expects     bool
		argc        int32
	}{
		{"Lobby", "Find", true, 1},
		{"Room", "Players", false, 0},
	} {
		typ, method, expects, argc := b.ReadString(), b.ReadString(), b.ReadBool(), b.ReadInt32()
		if typ != want.typ || method != want.method || expects != want.expects || argc != want.argc {
			t.Errorf("got %s.%s expects=%v argc=%d, want %+v", typ, method, expects, argc, want)
		}
		for range argc {
			if _, err := codecs.Read(b); err != nil {
				t.Fatalf("argument: %v", err)
			}
		}
	}
	if b.Err() != nil || b.Len() != 0 {
		t.Errorf("err %v, %d bytes left", b.Err(), b.Len())
	}
}

type captureSource struct{ sent []*packet.Packet }

func (c *captureSource) Send(p *packet.Packet) error {
	c.sent = append(c.sent, p)
	return nil
}

func (*captureSource) RemoteAddr() string { return "capture" }

func TestMalformedChain(t *testing.T) {
	codecs := codec.NewRegistry()
	h := NewHandler(codecs)
	for name, write := range map[string]func(*buffer.Buffer){
		"empty":     func(b *buffer.Buffer) { b.WriteInt32(0) },
		"truncated": func(b *buffer.Buffer) { b.WriteInt32(1); b.WriteString("Lobby") },
		"unknown tag": func(b *buffer.Buffer) {
			b.WriteInt32(1)
			b.WriteString("Lobby")
			b.WriteString("Find")
			b.WriteBool(true)
			b.WriteInt32(1)
			b.WriteString("no-such-type")
		},
	} {
		b := buffer.New()
		write(b)
		p := packet.New(packet.ChannelRPC, b)
		p.ID = [16]byte{1}
		src := &captureSource{}
		if err := h.Handle(src, p); !errors.Is(err, ErrMalformedChain) {
			t.Errorf("%s: got %v, want ErrMalformedChain", name, err)
		}
		if len(src.sent) != 1 {
			t.Fatalf("%s: %d replies, want 1", name, len(src.sent))
		}
		_, err := readResponse(src.sent[0].Payload, codecs)
		if !errors.Is(err, ErrMalformedChain) {
			t.Errorf("%s: reply %v, want remote ErrMalformedChain", name, err)
		}
	}
}

func TestDuplicateBinding(t *testing.T) {
	h := NewHandler(codec.NewRegistry())
	if err := h.Bind(NodeBindings()...); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := h.Bind(NodeBindings()[0]); !errors.Is(err, ErrDuplicateBinding) {
		t.Errorf("got %v, want ErrDuplicateBinding", err)
	}
}
