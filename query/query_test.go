// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package query

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/fleetnet/buffer"
	"github.com/luxfi/fleetnet/packet"
)

type wire struct {
	mu   sync.Mutex
	sent []*packet.Packet
}

func (w *wire) send(p *packet.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, p)
	return nil
}

func request() *packet.Packet {
	b := buffer.New()
	b.WriteString("ping")
	return packet.New(packet.ChannelUser, b)
}

func TestResolve(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := &wire{}
	m := NewManager(w.send)
	req := request()
	h, err := m.Send(req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !req.HasID() {
		t.Fatal("Send did not assign a correlation id")
	}
	if !m.HasPending(h.ID()) {
		t.Fatal("query not pending after Send")
	}

	b := buffer.New()
	b.WriteString("pong")
	if !m.Resolve(req.Reply(b)) {
		t.Fatal("Resolve: no pending query")
	}
	resp, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := resp.Payload.ReadString(); got != "pong" {
		t.Errorf("got %q, want pong", got)
	}
	if m.HasPending(h.ID()) {
		t.Error("query still pending after response")
	}
	if m.Resolve(req.Reply(nil)) {
		t.Error("second response resolved a query")
	}
}

func TestRegisteredBeforeSend(t *testing.T) {
	var m *Manager
	seen := false
	m = NewManager(func(p *packet.Packet) error {
		seen = m.HasPending(p.ID)
		return nil
	})
	if _, err := m.Send(request()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !seen {
		t.Error("entry was not registered when the packet was transmitted")
	}
}

func TestTimeoutEviction(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m := NewManager((&wire{}).send, WithTimeout(20*time.Millisecond))
	h, err := m.Send(request())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := h.Wait(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if m.HasPending(h.ID()) {
		t.Error("timed out query still pending")
	}
	if m.Len() != 0 {
		t.Errorf("Len: got %d, want 0", m.Len())
	}
}

func TestLateResponse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m := NewManager((&wire{}).send, WithTimeout(20*time.Millisecond))
	req := request()
	h, err := m.Send(req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.Late(req.Reply(buffer.New())) {
		t.Fatal("pending query reported as ended")
	}
	if _, err := h.Wait(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	late := req.Reply(buffer.New())
	if m.Resolve(late) {
		t.Fatal("late response resolved an ended query")
	}
	if !m.Late(late) {
		t.Error("timed out id not remembered")
	}

	cancelled := request()
	if _, err := m.SendTimeout(cancelled, time.Minute); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !m.Cancel(cancelled.ID) || !m.Ended(cancelled.ID) {
		t.Error("cancelled id not remembered")
	}

	again := request()
	again.ID = req.ID
	if _, err := m.Send(again); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.Ended(req.ID) {
		t.Error("reused id still reported as ended")
	}
	if m.Late(request()) {
		t.Error("packet without id reported as late")
	}
}

func TestTombstonesBounded(t *testing.T) {
	m := NewManager((&wire{}).send, WithTombstones(2))
	var ids []uuid.UUID
	for range 3 {
		p := request()
		if _, err := m.Send(p); err != nil {
			t.Fatalf("Send: %v", err)
		}
		m.Cancel(p.ID)
		ids = append(ids, p.ID)
	}
	if m.Ended(ids[0]) || !m.Ended(ids[1]) || !m.Ended(ids[2]) {
		t.Errorf("got %v %v %v, want oldest evicted", m.Ended(ids[0]), m.Ended(ids[1]), m.Ended(ids[2]))
	}
}

func TestSupersede(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, tc := range []struct {
		policy Policy
		want   error
	}{
		{FailSuperseded, ErrSuperseded},
		{CancelSuperseded, ErrCancelled},
	} {
		m := NewManager((&wire{}).send, WithPolicy(tc.policy))
		id := uuid.New()

		first := request()
		first.ID = id
		old, err := m.Send(first)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		second := request()
		second.ID = id
		h, err := m.Send(second)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}

		if _, ok, err := old.Result(); !ok || !errors.Is(err, tc.want) {
			t.Errorf("%v: old handle got ok=%v err=%v, want %v", tc.policy, ok, err, tc.want)
		}
		if !m.HasPending(id) || m.Len() != 1 {
			t.Errorf("%v: new query not pending", tc.policy)
		}
		m.Resolve(second.Reply(nil))
		if _, err := h.Wait(ctx); err != nil {
			t.Errorf("%v: new handle: %v", tc.policy, err)
		}
	}
}

func TestTakeAndCancel(t *testing.T) {
	m := NewManager((&wire{}).send)
	h, _ := m.Send(request())
	if got := m.Take(h.ID()); got != h {
		t.Fatalf("Take: got %p, want %p", got, h)
	}
	if m.Take(h.ID()) != nil {
		t.Error("Take returned the handle twice")
	}

	h, _ = m.Send(request())
	if !m.Cancel(h.ID()) {
		t.Fatal("Cancel: no pending query")
	}
	if _, _, err := h.Result(); !errors.Is(err, ErrCancelled) {
		t.Errorf("got %v, want ErrCancelled", err)
	}
}

func TestClose(t *testing.T) {
	m := NewManager((&wire{}).send)
	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := m.Send(request())
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		handles = append(handles, h)
	}
	m.Close(io.EOF)
	for _, h := range handles {
		_, ok, err := h.Result()
		if !ok || !errors.Is(err, ErrChannelClosed) || !errors.Is(err, io.EOF) {
			t.Errorf("got ok=%v err=%v, want ErrChannelClosed", ok, err)
		}
	}
	if _, err := m.Send(request()); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Send after Close: got %v, want ErrChannelClosed", err)
	}
}

func TestSendFailure(t *testing.T) {
	boom := errors.New("write failed")
	m := NewManager(func(*packet.Packet) error { return boom })
	p := request()
	if _, err := m.Send(p); !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}
	if m.HasPending(p.ID) {
		t.Error("failed send left a pending entry")
	}
}
