// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package registry

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/luxfi/fleetnet/buffer"
	"github.com/luxfi/fleetnet/packet"
)

type nopSource struct{}

func (nopSource) Send(*packet.Packet) error { return nil }
func (nopSource) RemoteAddr() string        { return "pipe" }

type failingListener struct{ calls atomic.Int32 }

func (f *failingListener) Handle(Source, *packet.Packet) error {
	f.calls.Add(1)
	return errors.New("boom")
}

func newPacket(channel int32, s string) *packet.Packet {
	b := buffer.New()
	b.WriteString(s)
	return packet.New(channel, b)
}

func TestListenerIsolation(t *testing.T) {
	r := New()
	first := &failingListener{}
	var got []string
	r.AddListener(20, first)
	r.AddListener(20, ListenerFunc(func(_ Source, p *packet.Packet) error {
		got = append(got, p.Payload.ReadString())
		return nil
	}))

	handled, err := r.Dispatch(nopSource{}, newPacket(20, "hello"))
	if !handled {
		t.Fatal("packet not handled")
	}
	if first.calls.Load() != 1 {
		t.Errorf("failing listener called %d times, want 1", first.calls.Load())
	}
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("got %v, want [hello]", got)
	}

	var lerr *ListenerError
	if !errors.As(err, &lerr) {
		t.Fatalf("got %v, want *ListenerError", err)
	}
	if lerr.Channel != 20 {
		t.Errorf("channel: got %d, want 20", lerr.Channel)
	}
	if !strings.Contains(lerr.Listener, "failingListener") {
		t.Errorf("listener: got %q", lerr.Listener)
	}
}

func TestListenersReadIndependently(t *testing.T) {
	r := New()
	var reads []string
	for i := 0; i < 3; i++ {
		r.AddListener(20, ListenerFunc(func(_ Source, p *packet.Packet) error {
			reads = append(reads, p.Payload.ReadString())
			return nil
		}))
	}
	if _, err := r.Dispatch(nopSource{}, newPacket(20, "x")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if strings.Join(reads, ",") != "x,x,x" {
		t.Errorf("got %v", reads)
	}
}

func TestPanicIsContained(t *testing.T) {
	r := New()
	reached := false
	r.AddListener(5, ListenerFunc(func(Source, *packet.Packet) error { panic("bad listener") }))
	r.AddListener(5, ListenerFunc(func(Source, *packet.Packet) error {
		reached = true
		return nil
	}))
	_, err := r.Dispatch(nopSource{}, newPacket(5, ""))
	if err == nil || !strings.Contains(err.Error(), "bad listener") {
		t.Errorf("got %v, want panic error", err)
	}
	if !reached {
		t.Error("sibling listener was skipped")
	}
}

func TestParentFirst(t *testing.T) {
	parent := New()
	child := parent.Child()
	var order []string
	parent.AddListener(7, ListenerFunc(func(Source, *packet.Packet) error {
		order = append(order, "parent")
		return nil
	}))
	child.AddListener(7, ListenerFunc(func(Source, *packet.Packet) error {
		order = append(order, "child")
		return nil
	}))

	if handled, _ := child.Dispatch(nopSource{}, newPacket(7, "")); !handled {
		t.Fatal("not handled")
	}
	if strings.Join(order, ",") != "parent,child" {
		t.Errorf("got %v, want [parent child]", order)
	}

	parent.AddListener(8, &failingListener{})
	handled, err := child.Dispatch(nopSource{}, newPacket(8, ""))
	if !handled || err == nil {
		t.Errorf("parent only: got handled=%v err=%v", handled, err)
	}
	if handled, err := child.Dispatch(nopSource{}, newPacket(9, "")); handled || err != nil {
		t.Errorf("no listener: got handled=%v err=%v", handled, err)
	}
}

func TestRemove(t *testing.T) {
	r := New()
	nop := ListenerFunc(func(Source, *packet.Packet) error { return nil })
	tok := r.AddListener(1, nop)
	r.AddListenerFrom("module-a", 2, nop)
	r.AddListenerFrom("module-a", 3, nop)
	r.AddListenerFrom("module-b", 3, nop)

	if !r.RemoveListener(1, tok) {
		t.Error("RemoveListener: registration not found")
	}
	if r.RemoveListener(1, tok) {
		t.Error("RemoveListener: removed twice")
	}
	if n := r.RemoveListenersBy(func(origin string) bool { return origin == "module-a" }); n != 2 {
		t.Errorf("RemoveListenersBy: got %d, want 2", n)
	}
	if got := r.Channels(); len(got) != 1 || got[0] != 3 {
		t.Errorf("Channels: got %v, want [3]", got)
	}
	r.RemoveListeners(3)
	if r.HasListeners(3) {
		t.Error("RemoveListeners left listeners behind")
	}
}

func TestConcurrentMutation(t *testing.T) {
	r := New()
	var delivered atomic.Int64
	count := ListenerFunc(func(Source, *packet.Packet) error {
		delivered.Add(1)
		return nil
	})
	r.AddListener(1, count)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				tok := r.AddListener(1, count)
				r.RemoveListener(1, tok)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				p := newPacket(1, "")
				if handled, err := r.Dispatch(nopSource{}, p); !handled || err != nil {
					t.Errorf("Dispatch: handled=%v err=%v", handled, err)
				}
				p.Release()
			}
		}()
	}
	wg.Wait()
	if delivered.Load() < 800 {
		t.Errorf("delivered %d packets, want at least 800", delivered.Load())
	}
}
