// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package registry routes inbound packets to listeners by channel id.
//
// Registries form a tree: a per-connection registry is normally a child of
// its server's registry, and dispatch asks the parent before the local
// listeners. Listener sets are copy-on-write, so registration and removal
// never block or corrupt an in-flight dispatch.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/luxfi/fleetnet/packet"
)

type (
	// Source is the channel a packet arrived on.
	Source interface {
		Send(p *packet.Packet) error
		RemoteAddr() string
	}

	// Listener handles packets of the channel ids it is registered for.
	Listener interface {
		Handle(src Source, p *packet.Packet) error
	}

	// ListenerFunc adapts a function to Listener.
	ListenerFunc func(src Source, p *packet.Packet) error

	// Token identifies one registration.
	Token uint64

	// ListenerError is a failure of one listener during dispatch.
	ListenerError struct {
		Channel  int32
		Listener string
		Err      error
	}

	// Registry is a channel-id keyed multimap of listeners.
	Registry struct {
		parent *Registry

		mu    sync.Mutex
		lanes atomic.Pointer[lanes]
		next  atomic.Uint64
	}

	lanes map[int32][]slot

	slot struct {
		token  Token
		origin string
		l      Listener
	}
)

func (f ListenerFunc) Handle(src Source, p *packet.Packet) error { return f(src, p) }

func (e *ListenerError) Error() string {
	return fmt.Sprintf("registry: listener %s on channel %d: %v", e.Listener, e.Channel, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

// New returns an empty root registry.
func New() *Registry {
	r := &Registry{}
	r.lanes.Store(&lanes{})
	return r
}

// Child returns an empty registry that consults r before its own listeners.
func (r *Registry) Child() *Registry {
	c := New()
	c.parent = r
	return c
}

// Parent returns the registry consulted first, or nil.
func (r *Registry) Parent() *Registry { return r.parent }

// AddListener registers l for channel.
func (r *Registry) AddListener(channel int32, l Listener) Token {
	return r.AddListenerFrom("", channel, l)
}

// AddListenerFrom registers l for channel on behalf of origin, so that every
// listener of one origin can later be removed with RemoveListenersBy.
func (r *Registry) AddListenerFrom(origin string, channel int32, l Listener) Token {
	tok := Token(r.next.Add(1))
	r.update(func(m lanes) {
		m[channel] = append(slices.Clip(m[channel]), slot{token: tok, origin: origin, l: l})
	})
	return tok
}

// RemoveListener drops the registration tok from channel. It reports whether
// the registration existed.
func (r *Registry) RemoveListener(channel int32, tok Token) bool {
	removed := false
	r.update(func(m lanes) {
		kept := m[channel][:0:0]
		for _, s := range m[channel] {
			if s.token == tok {
				removed = true
				continue
			}
			kept = append(kept, s)
		}
		setLane(m, channel, kept)
	})
	return removed
}

// RemoveListeners drops every listener of channel.
func (r *Registry) RemoveListeners(channel int32) {
	r.update(func(m lanes) { delete(m, channel) })
}

// RemoveListenersBy drops every listener whose origin matches. It returns
// the number of registrations removed.
func (r *Registry) RemoveListenersBy(match func(origin string) bool) int {
	removed := 0
	r.update(func(m lanes) {
		for channel, slots := range m {
			kept := slots[:0:0]
			for _, s := range slots {
				if match(s.origin) {
					removed++
					continue
				}
				kept = append(kept, s)
			}
			setLane(m, channel, kept)
		}
	})
	return removed
}

// HasListeners reports whether channel has local listeners.
func (r *Registry) HasListeners(channel int32) bool {
	return len((*r.lanes.Load())[channel]) > 0
}

// Channels returns the channel ids with local listeners in ascending order.
func (r *Registry) Channels() []int32 {
	m := *r.lanes.Load()
	out := make([]int32, 0, len(m))
	for channel := range m {
		out = append(out, channel)
	}
	slices.Sort(out)
	return out
}

// Dispatch delivers p to the parent registry and then to every local
// listener of p.Channel. Every listener runs even when a sibling fails;
// failures come back as *ListenerError values joined together. handled is
// true when at least one listener anywhere in the chain was invoked.
//
// Each listener reads its own view of the payload. The bytes belong to the
// caller once Dispatch returns; listeners keeping data must copy it.
func (r *Registry) Dispatch(src Source, p *packet.Packet) (handled bool, err error) {
	var errs []error
	if r.parent != nil {
		h, perr := r.parent.Dispatch(src, p)
		handled = h
		if perr != nil {
			errs = append(errs, perr)
		}
	}
	for _, s := range (*r.lanes.Load())[p.Channel] {
		handled = true
		if lerr := invoke(s.l, src, p.View()); lerr != nil {
			errs = append(errs, &ListenerError{
				Channel:  p.Channel,
				Listener: fmt.Sprintf("%T", s.l),
				Err:      lerr,
			})
		}
	}
	return handled, errors.Join(errs...)
}

func invoke(l Listener, src Source, p *packet.Packet) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v", v)
		}
	}()
	return l.Handle(src, p)
}

func (r *Registry) update(fn func(lanes)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.lanes.Load()
	m := make(lanes, len(old)+1)
	for channel, slots := range old {
		m[channel] = slots
	}
	fn(m)
	r.lanes.Store(&m)
}

func setLane(m lanes, channel int32, slots []slot) {
	if len(slots) == 0 {
		delete(m, channel)
		return
	}
	m[channel] = slots
}
