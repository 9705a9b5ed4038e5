// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package query

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/fleetnet/packet"
)

// Handle is the pending result of a query. It resolves exactly once, either
// with the response packet or with an error.
type Handle struct {
	id   uuid.UUID
	done chan struct{}
	once sync.Once

	resp  *packet.Packet
	err   error
	timer *time.Timer
}

func newHandle(id uuid.UUID) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

// ID returns the correlation id the response must carry.
func (h *Handle) ID() uuid.UUID { return h.id }

// Done is closed once the handle resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the handle resolves or ctx ends. The caller owns the
// returned packet and releases it.
func (h *Handle) Wait(ctx context.Context) (*packet.Packet, error) {
	select {
	case <-h.done:
		return h.resp, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while pending.
func (h *Handle) Result() (resp *packet.Packet, ok bool, err error) {
	select {
	case <-h.done:
		return h.resp, true, h.err
	default:
		return nil, false, nil
	}
}

// resolve completes the handle. Only the first call has an effect.
func (h *Handle) resolve(resp *packet.Packet, err error) bool {
	resolved := false
	h.once.Do(func() {
		if h.timer != nil {
			h.timer.Stop()
		}
		h.resp, h.err = resp, err
		close(h.done)
		resolved = true
	})
	return resolved
}
