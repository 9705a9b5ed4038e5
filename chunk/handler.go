// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chunk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/luxfi/fleetnet/buffer"
	"github.com/luxfi/fleetnet/packet"
	"github.com/luxfi/fleetnet/registry"
)

const (
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultReapInterval = 30 * time.Second
	DefaultTombstones   = 4096
)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithSink sets where sessions write their data. Defaults to NewMemorySink.
func WithSink(f SinkFactory) Option {
	return func(h *Handler) {
		if f != nil {
			h.newSink = f
		}
	}
}

// OnComplete is called with every completed transfer.
func OnComplete(fn func(*Transfer)) Option {
	return func(h *Handler) { h.onComplete = fn }
}

// WithIdleTimeout sets how long a session may go without chunks before the
// reaper aborts it.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.idleTimeout = d
		}
	}
}

func WithReapInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.reapInterval = d
		}
	}
}

// WithTombstones sets how many closed session ids are remembered to reject
// late chunks.
func WithTombstones(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.tombstones = n
		}
	}
}

// Handler is the packet listener for packet.ChannelChunk. It owns the live
// session table; a chunk for an unseen id opens a session, chunks for a
// recently closed id are rejected with ErrSessionClosed.
//
// A chunk packet carrying a correlation id is answered with
//
//	[ok byte][complete byte][error string]
type Handler struct {
	log          *zap.Logger
	newSink      SinkFactory
	onComplete   func(*Transfer)
	idleTimeout  time.Duration
	reapInterval time.Duration
	tombstones   int

	mu     sync.Mutex
	live   map[uuid.UUID]*Session
	closed *lru.Cache[uuid.UUID, struct{}]
}

func NewHandler(opts ...Option) (*Handler, error) {
	h := &Handler{
		log:          zap.NewNop(),
		newSink:      NewMemorySink,
		idleTimeout:  DefaultIdleTimeout,
		reapInterval: DefaultReapInterval,
		tombstones:   DefaultTombstones,
		live:         make(map[uuid.UUID]*Session),
	}
	for _, opt := range opts {
		opt(h)
	}
	closed, err := lru.New[uuid.UUID, struct{}](h.tombstones)
	if err != nil {
		return nil, err
	}
	h.closed = closed
	return h, nil
}

// Handle applies the chunk carried by p.
func (h *Handler) Handle(src registry.Source, p *packet.Packet) error {
	c, err := Read(p.Payload)
	if err != nil {
		return h.ack(src, p, false, err)
	}
	s, err := h.session(c.Session)
	if err != nil {
		return h.ack(src, p, false, err)
	}
	complete, err := s.Apply(c)
	return h.ack(src, p, complete, err)
}

func (h *Handler) ack(src registry.Source, p *packet.Packet, complete bool, err error) error {
	if !p.HasID() {
		return err
	}
	b := buffer.New()
	b.WriteBool(err == nil)
	b.WriteBool(complete)
	if err != nil {
		b.WriteString(err.Error())
	} else {
		b.WriteString("")
	}
	if serr := src.Send(p.Reply(b)); serr != nil {
		return errors.Join(err, serr)
	}
	return err
}

func (h *Handler) session(id uuid.UUID) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.live[id]; ok {
		return s, nil
	}
	if h.closed.Contains(id) {
		return nil, ErrSessionClosed
	}
	s := NewSession(id, h.newSink, h.finished)
	h.live[id] = s
	h.log.Debug("session opened", zap.Stringer("session", id))
	return s, nil
}

func (h *Handler) finished(s *Session, t *Transfer, err error) {
	h.mu.Lock()
	delete(h.live, s.ID())
	h.closed.Add(s.ID(), struct{}{})
	h.mu.Unlock()

	if err != nil {
		h.log.Warn("session failed",
			zap.Stringer("session", s.ID()),
			zap.Error(err),
		)
		return
	}
	h.log.Info("transfer complete",
		zap.Stringer("session", t.ID),
		zap.Int64("size", t.Size),
		zap.Int32("chunks", t.Chunks),
	)
	if h.onComplete != nil {
		h.onComplete(t)
	}
}

// Sessions counts the live sessions.
func (h *Handler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// Session returns the live session with id, or nil.
func (h *Handler) Session(id uuid.UUID) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live[id]
}

// Reap aborts every session idle since before now minus the idle timeout
// and returns how many it aborted.
func (h *Handler) Reap(now time.Time) int {
	deadline := now.Add(-h.idleTimeout)
	h.mu.Lock()
	var idle []*Session
	for _, s := range h.live {
		if s.LastActive().Before(deadline) {
			idle = append(idle, s)
		}
	}
	h.mu.Unlock()

	n := 0
	for _, s := range idle {
		if err := s.Abort(ErrIdleTimeout); !errors.Is(err, ErrSessionClosed) {
			n++
		}
	}
	if n > 0 {
		h.log.Info("reaped idle sessions", zap.Int("count", n))
	}
	return n
}

// Run reaps idle sessions every reap interval until ctx ends.
func (h *Handler) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			h.Reap(now)
		case <-ctx.Done():
			return nil
		}
	}
}

// Close aborts every live session.
func (h *Handler) Close() {
	h.mu.Lock()
	live := make([]*Session, 0, len(h.live))
	for _, s := range h.live {
		live = append(live, s)
	}
	h.mu.Unlock()
	for _, s := range live {
		s.Abort(ErrAborted)
	}
}
