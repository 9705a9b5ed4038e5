// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package query correlates request packets with their responses.
//
// A Manager belongs to exactly one channel. It registers a pending entry
// before the request is written, so a reply can never arrive unannounced,
// and completes every entry exactly once: with the response, with a
// timeout, by cancellation, by a newer query reusing the id, or because the
// channel closed. Ids of queries that ended without their response are
// remembered for a while so a late response can be recognised and dropped
// instead of being taken for a new request.
package query

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/luxfi/fleetnet/packet"
)

var (
	ErrTimeout       = errors.New("query: timed out")
	ErrSuperseded    = errors.New("query: superseded by a newer query")
	ErrCancelled     = errors.New("query: cancelled")
	ErrChannelClosed = errors.New("query: channel closed")
)

const (
	// DefaultTimeout is the response window unless configured otherwise.
	DefaultTimeout = 30 * time.Second
	// DefaultTombstones is how many ended query ids are remembered.
	DefaultTombstones = 4096
)

// Policy selects how an outstanding query is completed when a new query
// reuses its correlation id.
type Policy int

const (
	// FailSuperseded resolves the old handle with ErrSuperseded.
	FailSuperseded Policy = iota
	// CancelSuperseded resolves the old handle with ErrCancelled.
	CancelSuperseded
)

// ParsePolicy maps the configuration names "fail" and "cancel".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "fail":
		return FailSuperseded, nil
	case "cancel":
		return CancelSuperseded, nil
	}
	return 0, fmt.Errorf("query: unknown supersede policy %q", s)
}

func (p Policy) String() string {
	if p == CancelSuperseded {
		return "cancel"
	}
	return "fail"
}

func (p Policy) err() error {
	if p == CancelSuperseded {
		return ErrCancelled
	}
	return ErrSuperseded
}

// SendFunc hands a packet to the channel for transmission.
type SendFunc func(p *packet.Packet) error

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout sets the default response window.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithPolicy sets the supersede policy.
func WithPolicy(p Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithTombstones sets how many timed out or cancelled ids are remembered.
func WithTombstones(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.tombstones = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// Manager is the pending query table of one channel.
type Manager struct {
	send       SendFunc
	timeout    time.Duration
	policy     Policy
	tombstones int
	log        *zap.Logger
	ended      *lru.Cache[uuid.UUID, struct{}]

	mu      sync.Mutex
	pending map[uuid.UUID]*Handle
	closed  error
}

// NewManager returns a manager transmitting through send.
func NewManager(send SendFunc, opts ...Option) *Manager {
	m := &Manager{
		send:       send,
		timeout:    DefaultTimeout,
		tombstones: DefaultTombstones,
		log:        zap.NewNop(),
		pending:    make(map[uuid.UUID]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	// the size is positive, so New cannot fail
	m.ended, _ = lru.New[uuid.UUID, struct{}](m.tombstones)
	return m
}

// Timeout returns the default response window.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// Send registers a query for p and transmits it with the default timeout.
func (m *Manager) Send(p *packet.Packet) (*Handle, error) {
	return m.SendTimeout(p, m.timeout)
}

// SendTimeout registers a query for p and transmits it. A packet without a
// correlation id gets a random one. The window is measured from
// registration. When transmission fails the entry is removed and the error
// returned; the handle is resolved with the same error.
func (m *Manager) SendTimeout(p *packet.Packet, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = m.timeout
	}
	if !p.HasID() {
		p.ID = uuid.New()
	}
	h := newHandle(p.ID)

	m.mu.Lock()
	if m.closed != nil {
		err := m.closed
		m.mu.Unlock()
		return nil, err
	}
	if old, found := m.pending[p.ID]; found {
		delete(m.pending, p.ID)
		old.resolve(nil, m.policy.err())
		m.log.Debug("query superseded",
			zap.Stringer("id", p.ID),
			zap.Stringer("policy", m.policy),
		)
	}
	m.pending[p.ID] = h
	m.ended.Remove(p.ID)
	h.timer = time.AfterFunc(timeout, func() { m.expire(h) })
	m.mu.Unlock()

	if err := m.send(p); err != nil {
		m.remove(h, false)
		h.resolve(nil, err)
		return nil, err
	}
	return h, nil
}

// HasPending reports whether a query with id is outstanding.
func (m *Manager) HasPending(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, found := m.pending[id]
	return found
}

// Len returns the number of outstanding queries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Take atomically removes and returns the pending handle for id, or nil.
// The caller becomes responsible for resolving it.
func (m *Manager) Take(id uuid.UUID) *Handle {
	m.mu.Lock()
	h := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()
	if h != nil && h.timer != nil {
		h.timer.Stop()
	}
	return h
}

// Resolve completes the query matching resp's correlation id. It reports
// false when no query is waiting for it.
func (m *Manager) Resolve(resp *packet.Packet) bool {
	if !resp.HasID() {
		return false
	}
	h := m.Take(resp.ID)
	if h == nil {
		return false
	}
	return h.resolve(resp, nil)
}

// Cancel completes the query for id with ErrCancelled.
func (m *Manager) Cancel(id uuid.UUID) bool {
	m.mu.Lock()
	h := m.pending[id]
	if h != nil {
		delete(m.pending, id)
		m.ended.Add(id, struct{}{})
	}
	m.mu.Unlock()
	if h == nil {
		return false
	}
	return h.resolve(nil, ErrCancelled)
}

// Ended reports whether a query with id recently timed out or was
// cancelled. A packet carrying such an id is a late response.
func (m *Manager) Ended(id uuid.UUID) bool {
	return m.ended.Contains(id)
}

// Late reports whether resp answers a query that already ended. Late
// responses are dropped by the caller, never dispatched as requests.
func (m *Manager) Late(resp *packet.Packet) bool {
	return resp.HasID() && m.Ended(resp.ID)
}

// Close fails every outstanding query with ErrChannelClosed and refuses new
// ones. cause, when not nil, is attached to the error.
func (m *Manager) Close(cause error) {
	err := ErrChannelClosed
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrChannelClosed, cause)
	}
	m.mu.Lock()
	if m.closed != nil {
		m.mu.Unlock()
		return
	}
	m.closed = err
	pending := m.pending
	m.pending = make(map[uuid.UUID]*Handle)
	m.mu.Unlock()

	for _, h := range pending {
		h.resolve(nil, err)
	}
	if len(pending) > 0 {
		m.log.Debug("failed pending queries", zap.Int("count", len(pending)), zap.Error(cause))
	}
}

func (m *Manager) expire(h *Handle) {
	if !m.remove(h, true) {
		return
	}
	if h.resolve(nil, ErrTimeout) {
		m.log.Debug("query timed out", zap.Stringer("id", h.id))
	}
}

// remove deletes h if it is still the entry registered for its id. With
// tombstone the id is remembered as ended in the same critical section, so
// a response racing the removal is either resolved or recognised as late.
func (m *Manager) remove(h *Handle, tombstone bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[h.id] != h {
		return false
	}
	delete(m.pending, h.id)
	if tombstone {
		m.ended.Add(h.id, struct{}{})
	}
	return true
}
