// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chunk

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAborted     = errors.New("chunk: session aborted")
	ErrIdleTimeout = errors.New("chunk: session idle")
)

// State is the lifecycle position of a Session.
type State int32

const (
	AwaitingFirst State = iota
	Receiving
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingFirst:
		return "awaiting-first"
	case Receiving:
		return "receiving"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Transfer is a completed session.
type Transfer struct {
	ID     uuid.UUID
	Header Header
	Size   int64
	Chunks int32
	Sink   Sink
}

// Open returns the assembled stream.
func (t *Transfer) Open() (io.ReadCloser, error) { return t.Sink.Open() }

// DoneFunc is called exactly once when a session closes: with the transfer
// when it completed, with the failure otherwise.
type DoneFunc func(s *Session, t *Transfer, err error)

// Session reassembles one transfer. Chunks are applied to the sink in index
// order no matter in which order they arrive; early chunks wait in memory
// until their predecessor was applied.
type Session struct {
	id      uuid.UUID
	newSink SinkFactory
	done    DoneFunc

	mu         sync.Mutex
	state      State
	sink       Sink
	header     Header
	total      int32
	expected   int32
	pending    map[int32]*Chunk
	size       int64
	lastActive time.Time
}

// NewSession returns a session awaiting its chunks. done may be nil.
func NewSession(id uuid.UUID, newSink SinkFactory, done DoneFunc) *Session {
	return &Session{
		id:         id,
		newSink:    newSink,
		done:       done,
		pending:    make(map[int32]*Chunk),
		lastActive: time.Now(),
	}
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Expected is the index of the next chunk to apply.
func (s *Session) Expected() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expected
}

// Buffered counts chunks waiting for a predecessor.
func (s *Session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// LastActive is when the session last received a chunk.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Apply applies c, or buffers it when it arrived ahead of its predecessor.
// It reports whether the session completed. A failing chunk closes the
// session and aborts its sink.
func (s *Session) Apply(c *Chunk) (bool, error) {
	s.mu.Lock()
	t, closed, err := s.apply(c)
	s.mu.Unlock()
	if closed {
		s.finish(t, err)
	}
	return t != nil, err
}

func (s *Session) apply(c *Chunk) (*Transfer, bool, error) {
	if s.state == Closed {
		return nil, false, ErrSessionClosed
	}
	if c.Session != s.id {
		return nil, false, fmt.Errorf("%w: chunk for session %s", ErrMalformedChunk, c.Session)
	}
	s.lastActive = time.Now()

	if c.Index != s.expected {
		if _, dup := s.pending[c.Index]; dup || c.Index < s.expected {
			return nil, false, fmt.Errorf("%w: index %d", ErrDuplicateChunk, c.Index)
		}
		early := *c
		early.Data = bytes.Clone(c.Data)
		s.pending[c.Index] = &early
		return nil, false, nil
	}

	end, err := s.step(c)
	for err == nil && !end {
		next, ok := s.pending[s.expected]
		if !ok {
			break
		}
		delete(s.pending, s.expected)
		end, err = s.step(next)
	}
	if err == nil && end && len(s.pending) > 0 {
		err = s.gap()
	}
	if err != nil {
		s.abort()
		return nil, true, err
	}
	if !end {
		return nil, false, nil
	}

	s.state = Closed
	if err := s.sink.Close(); err != nil {
		s.sink.Abort()
		return nil, true, fmt.Errorf("chunk: closing sink: %w", err)
	}
	return &Transfer{
		ID:     s.id,
		Header: s.header,
		Size:   s.size,
		Chunks: s.total,
		Sink:   s.sink,
	}, true, nil
}

// step applies the chunk at the expected index and reports whether it
// ended the transfer.
func (s *Session) step(c *Chunk) (bool, error) {
	if c.Index == 0 {
		sink, err := s.newSink(s.id, c.Header)
		if err != nil {
			return false, fmt.Errorf("chunk: creating sink: %w", err)
		}
		s.sink = sink
		s.header = c.Header
		s.total = c.Total
		s.state = Receiving
		s.expected = 1
		if c.End && c.Total != 0 {
			return false, fmt.Errorf("%w: end on chunk 0 with total %d", ErrTotalMismatch, c.Total)
		}
		return c.End, nil
	}

	if c.End != (c.Index == s.total) {
		return false, fmt.Errorf("%w: chunk %d end=%v, total %d", ErrTotalMismatch, c.Index, c.End, s.total)
	}
	if _, err := s.sink.Write(c.Data); err != nil {
		return false, fmt.Errorf("chunk: writing chunk %d: %w", c.Index, err)
	}
	if err := s.sink.Flush(); err != nil {
		return false, fmt.Errorf("chunk: flushing chunk %d: %w", c.Index, err)
	}
	s.size += int64(len(c.Data))
	s.expected++
	return c.End && s.expected-1 == s.total, nil
}

func (s *Session) gap() *GapError {
	return &GapError{
		Session:  s.id,
		Expected: s.expected,
		Pending:  slices.Sorted(maps.Keys(s.pending)),
	}
}

func (s *Session) abort() {
	s.state = Closed
	clear(s.pending)
	if s.sink != nil {
		s.sink.Abort()
	}
}

// Close force-closes an unfinished session and discards what it received.
// Closing with chunks still buffered fails with a *GapError.
func (s *Session) Close() error {
	return s.Abort(ErrAborted)
}

// Abort closes an unfinished session with cause. The error reported to the
// done callback is a *GapError when chunks were buffered, cause otherwise;
// only the *GapError is returned.
func (s *Session) Abort(cause error) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	err := cause
	if len(s.pending) > 0 {
		err = s.gap()
	}
	s.abort()
	s.mu.Unlock()

	s.finish(nil, err)
	if err == cause {
		return nil
	}
	return err
}

func (s *Session) finish(t *Transfer, err error) {
	if s.done != nil {
		s.done(s, t, err)
	}
}
