// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chunk

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Sink receives the data of one session in index order.
type Sink interface {
	io.Writer
	// Flush makes everything written so far durable.
	Flush() error
	// Close finishes a complete transfer.
	Close() error
	// Abort discards an incomplete transfer.
	Abort() error
	// Open returns the assembled stream. Only valid after Close.
	Open() (io.ReadCloser, error)
}

// SinkFactory creates the sink for a new session once its header is known.
type SinkFactory func(id uuid.UUID, h Header) (Sink, error)

var errSinkClosed = errors.New("chunk: sink closed")

// MemorySink keeps the transfer in memory.
type MemorySink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

// NewMemorySink is a SinkFactory for MemorySink.
func NewMemorySink(uuid.UUID, Header) (Sink, error) {
	return &MemorySink{}, nil
}

func (s *MemorySink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errSinkClosed
	}
	return s.buf.Write(p)
}

func (*MemorySink) Flush() error { return nil }

func (s *MemorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Abort() error {
	s.mu.Lock()
	s.closed = true
	s.buf.Reset()
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.Bytes())), nil
}

// Bytes returns the data written so far.
func (s *MemorySink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.buf.Bytes())
}

// FileSink spools the transfer to a temporary file.
type FileSink struct {
	f *os.File
	w *bufio.Writer
}

// NewFileSink returns a SinkFactory creating files in dir. An empty dir
// means os.TempDir.
func NewFileSink(dir string) SinkFactory {
	return func(id uuid.UUID, _ Header) (Sink, error) {
		f, err := os.CreateTemp(dir, "fleetnet-"+id.String()+"-*")
		if err != nil {
			return nil, err
		}
		return &FileSink{f: f, w: bufio.NewWriter(f)}, nil
	}
}

// Path is the location of the spooled file.
func (s *FileSink) Path() string { return s.f.Name() }

func (s *FileSink) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *FileSink) Flush() error { return s.w.Flush() }

func (s *FileSink) Close() error {
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

func (s *FileSink) Abort() error {
	s.f.Close()
	return os.Remove(s.f.Name())
}

func (s *FileSink) Open() (io.ReadCloser, error) {
	return os.Open(s.f.Name())
}
