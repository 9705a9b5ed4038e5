// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fleetnet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/fleetnet/registry"
)

// Server accepts connections on any number of listeners. Every accepted
// connection becomes a Channel whose registry is a child of the server
// registry, so listeners added to the server see packets of all channels.
type Server struct {
	opts     *options
	log      *zap.Logger
	reg      *registry.Registry
	pool     *Pool
	ownPool  bool
	channels *ChannelSet
	started  time.Time

	mu        sync.Mutex
	listeners []Listener
	closed    bool
	wg        sync.WaitGroup
}

// NewServer creates a server. Listeners are added with Listen.
func NewServer(opts ...Option) *Server {
	o := newOptions(opts)
	s := &Server{
		opts:     o,
		log:      o.log.With(zap.String("node", o.handshake.Name)),
		reg:      registry.New(),
		pool:     o.pool,
		channels: NewChannelSet(),
		started:  time.Now(),
	}
	if s.pool == nil {
		s.pool = NewPool(o.workers)
		s.ownPool = true
	}
	return s
}

// Registry returns the registry shared by all accepted channels.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Channels returns the live accepted channels.
func (s *Server) Channels() *ChannelSet { return s.channels }

// Name returns the node name announced in handshakes.
func (s *Server) Name() string { return s.opts.handshake.Name }

// Started returns when the server was created.
func (s *Server) Started() time.Time { return s.started }

// Listen opens a listener on addr and tracks it until Close.
func (s *Server) Listen(addr string) (Listener, error) {
	l, err := listenTransport(addr, s.opts)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		l.Close()
		return nil, ErrListenerClosed
	}
	s.listeners = append(s.listeners, l)
	return l, nil
}

// Addrs returns the addresses of the open listeners.
func (s *Server) Addrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l.Addr())
	}
	return out
}

// Serve accepts connections from l until ctx ends or the server closes.
func (s *Server) Serve(ctx context.Context, l Listener) error {
	s.log.Info("serving", zap.String("addr", l.Addr()))
	for {
		t, err := l.Accept(ctx)
		if err != nil {
			if errors.Is(err, ErrListenerClosed) || ctx.Err() != nil || s.isClosed() {
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			select {
			case <-time.After(50 * time.Millisecond):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.accept(ctx, t); err != nil {
				s.log.Warn("handshake failed",
					zap.String("remote", t.RemoteAddr()),
					zap.Error(err),
				)
			}
		}()
	}
}

// ListenAndServe listens on every addr and serves until ctx ends, then
// closes the server.
func (s *Server) ListenAndServe(ctx context.Context, addrs ...string) error {
	var listeners []Listener
	for _, addr := range addrs {
		l, err := s.Listen(addr)
		if err != nil {
			s.Close()
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		listeners = append(listeners, l)
	}
	var wg sync.WaitGroup
	for _, l := range listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Serve(ctx, l)
		}()
	}
	<-ctx.Done()
	err := s.Close()
	wg.Wait()
	return err
}

func (s *Server) accept(ctx context.Context, t Transport) (*Channel, error) {
	hctx, cancel := context.WithTimeout(ctx, s.opts.handshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(hctx, func() { t.Close() })
	peer, err := s.opts.handshake.accept(hctx, t)
	if !stop() && err == nil {
		err = hctx.Err()
	}
	if err != nil {
		t.Close()
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.Close()
		return nil, ErrListenerClosed
	}
	c := newChannel(t, s.reg.Child(), s.pool, peer, s.opts)
	s.channels.Add(c)
	s.mu.Unlock()

	c.log.Info("peer connected", zap.Stringer("version", peer.Version))
	return c, nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the listeners, closes every channel and waits for pending
// handshakes.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, ErrListenerClosed) {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	s.channels.Close()
	if s.ownPool {
		s.pool.Close()
	}
	return errors.Join(errs...)
}
