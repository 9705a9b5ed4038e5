// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fleetnet

import (
	"sync"
)

// ChannelSet is a concurrent collection of live channels. A channel added
// to the set leaves it when it closes.
type ChannelSet struct {
	mu       sync.RWMutex
	channels map[*Channel]struct{}
}

func NewChannelSet() *ChannelSet {
	return &ChannelSet{channels: make(map[*Channel]struct{})}
}

// Add tracks c until it closes.
func (s *ChannelSet) Add(c *Channel) {
	s.mu.Lock()
	s.channels[c] = struct{}{}
	s.mu.Unlock()
	c.OnClose(s.Remove)
}

// Remove stops tracking c.
func (s *ChannelSet) Remove(c *Channel) {
	s.mu.Lock()
	delete(s.channels, c)
	s.mu.Unlock()
}

func (s *ChannelSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// List returns a snapshot of the tracked channels.
func (s *ChannelSet) List() []*Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Channel, 0, len(s.channels))
	for c := range s.channels {
		out = append(out, c)
	}
	return out
}

// Find returns the first channel whose peer announced name.
func (s *ChannelSet) Find(name string) *Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.channels {
		if c.Peer().Name == name {
			return c
		}
	}
	return nil
}

// Close closes every tracked channel.
func (s *ChannelSet) Close() {
	var wg sync.WaitGroup
	for _, c := range s.List() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close()
		}()
	}
	wg.Wait()
}
