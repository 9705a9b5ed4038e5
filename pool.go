// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fleetnet

import (
	"sync"
)

// Pool runs inbound dispatch for many channels on a fixed set of workers.
// Work is submitted to a Lane; tasks of one lane run one at a time in
// submission order, while different lanes proceed in parallel. Submitting
// never blocks.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ready  []*Lane
	closed bool
	wg     sync.WaitGroup
}

// Lane is a serial task queue inside a Pool.
type Lane struct {
	pool      *Pool
	mu        sync.Mutex
	tasks     []func()
	scheduled bool
}

// NewPool starts a pool with the given number of workers.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

// NewLane returns an empty lane of p.
func (p *Pool) NewLane() *Lane {
	return &Lane{pool: p}
}

// Submit queues fn behind the lane's earlier tasks. It returns
// ErrPoolClosed once the pool stopped.
func (l *Lane) Submit(fn func()) error {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	if l.scheduled {
		l.mu.Unlock()
		return nil
	}
	l.scheduled = true
	l.mu.Unlock()

	if !l.pool.schedule(l) {
		l.mu.Lock()
		l.tasks = nil
		l.scheduled = false
		l.mu.Unlock()
		return ErrPoolClosed
	}
	return nil
}

// Pending returns the number of queued tasks.
func (l *Lane) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

func (p *Pool) schedule(l *Lane) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.ready = append(p.ready, l)
	p.cond.Signal()
	return true
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.ready) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.ready) == 0 {
			p.mu.Unlock()
			return
		}
		l := p.ready[0]
		p.ready[0] = nil
		p.ready = p.ready[1:]
		p.mu.Unlock()

		l.drain()
	}
}

// drain runs the lane's tasks until it is empty. A lane is held by at most
// one worker because it is only rescheduled after scheduled drops.
func (l *Lane) drain() {
	for {
		l.mu.Lock()
		if len(l.tasks) == 0 {
			l.scheduled = false
			l.mu.Unlock()
			return
		}
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		fn()
	}
}

// Close stops accepting lanes, lets the workers finish what is queued and
// waits for them.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}
