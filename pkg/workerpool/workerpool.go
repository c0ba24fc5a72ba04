// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

// Package workerpool provides a fixed-size, reusable pool of goroutines with a
// join barrier. A Pool is created once per rank and reused by every filtering
// pass instead of spawning goroutines per call.
//
// Usage:
//
//	pool := workerpool.New(4)
//	defer pool.Close()
//
//	pool.Run([]func(){
//	    func() { filterColumns(0, 64) },
//	    func() { filterColumns(64, 128) },
//	})
package workerpool

import (
	"runtime"
	"sync"
)

// Pool is a persistent set of workers. Run may be called any number of times
// until Close.
type Pool struct {
	numWorkers int
	workC      chan task

	// mu keeps Close from closing workC while Run is still sending
	mu     sync.RWMutex
	closed bool
}

type task struct {
	fn      func()
	barrier *sync.WaitGroup
}

// New spawns numWorkers goroutines. If numWorkers <= 0, uses GOMAXPROCS.
func New(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}

	p := &Pool{
		numWorkers: numWorkers,
		workC:      make(chan task, numWorkers*2),
	}
	for range numWorkers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for t := range p.workC {
		t.fn()
		t.barrier.Done()
	}
}

// NumWorkers returns the number of workers in the pool.
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// Close stops the workers once queued work has drained. Safe to call twice.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.workC)
	}
}

// Run executes every task on the pool and blocks until all of them have
// returned. Nothing written by a task may be read by the caller before Run
// returns. A closed pool runs the tasks on the calling goroutine. Run and Close
// may be called concurrently.
func (p *Pool) Run(tasks []func()) {
	if len(tasks) == 0 {
		return
	}

	p.mu.RLock()
	if p.closed || len(tasks) == 1 {
		p.mu.RUnlock()
		for _, fn := range tasks {
			fn()
		}
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for _, fn := range tasks {
		p.workC <- task{fn: fn, barrier: &wg}
	}
	p.mu.RUnlock()
	wg.Wait()
}
