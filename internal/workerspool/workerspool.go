// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs independent tasks in goroutines, limiting how many run at a time.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers. The zero value is not usable: create it with New.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time, always positive unless
	// there is no limit, in which case it is negative.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning decreases.
	numRunning int
	wg         sync.WaitGroup
}

// New returns a Pool running up to maxParallelism tasks at a time. If maxParallelism is 0 it
// defaults to runtime.NumCPU(), if negative parallelism is unlimited.
func New(maxParallelism int) *Pool {
	if maxParallelism == 0 {
		maxParallelism = runtime.NumCPU()
	}
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism returns the limit of tasks running at the same time, or a negative value if unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// IsUnlimited returns whether parallelism is unlimited.
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// lockedIsFull returns whether all workers are in use.
//
// It must be called with w.mu acquired.
func (w *Pool) lockedIsFull() bool {
	return !w.IsUnlimited() && w.numRunning >= w.maxParallelism
}

// Go waits until there is a worker available and runs the task in a goroutine.
func (w *Pool) Go(task func()) {
	w.wg.Add(1)
	if w.IsUnlimited() {
		go func() {
			defer w.wg.Done()
			task()
		}()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		defer w.wg.Done()
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// Wait until all the tasks started with Go are finished.
func (w *Pool) Wait() {
	w.wg.Wait()
}
