// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Limit(t *testing.T) {
	pool := New(3)
	require.Equal(t, 3, pool.MaxParallelism())

	var running, maxRunning, done atomic.Int32
	for range 20 {
		pool.Go(func() {
			n := running.Add(1)
			for {
				current := maxRunning.Load()
				if n <= current || maxRunning.CompareAndSwap(current, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			done.Add(1)
		})
	}
	pool.Wait()
	assert.Equal(t, int32(20), done.Load())
	assert.LessOrEqual(t, maxRunning.Load(), int32(3))
	assert.Positive(t, maxRunning.Load())
}

func TestPool_Defaults(t *testing.T) {
	assert.Equal(t, runtime.NumCPU(), New(0).MaxParallelism())
	assert.False(t, New(0).IsUnlimited())

	pool := New(-1)
	assert.True(t, pool.IsUnlimited())
	var count atomic.Int32
	for range 10 {
		pool.Go(func() { count.Add(1) })
	}
	pool.Wait()
	assert.Equal(t, int32(10), count.Load())
}
