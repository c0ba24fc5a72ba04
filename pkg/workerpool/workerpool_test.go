package workerpool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	pool := New(4)
	defer pool.Close()

	assert.Equal(t, 4, pool.NumWorkers())
}

func TestNewDefault(t *testing.T) {
	pool := New(0)
	defer pool.Close()

	assert.Equal(t, runtime.GOMAXPROCS(0), pool.NumWorkers())
}

func TestRunBarrier(t *testing.T) {
	pool := New(4)
	defer pool.Close()

	results := make([]int, 64)
	tasks := make([]func(), 0, 8)
	for i := 0; i < 8; i++ {
		start, end := i*8, (i+1)*8
		tasks = append(tasks, func() {
			for j := start; j < end; j++ {
				results[j] = j * 2
			}
		})
	}

	pool.Run(tasks)

	for i, v := range results {
		if v != i*2 {
			t.Errorf("results[%d] = %d, want %d", i, v, i*2)
		}
	}
}

// TestReuse verifies that one pool serves many consecutive Run calls
func TestReuse(t *testing.T) {
	pool := New(3)
	defer pool.Close()

	var count atomic.Int64
	for round := 0; round < 50; round++ {
		tasks := make([]func(), 5)
		for i := range tasks {
			tasks[i] = func() { count.Add(1) }
		}
		pool.Run(tasks)
	}

	assert.Equal(t, int64(250), count.Load())
}

func TestRunAfterClose(t *testing.T) {
	pool := New(2)
	pool.Close()
	pool.Close()

	ran := 0
	pool.Run([]func(){func() { ran++ }, func() { ran++ }})
	assert.Equal(t, 2, ran)
}

func TestRunEmpty(t *testing.T) {
	pool := New(2)
	defer pool.Close()

	pool.Run(nil)
}

// TestCloseDuringRun closes the pool while other goroutines keep submitting
// work; every task must still run exactly once
func TestCloseDuringRun(t *testing.T) {
	pool := New(4)

	var count atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := 0; round < 100; round++ {
				tasks := make([]func(), 6)
				for i := range tasks {
					tasks[i] = func() { count.Add(1) }
				}
				pool.Run(tasks)
			}
		}()
	}

	time.Sleep(time.Millisecond)
	pool.Close()
	wg.Wait()

	assert.Equal(t, int64(8*100*6), count.Load())
}
