package refcount

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStartsAtInitial(t *testing.T) {
	c := New(3)
	assert.Equal(t, int64(3), c.Load())
}

func TestIncAndAdd(t *testing.T) {
	c := New(1)
	assert.Equal(t, int64(2), c.Inc())
	assert.Equal(t, int64(5), c.Add(3))
	assert.Equal(t, int64(5), c.Load())
}

func TestDecReturnsTrueOnlyAtZero(t *testing.T) {
	c := New(2)
	assert.False(t, c.Dec(), "first decrement from 2 should not report zero")
	assert.True(t, c.Dec(), "second decrement from 1 should report zero")
}

func TestDecPastZeroStillReportsZeroTransitionOnce(t *testing.T) {
	c := New(1)
	assert.True(t, c.Dec())
	assert.False(t, c.Dec(), "decrementing an already-zero count must not re-report the zero transition")
	assert.Equal(t, int64(-1), c.Load())
}

func TestConcurrentIncDecNetsToZero(t *testing.T) {
	c := New(0)
	const n = 200
	var wg sync.WaitGroup
	wg.Add(n * 2)
	for i := 0; i < n; i++ {
		go func() { defer wg.Done(); c.Inc() }()
	}
	for i := 0; i < n; i++ {
		go func() { defer wg.Done(); c.Dec() }()
	}
	wg.Wait()
	assert.Equal(t, int64(0), c.Load())
}

func TestOnlyOneGoroutineObservesZeroTransition(t *testing.T) {
	c := New(100)
	var zeroObservers int
	var wg sync.WaitGroup
	wg.Add(100)
	var mu sync.Mutex
	for i := 0; i < 100; i++ {
		go func() {
			defer wg.Done()
			if c.Dec() {
				mu.Lock()
				zeroObservers++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, zeroObservers, "exactly one decrementer should observe the zero transition")
}
