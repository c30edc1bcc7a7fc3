package rwmutex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badger-os/vfscore/internal/clock"
)

func TestAcquireExcludesSecondAcquire(t *testing.T) {
	m := New()
	require.True(t, m.Acquire(0))
	defer m.Release()

	ok := m.Acquire(10 * time.Millisecond)
	assert.False(t, ok, "a second exclusive acquire should time out while the first is held")
}

func TestAcquireSharedAllowsMultipleReaders(t *testing.T) {
	m := New()
	require.True(t, m.AcquireShared(0))
	defer m.ReleaseShared()

	require.True(t, m.AcquireShared(10*time.Millisecond))
	m.ReleaseShared()
}

func TestAcquireSharedExcludesWriter(t *testing.T) {
	m := New()
	require.True(t, m.AcquireShared(0))
	defer m.ReleaseShared()

	ok := m.Acquire(10 * time.Millisecond)
	assert.False(t, ok, "exclusive acquire should time out while a reader holds the lock")
}

func TestAcquireTimesOutExactlyWhenSimulatedClockReachesDeadline(t *testing.T) {
	m := New()
	sim := clock.NewSimulatedClock(time.Unix(0, 0))
	m.SetClock(sim)

	require.True(t, m.Acquire(0))
	defer m.Release()

	done := make(chan bool, 1)
	go func() { done <- m.Acquire(5 * time.Second) }()

	// Give the second Acquire a moment to register as a waiter; it is
	// AdvanceTime below, not this sleep, that actually resolves it.
	time.Sleep(10 * time.Millisecond)
	sim.AdvanceTime(5*time.Second + time.Millisecond)

	select {
	case ok := <-done:
		assert.False(t, ok, "exclusive acquire should time out once the simulated clock passes its deadline")
	case <-time.After(time.Second):
		t.Fatal("Acquire did not resolve after the simulated clock advanced past its deadline")
	}
}

func TestReleaseWithoutHoldPanics(t *testing.T) {
	m := New()
	assert.Panics(t, func() { m.Release() })
}

func TestReleaseSharedWithoutHoldPanics(t *testing.T) {
	m := New()
	assert.Panics(t, func() { m.ReleaseShared() })
}

func TestAcquireUnblocksAfterRelease(t *testing.T) {
	m := New()
	require.True(t, m.Acquire(0))

	done := make(chan bool, 1)
	go func() {
		done <- m.Acquire(time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	m.Release()

	select {
	case ok := <-done:
		assert.True(t, ok)
		m.Release()
	case <-time.After(time.Second):
		t.Fatal("waiting acquirer was never admitted")
	}
}

func TestWriterPreferenceBoundsReaderStarvation(t *testing.T) {
	m := New()
	var events []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}

	require.True(t, m.AcquireShared(0))

	writerDone := make(chan struct{})
	go func() {
		m.Acquire(2 * time.Second)
		record("writer")
		m.Release()
		close(writerDone)
	}()

	// give the writer time to queue
	time.Sleep(10 * time.Millisecond)

	// flood with readers; once writerFastLoopBound is exceeded, new shared
	// acquires must queue behind the waiting writer instead of starving it.
	var wg sync.WaitGroup
	for i := 0; i < writerFastLoopBound+10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.AcquireShared(50 * time.Millisecond) {
				record("reader")
				m.ReleaseShared()
			}
		}()
	}

	m.ReleaseShared()
	wg.Wait()
	<-writerDone

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, events, "writer", "queued writer must eventually run despite reader pressure")
}

func TestCheckInvariantsRunsOnTransitions(t *testing.T) {
	m := New()
	var calls int
	m.CheckInvariants = func() { calls++ }

	require.True(t, m.Acquire(0))
	m.Release()
	require.True(t, m.AcquireShared(0))
	m.ReleaseShared()

	assert.Equal(t, 4, calls)
}
