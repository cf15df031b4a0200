package sched

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	b := Backoff{Initial: time.Second, Multiplier: 2, Max: 5 * time.Second}

	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 5*time.Second, b.Delay(4), "delay must cap at Max")
	assert.Equal(t, 5*time.Second, b.Delay(10))
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	b := Backoff{Initial: time.Second, Multiplier: 2, Max: time.Minute, JitterPercent: 50}

	for i := 0; i < 50; i++ {
		d := b.Delay(1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestBackoffExhausted(t *testing.T) {
	b := Backoff{MaxAttempts: 3}
	assert.False(t, b.Exhausted(2))
	assert.True(t, b.Exhausted(3))
	assert.True(t, b.Exhausted(4))

	unlimited := Backoff{}
	assert.False(t, unlimited.Exhausted(1000))
}

func TestSchedulerRunsTask(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	var fired atomic.Int32
	s.Schedule("k", 10*time.Millisecond, func() { fired.Add(1) })

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.Pending("k"), "fired task must be cleared")
}

func TestSchedulerReplacesPendingTask(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	var first, second atomic.Int32
	s.Schedule("k", 30*time.Millisecond, func() { first.Add(1) })
	s.Schedule("k", 10*time.Millisecond, func() { second.Add(1) })

	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load(), "replaced task must never fire")
}

func TestSchedulerCancel(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	var fired atomic.Int32
	s.Schedule("k", 20*time.Millisecond, func() { fired.Add(1) })
	assert.True(t, s.Pending("k"))
	s.Cancel("k")
	assert.False(t, s.Pending("k"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestSchedulerStaleTimerDoesNotEvictReplacement(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	// A zero-delay timer fires immediately; its callback races the
	// replacement Schedule for the same key. Whoever loses must leave
	// the winner's entry alone.
	const n = 100
	var fired sync.WaitGroup
	fired.Add(n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%d", i)
		s.Schedule(key, 0, func() {})
		s.Schedule(key, 50*time.Millisecond, fired.Done)
	}

	time.Sleep(10 * time.Millisecond)
	for i := 0; i < n; i++ {
		require.True(t, s.Pending(fmt.Sprintf("k%d", i)),
			"replacement must stay pending until it runs")
	}

	done := make(chan struct{})
	go func() { fired.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("replacement tasks never ran")
	}
}

func TestSchedulerCancelStopsReplacementAfterStaleFire(t *testing.T) {
	s := NewScheduler()
	defer s.Close()

	// Even when the first timer has already fired (but not yet run),
	// Cancel must still reach the live replacement.
	const n = 100
	var lateRuns atomic.Int32
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%d", i)
		s.Schedule(key, 0, func() {})
		s.Schedule(key, 30*time.Millisecond, func() { lateRuns.Add(1) })
		s.Cancel(key)
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), lateRuns.Load(), "cancelled task must never run")
	for i := 0; i < n; i++ {
		assert.False(t, s.Pending(fmt.Sprintf("k%d", i)))
	}
}

func TestSchedulerCloseDropsEverything(t *testing.T) {
	s := NewScheduler()

	var fired atomic.Int32
	s.Schedule("a", 20*time.Millisecond, func() { fired.Add(1) })
	s.Schedule("b", 20*time.Millisecond, func() { fired.Add(1) })
	s.Close()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	// Scheduling after close is a no-op.
	s.Schedule("c", time.Millisecond, func() { fired.Add(1) })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestTickerStartStop(t *testing.T) {
	var ticks atomic.Int32
	ticker := NewTicker(10*time.Millisecond, func() { ticks.Add(1) })

	ticker.Start()
	ticker.Start() // Double start must not spawn a second loop.

	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, 5*time.Millisecond)
	ticker.Stop()
	ticker.Stop()

	settled := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, ticks.Load()-settled, int32(1), "at most one in-flight tick after stop")
}
