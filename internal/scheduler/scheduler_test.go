package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLoop(t *testing.T) (*Loop, *FakeClock) {
	t.Helper()
	clock := NewFakeClock(time.Unix(0, 0))
	loop := NewLoop(clock, zap.NewNop())
	t.Cleanup(loop.Stop)
	return loop, clock
}

func step(t *testing.T, loop *Loop, clock *FakeClock, d time.Duration) {
	t.Helper()
	clock.Advance(d)
	require.NoError(t, loop.Sync(context.Background()))
}

func TestLoop_AfterFiresOnLoop(t *testing.T) {
	loop, clock := newTestLoop(t)

	var fired []string
	loop.After(100*time.Millisecond, func() { fired = append(fired, "a") })
	loop.After(50*time.Millisecond, func() { fired = append(fired, "b") })

	step(t, loop, clock, 60*time.Millisecond)
	require.NoError(t, loop.Do(context.Background(), func() {
		assert.Equal(t, []string{"b"}, fired)
	}))

	step(t, loop, clock, 40*time.Millisecond)
	require.NoError(t, loop.Do(context.Background(), func() {
		assert.Equal(t, []string{"b", "a"}, fired)
	}))
}

func TestTimer_Cancel(t *testing.T) {
	loop, clock := newTestLoop(t)

	ran := false
	timer := loop.After(time.Second, func() { ran = true })
	assert.True(t, timer.Pending())
	assert.True(t, timer.Cancel())
	assert.False(t, timer.Cancel())
	assert.Equal(t, 0, clock.Pending())

	step(t, loop, clock, 2*time.Second)
	require.NoError(t, loop.Do(context.Background(), func() {
		assert.False(t, ran)
	}))
}

func TestTimer_CancelAfterQueued(t *testing.T) {
	loop, clock := newTestLoop(t)

	release := make(chan struct{})
	// hold the loop so the timer callback queues behind this task
	require.NoError(t, loop.Post(func() { <-release }))

	ran := false
	timer := loop.After(time.Millisecond, func() { ran = true })
	clock.Advance(time.Millisecond)
	assert.True(t, timer.Cancel())
	close(release)

	require.NoError(t, loop.Sync(context.Background()))
	require.NoError(t, loop.Do(context.Background(), func() {
		assert.False(t, ran)
	}))
}

func TestTimer_ChainedCallbacks(t *testing.T) {
	loop, clock := newTestLoop(t)

	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			loop.After(10*time.Millisecond, tick)
		}
	}
	loop.After(10*time.Millisecond, tick)

	for i := 0; i < 5; i++ {
		step(t, loop, clock, 10*time.Millisecond)
	}
	require.NoError(t, loop.Do(context.Background(), func() {
		assert.Equal(t, 3, count)
	}))
	assert.Equal(t, 0, clock.Pending())
}

func TestLoop_Stop(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	loop := NewLoop(clock, zap.NewNop())
	loop.Stop()

	assert.ErrorIs(t, loop.Post(func() {}), ErrStopped)
	assert.ErrorIs(t, loop.Do(context.Background(), func() {}), ErrStopped)
}

func TestLoop_RecoversFromPanic(t *testing.T) {
	loop, _ := newTestLoop(t)

	require.NoError(t, loop.Post(func() { panic("boom") }))
	ok := false
	require.NoError(t, loop.Do(context.Background(), func() { ok = true }))
	assert.True(t, ok)
}

func TestSystemClock(t *testing.T) {
	loop := NewLoop(nil, zap.NewNop())
	defer loop.Stop()

	done := make(chan struct{})
	loop.After(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}
