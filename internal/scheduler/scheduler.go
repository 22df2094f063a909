// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned when work is submitted to a stopped loop
var ErrStopped = errors.New("scheduler loop stopped")

// Clock starts timers. SystemClock uses the runtime timers, FakeClock is
// advanced by hand in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

// Stopper stops a pending timer
type Stopper interface {
	Stop() bool
}

type systemClock struct{}

// SystemClock is the wall-clock implementation of Clock
var SystemClock Clock = systemClock{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// Loop runs every submitted task and every timer callback on one goroutine, so
// state owned by the loop never needs its own locking.
type Loop struct {
	clock  Clock
	logger *zap.Logger
	tasks  chan func()
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewLoop creates and starts a loop
func NewLoop(clock Clock, logger *zap.Logger) *Loop {
	if clock == nil {
		clock = SystemClock
	}
	l := &Loop{
		clock:  clock,
		logger: logger.With(zap.String("component", "scheduler")),
		tasks:  make(chan func(), 64),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case task := <-l.tasks:
			l.safe(task)
		case <-l.done:
			return
		}
	}
}

func (l *Loop) safe(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Scheduled task panicked", zap.Any("panic", r))
		}
	}()
	task()
}

// Clock returns the loop's clock
func (l *Loop) Clock() Clock {
	return l.clock
}

// Post queues fn without waiting for it
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from a task already running on the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// Sync waits until every task queued before the call has run
func (l *Loop) Sync(ctx context.Context) error {
	return l.Do(ctx, func() {})
}

// After schedules fn to run on the loop once d has elapsed
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopper = l.clock.AfterFunc(d, func() {
		if err := l.Post(func() {
			if t.claim() {
				fn()
			}
		}); err != nil {
			l.logger.Debug("Timer fired after loop stopped")
		}
	})
	return t
}

// Stop ends the loop. Pending timers never run.
func (l *Loop) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
}

// Timer is a cancellable handle to a scheduled callback
type Timer struct {
	loop    *Loop
	stopper Stopper
	mu      sync.Mutex
	state   timerState
}

type timerState int

const (
	timerPending timerState = iota
	timerFired
	timerCancelled
)

func (t *Timer) claim() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != timerPending {
		return false
	}
	t.state = timerFired
	return true
}

// Cancel prevents the callback from running. It reports false when the callback
// already ran. A callback that was queued on the loop but not yet started is
// still suppressed.
func (t *Timer) Cancel() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != timerPending {
		return false
	}
	t.state = timerCancelled
	if t.stopper != nil {
		t.stopper.Stop()
	}
	return true
}

// Pending reports whether the callback has neither run nor been cancelled
func (t *Timer) Pending() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == timerPending
}
