// Package loop provides the single coordinating goroutine that owns all feed
// state. Socket reads, timer fires and fetch completions are posted to the
// loop as tasks and run one at a time in arrival order.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned by Do when the loop is no longer running.
var ErrStopped = errors.New("loop stopped")

// Clock is the time source used for scheduling.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending scheduled call.
type Timer interface {
	// Stop prevents the call from running. It reports whether the call was
	// still pending.
	Stop() bool
}

// Scheduler is what loop-owned components need: the current time and
// timers whose callbacks run on the loop.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Executor accepts tasks from any goroutine.
type Executor interface {
	Post(f func()) bool
}

// Runner combines Scheduler and Executor.
type Runner interface {
	Scheduler
	Executor
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Loop is a serial task executor. Post may be called from any goroutine and
// never blocks; the queue is unbounded so tasks may post further tasks.
type Loop struct {
	clock Clock

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	running bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock replaces the wall clock, typically with a ManualClock in tests.
func WithClock(c Clock) Option {
	return func(l *Loop) {
		if c != nil {
			l.clock = c
		}
	}
}

// New creates a loop. It does nothing until Run is called.
func New(opts ...Option) *Loop {
	l := &Loop{
		clock: realClock{},
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run processes tasks until the context is cancelled or Stop is called.
// Tasks still queued at that point are discarded.
func (l *Loop) Run(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	stopped := l.stopped
	l.mu.Unlock()

	// done is closed by the one call that set running, on every exit path.
	defer close(l.done)
	if stopped {
		return
	}
	defer l.Stop()

	for {
		task, ok := l.next()
		if ok {
			task()
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
			if l.isStopped() {
				return
			}
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || len(l.queue) == 0 {
		return nil, false
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, true
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Post enqueues f. It reports false if the loop has stopped.
func (l *Loop) Post(f func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs f on the loop and waits for it to finish. It must not be called
// from a loop task.
func (l *Loop) Do(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		f()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop makes the loop exit after the current task. Safe to call repeatedly.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Now returns the loop clock's current time.
func (l *Loop) Now() time.Time { return l.clock.Now() }

// AfterFunc schedules f to run on the loop after d. Stop must be called from
// a loop task; once it returns, f will not run even if the clock already
// fired and the task is queued.
func (l *Loop) AfterFunc(d time.Duration, f func()) Timer {
	lt := &loopTimer{}
	lt.inner = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if lt.cancelled {
				return
			}
			lt.cancelled = true
			f()
		})
	})
	return lt
}

type loopTimer struct {
	inner     Timer
	cancelled bool
}

func (t *loopTimer) Stop() bool {
	if t.cancelled {
		return false
	}
	t.cancelled = true
	t.inner.Stop()
	return true
}

var _ Runner = (*Loop)(nil)
