// Package scheduler provides the single logical control flow that every task
// transition, timer callback and registry mutation runs on.
//
// Work is submitted with Post (run as soon as possible) or After (run once the
// delay elapses). Units never run concurrently with each other, so state owned
// by the loop needs no locking.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrStopped = errors.New("scheduler stopped")

// Timer is a pending delayed unit of work.
type Timer interface {
	Stop() bool
}

type Scheduler interface {
	Now() time.Time
	Post(fn func())
	After(d time.Duration, fn func()) Timer
	// Call runs fn on the scheduler and waits for it to finish.
	Call(ctx context.Context, fn func()) error
}

// Loop is the production scheduler: one goroutine draining an unbounded FIFO.
type Loop struct {
	log zerolog.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func NewLoop(log zerolog.Logger) *Loop {
	return &Loop{
		log:  log.With().Str("component", "scheduler").Logger(),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (l *Loop) Now() time.Time { return time.Now().UTC() }

// Post enqueues fn. It never blocks, including when called from the loop itself.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) After(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	return time.AfterFunc(d, func() { l.Post(fn) })
}

func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is cancelled. Pending work is discarded on exit.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.queue = nil
			l.mu.Unlock()
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			l.runUnit(fn)
			if ctx.Err() != nil {
				break
			}
		}
	}
}

// Done is closed once Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) runUnit(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("scheduled unit panicked")
		}
	}()
	fn()
}
