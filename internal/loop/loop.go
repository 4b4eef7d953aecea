// SPDX-License-Identifier: Apache-2.0

// Package loop provides the single-threaded event loop the agent runs on.
//
// Every mutation of agent state happens inside a callback dispatched by Run.
// Goroutines that wait on pipes, child processes, timers or D-Bus callers
// never touch that state directly; they hand a closure to Post (or Call) and
// the loop runs it between two other callbacks.
package loop

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// queueSize bounds the number of callbacks waiting for dispatch.
const queueSize = 64

// Timer is a scheduled callback that can be canceled before it fires.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer; false means it already fired or was stopped.
	// Stop must be called from the loop goroutine.
	Stop() bool
}

// Loop serializes callbacks onto the goroutine that calls Run.
type Loop struct {
	queue  chan func()
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// New returns a loop that is ready to accept callbacks. Callbacks queue up
// until Run is called.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		queue:  make(chan func(), queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Run dispatches callbacks on the calling goroutine until ctx is canceled or
// Close is called. It returns ctx.Err() when the context ends the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Debug("event loop started")
	defer l.logger.Debug("event loop stopped")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case fn := <-l.queue:
			fn()
		}
	}
}

// Close stops the loop. Callbacks still queued are dropped and later Post
// calls report false. Close is idempotent.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.done) })
}

// Done is closed once the loop has been closed.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post queues fn for dispatch and reports whether it was accepted.
// It is safe to call from any goroutine.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Call runs fn on the loop and waits for it to return. It reports false if
// the loop was closed before fn ran. Call must not be used from the loop
// goroutine itself.
func (l *Loop) Call(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		return false
	}
}

// AfterFunc schedules fn to run on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &timer{}
	t.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.fired {
				return
			}
			t.fired = true
			fn()
		})
	})
	return t
}

// timer is owned by the loop goroutine; fired is only read and written there.
type timer struct {
	t     *time.Timer
	fired bool
}

func (t *timer) Stop() bool {
	if t.fired {
		return false
	}
	t.fired = true
	t.t.Stop()
	return true
}
