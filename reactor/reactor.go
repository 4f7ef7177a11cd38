// Package reactor provides the single-threaded event loop every engine in
// this module runs on. All engine state is touched only from the loop
// goroutine; blocking socket work happens in helper goroutines that post
// their results back with Post or Background.
package reactor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned by Run once Stop has been called.
var ErrStopped = errors.New("reactor stopped")

// Timer is a one-shot timer whose callback runs on the loop.
type Timer interface {
	// Stop prevents the callback from running. It must be called from the
	// loop goroutine and reports whether the timer was still pending.
	Stop() bool
}

// Reactor is the event loop collaborator consumed by the resolver, the DNS
// answering server, the HTTP engine and the RPC layer.
type Reactor interface {
	// Post queues fn to run on the loop goroutine. Safe from any goroutine.
	Post(fn func())
	// AfterFunc runs fn on the loop after d.
	AfterFunc(d time.Duration, fn func()) Timer
	// Background runs work on its own goroutine and then posts then to the
	// loop. Blocking dials and writes ("wait until writable") use it.
	Background(work func(), then func())
}

const queueSize = 1024

// Loop is the default Reactor.
type Loop struct {
	tasks    chan func()
	quit     chan struct{}
	stopOnce sync.Once
}

func New() *Loop {
	return &Loop{
		tasks: make(chan func(), queueSize),
		quit:  make(chan struct{}),
	}
}

func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.quit:
	}
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &timer{}
	t.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped {
				return
			}
			t.stopped = true
			fn()
		})
	})
	return t
}

func (l *Loop) Background(work func(), then func()) {
	go func() {
		work()
		if then != nil {
			l.Post(then)
		}
	}()
}

// Run executes posted tasks until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		case <-l.quit:
			return ErrStopped
		}
	}
}

// Stop makes Run return. Tasks still queued are discarded.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
}

// Call runs fn on the loop and waits for it to finish. It must not be
// called from the loop goroutine itself. It returns false when the loop
// stopped before fn ran.
func (l *Loop) Call(fn func()) bool {
	done := make(chan struct{})
	l.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return true
	case <-l.quit:
		return false
	}
}

type timer struct {
	t       *time.Timer
	stopped bool
}

func (t *timer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	t.t.Stop()
	return true
}
