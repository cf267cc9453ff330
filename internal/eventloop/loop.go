// Package eventloop runs closures one at a time on a dedicated goroutine.
//
// The call core is written against a single owner goroutine: session state,
// the peer connection and the local media handle are only touched from inside
// a Loop. Callbacks that originate elsewhere (pion, timers, the relay reader,
// HTTP handlers) post a closure instead of taking locks.
package eventloop

import (
	"context"
	"errors"
	"sync"
)

var ErrStopped = errors.New("event loop stopped")

type Loop struct {
	tasks    chan func()
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func New() *Loop {
	l := &Loop{
		tasks: make(chan func(), 256),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Post queues fn and returns immediately. It reports false once the loop
// has been stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.stop:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.stop:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish. Calling Do from inside
// the loop deadlocks; code already on the loop calls fn directly.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
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

// Stop ends the loop after the task currently running, dropping anything
// still queued.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	<-l.done
}
