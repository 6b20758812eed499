// Package loop provides the single logical task queue the ingestion core
// runs on. Callbacks posted to a Loop execute one at a time in FIFO order,
// so state they touch needs no further locking.
package loop

import (
	"context"
	"errors"
)

var ErrStopped = errors.New("loop stopped")

type Executor interface {
	Post(fn func()) bool
}

// Inline runs callbacks immediately on the caller's goroutine.
type Inline struct{}

func (Inline) Post(fn func()) bool { fn(); return true }

type Loop struct {
	q    chan func()
	done chan struct{}
}

func New(size int) *Loop {
	if size < 64 {
		size = 64
	}
	return &Loop{q: make(chan func(), size), done: make(chan struct{})}
}

// Post enqueues fn. It blocks while the queue is full and returns false
// once the loop has stopped. Callbacks already running on the loop must
// not Post and wait on their own result.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.q <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Call posts fn and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() { fn(); close(finished) }) {
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

// Run executes callbacks until ctx is cancelled. Work still queued at that
// point is discarded.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.q:
			fn()
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }
