// Package eventloop runs the delivery pipeline's callbacks on one goroutine.
//
// Every state transition of the pipeline happens inside a function posted
// to a Queue, so the pipeline itself needs no locks. Blocking work (CDP
// round trips, screen capture) runs through a Runner and posts its result
// back. Timers go through a Scheduler that keeps at most one pending task,
// and Epoch tokens let late callbacks from a superseded invocation detect
// that they are stale.
package eventloop

import (
	"context"
	"log/slog"
	"sync"
)

// Queue accepts functions to run on the loop goroutine. Post returns false
// when the queue no longer accepts work.
type Queue interface {
	Post(fn func()) bool
}

// Loop is the production Queue: an unbounded FIFO drained by Run.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	closed  bool
	logger  *slog.Logger
}

// New creates a Loop. Call Run to start draining it.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Post enqueues fn. It never blocks, so it is safe to call from the loop
// goroutine itself.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run executes posted functions in order until ctx is cancelled. Work still
// queued at cancellation is dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer l.close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}

		for {
			fn := l.next()
			if fn == nil {
				break
			}
			l.exec(fn)
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// Do posts fn and waits for it to finish on the loop goroutine. It must not
// be called from the loop goroutine.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return context.Canceled
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil
	}
	fn := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	return fn
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop callback panic", "panic", r)
		}
	}()
	fn()
}

func (l *Loop) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.pending = nil
}

// Manual is a Queue drained explicitly by the caller. Tests use it to step
// the pipeline deterministically.
type Manual struct {
	mu      sync.Mutex
	pending []func()
}

func (m *Manual) Post(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, fn)
	return true
}

// RunPending runs queued functions, including any they post, until the
// queue is empty. It returns how many ran.
func (m *Manual) RunPending() int {
	ran := 0
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return ran
		}
		fn := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()

		fn()
		ran++
	}
}

// Len returns the number of queued functions.
func (m *Manual) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
