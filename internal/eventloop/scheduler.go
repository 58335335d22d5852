package eventloop

import (
	"time"

	"chatrelay/internal/clock"
)

// Scheduler holds a single pending delayed task. Scheduling a new task
// cancels the previous one. A task whose timer had already fired before it
// was replaced is discarded when it reaches the loop.
//
// Schedule and Cancel must be called on the loop goroutine.
type Scheduler struct {
	clock clock.Clock
	queue Queue
	timer *clock.Timer
	seq   uint64
	armed bool
}

func NewScheduler(c clock.Clock, q Queue) *Scheduler {
	return &Scheduler{clock: c, queue: q}
}

// Schedule arranges for fn to run on the queue after d.
func (s *Scheduler) Schedule(d time.Duration, fn func()) {
	s.Cancel()
	s.seq++
	seq := s.seq
	s.armed = true
	s.timer = s.clock.AfterFunc(d, func() {
		s.queue.Post(func() {
			if s.seq != seq || !s.armed {
				return
			}
			s.armed = false
			s.timer = nil
			fn()
		})
	})
}

// Cancel drops the pending task, if any.
func (s *Scheduler) Cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armed = false
	s.seq++
}

// Pending reports whether a task is scheduled and has not run yet.
func (s *Scheduler) Pending() bool { return s.armed }
