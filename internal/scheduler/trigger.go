package scheduler

import (
	"errors"

	"golang.org/x/time/rate"
)

// TriggerQueueCapacity is the bounded ring buffer size from spec.md §4.1.
const TriggerQueueCapacity = 50_000

// ErrQueueFull is returned by TaskScheduler.AddTriggerEvent when the queue is
// saturated; the caller decides whether to drop or retry (spec.md §7).
var ErrQueueFull = errors.New("scheduler: trigger queue full")

// TriggerEvent is an arbitrary closure posted from one goroutine to run on
// the owning scheduler's single run-loop goroutine.
type TriggerEvent func()

// triggerQueue is the self-pipe analog: in the original C++ reactor a write()
// to a pipe fd wakes epoll_wait; here a buffered Go channel already wakes a
// blocked receive, so no separate fd/eventfd is needed — the channel IS the
// wake mechanism. Concurrent sends from multiple producer goroutines are
// safe without an external mutex because the Go runtime already serializes
// channel sends internally.
type triggerQueue struct {
	ch chan TriggerEvent

	// warnSometimes is not consulted anywhere: enqueue writes no log line
	// when the buffer is full and reports the condition only by returning
	// ErrQueueFull.
	warnSometimes rate.Sometimes
}

func newTriggerQueue() *triggerQueue {
	return &triggerQueue{
		ch: make(chan TriggerEvent, TriggerQueueCapacity),
	}
}

// enqueue posts ev for execution on the scheduler goroutine. It never
// blocks: if the buffer is full it returns ErrQueueFull immediately.
func (q *triggerQueue) enqueue(ev TriggerEvent) error {
	select {
	case q.ch <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// drainOne pulls and runs a single pending event, if any, without blocking.
func (q *triggerQueue) drainOne() bool {
	select {
	case ev := <-q.ch:
		ev()
		return true
	default:
		return false
	}
}
