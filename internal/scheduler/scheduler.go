// Package scheduler implements the reactor and task-scheduler pair from
// spec.md §4.1: one run loop per worker goroutine, a timer min-heap, a
// bounded trigger-event queue, and a channel table. Go's runtime netpoller
// already multiplexes socket readiness beneath net.Conn, so there is no
// user-space epoll/select call here — the scheduler's job is purely to
// serialize callback execution onto one goroutine per worker, which is what
// spec.md §5's "ordering guarantees" and "shared-resource policy" actually
// require.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

const maxWait = 1 * time.Second

// TaskScheduler runs inside exactly one goroutine (its "reactor thread").
// Every Channel/timer mutation made through its public API is executed on
// that goroutine, whether the call came from the owning goroutine itself or
// was posted cross-thread via AddTriggerEvent.
type TaskScheduler struct {
	id int

	trigger *triggerQueue
	timers  *timerSet

	mu       sync.Mutex
	channels map[ChannelID]*Channel
	nextChID ChannelID

	stopped atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newTaskScheduler(id int) *TaskScheduler {
	return &TaskScheduler{
		id:       id,
		trigger:  newTriggerQueue(),
		timers:   newTimerSet(),
		channels: make(map[ChannelID]*Channel),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// ID returns the scheduler's index within its EventLoop.
func (s *TaskScheduler) ID() int { return s.id }

// AddTriggerEvent posts ev to run on this scheduler's goroutine. Safe to
// call from any goroutine. Returns ErrQueueFull if the ring buffer is
// saturated — the producer decides whether to drop or retry.
func (s *TaskScheduler) AddTriggerEvent(ev TriggerEvent) error {
	if s.stopped.Load() {
		return nil // no-op once stopped, per spec.md §4.1 "Fails"
	}
	return s.trigger.enqueue(ev)
}

// AddTimer schedules cb to first fire after delay, rescheduling at period
// intervals for as long as cb returns true. Must only be called from the
// scheduler's own goroutine or before Run starts; cross-thread callers
// should wrap the call in AddTriggerEvent.
func (s *TaskScheduler) AddTimer(delay time.Duration, period time.Duration, cb TimerCallback) TimerID {
	return s.timers.add(time.Now().Add(delay), period, cb)
}

// CancelTimer removes a pending timer. If the timer is currently firing,
// cancellation only takes effect for its next scheduled fire.
func (s *TaskScheduler) CancelTimer(id TimerID) {
	s.timers.cancel(id)
}

// AddChannel registers ch and returns its id within this scheduler's table.
// A no-op (returns 0) if the scheduler has already stopped, per spec.md
// §4.1's "update_channel is a no-op if the scheduler has already stopped."
func (s *TaskScheduler) AddChannel(ch *Channel) ChannelID {
	if s.stopped.Load() {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextChID++
	ch.id = s.nextChID
	s.channels[ch.id] = ch
	return ch.id
}

// UpdateChannel re-registers ch's event mask. No-op once stopped.
func (s *TaskScheduler) UpdateChannel(ch *Channel, mask EventMask) {
	if s.stopped.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch.mask = mask
	if ch.IsNoneEvent() {
		delete(s.channels, ch.id)
	} else {
		s.channels[ch.id] = ch
	}
}

// RemoveChannel deregisters ch.
func (s *TaskScheduler) RemoveChannel(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, ch.id)
}

// Run is the reactor loop: drain triggers, fire timers, wait, repeat. It
// blocks until Stop is called. Callbacks run strictly serially — this
// goroutine never preempts itself.
func (s *TaskScheduler) Run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		// (1) drain pending trigger events
		for s.trigger.drainOne() {
			select {
			case <-s.stopCh:
				return
			default:
			}
		}

		// (2) fire expired timers, compute next deadline
		wait := s.timers.fireExpired(time.Now(), maxWait)

		// (3) wait up to that deadline for the next trigger event or timer
		// tick to arrive; this stands in for epoll_wait/select in the
		// original reactor, with the Go channel as the readiness primitive.
		timer := time.NewTimer(wait)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case ev := <-s.trigger.ch:
			timer.Stop()
			ev()
		case <-timer.C:
		}
	}
}

// Stop signals Run to exit and waits for it to do so. Idempotent.
func (s *TaskScheduler) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}
