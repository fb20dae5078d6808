package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLoopRoundRobinStartsAtOne(t *testing.T) {
	el := NewEventLoop(3)
	el.Start()
	defer el.Stop()

	got := []int{
		el.GetTaskScheduler().ID(),
		el.GetTaskScheduler().ID(),
		el.GetTaskScheduler().ID(),
		el.GetTaskScheduler().ID(),
	}
	assert.Equal(t, []int{1, 2, 1, 2}, got)
}

func TestEventLoopSingleThreadReturnsControl(t *testing.T) {
	el := NewEventLoop(1)
	el.Start()
	defer el.Stop()

	assert.Same(t, el.Control(), el.GetTaskScheduler())
}

func TestTriggerEventRunsOnSchedulerGoroutine(t *testing.T) {
	el := NewEventLoop(1)
	el.Start()
	defer el.Stop()

	done := make(chan struct{})
	err := el.Control().AddTriggerEvent(func() { close(done) })
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("trigger event never ran")
	}
}

func TestTriggerQueueFullReturnsError(t *testing.T) {
	s := newTaskScheduler(0)
	blocker := make(chan struct{})
	for i := 0; i < TriggerQueueCapacity; i++ {
		require.NoError(t, s.AddTriggerEvent(func() { <-blocker }))
	}
	err := s.AddTriggerEvent(func() {})
	assert.ErrorIs(t, err, ErrQueueFull)
	close(blocker)
}

func TestTimerReschedulesWhileTrueThenStops(t *testing.T) {
	el := NewEventLoop(1)
	el.Start()
	defer el.Stop()

	var fires atomic.Int32
	done := make(chan struct{})
	el.Control().AddTriggerEvent(func() {
		el.Control().AddTimer(time.Millisecond, 2*time.Millisecond, func() bool {
			n := fires.Add(1)
			if n >= 3 {
				close(done)
				return false
			}
			return true
		})
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire 3 times")
	}
	assert.GreaterOrEqual(t, fires.Load(), int32(3))
}

func TestCancelTimerPreventsFutureFires(t *testing.T) {
	s := newTaskScheduler(0)
	var fires atomic.Int32
	id := s.AddTimer(0, time.Hour, func() bool {
		fires.Add(1)
		return true
	})
	s.CancelTimer(id)
	s.timers.fireExpired(time.Now().Add(time.Hour), time.Second)
	assert.Equal(t, int32(0), fires.Load())
}

func TestUpdateChannelNoOpAfterStop(t *testing.T) {
	s := newTaskScheduler(0)
	ch := NewChannel(EventRead, nil, nil, nil, nil)
	id := s.AddChannel(ch)
	assert.NotZero(t, id)

	go s.Run()
	s.Stop()
	s.UpdateChannel(ch, EventWrite)
	assert.Equal(t, EventRead, ch.mask)
	assert.Zero(t, s.AddChannel(NewChannel(EventRead, nil, nil, nil, nil)))
}
