package eventloop

import (
	"container/heap"
	"time"
)

// timerEntry is one scheduled callback. Connection idle timeouts
// (spec.md §4.1 "Timeouts") and stream watchdogs (spec.md §4.5
// "Streaming path") do not use these timers; they are socket read and
// write deadlines.
type timerEntry struct {
	deadline time.Time
	task     Task
	cancelled bool
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TimerHandle cancels a timer scheduled with ScheduleTimer. Cancelling
// an already-fired or already-cancelled handle is a no-op, matching the
// "at most one active timer per connection" invariant (spec.md §8):
// callers restart a timer by cancelling the old handle and scheduling a
// new one rather than mutating the fired one in place.
type TimerHandle struct {
	entry *timerEntry
}

// Cancel prevents the timer from firing if it has not already.
func (h *TimerHandle) Cancel() {
	if h == nil || h.entry == nil {
		return
	}
	h.entry.cancelled = true
}

// ScheduleTimer arranges for task to run on the loop goroutine at or
// after deadline. It may be called from any goroutine, including from
// inside a Task, since the timer lock is never held while a task runs.
func (l *Loop) ScheduleTimer(deadline time.Time, task Task) *TimerHandle {
	e := &timerEntry{deadline: deadline, task: task}
	l.timersMu.Lock()
	heap.Push(&l.timers, e)
	l.timersMu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
	return &TimerHandle{entry: e}
}

func (l *Loop) nextTimerDeadline() *time.Time {
	l.timersMu.Lock()
	defer l.timersMu.Unlock()
	for l.timers.Len() > 0 {
		top := l.timers[0]
		if top.cancelled {
			heap.Pop(&l.timers)
			continue
		}
		d := top.deadline
		return &d
	}
	return nil
}

func (l *Loop) fireExpiredTimers() {
	now := time.Now()
	for {
		l.timersMu.Lock()
		if l.timers.Len() == 0 {
			l.timersMu.Unlock()
			return
		}
		top := l.timers[0]
		if top.cancelled {
			heap.Pop(&l.timers)
			l.timersMu.Unlock()
			continue
		}
		if top.deadline.After(now) {
			l.timersMu.Unlock()
			return
		}
		heap.Pop(&l.timers)
		l.timersMu.Unlock()
		l.runSafely(top.task)
	}
}
