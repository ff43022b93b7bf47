// Package eventloop implements the event-loop adapter from spec.md §2:
// a reactor that the connection FSM schedules deferred work and timers
// onto rather than recursing directly from an I/O completion.
//
// spec.md's libuv-flavored callback model is one of two sanctioned
// realizations (Design Note §9); this one follows the task/channel
// realization the note explicitly allows: each accepted connection runs
// its own goroutine driving its FSM with blocking reads and writes, and
// never posts work onto the loop. The loop is the single shared
// dispatcher that asyncfile.Manager posts read completions onto.
//
// Grounded on the teacher's internal/concurrency/executor.go (worker
// dispatch over an github.com/eapache/queue.Queue) and scheduler.go
// (container/heap timer queue), both under
// _examples/momentics-hioload-ws/internal/concurrency/.
package eventloop

import (
	"container/heap"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// Task is a unit of deferred work: a restart-read, a timer firing, or
// any other continuation that must not run on the posting callback's
// own stack.
type Task func()

// Loop is the single dispatcher every Server owns. It is safe for
// concurrent Defer/ScheduleTimer calls from connection goroutines; the
// run goroutine itself is single-threaded, which is what lets the
// connection FSM, router, and LRU cache (spec.md §5) avoid their own
// locking as long as they are only touched from inside a Task.
type Loop struct {
	mu       sync.Mutex
	q        *queue.Queue
	notify   chan struct{}
	stop     chan struct{}
	stopped  chan struct{}
	timers   timerHeap
	timersMu sync.Mutex
}

// New creates a Loop. Call Run in its own goroutine, then Stop to
// terminate it; tasks still queued when Stop is called are not
// guaranteed to run.
func New() *Loop {
	l := &Loop{
		q:       queue.New(),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	heap.Init(&l.timers)
	return l
}

// Defer enqueues task to run on the loop goroutine at its next
// iteration. Never called reentrantly from inside the loop goroutine
// for the same continuation it is deferring (spec.md §4.1).
func (l *Loop) Defer(task Task) {
	l.mu.Lock()
	l.q.Add(task)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *Loop) pop() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.q.Length() == 0 {
		return nil, false
	}
	t := l.q.Peek().(Task)
	l.q.Remove()
	return t, true
}

// Run drains deferred tasks and fires expired timers until Stop is
// called. It is the loop's single goroutine: every Task, and every
// timer callback, runs here and nowhere else.
func (l *Loop) Run() {
	defer close(l.stopped)
	for {
		for {
			t, ok := l.pop()
			if !ok {
				break
			}
			l.runSafely(t)
		}

		next := l.nextTimerDeadline()
		var wait <-chan time.Time
		var timer *time.Timer
		if next != nil {
			d := time.Until(*next)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			wait = timer.C
		}

		select {
		case <-l.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-l.notify:
			if timer != nil {
				timer.Stop()
			}
		case <-wait:
			l.fireExpiredTimers()
		}
	}
}

// runSafely prevents one misbehaving handler from killing the loop
// goroutine and every connection it still owns.
func (l *Loop) runSafely(t Task) {
	defer func() { _ = recover() }()
	t()
}

// Stop signals the loop to return after its current iteration and waits
// for it to exit.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.stopped
}
