// Package clock provides the cancellable periodic tasks that drive the
// recording and playback timers.
package clock

import (
	"sync"
	"time"
)

// Task is a scheduled periodic callback. Cancel is idempotent and never
// blocks, so it is safe to call from inside the callback itself.
type Task interface {
	Cancel()
}

// Clock tells the time and schedules periodic work.
type Clock interface {
	Now() time.Time
	Every(interval time.Duration, fn func()) Task
}

// Real is the wall clock backed by time.Ticker.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Every runs fn on its own goroutine once per interval until cancelled.
// Invocations of one task never overlap.
func (Real) Every(interval time.Duration, fn func()) Task {
	t := &tickerTask{stop: make(chan struct{})}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				// A cancel racing with the tick wins.
				select {
				case <-t.stop:
					return
				default:
				}
				fn()
			}
		}
	}()

	return t
}

type tickerTask struct {
	once sync.Once
	stop chan struct{}
}

func (t *tickerTask) Cancel() {
	t.once.Do(func() { close(t.stop) })
}

// Manual is a Clock that only moves when Advance is called. Due callbacks
// run synchronously on the caller's goroutine, in time order.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	tasks []*manualTask
}

type manualTask struct {
	m        *Manual
	interval time.Duration
	next     time.Time
	fn       func()
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Every(interval time.Duration, fn func()) Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &manualTask{m: m, interval: interval, next: m.now.Add(interval), fn: fn}
	m.tasks = append(m.tasks, t)
	return t
}

// Advance moves the clock forward by d, firing every tick that falls due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)

	for {
		var due *manualTask
		for _, t := range m.tasks {
			if t.next.After(target) {
				continue
			}
			if due == nil || t.next.Before(due.next) {
				due = t
			}
		}
		if due == nil {
			break
		}

		m.now = due.next
		due.next = due.next.Add(due.interval)
		m.mu.Unlock()
		due.fn()
		m.mu.Lock()
	}

	m.now = target
	m.mu.Unlock()
}

// Pending reports how many tasks are still scheduled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (t *manualTask) Cancel() {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, other := range m.tasks {
		if other == t {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return
		}
	}
}
