package eventloop

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Scheduler driven by an explicit clock. Timers fire
// synchronously inside Advance, in deadline order, on the caller's goroutine.
// It stands in for the Loop wherever time must be deterministic.
type Manual struct {
	mu     sync.Mutex
	now    time.Duration
	nextID TimerID
	timers map[TimerID]*manualTimer
}

type manualTimer struct {
	id       TimerID
	deadline time.Duration
	delay    time.Duration
	fn       func()
}

// NewManual returns a scheduler whose clock starts at zero.
func NewManual() *Manual {
	return &Manual{timers: make(map[TimerID]*manualTimer)}
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) TimerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.timers[m.nextID] = &manualTimer{id: m.nextID, deadline: m.now + d, delay: d, fn: fn}
	return m.nextID
}

func (m *Manual) Cancel(id TimerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.timers[id]; !ok {
		return false
	}
	delete(m.timers, id)
	return true
}

func (m *Manual) Pending(id TimerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[id]
	return ok
}

// PendingTimers returns the number of armed timers.
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Delay returns the delay a pending timer was armed with.
func (m *Manual) Delay(id TimerID) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok {
		return 0, false
	}
	return t.delay, true
}

// Advance moves the clock forward and fires every timer that becomes due.
// Timers armed by fired callbacks fire too if they fall inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	for {
		m.mu.Lock()
		due := make([]*manualTimer, 0)
		for _, t := range m.timers {
			if t.deadline <= target {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			m.now = target
			m.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].deadline == due[j].deadline {
				return due[i].id < due[j].id
			}
			return due[i].deadline < due[j].deadline
		})
		next := due[0]
		delete(m.timers, next.id)
		m.now = next.deadline
		m.mu.Unlock()

		next.fn()
	}
}
