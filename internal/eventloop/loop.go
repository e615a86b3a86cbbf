// Package eventloop provides the coordinator's single logical thread.
// Every mutation of shelf and pool state runs as a closure posted to a Loop,
// so the state machines never need their own locking. Timers are identified
// by id and fire by posting back onto the loop.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chess10kp/dropshelf/internal/logging"
)

// ErrStopped is returned when work is posted to a stopped loop.
var ErrStopped = errors.New("event loop stopped")

// TimerID identifies a pending timer. Ids are never reused.
type TimerID uint64

// Scheduler arms and cancels timers whose callbacks run on the loop.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) TimerID
	Cancel(id TimerID) bool
	Pending(id TimerID) bool
}

// Loop runs posted closures one at a time, in order.
type Loop struct {
	logger *zap.Logger
	queue  chan func()
	done   chan struct{}

	mu      sync.Mutex
	timers  map[TimerID]*time.Timer
	nextID  TimerID
	running bool
	stopped bool
}

// New creates a loop with a bounded ingress queue.
func New(logger *zap.Logger, queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Loop{
		logger: logging.OrNop(logger),
		queue:  make(chan func(), queueSize),
		done:   make(chan struct{}),
		timers: make(map[TimerID]*time.Timer),
	}
}

// Run executes posted work until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("event loop already running")
	}
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.running = true
	l.mu.Unlock()

	defer l.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case fn := <-l.queue:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("recovered from panic in event loop", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// Post queues fn, blocking while the queue is full.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// TryPost queues fn without blocking. It reports false when the queue is
// full or the loop is stopped.
func (l *Loop) TryPost(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	default:
		return false
	}
}

// Call runs fn on the loop and waits for it to finish. It must not be
// called from the loop itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// AfterFunc arms a timer that posts fn to the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) TimerID {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID
	if l.stopped {
		return id
	}

	l.timers[id] = time.AfterFunc(d, func() {
		l.Post(func() {
			if l.take(id) {
				fn()
			}
		})
	})
	return id
}

// take removes a timer that is about to run. It reports false when the timer
// was cancelled after it fired but before its callback reached the loop.
func (l *Loop) take(id TimerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.timers[id]; !ok {
		return false
	}
	delete(l.timers, id)
	return true
}

// Cancel stops a pending timer. It reports whether the timer was pending.
func (l *Loop) Cancel(id TimerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.timers[id]
	if !ok {
		return false
	}
	t.Stop()
	delete(l.timers, id)
	return true
}

// Pending reports whether a timer is still armed.
func (l *Loop) Pending(id TimerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.timers[id]
	return ok
}

// PendingTimers returns the number of armed timers.
func (l *Loop) PendingTimers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// Stop ends Run and cancels every timer.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	close(l.done)
	l.mu.Unlock()

	l.shutdown()
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
	l.running = false
}
