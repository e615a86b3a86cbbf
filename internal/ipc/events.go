package ipc

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/chess10kp/dropshelf/internal/logging"
	"github.com/chess10kp/dropshelf/internal/shelf"
)

const subscriberBuffer = 100

// Broadcaster fans shelf events out to subscribers. It is the manager's
// shelf.Publisher; Publish never blocks, and a subscriber that falls
// behind loses events rather than stalling the loop.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[chan shelf.Event]struct{}
	dropped atomic.Uint64
	logger  *zap.Logger
}

func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[chan shelf.Event]struct{}),
		logger: logging.OrNop(logger).Named("events"),
	}
}

// Subscribe returns a channel that receives events.
func (b *Broadcaster) Subscribe() chan shelf.Event {
	ch := make(chan shelf.Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan shelf.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
}

func (b *Broadcaster) Publish(e shelf.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			if b.dropped.Add(1)%subscriberBuffer == 1 {
				b.logger.Warn("slow event subscriber, dropping events",
					zap.String("event", string(e.Kind)),
					zap.Uint64("dropped", b.dropped.Load()))
			}
		}
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Close unsubscribes everyone.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
