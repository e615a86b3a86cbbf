// Package heuristic is the fallback drag driver. It infers a drag session
// from pointer telemetry alone: the primary button held down while the
// pointer travels past a threshold. It cannot see the dragged files.
package heuristic

import (
	"context"
	"math"
	"sync"

	"github.com/chess10kp/dropshelf/internal/platform"
)

const (
	// DefaultThreshold is the travel in pixels that turns a press into a drag.
	DefaultThreshold = 8
	signalBuffer     = 64
)

// Driver implements platform.DragDriver over fed pointer samples.
type Driver struct {
	threshold float64

	mu       sync.Mutex
	running  bool
	signals  chan platform.DragSignal
	pressed  bool
	origin   platform.Point
	dragging bool
	seq      uint64
	dropped  uint64
}

func New(threshold float64) *Driver {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Driver{threshold: threshold}
}

func (d *Driver) Name() string {
	return "heuristic"
}

func (d *Driver) Kind() platform.DriverKind {
	return platform.KindFallback
}

func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}
	d.signals = make(chan platform.DragSignal, signalBuffer)
	d.running = true
	d.pressed = false
	d.dragging = false
	return nil
}

func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	d.running = false
	close(d.signals)
}

func (d *Driver) Signals() <-chan platform.DragSignal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signals
}

// Dropped returns how many signals were discarded because the consumer
// fell behind.
func (d *Driver) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Feed advances the press/drag tracker with a batch of samples.
func (d *Driver) Feed(batch []platform.PointerSample) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	for _, s := range batch {
		d.step(s)
	}
}

func (d *Driver) step(s platform.PointerSample) {
	switch {
	case s.ButtonDown && !d.pressed:
		d.pressed = true
		d.origin = platform.Point{X: s.X, Y: s.Y}

	case s.ButtonDown && !d.dragging:
		if math.Hypot(s.X-d.origin.X, s.Y-d.origin.Y) >= d.threshold {
			d.dragging = true
			d.seq++
			d.send(platform.DragSignal{Kind: platform.DragBegan, ChangeCount: d.seq, TimestampMs: s.TimestampMs})
		}

	case !s.ButtonDown && d.pressed:
		d.pressed = false
		if d.dragging {
			d.dragging = false
			d.send(platform.DragSignal{Kind: platform.DragEnded, ChangeCount: d.seq, TimestampMs: s.TimestampMs})
		}
	}
}

func (d *Driver) send(sig platform.DragSignal) {
	select {
	case d.signals <- sig:
	default:
		d.dropped++
	}
}
