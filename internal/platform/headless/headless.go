// Package headless provides in-memory floating windows. It backs the daemon
// when no display is available (the UI collaborator then renders shelves from
// the event stream alone) and serves as the window factory in tests.
package headless

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/chess10kp/dropshelf/internal/platform"
)

// Factory creates Windows and tracks how many are alive.
type Factory struct {
	mu       sync.Mutex
	windows  map[string]*Window
	created  int
	maxLive  int
	failNext error
}

func NewFactory() *Factory {
	return &Factory{windows: make(map[string]*Window)}
}

func (f *Factory) Name() string {
	return "headless"
}

func (f *Factory) Create(ctx context.Context) (platform.Window, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failNext; err != nil {
		f.failNext = nil
		return nil, fmt.Errorf("headless create: %w", err)
	}

	w := &Window{id: uuid.NewString(), factory: f, alive: true, opacity: 1}
	f.windows[w.id] = w
	f.created++
	if n := f.liveLocked(); n > f.maxLive {
		f.maxLive = n
	}
	return w, nil
}

// FailNext makes the next Create return err.
func (f *Factory) FailNext(err error) {
	f.mu.Lock()
	f.failNext = err
	f.mu.Unlock()
}

// Live returns the number of windows not yet destroyed.
func (f *Factory) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liveLocked()
}

// MaxLive returns the highest Live value ever observed.
func (f *Factory) MaxLive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxLive
}

// Created returns the number of windows ever created.
func (f *Factory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// Lookup returns a window by id.
func (f *Factory) Lookup(id string) (*Window, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.windows[id]
	return w, ok
}

func (f *Factory) liveLocked() int {
	n := 0
	for _, w := range f.windows {
		if w.alive {
			n++
		}
	}
	return n
}

// Window is an in-memory platform.Window.
type Window struct {
	id      string
	factory *Factory

	shelfID string
	loaded  bool
	visible bool
	alive   bool
	x, y    float64
	opacity float64
	raised  int
}

func (w *Window) ID() string {
	return w.id
}

func (w *Window) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.factory.mu.Lock()
	defer w.factory.mu.Unlock()
	if !w.alive {
		return fmt.Errorf("window %s destroyed", w.id)
	}
	w.loaded = true
	return nil
}

func (w *Window) Unload() {
	w.factory.mu.Lock()
	w.loaded = false
	w.factory.mu.Unlock()
}

func (w *Window) Bind(shelfID string) {
	w.factory.mu.Lock()
	w.shelfID = shelfID
	w.factory.mu.Unlock()
}

func (w *Window) Show(x, y float64) {
	w.factory.mu.Lock()
	w.x, w.y = x, y
	w.visible = true
	w.factory.mu.Unlock()
}

func (w *Window) Hide() {
	w.factory.mu.Lock()
	w.visible = false
	w.factory.mu.Unlock()
}

func (w *Window) Move(x, y float64) {
	w.factory.mu.Lock()
	w.x, w.y = x, y
	w.factory.mu.Unlock()
}

func (w *Window) SetOpacity(opacity float64) {
	w.factory.mu.Lock()
	w.opacity = opacity
	w.factory.mu.Unlock()
}

func (w *Window) Raise() {
	w.factory.mu.Lock()
	w.raised++
	w.factory.mu.Unlock()
}

func (w *Window) Destroy() {
	w.factory.mu.Lock()
	w.alive = false
	w.visible = false
	w.factory.mu.Unlock()
}

func (w *Window) Alive() bool {
	w.factory.mu.Lock()
	defer w.factory.mu.Unlock()
	return w.alive
}

// Kill simulates the backing resource dying without going through Destroy.
func (w *Window) Kill() {
	w.Destroy()
}

// Snapshot is a copy of the window's observable state.
type Snapshot struct {
	ShelfID string
	Loaded  bool
	Visible bool
	X, Y    float64
	Opacity float64
	Raised  int
}

func (w *Window) Snapshot() Snapshot {
	w.factory.mu.Lock()
	defer w.factory.mu.Unlock()
	return Snapshot{
		ShelfID: w.shelfID,
		Loaded:  w.loaded,
		Visible: w.visible,
		X:       w.x,
		Y:       w.y,
		Opacity: w.opacity,
		Raised:  w.raised,
	}
}
