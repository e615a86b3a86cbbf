// Package gesture fuses drag-session and shake signals into the decision to
// create a shelf. The Coordinator is confined to the event loop: every
// method runs there, so its state machine needs no locking.
package gesture

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/chess10kp/dropshelf/internal/drag"
	"github.com/chess10kp/dropshelf/internal/eventloop"
	"github.com/chess10kp/dropshelf/internal/logging"
	"github.com/chess10kp/dropshelf/internal/metrics"
	"github.com/chess10kp/dropshelf/internal/platform"
	"github.com/chess10kp/dropshelf/internal/shake"
	"github.com/chess10kp/dropshelf/internal/shelf"
)

const (
	defaultCleanupDelay = 1500 * time.Millisecond
	maxTrajectory       = 100
)

// State is the coordinator state.
type State int

const (
	StateIdle State = iota
	StateDragging
	StateShelfActive
	StateCleanup
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDragging:
		return "DRAGGING"
	case StateShelfActive:
		return "SHELF_ACTIVE"
	case StateCleanup:
		return "CLEANUP_IN_PROGRESS"
	default:
		return "UNKNOWN"
	}
}

type eventKind int

const (
	evDragStart eventKind = iota
	evDragData
	evDragEnd
	evShake
	evItemsAdded
	evCleanupFired
	evShelfDestroyed
)

func (k eventKind) String() string {
	switch k {
	case evDragStart:
		return "dragStart"
	case evDragData:
		return "dragData"
	case evDragEnd:
		return "dragEnd"
	case evShake:
		return "shakeDetected"
	case evItemsAdded:
		return "itemsAdded"
	case evCleanupFired:
		return "cleanupTimerFired"
	case evShelfDestroyed:
		return "shelfDestroyed"
	default:
		return "unknown"
	}
}

type event struct {
	kind    eventKind
	shelfID string
	items   []drag.Resolved
	timer   eventloop.TimerID
	at      time.Time
}

// ShelfRequest asks for the gesture shelf.
type ShelfRequest struct {
	Position   platform.Point
	Candidates []drag.Resolved
}

// Shelves is the part of the lifecycle manager the coordinator drives.
type Shelves interface {
	RequestShelf(req ShelfRequest) (shelf.CreateResult, error)
	Raise(id string) bool
	Exists(id string) bool
	IsPinned(id string) bool
	Destroy(id string, force bool) bool
}

// DragState reports whether the drag source currently sees an open session.
type DragState interface {
	Active() bool
}

// Options wires a Coordinator.
type Options struct {
	Shake        shake.Config
	CleanupDelay time.Duration
	Scheduler    eventloop.Scheduler
	Shelves      Shelves
	Drag         DragState
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// dragContext is what the coordinator knows about the drag in flight.
type dragContext struct {
	active     bool
	session    uint64
	candidates []drag.Resolved
	pointer    platform.Point
	trajectory []platform.Point
}

// Status is a snapshot for the status command.
type Status struct {
	State       string `json:"state"`
	ActiveShelf string `json:"activeShelf,omitempty"`
	DragActive  bool   `json:"dragActive"`
	HasItems    bool   `json:"hasItems"`
	Candidates  int    `json:"candidates"`
	Trajectory  int    `json:"trajectory"`
}

// Coordinator is the GestureCoordinator.
type Coordinator struct {
	cfg        Options
	logger     *zap.Logger
	recognizer *shake.Recognizer
	admission  *semaphore.Weighted

	state        State
	ctx          dragContext
	sessions     uint64
	activeShelf  string
	shelfSession uint64
	hasItems     bool
	cleanupTimer eventloop.TimerID

	dispatching bool
	pending     []event
}

func New(opts Options) *Coordinator {
	if opts.CleanupDelay <= 0 {
		opts.CleanupDelay = defaultCleanupDelay
	}
	return &Coordinator{
		cfg:        opts,
		logger:     logging.OrNop(opts.Logger).Named("gesture"),
		recognizer: shake.New(opts.Shake),
		admission:  semaphore.NewWeighted(1),
		state:      StateIdle,
	}
}

// State returns the current state.
func (c *Coordinator) State() State {
	return c.state
}

// ActiveShelf returns the shelf created by the current gesture, if any.
func (c *Coordinator) ActiveShelf() string {
	return c.activeShelf
}

// Status returns a snapshot of the coordinator.
func (c *Coordinator) Status() Status {
	return Status{
		State:       c.state.String(),
		ActiveShelf: c.activeShelf,
		DragActive:  c.ctx.active,
		HasItems:    c.hasItems,
		Candidates:  len(c.ctx.candidates),
		Trajectory:  len(c.ctx.trajectory),
	}
}

// Reconfigure swaps the shake options.
func (c *Coordinator) Reconfigure(cfg shake.Config) error {
	return c.recognizer.Reconfigure(cfg)
}

// Samples feeds a batch of pointer samples through the recognizer.
func (c *Coordinator) Samples(batch []platform.PointerSample) {
	for _, s := range batch {
		c.ctx.pointer = platform.Point{X: s.X, Y: s.Y}
		if c.ctx.active {
			c.ctx.trajectory = append(c.ctx.trajectory, c.ctx.pointer)
			if over := len(c.ctx.trajectory) - maxTrajectory; over > 0 {
				c.ctx.trajectory = append(c.ctx.trajectory[:0], c.ctx.trajectory[over:]...)
			}
		}
		if c.recognizer.Add(s) {
			c.dispatch(event{kind: evShake, at: time.Now()})
		}
	}
}

func (c *Coordinator) DragStarted() {
	c.dispatch(event{kind: evDragStart})
}

func (c *Coordinator) DragData(items []drag.Resolved) {
	c.dispatch(event{kind: evDragData, items: items})
}

func (c *Coordinator) DragEnded() {
	c.dispatch(event{kind: evDragEnd})
}

// ShakeDetected injects a detection, as the recognizer would.
func (c *Coordinator) ShakeDetected() {
	c.dispatch(event{kind: evShake, at: time.Now()})
}

// ShelfItemsAdded implements shelf.Observer.
func (c *Coordinator) ShelfItemsAdded(id string) {
	c.dispatch(event{kind: evItemsAdded, shelfID: id})
}

// ShelfDestroyed implements shelf.Observer.
func (c *Coordinator) ShelfDestroyed(id string) {
	c.dispatch(event{kind: evShelfDestroyed, shelfID: id})
}

// KeepAlive implements shelf.Observer: the gesture shelf is not destroyed
// as idle while it is the drop target of a drag in flight or while cleanup
// is pending.
func (c *Coordinator) KeepAlive(id string) bool {
	if id == "" || id != c.activeShelf {
		return false
	}
	switch c.state {
	case StateShelfActive:
		return c.ctx.active
	case StateCleanup:
		return true
	default:
		return false
	}
}

// dispatch runs one event to completion. Events raised while a transition
// is running (for example a destroy notification from the manager) are
// queued and run afterwards, in order.
func (c *Coordinator) dispatch(ev event) {
	if c.dispatching {
		c.pending = append(c.pending, ev)
		return
	}
	c.dispatching = true
	defer func() { c.dispatching = false }()

	c.step(ev)
	for len(c.pending) > 0 {
		next := c.pending[0]
		c.pending = c.pending[1:]
		c.step(next)
	}
}

func (c *Coordinator) step(ev event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("recovered from panic in gesture transition",
				zap.Any("panic", r),
				zap.Stringer("state", c.state),
				zap.Stringer("event", ev.kind))
		}
	}()

	from := c.state
	c.transition(ev)
	if c.state != from {
		c.logger.Debug("state transition",
			zap.Stringer("from", from),
			zap.Stringer("to", c.state),
			zap.Stringer("event", ev.kind))
	}
}

func (c *Coordinator) transition(ev event) {
	switch c.state {
	case StateIdle:
		switch ev.kind {
		case evDragStart:
			c.resetDrag()
			c.state = StateDragging
		case evShake:
			c.reject("no drag in progress")
		}

	case StateDragging:
		switch ev.kind {
		case evDragStart:
			c.resetDrag()
		case evDragData:
			c.ctx.candidates = ev.items
		case evShake:
			if !c.dragActive() {
				c.reject("drag source reports no active drag")
				return
			}
			if id, ok := c.createShelf(ev.at); ok {
				c.activeShelf = id
				c.shelfSession = c.ctx.session
				c.hasItems = false
				c.state = StateShelfActive
			}
		case evDragEnd:
			c.clearDrag()
			c.state = StateIdle
		}

	case StateShelfActive:
		switch ev.kind {
		case evDragStart:
			c.resetDrag()
		case evDragData:
			c.ctx.candidates = ev.items
		case evItemsAdded:
			if ev.shelfID == c.activeShelf {
				c.hasItems = true
			}
		case evShake:
			c.shakeWhileActive(ev.at)
		case evDragEnd:
			c.clearDrag()
			c.armCleanup()
			c.state = StateCleanup
		case evShelfDestroyed:
			if ev.shelfID == c.activeShelf {
				c.forgetShelf()
				c.state = c.stateForDrag()
			}
		}

	case StateCleanup:
		switch ev.kind {
		case evDragStart:
			c.cancelCleanup()
			c.resetDrag()
			c.state = StateShelfActive
		case evItemsAdded:
			if ev.shelfID == c.activeShelf {
				c.hasItems = true
			}
		case evShake:
			c.reject("no drag in progress")
		case evCleanupFired:
			if ev.timer != c.cleanupTimer {
				return
			}
			c.cleanupTimer = 0
			c.finishCleanup()
		case evShelfDestroyed:
			if ev.shelfID == c.activeShelf {
				c.cancelCleanup()
				c.forgetShelf()
				c.state = StateIdle
			}
		}
	}
}

// dragActive is the guard: both the coordinator's context and the drag
// source must agree that a drag is open.
func (c *Coordinator) dragActive() bool {
	if !c.ctx.active {
		return false
	}
	if c.cfg.Drag != nil && !c.cfg.Drag.Active() {
		return false
	}
	return true
}

func (c *Coordinator) stateForDrag() State {
	if c.ctx.active {
		return StateDragging
	}
	return StateIdle
}

// shakeWhileActive coalesces a repeat shake into raising the active shelf.
// A shelf that was kept from an earlier drag does not absorb the shake of a
// new drag; that drag gets its own shelf.
func (c *Coordinator) shakeWhileActive(at time.Time) {
	if !c.dragActive() {
		c.reject("drag source reports no active drag")
		return
	}

	if c.ctx.session == c.shelfSession || !c.cfg.Shelves.IsPinned(c.activeShelf) {
		if c.cfg.Shelves.Raise(c.activeShelf) {
			c.cfg.Metrics.RecordGesture("coalesced")
			c.logger.Debug("shake coalesced into active shelf", zap.String("shelf", c.activeShelf))
			return
		}
	}

	if id, ok := c.createShelf(at); ok {
		c.activeShelf = id
		c.shelfSession = c.ctx.session
		c.hasItems = false
	}
}

// createShelf passes the admission guard and requests the gesture shelf at
// the pointer with the current drag's candidates.
func (c *Coordinator) createShelf(at time.Time) (string, bool) {
	if !c.admission.TryAcquire(1) {
		c.cfg.Metrics.RecordGesture("coalesced")
		return c.activeShelf, c.activeShelf != ""
	}
	defer c.admission.Release(1)

	c.cfg.Metrics.RecordShake()

	candidates := make([]drag.Resolved, len(c.ctx.candidates))
	copy(candidates, c.ctx.candidates)

	res, err := c.cfg.Shelves.RequestShelf(ShelfRequest{
		Position:   c.ctx.pointer,
		Candidates: candidates,
	})
	if err != nil {
		c.cfg.Metrics.RecordGesture("failed")
		c.logger.Warn("shelf request failed", zap.Error(err))
		return "", false
	}

	if res.Coalesced {
		c.cfg.Metrics.RecordGesture("coalesced")
	} else {
		c.cfg.Metrics.RecordGesture("created")
	}
	if !at.IsZero() {
		c.cfg.Metrics.ObserveGestureToVisible(time.Since(at))
	}
	c.logger.Info("shake during drag",
		zap.String("shelf", res.ID),
		zap.Bool("coalesced", res.Coalesced),
		zap.Int("candidates", len(candidates)))
	return res.ID, true
}

func (c *Coordinator) reject(reason string) {
	c.cfg.Metrics.RecordGesture("rejected")
	c.logger.Debug("shake ignored", zap.String("reason", reason), zap.Stringer("state", c.state))
}

func (c *Coordinator) armCleanup() {
	c.cancelCleanup()
	var timer eventloop.TimerID
	timer = c.cfg.Scheduler.AfterFunc(c.cfg.CleanupDelay, func() {
		c.dispatch(event{kind: evCleanupFired, timer: timer})
	})
	c.cleanupTimer = timer
}

func (c *Coordinator) cancelCleanup() {
	if c.cleanupTimer != 0 {
		c.cfg.Scheduler.Cancel(c.cleanupTimer)
		c.cleanupTimer = 0
	}
}

// finishCleanup keeps a shelf that received items or was pinned and
// destroys it otherwise.
func (c *Coordinator) finishCleanup() {
	id := c.activeShelf
	if id == "" || !c.cfg.Shelves.Exists(id) {
		c.forgetShelf()
		c.state = StateIdle
		return
	}

	if c.hasItems || c.cfg.Shelves.IsPinned(id) {
		c.logger.Debug("cleanup kept shelf", zap.String("shelf", id), zap.Bool("has_items", c.hasItems))
		c.state = StateShelfActive
		return
	}

	c.logger.Info("cleanup destroying unused shelf", zap.String("shelf", id))
	c.forgetShelf()
	c.state = StateIdle
	c.cfg.Shelves.Destroy(id, false)
}

func (c *Coordinator) forgetShelf() {
	c.activeShelf = ""
	c.shelfSession = 0
	c.hasItems = false
}

func (c *Coordinator) resetDrag() {
	c.sessions++
	c.ctx = dragContext{
		active:     true,
		session:    c.sessions,
		pointer:    c.ctx.pointer,
		trajectory: make([]platform.Point, 0, maxTrajectory),
	}
	c.recognizer.Reset()
}

func (c *Coordinator) clearDrag() {
	c.ctx = dragContext{pointer: c.ctx.pointer}
	c.recognizer.Reset()
}
