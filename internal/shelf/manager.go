// Package shelf owns the shelf records: creation, visibility, items,
// docking and the timers that destroy idle shelves. A Manager is confined
// to the event loop; none of its methods may be called concurrently.
package shelf

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/chess10kp/dropshelf/internal/eventloop"
	"github.com/chess10kp/dropshelf/internal/logging"
	"github.com/chess10kp/dropshelf/internal/metrics"
	"github.com/chess10kp/dropshelf/internal/platform"
	"github.com/chess10kp/dropshelf/internal/pool"
)

const tombstoneSize = 256

type timerKind int

const (
	timerNone timerKind = iota
	timerAutoHide
	timerDeferredDestroy
)

func (k timerKind) String() string {
	switch k {
	case timerAutoHide:
		return "auto_hide"
	case timerDeferredDestroy:
		return "deferred_destroy"
	default:
		return "none"
	}
}

type record struct {
	id         string
	position   platform.Point
	items      []Item
	isPinned   bool
	autoPinned bool
	isVisible  bool
	dockEdge   DockEdge
	dockSeq    uint64
	freePos    *platform.Point
	opacity    float64
	isDefault  bool
	createdAt  uint64
	candidates []string

	handle *pool.Handle

	destroyTimer eventloop.TimerID
	destroyKind  timerKind
	resendTimer  eventloop.TimerID
}

func (r *record) snapshot() Snapshot {
	items := make([]Item, len(r.items))
	copy(items, r.items)
	snap := Snapshot{
		ID:        r.id,
		Position:  r.position,
		Items:     items,
		IsPinned:  r.isPinned,
		IsVisible: r.isVisible,
		DockEdge:  r.dockEdge,
		Opacity:   r.opacity,
		IsDefault: r.isDefault,
		CreatedAt: r.createdAt,
	}
	if len(r.candidates) > 0 {
		snap.Candidates = make([]string, len(r.candidates))
		copy(snap.Candidates, r.candidates)
	}
	return snap
}

// needsDestroyTimer is the auto-hide condition: an empty, unpinned,
// visible shelf always has a destroy timer pending.
func (r *record) needsDestroyTimer() bool {
	return len(r.items) == 0 && !r.isPinned && r.isVisible
}

// Options wires a Manager to its collaborators.
type Options struct {
	Config    Config
	Pool      *pool.Pool
	Scheduler eventloop.Scheduler
	WorkArea  platform.WorkAreaProvider
	Publisher Publisher
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Manager is the ShelfLifecycleManager.
type Manager struct {
	cfg          Config
	pool         *pool.Pool
	sched        eventloop.Scheduler
	areaProvider platform.WorkAreaProvider
	publisher    Publisher
	observer     Observer
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	shelves    map[string]*record
	tombstones *lru.Cache[string, time.Time]
	lastArea   platform.Rect
	dockSeq    uint64

	sweepTimer eventloop.TimerID
	sweeping   bool
}

func NewManager(opts Options) *Manager {
	tombstones, _ := lru.New[string, time.Time](tombstoneSize)

	publisher := opts.Publisher
	if publisher == nil {
		publisher = PublisherFunc(func(Event) {})
	}

	return &Manager{
		cfg:          opts.Config,
		pool:         opts.Pool,
		sched:        opts.Scheduler,
		areaProvider: opts.WorkArea,
		publisher:    publisher,
		logger:       logging.OrNop(opts.Logger).Named("shelf"),
		metrics:      opts.Metrics,
		now:          time.Now,
		shelves:      make(map[string]*record),
		tombstones:   tombstones,
		lastArea:     fallbackWorkArea,
	}
}

// SetObserver registers the lifecycle observer. It must be called before
// the first shelf is created.
func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

// SetAutoHideDelay changes the delay for timers armed from now on.
func (m *Manager) SetAutoHideDelay(d time.Duration) {
	if d > 0 {
		m.cfg.AutoHideDelay = d
	}
}

// Config returns the active lifecycle configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

func (m *Manager) nowMs() uint64 {
	return uint64(m.now().UnixMilli())
}

// lookup resolves id, logging stale references.
func (m *Manager) lookup(op, id string) (*record, bool) {
	r, ok := m.shelves[id]
	if ok {
		return r, true
	}
	if destroyedAt, dead := m.tombstones.Get(id); dead {
		m.logger.Debug("operation on destroyed shelf",
			zap.String("op", op), zap.String("shelf", id), zap.Time("destroyed_at", destroyedAt))
	} else {
		m.logger.Debug("operation on unknown shelf", zap.String("op", op), zap.String("shelf", id))
	}
	return nil, false
}

// Create builds a new shelf. A default request while an unpinned default
// shelf exists raises that shelf instead.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (CreateResult, error) {
	if opts.Default {
		if r := m.defaultShelf(); r != nil {
			m.raise(r)
			if len(opts.Candidates) > 0 {
				r.candidates = append([]string(nil), opts.Candidates...)
				m.publishConfig(r)
			}
			return CreateResult{ID: r.id, Coalesced: true}, nil
		}
	}

	if m.cfg.MaxShelves > 0 && len(m.shelves) >= m.cfg.MaxShelves {
		return CreateResult{}, ErrShelfLimit
	}

	handle, err := m.pool.TryAcquire(ctx)
	if err != nil {
		return CreateResult{}, fmt.Errorf("acquire window: %w", err)
	}

	r := &record{
		id:        uuid.NewString(),
		isPinned:  opts.IsPinned,
		isVisible: !opts.Hidden,
		dockEdge:  EdgeNone,
		opacity:   m.cfg.DefaultOpacity,
		isDefault: opts.Default,
		createdAt: m.nowMs(),
		handle:    handle,
	}
	if len(opts.Candidates) > 0 {
		r.candidates = append([]string(nil), opts.Candidates...)
	}
	if opts.Opacity != nil {
		r.opacity = clampOpacity(*opts.Opacity)
	}
	if opts.Position != nil {
		r.position = *opts.Position
	} else {
		r.position = centered(m.workArea(), m.cfg)
	}

	m.shelves[r.id] = r

	win := handle.Window()
	win.Bind(r.id)
	win.SetOpacity(r.opacity)

	if opts.DockEdge != EdgeNone && opts.DockEdge != "" {
		m.dockRecord(r, opts.DockEdge)
		// Created docked: there is no free position to go back to.
		r.freePos = nil
	}

	if r.isVisible {
		win.Show(r.position.X, r.position.Y)
		win.Raise()
	}

	m.publishConfig(r)
	m.scheduleResend(r)
	m.syncDestroyTimer(r)
	m.metrics.SetShelvesActive(len(m.shelves))

	m.logger.Info("shelf created",
		zap.String("shelf", r.id),
		zap.Float64("x", r.position.X),
		zap.Float64("y", r.position.Y),
		zap.Bool("default", r.isDefault),
		zap.Bool("pinned", r.isPinned))
	return CreateResult{ID: r.id}, nil
}

func (m *Manager) defaultShelf() *record {
	for _, r := range m.shelves {
		if r.isDefault && !r.isPinned {
			return r
		}
	}
	return nil
}

// Raise brings a shelf to the front, showing it if hidden.
func (m *Manager) Raise(id string) bool {
	r, ok := m.lookup("raise", id)
	if !ok {
		return false
	}
	m.raise(r)
	return true
}

func (m *Manager) raise(r *record) {
	if !r.isVisible {
		m.show(r)
	}
	r.handle.Window().Raise()
}

func (m *Manager) Show(id string) bool {
	r, ok := m.lookup("show", id)
	if !ok {
		return false
	}
	m.show(r)
	return true
}

func (m *Manager) show(r *record) {
	wasVisible := r.isVisible
	r.isVisible = true
	r.handle.Window().Show(r.position.X, r.position.Y)
	r.handle.Window().Raise()
	m.syncDestroyTimer(r)
	if !wasVisible {
		m.publishConfig(r)
	}
}

func (m *Manager) Hide(id string) bool {
	r, ok := m.lookup("hide", id)
	if !ok {
		return false
	}
	if !r.isVisible {
		return true
	}
	r.isVisible = false
	r.handle.Window().Hide()
	m.syncDestroyTimer(r)
	m.publishConfig(r)
	return true
}

// Destroy removes a shelf. force tears the window down; otherwise it goes
// back to the pool.
func (m *Manager) Destroy(id string, force bool) bool {
	r, ok := m.lookup("destroy", id)
	if !ok {
		return false
	}
	m.destroy(r, force)
	return true
}

func (m *Manager) destroy(r *record, force bool) {
	m.cancelDestroyTimer(r)
	if r.resendTimer != 0 {
		m.sched.Cancel(r.resendTimer)
		r.resendTimer = 0
	}

	delete(m.shelves, r.id)
	m.tombstones.Add(r.id, m.now())

	if force {
		m.pool.Destroy(r.handle)
	} else {
		m.pool.Release(r.handle)
	}
	r.handle = nil

	if r.dockEdge != EdgeNone {
		m.relayout(r.dockEdge)
	}

	m.metrics.SetShelvesActive(len(m.shelves))
	m.publisher.Publish(Event{Kind: EventDestroyed, ShelfID: r.id})
	m.logger.Info("shelf destroyed", zap.String("shelf", r.id), zap.Bool("force", force))

	if m.observer != nil {
		m.observer.ShelfDestroyed(r.id)
	}
}

// AddItem appends item. An empty ID is filled with a fresh one.
func (m *Manager) AddItem(id string, item Item) bool {
	r, ok := m.lookup("addItem", id)
	if !ok {
		return false
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	for _, existing := range r.items {
		if existing.ID == item.ID {
			m.logger.Debug("duplicate item id ignored", zap.String("shelf", id), zap.String("item", item.ID))
			return false
		}
	}
	if item.Name == "" && item.Path != "" {
		item.Name = filepath.Base(item.Path)
	}
	if item.AddedAt == 0 {
		item.AddedAt = m.nowMs()
	}

	r.items = append(r.items, item)
	if m.cfg.AutoPinOnContent && !r.isPinned {
		r.isPinned = true
		r.autoPinned = true
	}
	m.syncDestroyTimer(r)

	added := item
	m.publisher.Publish(Event{Kind: EventItemAdded, ShelfID: r.id, Item: &added})
	m.publishConfig(r)

	if m.observer != nil {
		m.observer.ShelfItemsAdded(r.id)
	}
	return true
}

// RemoveItem drops an item. Emptying an unpinned shelf arms a deferred
// destroy so a replacement add can still land.
func (m *Manager) RemoveItem(id, itemID string) bool {
	r, ok := m.lookup("removeItem", id)
	if !ok {
		return false
	}

	idx := -1
	for i, it := range r.items {
		if it.ID == itemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	r.items = append(r.items[:idx], r.items[idx+1:]...)

	if len(r.items) == 0 {
		if r.autoPinned {
			r.isPinned = false
			r.autoPinned = false
		}
		if r.needsDestroyTimer() {
			m.armDestroyTimer(r, timerDeferredDestroy, m.cfg.DeferredDestroyDelay)
		}
	}

	m.publisher.Publish(Event{Kind: EventItemRemoved, ShelfID: r.id, ItemID: itemID})
	m.publishConfig(r)
	return true
}

// Dock pins a shelf to edge. EdgeNone undocks.
func (m *Manager) Dock(id string, edge DockEdge) bool {
	if edge == EdgeNone || edge == "" {
		return m.Undock(id)
	}
	if _, valid := ParseEdge(string(edge)); !valid {
		return false
	}
	r, ok := m.lookup("dock", id)
	if !ok {
		return false
	}
	if r.dockEdge == edge {
		return true
	}
	m.dockRecord(r, edge)
	m.publishConfig(r)
	return true
}

func (m *Manager) dockRecord(r *record, edge DockEdge) {
	prev := r.dockEdge
	if prev == EdgeNone {
		free := r.position
		r.freePos = &free
	}
	m.dockSeq++
	r.dockSeq = m.dockSeq
	r.dockEdge = edge

	m.relayout(edge)
	if prev != EdgeNone {
		m.relayout(prev)
	}
}

// Undock frees a docked shelf and moves it back to where it was before it
// was docked.
func (m *Manager) Undock(id string) bool {
	r, ok := m.lookup("undock", id)
	if !ok {
		return false
	}
	if r.dockEdge == EdgeNone {
		return true
	}

	edge := r.dockEdge
	r.dockEdge = EdgeNone
	r.dockSeq = 0
	if r.freePos != nil {
		r.position = *r.freePos
		r.freePos = nil
	} else {
		r.position = nudgeInward(r.position, edge, m.cfg.DockMargin)
	}
	r.handle.Window().Move(r.position.X, r.position.Y)

	m.relayout(edge)
	m.publishConfig(r)
	return true
}

// UpdateConfig applies a partial config. Position changes on a docked shelf
// are ignored since its position is derived from the edge.
func (m *Manager) UpdateConfig(id string, cfg PartialConfig) bool {
	r, ok := m.lookup("updateConfig", id)
	if !ok {
		return false
	}

	if cfg.DockEdge != nil {
		edge, valid := ParseEdge(string(*cfg.DockEdge))
		if !valid {
			return false
		}
		if edge == EdgeNone {
			m.Undock(id)
		} else if r.dockEdge != edge {
			m.dockRecord(r, edge)
		}
	}

	if cfg.Position != nil {
		if r.dockEdge == EdgeNone {
			r.position = *cfg.Position
			r.handle.Window().Move(r.position.X, r.position.Y)
		} else {
			m.logger.Debug("position update ignored for docked shelf", zap.String("shelf", id))
		}
	}

	if cfg.Opacity != nil {
		r.opacity = clampOpacity(*cfg.Opacity)
		r.handle.Window().SetOpacity(r.opacity)
	}

	if cfg.IsPinned != nil {
		r.isPinned = *cfg.IsPinned
		r.autoPinned = false
	}

	if cfg.IsVisible != nil && *cfg.IsVisible != r.isVisible {
		r.isVisible = *cfg.IsVisible
		if r.isVisible {
			r.handle.Window().Show(r.position.X, r.position.Y)
		} else {
			r.handle.Window().Hide()
		}
	}

	m.syncDestroyTimer(r)
	m.publishConfig(r)
	return true
}

// Get returns a snapshot of one shelf.
func (m *Manager) Get(id string) (Snapshot, bool) {
	r, ok := m.shelves[id]
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshot(), true
}

// List returns every shelf, oldest first.
func (m *Manager) List() []Snapshot {
	out := make([]Snapshot, 0, len(m.shelves))
	for _, r := range m.shelves {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

// Count returns the number of live shelves.
func (m *Manager) Count() int {
	return len(m.shelves)
}

// Exists reports whether id is a live shelf.
func (m *Manager) Exists(id string) bool {
	_, ok := m.shelves[id]
	return ok
}

// IsPinned reports whether a live shelf is pinned.
func (m *Manager) IsPinned(id string) bool {
	r, ok := m.shelves[id]
	return ok && r.isPinned
}

// PendingDestroy returns the destroy timer armed for a shelf, if any.
func (m *Manager) PendingDestroy(id string) (eventloop.TimerID, bool) {
	r, ok := m.shelves[id]
	if !ok || r.destroyTimer == 0 || !m.sched.Pending(r.destroyTimer) {
		return 0, false
	}
	return r.destroyTimer, true
}

// syncDestroyTimer arms the auto-hide timer when the shelf needs one and
// cancels any destroy timer when it does not.
func (m *Manager) syncDestroyTimer(r *record) {
	if !r.needsDestroyTimer() {
		m.cancelDestroyTimer(r)
		return
	}
	if r.destroyTimer != 0 && m.sched.Pending(r.destroyTimer) {
		return
	}
	m.armDestroyTimer(r, timerAutoHide, m.cfg.AutoHideDelay)
}

func (m *Manager) armDestroyTimer(r *record, kind timerKind, delay time.Duration) {
	m.cancelDestroyTimer(r)

	id := r.id
	var timer eventloop.TimerID
	timer = m.sched.AfterFunc(delay, func() {
		m.onDestroyTimer(id, timer)
	})
	r.destroyTimer = timer
	r.destroyKind = kind

	m.logger.Debug("destroy timer armed",
		zap.String("shelf", id), zap.Stringer("kind", kind), zap.Duration("delay", delay))
}

func (m *Manager) cancelDestroyTimer(r *record) {
	if r.destroyTimer == 0 {
		return
	}
	m.sched.Cancel(r.destroyTimer)
	r.destroyTimer = 0
	r.destroyKind = timerNone
}

func (m *Manager) onDestroyTimer(id string, timer eventloop.TimerID) {
	r, ok := m.shelves[id]
	if !ok || r.destroyTimer != timer {
		return
	}
	kind := r.destroyKind
	r.destroyTimer = 0
	r.destroyKind = timerNone

	if !r.needsDestroyTimer() {
		return
	}
	if m.observer != nil && m.observer.KeepAlive(id) {
		m.armDestroyTimer(r, kind, m.delayFor(kind))
		return
	}
	m.logger.Info("destroying idle shelf", zap.String("shelf", id), zap.Stringer("timer", kind))
	m.destroy(r, false)
}

func (m *Manager) delayFor(kind timerKind) time.Duration {
	if kind == timerDeferredDestroy {
		return m.cfg.DeferredDestroyDelay
	}
	return m.cfg.AutoHideDelay
}

func (m *Manager) publishConfig(r *record) {
	snap := r.snapshot()
	m.publisher.Publish(Event{Kind: EventConfig, ShelfID: r.id, Snapshot: &snap})
}

// scheduleResend sends shelf.config a second time after the UI had a chance
// to finish loading.
func (m *Manager) scheduleResend(r *record) {
	if m.cfg.ConfigResendDelay <= 0 {
		return
	}
	id := r.id
	r.resendTimer = m.sched.AfterFunc(m.cfg.ConfigResendDelay, func() {
		if r, ok := m.shelves[id]; ok {
			r.resendTimer = 0
			m.publishConfig(r)
		}
	})
}

// StartSweeper arms the periodic pool sweep. Shelves whose window died are
// destroyed.
func (m *Manager) StartSweeper() {
	if m.sweeping || m.cfg.SweepInterval <= 0 {
		return
	}
	m.sweeping = true
	m.armSweep()
}

func (m *Manager) armSweep() {
	m.sweepTimer = m.sched.AfterFunc(m.cfg.SweepInterval, func() {
		m.Sweep()
		if m.sweeping {
			m.armSweep()
		}
	})
}

// Sweep runs one pool sweep now.
func (m *Manager) Sweep() pool.SweepResult {
	res := m.pool.Sweep(m.now())
	for _, h := range res.InUseGhosts {
		for _, r := range m.shelves {
			if r.handle == h {
				m.logger.Warn("shelf window died, destroying shelf", zap.String("shelf", r.id))
				m.destroy(r, true)
				break
			}
		}
	}
	return res
}

// Shutdown destroys every shelf and stops the sweeper.
func (m *Manager) Shutdown() {
	if m.sweeping {
		m.sweeping = false
		m.sched.Cancel(m.sweepTimer)
	}
	for _, r := range m.shelves {
		m.destroy(r, true)
	}
}

func clampOpacity(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
