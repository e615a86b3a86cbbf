// Package pool keeps a bounded set of reusable floating windows. Idle
// windows are warm (content loaded, reusable at once) or cold (bare, need a
// Load before use). The number of windows bound to shelves is capped by a
// weighted semaphore; idle windows are recycled before new ones are built,
// so the live window count never exceeds the ceiling either.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/chess10kp/dropshelf/internal/logging"
	"github.com/chess10kp/dropshelf/internal/metrics"
	"github.com/chess10kp/dropshelf/internal/platform"
)

var (
	// ErrResourceExhausted is returned by TryAcquire when every slot is bound.
	ErrResourceExhausted = errors.New("window pool exhausted")
	// ErrPoolClosed is returned once Close has been called.
	ErrPoolClosed = errors.New("window pool closed")
)

// State classifies a handle.
type State int

const (
	StateWarm State = iota
	StateCold
	StateInUse
)

func (s State) String() string {
	switch s {
	case StateWarm:
		return "warm"
	case StateCold:
		return "cold"
	case StateInUse:
		return "in_use"
	default:
		return "unknown"
	}
}

// Config bounds the pool.
type Config struct {
	WarmSize   int
	ColdSize   int
	MaxTotal   int
	StaleAfter time.Duration
}

// DefaultConfig keeps two warm windows ready.
func DefaultConfig() Config {
	return Config{
		WarmSize:   2,
		ColdSize:   2,
		MaxTotal:   6,
		StaleAfter: 5 * time.Minute,
	}
}

func (c Config) Validate() error {
	if c.MaxTotal < 1 || c.MaxTotal > 64 {
		return fmt.Errorf("invalid max_total: %d (must be 1-64)", c.MaxTotal)
	}
	if c.WarmSize < 0 || c.WarmSize > c.MaxTotal {
		return fmt.Errorf("invalid warm: %d (must be 0-%d)", c.WarmSize, c.MaxTotal)
	}
	if c.ColdSize < 0 || c.ColdSize > c.MaxTotal {
		return fmt.Errorf("invalid cold: %d (must be 0-%d)", c.ColdSize, c.MaxTotal)
	}
	if c.StaleAfter < time.Second {
		return fmt.Errorf("invalid stale_after: %s (must be at least 1s)", c.StaleAfter)
	}
	return nil
}

// Handle is one pooled window.
type Handle struct {
	win            platform.Window
	state          State
	lastReleasedAt time.Time
}

func (h *Handle) ID() string { return h.win.ID() }
func (h *Handle) Window() platform.Window { return h.win }
func (h *Handle) State() State { return h.state }

// Stats is a point-in-time view of the pool.
type Stats struct {
	Warm     int `json:"warm"`
	Cold     int `json:"cold"`
	InUse    int `json:"inUse"`
	Live     int `json:"live"`
	MaxTotal int `json:"maxTotal"`
}

// SweepResult reports what a sweep reclaimed. InUseGhosts lists bound
// handles whose window died; the owner must release or destroy them.
type SweepResult struct {
	Ghosts      int
	Stale       int
	InUseGhosts []*Handle
}

// Pool is safe for concurrent use.
type Pool struct {
	cfg     Config
	factory platform.WindowFactory
	logger  *zap.Logger
	metrics *metrics.Metrics
	slots   *semaphore.Weighted
	now     func() time.Time

	mu    sync.Mutex
	warm  []*Handle
	cold  []*Handle
	inUse map[string]*Handle
	// pending counts windows being created or loaded outside the lock.
	pending int
	changed chan struct{}
	closed  bool
}

// New creates an empty pool. An invalid config is replaced by the defaults.
func New(cfg Config, factory platform.WindowFactory, logger *zap.Logger, m *metrics.Metrics) *Pool {
	logger = logging.OrNop(logger).Named("pool")
	if err := cfg.Validate(); err != nil {
		logger.Warn("invalid pool config, using defaults", zap.Error(err))
		cfg = DefaultConfig()
	}
	return &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		metrics: m,
		slots:   semaphore.NewWeighted(int64(cfg.MaxTotal)),
		now:     time.Now,
		inUse:   make(map[string]*Handle),
		changed: make(chan struct{}),
	}
}

// Config returns the active bounds.
func (p *Pool) Config() Config {
	return p.cfg
}

// Acquire binds a handle, waiting for a slot when the pool is at its
// ceiling.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return p.bind(ctx)
}

// TryAcquire binds a handle without waiting for a slot.
func (p *Pool) TryAcquire(ctx context.Context) (*Handle, error) {
	if !p.slots.TryAcquire(1) {
		return nil, ErrResourceExhausted
	}
	return p.bind(ctx)
}

// bind runs with a slot held and gives it back on failure.
func (p *Pool) bind(ctx context.Context) (*Handle, error) {
	start := p.now()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.slots.Release(1)
			return nil, ErrPoolClosed
		}

		if h := popAlive(&p.warm); h != nil {
			p.markInUse(h)
			p.mu.Unlock()
			p.metrics.ObserveAcquire("warm", p.now().Sub(start))
			return h, nil
		}

		if cold := popAlive(&p.cold); cold != nil {
			p.pending++
			p.mu.Unlock()

			err := cold.win.Load(ctx)
			p.mu.Lock()
			p.doneLocked()
			if err == nil {
				p.markInUse(cold)
				p.mu.Unlock()
				p.metrics.ObserveAcquire("cold", p.now().Sub(start))
				return cold, nil
			}
			p.mu.Unlock()
			p.logger.Warn("cold window failed to load, replacing", zap.String("window", cold.ID()), zap.Error(err))
			cold.win.Destroy()
			continue
		}

		if p.liveLocked() >= p.cfg.MaxTotal {
			if p.pending == 0 {
				p.mu.Unlock()
				p.slots.Release(1)
				return nil, ErrResourceExhausted
			}
			// The ceiling is held by windows still being built.
			wait := p.changed
			p.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				p.slots.Release(1)
				return nil, ctx.Err()
			}
		}
		p.pending++
		p.mu.Unlock()

		h, err := p.build(ctx)
		p.mu.Lock()
		p.doneLocked()
		if err != nil {
			p.publishLocked()
			p.mu.Unlock()
			p.slots.Release(1)
			return nil, err
		}
		p.markInUse(h)
		p.mu.Unlock()
		p.metrics.ObserveAcquire("new", p.now().Sub(start))
		p.logger.Debug("created window", zap.String("window", h.ID()))
		return h, nil
	}
}

// build creates and loads a window. The caller holds a pending reservation.
func (p *Pool) build(ctx context.Context) (*Handle, error) {
	win, err := p.factory.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("create window: %w", err)
	}
	if err := win.Load(ctx); err != nil {
		win.Destroy()
		return nil, fmt.Errorf("load window: %w", err)
	}
	return &Handle{win: win}, nil
}

// doneLocked drops one pending reservation and wakes binders waiting for
// capacity.
func (p *Pool) doneLocked() {
	p.pending--
	close(p.changed)
	p.changed = make(chan struct{})
}

// popAlive removes the most recently released live handle, dropping dead
// ones it passes over.
func popAlive(list *[]*Handle) *Handle {
	for len(*list) > 0 {
		n := len(*list) - 1
		h := (*list)[n]
		*list = (*list)[:n]
		if h.win.Alive() {
			return h
		}
	}
	return nil
}

func (p *Pool) markInUse(h *Handle) {
	h.state = StateInUse
	p.inUse[h.ID()] = h
	p.publishLocked()
}

// Release returns a bound handle. It becomes warm if the warm set has room,
// cold if the cold set has room, and is destroyed otherwise.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.inUse[h.ID()]; !ok || h.state != StateInUse {
		p.mu.Unlock()
		p.logger.Warn("release of unbound handle ignored", zap.String("window", h.ID()))
		return
	}
	delete(p.inUse, h.ID())
	p.slots.Release(1)

	h.win.Hide()
	h.win.Bind("")
	h.lastReleasedAt = p.now()

	switch {
	case p.closed || !h.win.Alive():
		p.publishLocked()
		p.mu.Unlock()
		h.win.Destroy()
		return
	case len(p.warm) < p.cfg.WarmSize:
		h.state = StateWarm
		p.warm = append(p.warm, h)
	case len(p.cold) < p.cfg.ColdSize:
		h.state = StateCold
		h.win.Unload()
		p.cold = append(p.cold, h)
	default:
		p.publishLocked()
		p.mu.Unlock()
		h.win.Destroy()
		return
	}
	p.publishLocked()
	p.mu.Unlock()
}

// Destroy tears down a bound handle without recycling it.
func (p *Pool) Destroy(h *Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.inUse[h.ID()]; ok {
		delete(p.inUse, h.ID())
		p.slots.Release(1)
	}
	p.publishLocked()
	p.mu.Unlock()

	h.win.Destroy()
}

// Prewarm fills the warm set up to its size without exceeding the ceiling.
func (p *Pool) Prewarm(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		if len(p.warm) >= p.cfg.WarmSize || p.liveLocked() >= p.cfg.MaxTotal {
			p.mu.Unlock()
			return nil
		}
		p.pending++
		p.mu.Unlock()

		h, err := p.build(ctx)

		p.mu.Lock()
		p.doneLocked()
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("prewarm: %w", err)
		}
		if p.closed {
			p.mu.Unlock()
			h.win.Destroy()
			return ErrPoolClosed
		}
		h.state = StateWarm
		h.lastReleasedAt = p.now()
		p.warm = append(p.warm, h)
		p.publishLocked()
		p.mu.Unlock()
	}
}

// Sweep drops ghost handles and destroys cold handles idle past the
// staleness threshold.
func (p *Pool) Sweep(now time.Time) SweepResult {
	var res SweepResult
	var doomed []platform.Window

	p.mu.Lock()
	warm := p.warm[:0]
	for _, h := range p.warm {
		if !h.win.Alive() {
			res.Ghosts++
			continue
		}
		warm = append(warm, h)
	}
	p.warm = warm

	cold := p.cold[:0]
	for _, h := range p.cold {
		switch {
		case !h.win.Alive():
			res.Ghosts++
		case now.Sub(h.lastReleasedAt) > p.cfg.StaleAfter:
			res.Stale++
			doomed = append(doomed, h.win)
		default:
			cold = append(cold, h)
		}
	}
	p.cold = cold

	for _, h := range p.inUse {
		if !h.win.Alive() {
			res.InUseGhosts = append(res.InUseGhosts, h)
		}
	}
	p.publishLocked()
	p.mu.Unlock()

	for _, w := range doomed {
		w.Destroy()
	}

	if res.Ghosts > 0 || res.Stale > 0 || len(res.InUseGhosts) > 0 {
		p.logger.Info("pool sweep",
			zap.Int("ghosts", res.Ghosts),
			zap.Int("stale", res.Stale),
			zap.Int("in_use_ghosts", len(res.InUseGhosts)))
	}
	return res
}

// Stats returns the handle counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Warm:     len(p.warm),
		Cold:     len(p.cold),
		InUse:    len(p.inUse),
		Live:     p.liveLocked(),
		MaxTotal: p.cfg.MaxTotal,
	}
}

// Close destroys every idle window. Bound handles are destroyed when they
// are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := append(append([]*Handle{}, p.warm...), p.cold...)
	p.warm = nil
	p.cold = nil
	p.publishLocked()
	p.mu.Unlock()

	for _, h := range idle {
		h.win.Destroy()
	}
	p.logger.Info("pool closed", zap.Int("destroyed", len(idle)))
}

func (p *Pool) liveLocked() int {
	return len(p.warm) + len(p.cold) + len(p.inUse) + p.pending
}

func (p *Pool) publishLocked() {
	p.metrics.SetPoolHandles(len(p.warm), len(p.cold), len(p.inUse))
}

