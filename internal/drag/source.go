// Package drag tracks the OS drag-and-drop session. It turns raw driver
// signals into drag start, data and end notifications and keeps the single
// DragSessionState, invalidating it whenever a new drag starts.
package drag

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chess10kp/dropshelf/internal/logging"
	"github.com/chess10kp/dropshelf/internal/metrics"
	"github.com/chess10kp/dropshelf/internal/platform"
)

const defaultClearDelay = 500 * time.Millisecond

// State is the DragSessionState. ResolvedAt is nil until paths arrive.
type State struct {
	Active     bool     `json:"active"`
	Paths      []string `json:"candidateFilePaths"`
	ResolvedAt *uint64  `json:"resolvedAt"`
}

// Listener receives drag notifications on the source's pump goroutine.
type Listener struct {
	OnStart    func(timestampMs uint64)
	OnData     func(items []Resolved)
	OnEnd      func(timestampMs uint64)
	OnDegraded func(reason string)
}

// Options configures a Source.
type Options struct {
	Native   platform.DragDriver
	Fallback platform.DragDriver
	Resolver *Resolver
	Listener Listener
	// ClearDelay is how long paths survive a drag end, so a drop that
	// resolves late still sees them.
	ClearDelay time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Source is the DragSessionSource.
type Source struct {
	opts     Options
	logger   *zap.Logger
	resolver *Resolver

	mu         sync.Mutex
	running    bool
	driver     platform.DragDriver
	degraded   string
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	state      State
	generation uint64
	haveData   bool
	dataChange uint64
	clearTimer *time.Timer
}

func NewSource(opts Options) *Source {
	if opts.ClearDelay <= 0 {
		opts.ClearDelay = defaultClearDelay
	}
	logger := logging.OrNop(opts.Logger).Named("drag")
	resolver := opts.Resolver
	if resolver == nil {
		resolver = NewResolver(logger, opts.Metrics)
	}
	return &Source{opts: opts, logger: logger, resolver: resolver}
}

// Start selects a driver and begins consuming its signals. It fails with an
// error wrapping platform.ErrPlatformUnavailable when no driver can run.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("drag source already running")
	}

	var reason string
	driver := s.opts.Native
	if driver != nil {
		if err := driver.Start(ctx); err != nil {
			reason = err.Error()
			driver = nil
		}
	} else {
		reason = "no native drag driver"
	}

	if driver == nil {
		if s.opts.Fallback == nil {
			return platform.Unavailable("drag", "start", errors.New(reason))
		}
		if err := s.opts.Fallback.Start(ctx); err != nil {
			return platform.Unavailable("drag", "start fallback", err)
		}
		driver = s.opts.Fallback
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.driver = driver
	s.running = true
	s.degraded = reason

	s.wg.Add(1)
	go s.pump(runCtx, driver.Signals())

	if reason != "" {
		s.logger.Warn("drag detection degraded", zap.String("driver", driver.Name()), zap.String("reason", reason))
		s.opts.Metrics.RecordDegradation("drag")
		if s.opts.Listener.OnDegraded != nil {
			s.opts.Listener.OnDegraded(reason)
		}
	} else {
		s.logger.Info("drag detection started", zap.String("driver", driver.Name()))
	}
	return nil
}

func (s *Source) pump(ctx context.Context, signals <-chan platform.DragSignal) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			s.dispatch(sig)
		}
	}
}

func (s *Source) dispatch(sig platform.DragSignal) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from panic handling drag signal", zap.Any("panic", r), zap.Stringer("kind", sig.Kind))
		}
	}()
	s.handle(sig)
}

func (s *Source) handle(sig platform.DragSignal) {
	switch sig.Kind {
	case platform.DragBegan:
		s.begin(sig)
	case platform.DragData:
		s.data(sig)
	case platform.DragEnded:
		s.end(sig)
	}
}

// begin starts a new session. Cached paths from any previous session are
// dropped unconditionally, whatever the change counter says.
func (s *Source) begin(sig platform.DragSignal) {
	s.mu.Lock()
	if s.clearTimer != nil {
		s.clearTimer.Stop()
		s.clearTimer = nil
	}
	s.generation++
	s.state = State{Active: true}
	s.haveData = false
	s.dataChange = 0
	s.mu.Unlock()

	s.opts.Metrics.RecordDragSession()
	s.logger.Debug("drag started", zap.Uint64("change_count", sig.ChangeCount))
	if s.opts.Listener.OnStart != nil {
		s.opts.Listener.OnStart(sig.TimestampMs)
	}

	if len(sig.Paths) > 0 {
		s.data(sig)
	}
}

// data records the session's paths. A repeat of the same change counter
// carrying the same paths is ignored.
func (s *Source) data(sig platform.DragSignal) {
	if len(sig.Paths) == 0 {
		return
	}

	s.mu.Lock()
	if !s.state.Active {
		s.mu.Unlock()
		s.logger.Debug("drag data outside a session ignored")
		return
	}
	if s.haveData && sig.ChangeCount != 0 && sig.ChangeCount == s.dataChange && slices.Equal(sig.Paths, s.state.Paths) {
		s.mu.Unlock()
		return
	}
	gen := s.generation
	s.mu.Unlock()

	items := s.resolver.Resolve(sig.Paths)

	s.mu.Lock()
	if gen != s.generation || !s.state.Active {
		// A newer session started while resolving.
		s.mu.Unlock()
		return
	}
	paths := make([]string, len(sig.Paths))
	copy(paths, sig.Paths)
	now := platform.NowMs()
	s.state.Paths = paths
	s.state.ResolvedAt = &now
	s.haveData = true
	s.dataChange = sig.ChangeCount
	s.mu.Unlock()

	if s.opts.Listener.OnData != nil {
		s.opts.Listener.OnData(items)
	}
}

// end closes the session and clears its paths after the clear delay.
func (s *Source) end(sig platform.DragSignal) {
	s.mu.Lock()
	if !s.state.Active {
		s.mu.Unlock()
		return
	}
	s.state.Active = false
	gen := s.generation
	s.clearTimer = time.AfterFunc(s.opts.ClearDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.generation == gen && !s.state.Active {
			s.state.Paths = nil
			s.state.ResolvedAt = nil
		}
	})
	s.mu.Unlock()

	s.logger.Debug("drag ended")
	if s.opts.Listener.OnEnd != nil {
		s.opts.Listener.OnEnd(sig.TimestampMs)
	}
}

// Active reports whether a drag session is currently open.
func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Active
}

// State returns a copy of the session state.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{Active: s.state.Active}
	if s.state.Paths != nil {
		st.Paths = make([]string, len(s.state.Paths))
		copy(st.Paths, s.state.Paths)
	}
	if s.state.ResolvedAt != nil {
		at := *s.state.ResolvedAt
		st.ResolvedAt = &at
	}
	return st
}

// Degraded returns why the fallback driver is in use, or "".
func (s *Source) Degraded() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// DriverName returns the running driver's name, or "".
func (s *Source) DriverName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.driver == nil {
		return ""
	}
	return s.driver.Name()
}

// Stop halts the driver and forgets the session.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	driver := s.driver
	cancel := s.cancel
	s.driver = nil
	if s.clearTimer != nil {
		s.clearTimer.Stop()
		s.clearTimer = nil
	}
	s.mu.Unlock()

	driver.Stop()
	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.generation++
	s.state = State{}
	s.mu.Unlock()

	s.logger.Info("drag detection stopped")
}
