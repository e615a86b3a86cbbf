// Package telemetry wraps the process-wide pointer hook. It prefers the
// privileged native driver, degrades to the polling fallback when the hook
// cannot be installed, and delivers samples in small batches.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chess10kp/dropshelf/internal/logging"
	"github.com/chess10kp/dropshelf/internal/metrics"
	"github.com/chess10kp/dropshelf/internal/platform"
)

// ErrHookInUse is returned when another Source already owns the hook.
var ErrHookInUse = errors.New("pointer hook already owned by another source")

// hookOwned guards the process-wide hook: only one Source may be started.
var hookOwned atomic.Bool

const (
	defaultBatchInterval = 16 * time.Millisecond
	defaultMaxBatch      = 10

	staleAfter    = 5 * time.Second
	criticalAfter = 30 * time.Second
)

// Mode describes which driver variant is feeding samples.
type Mode string

const (
	ModeStopped     Mode = "stopped"
	ModeNative      Mode = "native"
	ModeDegraded    Mode = "degraded"
	ModeUnavailable Mode = "unavailable"
)

// Health classifies how recently samples arrived.
type Health string

const (
	HealthStopped  Health = "stopped"
	HealthHealthy  Health = "healthy"
	HealthStale    Health = "stale"
	HealthCritical Health = "critical"
)

// Listener receives source output. Callbacks run on the source's pump
// goroutine and must hand work off quickly.
type Listener struct {
	OnSamples  func(batch []platform.PointerSample)
	OnDegraded func(reason string)
}

// Options configures a Source.
type Options struct {
	Native        platform.PointerDriver
	Fallback      platform.PointerDriver
	Prompter      platform.PermissionPrompter
	Listener      Listener
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	BatchInterval time.Duration
	MaxBatch      int
}

// Stats are cumulative counters since construction.
type Stats struct {
	Processed uint64 `json:"processed"`
	Batched   uint64 `json:"batched"`
}

// Source is the PointerTelemetrySource.
type Source struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	driver  platform.PointerDriver
	mode    Mode
	reason  string
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	processed    atomic.Uint64
	batched      atomic.Uint64
	lastSampleAt atomic.Int64
	startedAt    atomic.Int64
}

// NewSource creates a stopped source.
func NewSource(opts Options) *Source {
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = defaultBatchInterval
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = defaultMaxBatch
	}
	return &Source{
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("telemetry"),
		mode:   ModeStopped,
	}
}

// Start installs the hook. It returns an error wrapping
// platform.ErrPlatformUnavailable only when neither variant can run.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("telemetry source already running")
	}
	if !hookOwned.CompareAndSwap(false, true) {
		return ErrHookInUse
	}

	driver, reason, err := s.selectDriver(ctx)
	if err != nil {
		hookOwned.Store(false)
		s.mode = ModeUnavailable
		s.reason = err.Error()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.driver = driver
	s.running = true
	s.startedAt.Store(time.Now().UnixMilli())

	s.wg.Add(1)
	go s.pump(runCtx, driver)

	if reason != "" {
		s.mode = ModeDegraded
		s.reason = reason
		s.logger.Warn("pointer telemetry degraded", zap.String("driver", driver.Name()), zap.String("reason", reason))
		s.opts.Metrics.RecordDegradation("pointer")
		if s.opts.Listener.OnDegraded != nil {
			s.opts.Listener.OnDegraded(reason)
		}
	} else {
		s.mode = ModeNative
		s.reason = ""
		s.logger.Info("pointer telemetry started", zap.String("driver", driver.Name()))
	}

	return nil
}

// selectDriver returns the running driver and, when it is the fallback, the
// reason the native driver could not be used.
func (s *Source) selectDriver(ctx context.Context) (platform.PointerDriver, string, error) {
	var reason string

	if s.opts.Native != nil {
		granted := true
		if s.opts.Prompter != nil {
			ok, err := s.opts.Prompter.EnsurePointerAccess(ctx)
			if err != nil {
				s.logger.Warn("permission check failed", zap.Error(err))
			}
			granted = ok
		}

		if !granted {
			reason = "pointer access permission not granted"
		} else if err := s.opts.Native.Start(ctx); err != nil {
			reason = err.Error()
		} else {
			return s.opts.Native, "", nil
		}
	} else {
		reason = "no native pointer driver"
	}

	if s.opts.Fallback == nil {
		return nil, "", platform.Unavailable("telemetry", "start", errors.New(reason))
	}
	if err := s.opts.Fallback.Start(ctx); err != nil {
		return nil, "", platform.Unavailable("telemetry", "start fallback", err)
	}
	return s.opts.Fallback, reason, nil
}

func (s *Source) pump(ctx context.Context, driver platform.PointerDriver) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from panic in telemetry pump", zap.Any("panic", r))
		}
	}()

	ticker := time.NewTicker(s.opts.BatchInterval)
	defer ticker.Stop()

	batch := make([]platform.PointerSample, 0, s.opts.MaxBatch)
	var flush func()
	add := func(sample platform.PointerSample) {
		s.processed.Add(1)
		s.lastSampleAt.Store(time.Now().UnixMilli())
		batch = append(batch, sample)
		if len(batch) >= s.opts.MaxBatch {
			flush()
		}
	}
	flush = func() {
		if len(batch) == 0 {
			return
		}
		out := make([]platform.PointerSample, len(batch))
		copy(out, batch)
		batch = batch[:0]
		s.batched.Add(1)
		if s.opts.Listener.OnSamples != nil {
			s.opts.Listener.OnSamples(out)
		}
	}

	samples := driver.Samples()
	for {
		select {
		case <-ctx.Done():
			// Deliver whatever the driver buffered before it stopped.
			for {
				select {
				case sample, ok := <-samples:
					if !ok {
						flush()
						return
					}
					add(sample)
				default:
					flush()
					return
				}
			}
		case sample, ok := <-samples:
			if !ok {
				flush()
				return
			}
			add(sample)
		case <-ticker.C:
			flush()
		}
	}
}

// Stop removes the hook. It is safe to call on a stopped source.
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
	s.mode = ModeStopped
	s.mu.Unlock()

	driver.Stop()
	cancel()
	s.wg.Wait()
	hookOwned.Store(false)

	s.logger.Info("pointer telemetry stopped")
}

// Mode returns the active variant and, when degraded or unavailable, why.
func (s *Source) Mode() (Mode, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode, s.reason
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

// Stats returns the processed and batched counters.
func (s *Source) Stats() Stats {
	return Stats{Processed: s.processed.Load(), Batched: s.batched.Load()}
}

// Health reports how long the source has gone without samples.
func (s *Source) Health(now time.Time) Health {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return HealthStopped
	}

	last := s.lastSampleAt.Load()
	if last == 0 {
		last = s.startedAt.Load()
	}
	idle := now.Sub(time.UnixMilli(last))
	switch {
	case idle >= criticalAfter:
		return HealthCritical
	case idle >= staleAfter:
		return HealthStale
	default:
		return HealthHealthy
	}
}
