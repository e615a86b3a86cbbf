// Package core wires the gesture subsystem, the shelf lifecycle and the
// command surface into one daemon.
package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chess10kp/dropshelf/internal/config"
	"github.com/chess10kp/dropshelf/internal/drag"
	"github.com/chess10kp/dropshelf/internal/eventloop"
	"github.com/chess10kp/dropshelf/internal/gesture"
	"github.com/chess10kp/dropshelf/internal/ipc"
	"github.com/chess10kp/dropshelf/internal/logging"
	"github.com/chess10kp/dropshelf/internal/metrics"
	"github.com/chess10kp/dropshelf/internal/platform"
	"github.com/chess10kp/dropshelf/internal/platform/gtkwin"
	"github.com/chess10kp/dropshelf/internal/platform/headless"
	"github.com/chess10kp/dropshelf/internal/pool"
	"github.com/chess10kp/dropshelf/internal/shelf"
	"github.com/chess10kp/dropshelf/internal/telemetry"
)

const (
	loopQueueSize   = 1024
	shutdownTimeout = 2 * time.Second
)

// App is the application orchestrator.
type App struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	loop    *eventloop.Loop
	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc

	drivers     *drivers
	factory     platform.WindowFactory
	gtk         bool
	resolver    *drag.Resolver
	pool        *pool.Pool
	shelves     *shelf.Manager
	coordinator *gesture.Coordinator
	telemetry   *telemetry.Source
	drags       *drag.Source
	dragErr     string

	events     *ipc.Broadcaster
	dispatcher *ipc.Dispatcher
	ipc        *ipc.Server
	web        *ipc.WebServer

	pointer atomic.Pointer[platform.Point]
}

// NewApp creates the application. The persisted preferences are applied
// over a copy of cfg.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger = logging.OrNop(logger)

	c := *cfg
	prefs, err := config.LoadPreferences(c.PreferencesPath)
	if err != nil {
		logger.Warn("failed to load preferences, using config values", zap.Error(err))
	} else if err := prefs.Validate(); err != nil {
		logger.Warn("ignoring invalid preferences", zap.Error(err))
	} else {
		c.Apply(prefs)
	}

	m := metrics.New()
	return &App{
		config:   &c,
		logger:   logger,
		metrics:  m,
		loop:     eventloop.New(logger.Named("loop"), loopQueueSize),
		resolver: drag.NewResolver(logger, m),
		events:   ipc.NewBroadcaster(logger),
	}, nil
}

// Run starts every component and blocks until ctx is done, a signal
// arrives or Quit is called. With GTK windows it must be called from the
// main thread.
func (a *App) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return fmt.Errorf("app already running")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	a.logger.Info("dropshelf starting")

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- a.loop.Run(context.Background())
	}()

	a.initialize()

	g, gctx := errgroup.WithContext(ctx)

	a.startGesture(gctx)

	if err := a.ipc.Start(); err != nil {
		a.logger.Error("failed to start IPC server", zap.Error(err))
	}

	a.loop.Post(a.shelves.StartSweeper)

	g.Go(func() error {
		if err := a.pool.Prewarm(gctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("failed to prewarm window pool", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		return a.monitor(gctx)
	})
	g.Go(func() error {
		a.watchReload(gctx)
		return nil
	})
	if addr := a.config.IPC.WebsocketAddr; addr != "" {
		g.Go(func() error {
			if err := a.web.Serve(gctx, addr); err != nil {
				a.logger.Error("websocket server failed", zap.Error(err))
			}
			return nil
		})
	}
	if addr := a.config.Metrics.ListenAddr; addr != "" {
		g.Go(func() error {
			return a.serveMetrics(gctx, addr)
		})
	}

	a.logger.Info("initialization complete", zap.String("windows", a.factory.Name()))

	if a.gtk {
		gtkwin.Main(gctx)
	} else {
		<-gctx.Done()
	}

	a.shutdown()
	err := g.Wait()

	a.loop.Stop()
	<-loopDone
	a.logger.Info("dropshelf stopped")
	return err
}

// initialize builds the components that do not need a running loop.
func (a *App) initialize() {
	if a.drivers == nil {
		a.drivers = selectDrivers(a.config, a.logger)
	}
	if a.factory == nil {
		a.factory = a.selectWindows()
	}

	a.pool = pool.New(a.config.PoolOptions(), a.factory, a.logger, a.metrics)
	a.shelves = shelf.NewManager(shelf.Options{
		Config:    a.config.ShelfOptions(),
		Pool:      a.pool,
		Scheduler: a.loop,
		WorkArea:  a.drivers.workArea,
		Publisher: a.events,
		Logger:    a.logger,
		Metrics:   a.metrics,
	})

	a.dispatcher = ipc.NewDispatcher(ipc.DispatcherOptions{
		Shelves:  a.shelves,
		Exec:     a.loop,
		Resolver: a.resolver,
		Pointer:  a.lastPointer,
		Status:   a.status,
		Logger:   a.logger,
	})
	a.ipc = ipc.NewServer(a.dispatcher, a.config.IPC.SocketPath, a.logger)
	a.web = ipc.NewWebServer(a.dispatcher, a.events, a.logger)
}

func (a *App) selectWindows() platform.WindowFactory {
	if a.config.Drivers.Window == "gtk" {
		if err := gtkwin.Init(); err != nil {
			a.logger.Warn("GTK unavailable, shelves will only be rendered by connected UIs", zap.Error(err))
		} else {
			a.gtk = true
			return gtkwin.NewFactory(gtkwin.Options{
				Width:      int(a.config.Shelf.Width),
				Height:     int(a.config.Shelf.Height),
				LayerShell: a.config.Drivers.LayerShell,
				OnDrop:     a.onDrop,
				OnClose:    a.onClose,
				Logger:     a.logger,
			})
		}
	}
	return headless.NewFactory()
}

// startGesture brings up the gesture subsystem. Failure here leaves the
// daemon running with shelves available through commands only.
func (a *App) startGesture(ctx context.Context) {
	if !a.config.Gesture.Enabled {
		a.logger.Info("gesture trigger disabled")
		return
	}

	a.drags = drag.NewSource(drag.Options{
		Native:     a.drivers.dragNative,
		Fallback:   a.drivers.dragFallback,
		Resolver:   a.resolver,
		ClearDelay: a.config.DragClearDelay(),
		Logger:     a.logger,
		Metrics:    a.metrics,
		Listener: drag.Listener{
			OnStart: func(uint64) {
				a.loop.Post(a.coordinator.DragStarted)
			},
			OnData: func(items []drag.Resolved) {
				a.loop.Post(func() { a.coordinator.DragData(items) })
			},
			OnEnd: func(uint64) {
				a.loop.Post(a.coordinator.DragEnded)
			},
			OnDegraded: func(reason string) {
				a.logger.Info("gesture subsystem degraded", zap.String("source", "drag"), zap.String("reason", reason))
			},
		},
	})

	a.coordinator = gesture.New(gesture.Options{
		Shake:        a.config.Gesture.Shake,
		CleanupDelay: a.config.CleanupDelay(),
		Scheduler:    a.loop,
		Shelves:      gesture.ManagedShelves{Manager: a.shelves},
		Drag:         a.drags,
		Logger:       a.logger,
		Metrics:      a.metrics,
	})
	a.shelves.SetObserver(a.coordinator)

	a.telemetry = telemetry.NewSource(telemetry.Options{
		Native:        a.drivers.pointerNative,
		Fallback:      a.drivers.pointerFallback,
		Prompter:      a.drivers.prompter,
		Logger:        a.logger,
		Metrics:       a.metrics,
		BatchInterval: a.config.BatchInterval(),
		MaxBatch:      a.config.Gesture.MaxBatch,
		Listener: telemetry.Listener{
			OnSamples: a.onSamples,
			OnDegraded: func(reason string) {
				a.logger.Info("gesture subsystem degraded", zap.String("source", "pointer"), zap.String("reason", reason))
			},
		},
	})

	// The drag fallback is fed by telemetry, so it starts first.
	if err := a.drags.Start(ctx); err != nil {
		a.dragErr = err.Error()
		a.logger.Warn("drag detection unavailable", zap.Error(err))
	}
	if err := a.telemetry.Start(ctx); err != nil {
		a.logger.Warn("pointer telemetry unavailable", zap.Error(err))
	}

	verdict, reasons := a.availability()
	a.logger.Info("gesture subsystem started", zap.String("status", string(verdict)), zap.Strings("reasons", reasons))
}

// onSamples runs on the telemetry pump.
func (a *App) onSamples(batch []platform.PointerSample) {
	if len(batch) == 0 {
		return
	}
	last := batch[len(batch)-1]
	a.pointer.Store(&platform.Point{X: last.X, Y: last.Y})

	if a.drivers.heuristic != nil {
		a.drivers.heuristic.Feed(batch)
	}
	if !a.loop.TryPost(func() { a.coordinator.Samples(batch) }) {
		for range batch {
			a.metrics.RecordSampleDropped()
		}
	}
}

func (a *App) lastPointer() (platform.Point, bool) {
	p := a.pointer.Load()
	if p == nil {
		return platform.Point{}, false
	}
	return *p, true
}

// onDrop runs on the GTK thread. Paths are inspected off both threads.
func (a *App) onDrop(shelfID string, paths []string) {
	go func() {
		resolved := a.resolver.Resolve(paths)
		a.loop.Post(func() {
			for _, r := range resolved {
				a.shelves.AddItem(shelfID, shelf.NewItem(r.Path, r.IsDir, r.SizeBytes))
			}
		})
	}()
}

// onClose runs on the GTK thread.
func (a *App) onClose(shelfID string) {
	a.loop.Post(func() {
		a.shelves.Destroy(shelfID, true)
	})
}

// watchReload reapplies the preferences file on SIGHUP.
func (a *App) watchReload(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			a.reloadPreferences()
		}
	}
}

func (a *App) reloadPreferences() {
	// Files may have changed on disk since they were last classified.
	a.resolver.Purge()

	prefs, err := config.LoadPreferences(a.config.PreferencesPath)
	if err == nil {
		err = prefs.Validate()
	}
	if err != nil {
		a.logger.Warn("preferences reload failed", zap.Error(err))
		return
	}

	a.loop.Post(func() {
		cfg := *a.config
		cfg.Apply(prefs)
		if a.coordinator != nil {
			if err := a.coordinator.Reconfigure(cfg.Gesture.Shake); err != nil {
				a.logger.Warn("invalid shake options", zap.Error(err))
			}
		}
		a.shelves.SetAutoHideDelay(cfg.ShelfOptions().AutoHideDelay)
		a.logger.Info("preferences reloaded",
			zap.String("shake_sensitivity", prefs.ShakeSensitivity),
			zap.Int("auto_hide_delay_ms", cfg.Shelf.AutoHideDelayMs))
	})
}

func (a *App) shutdown() {
	a.logger.Info("shutting down")

	if a.telemetry != nil {
		a.telemetry.Stop()
	}
	if a.drags != nil {
		a.drags.Stop()
	}
	a.ipc.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.loop.Call(ctx, a.shelves.Shutdown); err != nil {
		a.logger.Warn("shelf shutdown incomplete", zap.Error(err))
	}

	a.pool.Close()
	a.events.Close()
	a.drivers.close()
}

// Quit stops a running app.
func (a *App) Quit() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Config returns the effective config, preferences applied.
func (a *App) Config() *config.Config {
	return a.config
}
