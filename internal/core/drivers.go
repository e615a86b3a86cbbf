package core

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/chess10kp/dropshelf/internal/config"
	"github.com/chess10kp/dropshelf/internal/platform"
	"github.com/chess10kp/dropshelf/internal/platform/dbusprompt"
	"github.com/chess10kp/dropshelf/internal/platform/evdev"
	"github.com/chess10kp/dropshelf/internal/platform/heuristic"
	"github.com/chess10kp/dropshelf/internal/platform/sway"
	"github.com/chess10kp/dropshelf/internal/platform/x11"
)

const workAreaProbeTimeout = time.Second

// drivers is the platform variant set picked once at startup. Nothing
// outside this file branches on the platform.
type drivers struct {
	pointerNative   platform.PointerDriver
	pointerFallback platform.PointerDriver
	prompter        platform.PermissionPrompter
	dragNative      platform.DragDriver
	dragFallback    platform.DragDriver
	// heuristic is fed from pointer telemetry when it is the drag fallback.
	heuristic *heuristic.Driver
	workArea  platform.WorkAreaProvider
	closers   []func()
}

func (d *drivers) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

func hasX11(cfg *config.Config) bool {
	return cfg.Drivers.Display != "" || os.Getenv("DISPLAY") != ""
}

func hasSway() bool {
	return os.Getenv("SWAYSOCK") != ""
}

func selectDrivers(cfg *config.Config, logger *zap.Logger) *drivers {
	d := &drivers{}
	dc := cfg.Drivers

	d.workArea = selectWorkArea(cfg, d)
	if !cfg.Gesture.Enabled {
		return d
	}

	switch dc.Pointer {
	case "auto", "evdev":
		d.pointerNative = newEvdev(cfg, d, logger)
		d.prompter = dbusprompt.New(dbusprompt.Options{
			AppName: cfg.AppName,
			Check:   dbusprompt.InputReadable(evdevDevices(cfg)),
			Logger:  logger,
		})
		if dc.Pointer == "auto" && hasX11(cfg) {
			d.pointerFallback = x11.NewPoller(dc.Display, cfg.PollInterval(), logger)
		}
	case "x11":
		d.pointerFallback = x11.NewPoller(dc.Display, cfg.PollInterval(), logger)
	}

	switch dc.Drag {
	case "auto":
		if hasX11(cfg) {
			d.dragNative = x11.NewDragDriver(dc.Display, cfg.PollInterval(), logger)
		}
		d.heuristic = heuristic.New(dc.HeuristicThresholdPx)
		d.dragFallback = d.heuristic
	case "x11":
		d.dragNative = x11.NewDragDriver(dc.Display, cfg.PollInterval(), logger)
	case "heuristic":
		d.heuristic = heuristic.New(dc.HeuristicThresholdPx)
		d.dragFallback = d.heuristic
	}

	return d
}

func evdevDevices(cfg *config.Config) func() []string {
	return func() []string {
		if len(cfg.Drivers.EvdevDevices) > 0 {
			return cfg.Drivers.EvdevDevices
		}
		return evdev.Discover()
	}
}

// newEvdev confines the relative device to the work area. When an X server
// is reachable the true pointer position is used to resync on press.
func newEvdev(cfg *config.Config, d *drivers, logger *zap.Logger) *evdev.Driver {
	ctx, cancel := context.WithTimeout(context.Background(), workAreaProbeTimeout)
	bounds, err := d.workArea.WorkArea(ctx)
	cancel()
	if err != nil {
		logger.Debug("work area unknown, using static bounds", zap.Error(err))
		bounds = staticArea(cfg)
	}

	opts := evdev.Options{
		Devices: cfg.Drivers.EvdevDevices,
		Bounds:  bounds,
		Logger:  logger,
	}
	if hasX11(cfg) {
		if locator, err := x11.OpenLocator(cfg.Drivers.Display); err == nil {
			opts.Locate = locator.Locate
			d.closers = append(d.closers, locator.Close)
		} else {
			logger.Debug("pointer locator unavailable", zap.Error(err))
		}
	}
	return evdev.New(opts)
}

func staticArea(cfg *config.Config) platform.Rect {
	r := cfg.Drivers.StaticWorkArea
	return platform.Rect{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
}

func selectWorkArea(cfg *config.Config, d *drivers) platform.WorkAreaProvider {
	static := platform.StaticWorkArea(staticArea(cfg))
	var chain platform.WorkAreaChain

	addX11 := func() {
		area := x11.NewWorkArea(cfg.Drivers.Display)
		d.closers = append(d.closers, area.Close)
		chain = append(chain, area)
	}

	switch cfg.Drivers.WorkArea {
	case "auto":
		if hasSway() {
			chain = append(chain, sway.WorkArea{Output: cfg.Drivers.SwayOutput})
		}
		if hasX11(cfg) {
			addX11()
		}
	case "sway":
		chain = append(chain, sway.WorkArea{Output: cfg.Drivers.SwayOutput})
	case "x11":
		addX11()
	}
	return append(chain, static)
}
