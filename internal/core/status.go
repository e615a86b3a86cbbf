package core

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/chess10kp/dropshelf/internal/gesture"
	"github.com/chess10kp/dropshelf/internal/pool"
	"github.com/chess10kp/dropshelf/internal/telemetry"
)

const (
	monitorInterval = 5 * time.Second
	loopStallAfter  = 2 * time.Second
)

// Availability of the gesture subsystem.
type Availability string

const (
	Available   Availability = "available"
	Degraded    Availability = "degraded"
	Unavailable Availability = "unavailable"
)

// Status is the payload of the status command.
type Status struct {
	Gesture       Availability     `json:"gesture"`
	Reasons       []string         `json:"reasons,omitempty"`
	PointerMode   telemetry.Mode   `json:"pointerMode"`
	PointerDriver string           `json:"pointerDriver,omitempty"`
	DragDriver    string           `json:"dragDriver,omitempty"`
	Health        telemetry.Health `json:"health"`
	Telemetry     telemetry.Stats  `json:"telemetry"`
	Coordinator   gesture.Status   `json:"coordinator"`
	Pool          pool.Stats       `json:"pool"`
	Shelves       int              `json:"shelves"`
	Windows       string           `json:"windows"`
}

// availability folds the two sources into one verdict. Shelves stay
// usable through commands whatever it says.
func (a *App) availability() (Availability, []string) {
	if !a.config.Gesture.Enabled {
		return Unavailable, []string{"gesture trigger disabled"}
	}
	if a.telemetry == nil || a.drags == nil {
		return Unavailable, []string{"gesture subsystem not started"}
	}

	var reasons []string
	verdict := Available

	mode, reason := a.telemetry.Mode()
	switch mode {
	case telemetry.ModeNative:
	case telemetry.ModeDegraded:
		verdict = Degraded
		reasons = append(reasons, "pointer: "+reason)
	default:
		return Unavailable, append(reasons, "pointer: "+orText(reason, string(mode)))
	}

	if a.drags.DriverName() == "" {
		return Unavailable, append(reasons, "drag: "+orText(a.dragErr, "not running"))
	}
	if reason := a.drags.Degraded(); reason != "" {
		verdict = Degraded
		reasons = append(reasons, "drag: "+reason)
	}
	return verdict, reasons
}

func orText(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// status runs on the loop.
func (a *App) status() interface{} {
	verdict, reasons := a.availability()
	st := Status{
		Gesture: verdict,
		Reasons: reasons,
		Pool:    a.pool.Stats(),
		Shelves: a.shelves.Count(),
		Windows: a.factory.Name(),
	}
	if a.telemetry != nil {
		st.PointerMode, _ = a.telemetry.Mode()
		st.PointerDriver = a.telemetry.DriverName()
		st.Health = a.telemetry.Health(time.Now())
		st.Telemetry = a.telemetry.Stats()
	}
	if a.drags != nil {
		st.DragDriver = a.drags.DriverName()
	}
	if a.coordinator != nil {
		st.Coordinator = a.coordinator.Status()
	}
	return st
}

// monitor logs telemetry health transitions and a stalled loop.
func (a *App) monitor(ctx context.Context) error {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	last := telemetry.HealthStopped
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if a.telemetry != nil {
			if health := a.telemetry.Health(time.Now()); health != last {
				fields := []zap.Field{zap.String("from", string(last)), zap.String("to", string(health))}
				switch health {
				case telemetry.HealthStale, telemetry.HealthCritical:
					a.logger.Warn("pointer telemetry health changed", fields...)
				default:
					a.logger.Info("pointer telemetry health changed", fields...)
				}
				last = health
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, loopStallAfter)
		err := a.loop.Call(callCtx, func() {})
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			a.logger.Warn("event loop appears blocked", zap.Duration("after", loopStallAfter))
		}

		a.logger.Debug("monitor", zap.Int("goroutines", runtime.NumGoroutine()))
	}
}

// serveMetrics exposes /metrics until ctx is done.
func (a *App) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("metrics listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		// Metrics are optional; a taken port must not bring the daemon down.
		a.logger.Warn("metrics server failed", zap.Error(err))
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
