// Package metrics provides Prometheus metrics for the gesture and shelf subsystem.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing,
// which keeps components usable in tests without a registry.
type Metrics struct {
	registry *prometheus.Registry

	gesturesTotal      *prometheus.CounterVec
	shakesTotal        prometheus.Counter
	dragSessionsTotal  prometheus.Counter
	shelvesActive      prometheus.Gauge
	poolHandles        *prometheus.GaugeVec
	acquireDuration    *prometheus.HistogramVec
	gestureToVisible   prometheus.Histogram
	samplesDropped     prometheus.Counter
	driverDegradations *prometheus.CounterVec
	filesystemRaces    prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		gesturesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropshelf_gestures_total",
				Help: "Shake gestures seen by the coordinator, by outcome",
			},
			[]string{"outcome"},
		),
		shakesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dropshelf_shakes_detected_total",
				Help: "Shakes reported by the recognizer",
			},
		),
		dragSessionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dropshelf_drag_sessions_total",
				Help: "Drag sessions observed",
			},
		),
		shelvesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dropshelf_shelves_active",
				Help: "Number of live shelf records",
			},
		),
		poolHandles: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dropshelf_pool_handles",
				Help: "Pooled window handles by state",
			},
			[]string{"state"},
		),
		acquireDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dropshelf_pool_acquire_duration_seconds",
				Help:    "Window acquisition latency by path",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"path"},
		),
		gestureToVisible: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dropshelf_gesture_to_visible_seconds",
				Help:    "Time from shake detection to a visible shelf",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1},
			},
		),
		samplesDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dropshelf_pointer_samples_dropped_total",
				Help: "Pointer samples dropped at the coordinator ingress",
			},
		),
		driverDegradations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dropshelf_driver_degradations_total",
				Help: "Driver fallbacks by source",
			},
			[]string{"source"},
		),
		filesystemRaces: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dropshelf_filesystem_races_total",
				Help: "Dragged paths classified by heuristic after a stat failure",
			},
		),
	}
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordGesture records a coordinator decision for a shake: created, coalesced, rejected, failed.
func (m *Metrics) RecordGesture(outcome string) {
	if m == nil {
		return
	}
	m.gesturesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordShake() {
	if m == nil {
		return
	}
	m.shakesTotal.Inc()
}

func (m *Metrics) RecordDragSession() {
	if m == nil {
		return
	}
	m.dragSessionsTotal.Inc()
}

func (m *Metrics) SetShelvesActive(n int) {
	if m == nil {
		return
	}
	m.shelvesActive.Set(float64(n))
}

// SetPoolHandles sets handle counts by state.
func (m *Metrics) SetPoolHandles(warm, cold, inUse int) {
	if m == nil {
		return
	}
	m.poolHandles.WithLabelValues("warm").Set(float64(warm))
	m.poolHandles.WithLabelValues("cold").Set(float64(cold))
	m.poolHandles.WithLabelValues("in_use").Set(float64(inUse))
}

// ObserveAcquire records how long an acquire took on path warm, cold or new.
func (m *Metrics) ObserveAcquire(path string, d time.Duration) {
	if m == nil {
		return
	}
	m.acquireDuration.WithLabelValues(path).Observe(d.Seconds())
}

func (m *Metrics) ObserveGestureToVisible(d time.Duration) {
	if m == nil {
		return
	}
	m.gestureToVisible.Observe(d.Seconds())
}

func (m *Metrics) RecordSampleDropped() {
	if m == nil {
		return
	}
	m.samplesDropped.Inc()
}

func (m *Metrics) RecordDegradation(source string) {
	if m == nil {
		return
	}
	m.driverDegradations.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordFilesystemRace() {
	if m == nil {
		return
	}
	m.filesystemRaces.Inc()
}
