// Package shake recognizes a rapid back-and-forth pointer movement by
// counting direction reversals inside a sliding time window.
package shake

import (
	"fmt"
	"strings"

	"github.com/chess10kp/dropshelf/internal/platform"
)

// maxSamples bounds the history independent of the time window.
const maxSamples = 512

// Config holds the recognizer options.
type Config struct {
	MinDirectionChanges int     `toml:"min_direction_changes" json:"minDirectionChanges"`
	TimeWindowMs        int     `toml:"time_window_ms" json:"timeWindowMs"`
	MinDistancePx       float64 `toml:"min_distance_px" json:"minDistancePx"`
	DebounceMs          int     `toml:"debounce_ms" json:"debounceMs"`
}

// DefaultConfig errs toward sensitivity: two reversals within 600ms.
func DefaultConfig() Config {
	return Config{
		MinDirectionChanges: 2,
		TimeWindowMs:        600,
		MinDistancePx:       10,
		DebounceMs:          300,
	}
}

// ForSensitivity maps the shake_sensitivity preference onto options.
// Unknown values get the defaults.
func ForSensitivity(sensitivity string) Config {
	switch strings.ToLower(sensitivity) {
	case "low":
		return Config{MinDirectionChanges: 4, TimeWindowMs: 500, MinDistancePx: 20, DebounceMs: 500}
	case "medium":
		return Config{MinDirectionChanges: 3, TimeWindowMs: 600, MinDistancePx: 15, DebounceMs: 400}
	default:
		return DefaultConfig()
	}
}

func (c Config) Validate() error {
	if c.MinDirectionChanges < 1 || c.MinDirectionChanges > 20 {
		return fmt.Errorf("invalid min_direction_changes: %d (must be 1-20)", c.MinDirectionChanges)
	}
	if c.TimeWindowMs < 50 || c.TimeWindowMs > 5000 {
		return fmt.Errorf("invalid time_window_ms: %d (must be 50-5000ms)", c.TimeWindowMs)
	}
	if c.MinDistancePx < 0 || c.MinDistancePx > 500 {
		return fmt.Errorf("invalid min_distance_px: %.1f (must be 0-500px)", c.MinDistancePx)
	}
	if c.DebounceMs < 0 || c.DebounceMs > 10000 {
		return fmt.Errorf("invalid debounce_ms: %d (must be 0-10000ms)", c.DebounceMs)
	}
	return nil
}

// Recognizer is not safe for concurrent use; the coordinator drives it from
// its own loop.
type Recognizer struct {
	cfg           Config
	samples       []platform.PointerSample
	lastDetection uint64
	detected      bool
}

// New creates a recognizer. Invalid configs are replaced by the defaults.
func New(cfg Config) *Recognizer {
	if cfg.Validate() != nil {
		cfg = DefaultConfig()
	}
	return &Recognizer{
		cfg:     cfg,
		samples: make([]platform.PointerSample, 0, 64),
	}
}

// Config returns the active options.
func (r *Recognizer) Config() Config {
	return r.cfg
}

// Reconfigure swaps options and clears the buffer.
func (r *Recognizer) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.cfg = cfg
	r.Reset()
	return nil
}

// Reset clears the buffer and the debounce state.
func (r *Recognizer) Reset() {
	r.samples = r.samples[:0]
	r.lastDetection = 0
	r.detected = false
}

// Add feeds one sample and reports whether a shake was detected by it.
// Samples older than the newest buffered sample are ignored.
func (r *Recognizer) Add(s platform.PointerSample) bool {
	if n := len(r.samples); n > 0 && s.TimestampMs < r.samples[n-1].TimestampMs {
		return false
	}

	r.samples = append(r.samples, s)
	r.prune(s.TimestampMs)

	if r.detected && s.TimestampMs-r.lastDetection < uint64(r.cfg.DebounceMs) {
		return false
	}

	if r.Reversals() < r.cfg.MinDirectionChanges {
		return false
	}

	r.detected = true
	r.lastDetection = s.TimestampMs
	// The reversals that produced this detection must not count again.
	r.samples = append(r.samples[:0], s)
	return true
}

func (r *Recognizer) prune(now uint64) {
	window := uint64(r.cfg.TimeWindowMs)
	drop := 0
	for drop < len(r.samples) && now-r.samples[drop].TimestampMs > window {
		drop++
	}
	if over := len(r.samples) - drop - maxSamples; over > 0 {
		drop += over
	}
	if drop > 0 {
		r.samples = append(r.samples[:0], r.samples[drop:]...)
	}
}

// Reversals returns the combined x and y reversal count over the buffer.
func (r *Recognizer) Reversals() int {
	if len(r.samples) < 3 {
		return 0
	}
	x := newAxis(r.samples[0].X)
	y := newAxis(r.samples[0].Y)
	for _, s := range r.samples[1:] {
		x.step(s.X, r.cfg.MinDistancePx)
		y.step(s.Y, r.cfg.MinDistancePx)
	}
	return x.reversals + y.reversals
}

// axis tracks movement along one coordinate with hysteresis: a direction is
// only established once the pointer travelled at least minDistance from the
// extreme point of the previous run.
type axis struct {
	dir       int
	extreme   float64
	low, high float64
	reversals int
}

func newAxis(start float64) axis {
	return axis{extreme: start, low: start, high: start}
}

func (a *axis) step(v, minDistance float64) {
	switch a.dir {
	case 0:
		if v < a.low {
			a.low = v
		}
		if v > a.high {
			a.high = v
		}
		if v-a.low >= minDistance && v-a.low > 0 {
			a.dir, a.extreme = 1, v
		} else if a.high-v >= minDistance && a.high-v > 0 {
			a.dir, a.extreme = -1, v
		}
	case 1:
		if v > a.extreme {
			a.extreme = v
		} else if a.extreme-v >= minDistance && a.extreme-v > 0 {
			a.dir, a.extreme = -1, v
			a.reversals++
		}
	case -1:
		if v < a.extreme {
			a.extreme = v
		} else if v-a.extreme >= minDistance && v-a.extreme > 0 {
			a.dir, a.extreme = 1, v
			a.reversals++
		}
	}
}
