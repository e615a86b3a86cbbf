package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chess10kp/dropshelf/internal/shake"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Gesture.Shake != shake.DefaultConfig() {
		t.Errorf("Expected default shake config, got %+v", cfg.Gesture.Shake)
	}
	if strings.HasPrefix(cfg.Log.Path, "~") {
		t.Errorf("Expected expanded log path, got %s", cfg.Log.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := writeFile(t, "config.toml", `
[gesture]
cleanup_delay_ms = 2000

[gesture.shake]
min_direction_changes = 3
time_window_ms = 600
min_distance_px = 12.5
debounce_ms = 300

[drivers]
pointer = "x11"
evdev_devices = ["/dev/input/event3"]

[ipc]
socket_path = "/tmp/test-dropshelf.sock"
`)

	cfg, err := LoadAndValidateConfig(path)
	if err != nil {
		t.Fatalf("LoadAndValidateConfig failed: %v", err)
	}
	if cfg.CleanupDelay() != 2*time.Second {
		t.Errorf("Expected 2s cleanup delay, got %v", cfg.CleanupDelay())
	}
	if cfg.Gesture.Shake.MinDirectionChanges != 3 || cfg.Gesture.Shake.MinDistancePx != 12.5 {
		t.Errorf("Unexpected shake config %+v", cfg.Gesture.Shake)
	}
	if cfg.Drivers.Pointer != "x11" || len(cfg.Drivers.EvdevDevices) != 1 {
		t.Errorf("Unexpected drivers %+v", cfg.Drivers)
	}
	// Untouched sections keep their defaults.
	if cfg.Drivers.Drag != "auto" || cfg.Shelf.Width != 320 {
		t.Errorf("Expected defaults for unset keys, got drag=%s width=%v", cfg.Drivers.Drag, cfg.Shelf.Width)
	}
	if !cfg.Gesture.Enabled {
		t.Error("Expected gesture enabled by default")
	}
}

func TestLoadConfigRejectsBadTOML(t *testing.T) {
	path := writeFile(t, "config.toml", "[gesture\ncleanup_delay_ms = ")
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"shake window", func(c *Config) { c.Gesture.Shake.TimeWindowMs = 10 }, "time_window_ms"},
		{"cleanup delay", func(c *Config) { c.Gesture.CleanupDelayMs = -1 }, "cleanup_delay_ms"},
		{"pool overcommitted", func(c *Config) { c.Pool.Warm = 5; c.Pool.Cold = 5 }, "exceeds max_total"},
		{"max shelves over pool", func(c *Config) { c.Shelf.MaxShelves = 10 }, "max_shelves"},
		{"opacity", func(c *Config) { c.Shelf.DefaultOpacity = 0 }, "default_opacity"},
		{"pointer driver", func(c *Config) { c.Drivers.Pointer = "libinput" }, "pointer driver"},
		{"window driver", func(c *Config) { c.Drivers.Window = "qt" }, "window driver"},
		{"static area", func(c *Config) { c.Drivers.WorkArea = "static"; c.Drivers.StaticWorkArea = RectConfig{} }, "static work area"},
		{"socket", func(c *Config) { c.IPC.SocketPath = "" }, "socket_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v; want error containing %q", err, tt.want)
			}
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := DefaultConfig
	cfg.Drivers.Window = "headless"
	cfg.Shelf.MaxShelves = 3

	if err := SaveConfig(&cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	loaded, err := LoadAndValidateConfig(path)
	if err != nil {
		t.Fatalf("LoadAndValidateConfig failed: %v", err)
	}
	if loaded.Drivers.Window != "headless" || loaded.Shelf.MaxShelves != 3 {
		t.Errorf("Expected saved values back, got window=%s max=%d", loaded.Drivers.Window, loaded.Shelf.MaxShelves)
	}
}

func TestComponentOptions(t *testing.T) {
	cfg := DefaultConfig

	p := cfg.PoolOptions()
	if p.WarmSize != 2 || p.MaxTotal != 6 || p.StaleAfter != 5*time.Minute {
		t.Errorf("Unexpected pool options %+v", p)
	}

	s := cfg.ShelfOptions()
	if s.AutoHideDelay != 5*time.Second || s.SweepInterval != time.Minute || s.MaxShelves != 5 {
		t.Errorf("Unexpected shelf options %+v", s)
	}

	l := cfg.LogOptions()
	if l.Level != "info" || l.Format != "console" {
		t.Errorf("Unexpected log options %+v", l)
	}
}
