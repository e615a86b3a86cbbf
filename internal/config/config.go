package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/chess10kp/dropshelf/internal/logging"
	"github.com/chess10kp/dropshelf/internal/pool"
	"github.com/chess10kp/dropshelf/internal/shake"
	"github.com/chess10kp/dropshelf/internal/shelf"
)

type Config struct {
	AppName         string        `toml:"app_name"`
	CacheDir        string        `toml:"cache_dir"`
	ConfigDir       string        `toml:"config_dir"`
	PreferencesPath string        `toml:"preferences_path"`
	Gesture         GestureConfig `toml:"gesture"`
	Pool            PoolConfig    `toml:"pool"`
	Shelf           ShelfConfig   `toml:"shelf"`
	Drivers         DriversConfig `toml:"drivers"`
	IPC             IPCConfig     `toml:"ipc"`
	Metrics         MetricsConfig `toml:"metrics"`
	Log             LogConfig     `toml:"log"`
}

type GestureConfig struct {
	// Enabled turns the drag-and-shake trigger on. With it off shelves are
	// only created through commands.
	Enabled          bool         `toml:"enabled"`
	Shake            shake.Config `toml:"shake"`
	CleanupDelayMs   int          `toml:"cleanup_delay_ms"`
	DragClearDelayMs int          `toml:"drag_clear_delay_ms"`
	BatchIntervalMs  int          `toml:"batch_interval_ms"`
	MaxBatch         int          `toml:"max_batch"`
}

type PoolConfig struct {
	Warm            int `toml:"warm"`
	Cold            int `toml:"cold"`
	MaxTotal        int `toml:"max_total"`
	StaleAfterMs    int `toml:"stale_after_ms"`
	SweepIntervalMs int `toml:"sweep_interval_ms"`
}

type ShelfConfig struct {
	AutoHideDelayMs        int     `toml:"auto_hide_delay_ms"`
	DeferredDestroyDelayMs int     `toml:"deferred_destroy_delay_ms"`
	ConfigResendDelayMs    int     `toml:"config_resend_delay_ms"`
	Width                  float64 `toml:"width"`
	Height                 float64 `toml:"height"`
	DockMargin             float64 `toml:"dock_margin"`
	DockGap                float64 `toml:"dock_gap"`
	AutoPinOnContent       bool    `toml:"auto_pin_on_content"`
	DefaultOpacity         float64 `toml:"default_opacity"`
	MaxShelves             int     `toml:"max_shelves"`
}

type DriversConfig struct {
	Pointer        string `toml:"pointer"`   // auto, evdev, x11, none
	Drag           string `toml:"drag"`      // auto, x11, heuristic, none
	Window         string `toml:"window"`    // gtk, headless
	WorkArea       string `toml:"work_area"` // auto, sway, x11, static
	Display        string `toml:"display"`
	PollIntervalMs int    `toml:"poll_interval_ms"`
	// EvdevDevices overrides device discovery.
	EvdevDevices         []string `toml:"evdev_devices"`
	HeuristicThresholdPx float64  `toml:"heuristic_threshold_px"`
	LayerShell           bool     `toml:"layer_shell"`
	SwayOutput           string   `toml:"sway_output"`
	// StaticWorkArea is used when work_area is static or detection fails.
	StaticWorkArea RectConfig `toml:"static_work_area"`
}

type RectConfig struct {
	X      float64 `toml:"x"`
	Y      float64 `toml:"y"`
	Width  float64 `toml:"width"`
	Height float64 `toml:"height"`
}

type IPCConfig struct {
	SocketPath    string `toml:"socket_path"`
	WebsocketAddr string `toml:"websocket_addr"`
}

type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Path   string `toml:"path"`
}

var DefaultConfig = Config{
	AppName:         "dropshelf",
	CacheDir:        "~/.cache/dropshelf",
	ConfigDir:       "~/.config/dropshelf",
	PreferencesPath: "~/.config/dropshelf/preferences.toml",
	Gesture: GestureConfig{
		Enabled:          true,
		Shake:            shake.DefaultConfig(),
		CleanupDelayMs:   1500,
		DragClearDelayMs: 500,
		BatchIntervalMs:  16,
		MaxBatch:         10,
	},
	Pool: PoolConfig{
		Warm:            2,
		Cold:            2,
		MaxTotal:        6,
		StaleAfterMs:    5 * 60 * 1000,
		SweepIntervalMs: 60 * 1000,
	},
	Shelf: ShelfConfig{
		AutoHideDelayMs:        5000,
		DeferredDestroyDelayMs: 3000,
		ConfigResendDelayMs:    300,
		Width:                  320,
		Height:                 240,
		DockMargin:             12,
		DockGap:                8,
		AutoPinOnContent:       true,
		DefaultOpacity:         1,
		MaxShelves:             5,
	},
	Drivers: DriversConfig{
		Pointer:              "auto",
		Drag:                 "auto",
		Window:               "gtk",
		WorkArea:             "auto",
		PollIntervalMs:       16,
		HeuristicThresholdPx: 8,
		LayerShell:           true,
		StaticWorkArea:       RectConfig{Width: 1920, Height: 1080},
	},
	IPC: IPCConfig{
		SocketPath:    "/tmp/dropshelf.sock",
		WebsocketAddr: "127.0.0.1:7878",
	},
	Metrics: MetricsConfig{
		ListenAddr: "127.0.0.1:9478",
	},
	Log: LogConfig{
		Level:  "info",
		Format: "console",
		Path:   "~/.cache/dropshelf/dropshelf.log",
	},
}

// LoadConfig reads path over the defaults. A missing file yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	expandedPath := expandPath(path)

	cfg := DefaultConfig
	if _, err := os.Stat(expandedPath); os.IsNotExist(err) {
		cfg.expandPaths()
		return &cfg, nil
	}

	data, err := os.ReadFile(expandedPath)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.expandPaths()
	return &cfg, nil
}

func (c *Config) expandPaths() {
	c.CacheDir = expandPath(c.CacheDir)
	c.ConfigDir = expandPath(c.ConfigDir)
	c.PreferencesPath = expandPath(c.PreferencesPath)
	c.IPC.SocketPath = expandPath(c.IPC.SocketPath)
	c.Log.Path = expandPath(c.Log.Path)
}

func LoadAndValidateConfig(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		usr, err := user.Current()
		if err == nil {
			return filepath.Join(usr.HomeDir, path[1:])
		}
	}
	return path
}

func SaveConfig(cfg *Config, path string) error {
	expandedPath := expandPath(path)

	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(expandedPath, data, 0644)
}

func (c *Config) Validate() error {
	if err := c.validateGesture(); err != nil {
		return err
	}
	if err := c.validatePool(); err != nil {
		return err
	}
	if err := c.validateShelf(); err != nil {
		return err
	}
	if err := c.validateDrivers(); err != nil {
		return err
	}
	if err := c.validateIPC(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateGesture() error {
	g := c.Gesture
	if err := g.Shake.Validate(); err != nil {
		return err
	}
	if g.CleanupDelayMs < 0 || g.CleanupDelayMs > 60000 {
		return fmt.Errorf("invalid cleanup_delay_ms: %d (must be 0-60000ms)", g.CleanupDelayMs)
	}
	if g.DragClearDelayMs < 0 || g.DragClearDelayMs > 10000 {
		return fmt.Errorf("invalid drag_clear_delay_ms: %d (must be 0-10000ms)", g.DragClearDelayMs)
	}
	if g.BatchIntervalMs < 1 || g.BatchIntervalMs > 1000 {
		return fmt.Errorf("invalid batch_interval_ms: %d (must be 1-1000ms)", g.BatchIntervalMs)
	}
	if g.MaxBatch < 1 || g.MaxBatch > 1000 {
		return fmt.Errorf("invalid max_batch: %d (must be 1-1000)", g.MaxBatch)
	}
	return nil
}

func (c *Config) validatePool() error {
	p := c.Pool
	if p.MaxTotal < 1 || p.MaxTotal > 64 {
		return fmt.Errorf("invalid max_total: %d (must be 1-64)", p.MaxTotal)
	}
	if p.Warm < 0 || p.Cold < 0 {
		return fmt.Errorf("invalid pool sizes: warm %d, cold %d (must not be negative)", p.Warm, p.Cold)
	}
	if p.Warm+p.Cold > p.MaxTotal {
		return fmt.Errorf("invalid pool sizes: warm %d + cold %d exceeds max_total %d", p.Warm, p.Cold, p.MaxTotal)
	}
	if p.StaleAfterMs < 1000 {
		return fmt.Errorf("invalid stale_after_ms: %d (must be at least 1000ms)", p.StaleAfterMs)
	}
	if p.SweepIntervalMs < 1000 {
		return fmt.Errorf("invalid sweep_interval_ms: %d (must be at least 1000ms)", p.SweepIntervalMs)
	}
	return nil
}

func (c *Config) validateShelf() error {
	s := c.Shelf
	if s.Width < 100 || s.Width > 4000 {
		return fmt.Errorf("invalid shelf width: %.0f (must be 100-4000)", s.Width)
	}
	if s.Height < 50 || s.Height > 4000 {
		return fmt.Errorf("invalid shelf height: %.0f (must be 50-4000)", s.Height)
	}
	if s.AutoHideDelayMs < 100 || s.AutoHideDelayMs > 600000 {
		return fmt.Errorf("invalid auto_hide_delay_ms: %d (must be 100-600000ms)", s.AutoHideDelayMs)
	}
	if s.DeferredDestroyDelayMs < 0 || s.DeferredDestroyDelayMs > 600000 {
		return fmt.Errorf("invalid deferred_destroy_delay_ms: %d (must be 0-600000ms)", s.DeferredDestroyDelayMs)
	}
	if s.ConfigResendDelayMs < 0 || s.ConfigResendDelayMs > 10000 {
		return fmt.Errorf("invalid config_resend_delay_ms: %d (must be 0-10000ms)", s.ConfigResendDelayMs)
	}
	if s.DockMargin < 0 || s.DockGap < 0 {
		return fmt.Errorf("invalid dock spacing: margin %.0f, gap %.0f (must not be negative)", s.DockMargin, s.DockGap)
	}
	if s.DefaultOpacity < 0.1 || s.DefaultOpacity > 1 {
		return fmt.Errorf("invalid default_opacity: %.2f (must be 0.1-1)", s.DefaultOpacity)
	}
	if s.MaxShelves < 1 || s.MaxShelves > c.Pool.MaxTotal {
		return fmt.Errorf("invalid max_shelves: %d (must be 1-%d, the pool's max_total)", s.MaxShelves, c.Pool.MaxTotal)
	}
	return nil
}

func (c *Config) validateDrivers() error {
	d := c.Drivers
	checks := []struct {
		name  string
		value string
		valid []string
	}{
		{"pointer", d.Pointer, []string{"auto", "evdev", "x11", "none"}},
		{"drag", d.Drag, []string{"auto", "x11", "heuristic", "none"}},
		{"window", d.Window, []string{"gtk", "headless"}},
		{"work_area", d.WorkArea, []string{"auto", "sway", "x11", "static"}},
	}
	for _, check := range checks {
		if !contains(check.valid, check.value) {
			return fmt.Errorf("invalid %s driver: %q (must be one of: %v)", check.name, check.value, check.valid)
		}
	}
	if d.PollIntervalMs < 1 || d.PollIntervalMs > 1000 {
		return fmt.Errorf("invalid poll_interval_ms: %d (must be 1-1000ms)", d.PollIntervalMs)
	}
	if d.HeuristicThresholdPx < 0 || d.HeuristicThresholdPx > 200 {
		return fmt.Errorf("invalid heuristic_threshold_px: %.1f (must be 0-200px)", d.HeuristicThresholdPx)
	}
	if d.WorkArea == "static" && (d.StaticWorkArea.Width <= 0 || d.StaticWorkArea.Height <= 0) {
		return fmt.Errorf("static work area needs a positive width and height")
	}
	return nil
}

func (c *Config) validateIPC() error {
	if c.IPC.SocketPath == "" {
		return fmt.Errorf("ipc socket_path must be set")
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// PoolOptions returns the window pool settings.
func (c *Config) PoolOptions() pool.Config {
	return pool.Config{
		WarmSize:   c.Pool.Warm,
		ColdSize:   c.Pool.Cold,
		MaxTotal:   c.Pool.MaxTotal,
		StaleAfter: ms(c.Pool.StaleAfterMs),
	}
}

// ShelfOptions returns the shelf lifecycle settings.
func (c *Config) ShelfOptions() shelf.Config {
	s := c.Shelf
	return shelf.Config{
		AutoHideDelay:        ms(s.AutoHideDelayMs),
		DeferredDestroyDelay: ms(s.DeferredDestroyDelayMs),
		ConfigResendDelay:    ms(s.ConfigResendDelayMs),
		SweepInterval:        ms(c.Pool.SweepIntervalMs),
		Width:                s.Width,
		Height:               s.Height,
		DockMargin:           s.DockMargin,
		DockGap:              s.DockGap,
		AutoPinOnContent:     s.AutoPinOnContent,
		DefaultOpacity:       s.DefaultOpacity,
		MaxShelves:           s.MaxShelves,
	}
}

// LogOptions returns the logger settings.
func (c *Config) LogOptions() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format, OutputPath: c.Log.Path}
}

func (c *Config) CleanupDelay() time.Duration {
	return ms(c.Gesture.CleanupDelayMs)
}

func (c *Config) DragClearDelay() time.Duration {
	return ms(c.Gesture.DragClearDelayMs)
}

func (c *Config) BatchInterval() time.Duration {
	return ms(c.Gesture.BatchIntervalMs)
}

func (c *Config) PollInterval() time.Duration {
	return ms(c.Drivers.PollIntervalMs)
}
