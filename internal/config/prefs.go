package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/chess10kp/dropshelf/internal/shake"
)

// Preferences are the user-facing settings, kept apart from the daemon
// config so a settings UI can rewrite them. Zero values leave the config
// untouched.
type Preferences struct {
	ShakeSensitivity       string `toml:"shake_sensitivity"` // low, medium, high
	AutoHideDelayMs        int    `toml:"auto_hide_delay_ms"`
	MaxSimultaneousShelves int    `toml:"max_simultaneous_shelves"`
}

// LoadPreferences reads the preferences file. A missing file yields empty
// preferences.
func LoadPreferences(path string) (*Preferences, error) {
	var prefs Preferences

	data, err := os.ReadFile(expandPath(path))
	if os.IsNotExist(err) {
		return &prefs, nil
	}
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &prefs); err != nil {
		return nil, fmt.Errorf("failed to parse preferences: %w", err)
	}
	return &prefs, nil
}

func SavePreferences(prefs *Preferences, path string) error {
	expandedPath := expandPath(path)
	if err := os.MkdirAll(filepath.Dir(expandedPath), 0755); err != nil {
		return err
	}
	data, err := toml.Marshal(prefs)
	if err != nil {
		return err
	}
	return os.WriteFile(expandedPath, data, 0644)
}

func (p *Preferences) Validate() error {
	switch strings.ToLower(p.ShakeSensitivity) {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("invalid shake_sensitivity: %q (must be low, medium or high)", p.ShakeSensitivity)
	}
	if p.AutoHideDelayMs != 0 && (p.AutoHideDelayMs < 100 || p.AutoHideDelayMs > 600000) {
		return fmt.Errorf("invalid auto_hide_delay_ms: %d (must be 100-600000ms)", p.AutoHideDelayMs)
	}
	if p.MaxSimultaneousShelves < 0 || p.MaxSimultaneousShelves > 64 {
		return fmt.Errorf("invalid max_simultaneous_shelves: %d (must be 0-64)", p.MaxSimultaneousShelves)
	}
	return nil
}

// Apply overrides c with the set preferences. The shelf ceiling is capped
// at the pool size.
func (c *Config) Apply(p *Preferences) {
	if p == nil {
		return
	}
	if p.ShakeSensitivity != "" {
		c.Gesture.Shake = shake.ForSensitivity(p.ShakeSensitivity)
	}
	if p.AutoHideDelayMs > 0 {
		c.Shelf.AutoHideDelayMs = p.AutoHideDelayMs
	}
	if p.MaxSimultaneousShelves > 0 {
		c.Shelf.MaxShelves = min(p.MaxSimultaneousShelves, c.Pool.MaxTotal)
	}
}
