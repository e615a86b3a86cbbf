package main

import (
	"fmt"
	"os"

	"github.com/chess10kp/dropshelf/internal/config"
)

func main() {
	configPath := "~/.config/dropshelf/config.toml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	fmt.Printf("Validating config: %s\n", configPath)

	cfg, err := config.LoadAndValidateConfig(configPath)
	if err != nil {
		fmt.Printf("❌ Config validation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Validating preferences: %s\n", cfg.PreferencesPath)

	prefs, err := config.LoadPreferences(cfg.PreferencesPath)
	if err == nil {
		err = prefs.Validate()
	}
	if err != nil {
		fmt.Printf("❌ Preferences validation failed: %v\n", err)
		os.Exit(1)
	}

	cfg.Apply(prefs)
	if err := cfg.Validate(); err != nil {
		fmt.Printf("❌ Preferences conflict with config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✅ Config is valid!")
}
