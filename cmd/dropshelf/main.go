package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/chess10kp/dropshelf/internal/config"
	"github.com/chess10kp/dropshelf/internal/core"
	"github.com/chess10kp/dropshelf/internal/logging"
)

const pidFile = "/tmp/dropshelf.pid"

func init() {
	// GTK must be driven from the thread that initialized it.
	runtime.LockOSThread()
}

func ensureSingleInstance() error {
	if data, err := os.ReadFile(pidFile); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid != os.Getpid() {
			process, err := os.FindProcess(pid)
			if err == nil {
				// Replace a running instance
				if err := process.Signal(syscall.Signal(0)); err == nil {
					process.Signal(syscall.SIGTERM)
				}
			}
		}
	}
	return os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func cleanup() {
	os.Remove(pidFile)
}

func main() {
	configPath := flag.String("config", "~/.config/dropshelf/config.toml", "path to config file")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Parse()

	cfg, err := config.LoadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		defaults := config.DefaultConfig
		cfg = &defaults
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger, err := logging.New(cfg.LogOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := ensureSingleInstance(); err != nil {
		logger.Fatal("failed to ensure single instance", zap.Error(err))
	}
	defer cleanup()

	app, err := core.NewApp(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create application", zap.Error(err))
	}

	if err := app.Run(context.Background()); err != nil {
		logger.Error("application error", zap.Error(err))
		cleanup()
		os.Exit(1)
	}
}
