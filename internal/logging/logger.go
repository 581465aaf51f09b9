// Package logging provides categorized, level-aware logging for devloop.
// Each category gets its own named zap logger; in debug mode logs are
// additionally written to per-category files under <stateDir>/logs/.
// Before Initialize is called, Get returns a no-op logger so packages can
// log unconditionally.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup and wiring
	CategoryConfig     Category = "config"     // Config overlay resolution
	CategoryScheduler  Category = "scheduler"  // Scheduler loop decisions
	CategoryTaskStore  Category = "taskstore"  // Task persistence and retry accounting
	CategoryValidation Category = "validation" // Change-set screening
	CategoryIPC        Category = "ipc"        // Socket server and client
	CategoryPatterns   Category = "patterns"   // Pattern memory
	CategoryMetrics    Category = "metrics"    // Hierarchical metrics
	CategoryMonitor    Category = "monitor"    // Monitor and interventions
	CategoryEvents     Category = "events"     // Event bus
)

// Options controls logger construction.
type Options struct {
	StateDir string // Directory holding devloop state; logs go to <StateDir>/logs
	Debug    bool   // When true, debug level is enabled and file sinks are attached
	Console  bool   // When true, logs are mirrored to stderr
}

var (
	mu      sync.RWMutex
	loggers = make(map[Category]*zap.SugaredLogger)
	opts    Options
	ready   bool
)

// Initialize configures the logging system. Safe to call once at startup;
// subsequent calls replace the configuration and drop cached loggers.
func Initialize(o Options) error {
	mu.Lock()
	defer mu.Unlock()

	if o.Debug && o.StateDir != "" {
		if err := os.MkdirAll(filepath.Join(o.StateDir, "logs"), 0o755); err != nil {
			return fmt.Errorf("failed to create logs directory: %w", err)
		}
	}

	opts = o
	loggers = make(map[Category]*zap.SugaredLogger)
	ready = true
	return nil
}

// Get returns the logger for a category, constructing it on first use.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if lg, ok := loggers[cat]; ok {
		mu.RUnlock()
		return lg
	}
	initialized := ready
	mu.RUnlock()

	if !initialized {
		return zap.NewNop().Sugar()
	}

	mu.Lock()
	defer mu.Unlock()
	if lg, ok := loggers[cat]; ok {
		return lg
	}
	lg := build(cat)
	loggers[cat] = lg
	return lg
}

// build constructs the zap logger for one category under the current options.
func build(cat Category) *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	if opts.Console {
		consoleEnc := zapcore.NewConsoleEncoder(encCfg)
		cores = append(cores, zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), level))
	}
	if opts.Debug && opts.StateDir != "" {
		path := filepath.Join(opts.StateDir, "logs", string(cat)+".log")
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			fileEnc := zapcore.NewJSONEncoder(encCfg)
			cores = append(cores, zapcore.NewCore(fileEnc, zapcore.Lock(f), level))
		}
	}
	if len(cores) == 0 {
		return zap.NewNop().Sugar()
	}

	return zap.New(zapcore.NewTee(cores...)).Named(string(cat)).Sugar()
}

// Sync flushes all category loggers. Called before process exit.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	for _, lg := range loggers {
		_ = lg.Sync()
	}
}
