// Package config models the layered devloop configuration. Overlays merge
// in order: project -> framework -> PRD-set -> PRD -> phase. Merging is a
// deep merge; the array fields framework.rules, codebase.searchDirs,
// codebase.excludeDirs, codebase.ignoreGlobs, hooks.preTest and
// hooks.postApply are unioned, every other array is replaced wholesale.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"devloop/internal/logging"
)

// Config is the resolved configuration consumed at scheduler entry.
type Config struct {
	MaxRetries  int    `yaml:"maxRetries"`
	TestCommand string `yaml:"testCommand"`
	Debug       bool   `yaml:"debug"`
	StateDir    string `yaml:"stateDir"`

	TaskMaster        TaskMasterConfig `yaml:"taskMaster"`
	Metrics           MetricsConfig    `yaml:"metrics"`
	SessionManagement SessionConfig    `yaml:"sessionManagement"`
	Framework         FrameworkConfig  `yaml:"framework"`
	Codebase          CodebaseConfig   `yaml:"codebase"`
	Hooks             HooksConfig      `yaml:"hooks"`
	Monitor           MonitorConfig    `yaml:"monitor"`
}

// TaskMasterConfig locates the tasks file.
type TaskMasterConfig struct {
	TasksPath string `yaml:"tasksPath"`
}

// MetricsConfig locates the metrics directory.
type MetricsConfig struct {
	Path string `yaml:"path"`
}

// SessionConfig bounds child-session bookkeeping.
type SessionConfig struct {
	MaxSessionAgeMs int64 `yaml:"maxSessionAge"`
	MaxHistoryItems int   `yaml:"maxHistoryItems"`
}

// FrameworkConfig carries framework-specific rules and error extraction
// patterns injected into fix-task descriptions.
type FrameworkConfig struct {
	Rules             []string          `yaml:"rules"`
	ErrorPathPatterns []string          `yaml:"errorPathPatterns"`
	ErrorGuidance     map[string]string `yaml:"errorGuidance"`
}

// CodebaseConfig scopes filesystem discovery.
type CodebaseConfig struct {
	SearchDirs  []string `yaml:"searchDirs"`
	ExcludeDirs []string `yaml:"excludeDirs"`
	IgnoreGlobs []string `yaml:"ignoreGlobs"`
}

// HooksConfig lists commands run around apply/test transitions.
type HooksConfig struct {
	PreTest   []string `yaml:"preTest"`
	PostApply []string `yaml:"postApply"`
}

// MonitorConfig drives the monitor/intervention loop.
type MonitorConfig struct {
	PollingIntervalSec int                  `yaml:"pollingInterval"`
	Thresholds         map[string]Threshold `yaml:"thresholds"`
	Actions            map[string]string    `yaml:"actions"`
	MaxPerHour         int                  `yaml:"maxPerHour"`
}

// Threshold defines when an issue type trips an intervention.
type Threshold struct {
	Count      int     `yaml:"count"`
	Rate       float64 `yaml:"rate"`
	WindowMs   int64   `yaml:"windowMs"`
	Confidence float64 `yaml:"confidence"`
	AutoAction bool    `yaml:"autoAction"`
}

// Load reads one YAML config file. A missing file returns an empty config,
// not an error; overlays are optional at every level.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Resolve loads and merges overlays in order, lowest precedence first,
// then applies defaults. Paths that do not exist are skipped.
func Resolve(paths ...string) (*Config, error) {
	log := logging.Get(logging.CategoryConfig)
	merged := &Config{}
	for _, p := range paths {
		if p == "" {
			continue
		}
		overlay, err := Load(p)
		if err != nil {
			return nil, err
		}
		merged.Merge(overlay)
		log.Debugw("merged config overlay", "path", p)
	}
	merged.ApplyDefaults()
	return merged, nil
}

// ApplyDefaults fills zero-valued fields with documented defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.StateDir == "" {
		c.StateDir = ".devloop"
	}
	if c.TaskMaster.TasksPath == "" {
		c.TaskMaster.TasksPath = ".devloop/tasks.json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = ".devloop/metrics"
	}
	if c.SessionManagement.MaxHistoryItems <= 0 {
		c.SessionManagement.MaxHistoryItems = 100
	}
	if c.SessionManagement.MaxSessionAgeMs <= 0 {
		c.SessionManagement.MaxSessionAgeMs = 4 * 60 * 60 * 1000
	}
	if c.Monitor.PollingIntervalSec <= 0 {
		c.Monitor.PollingIntervalSec = 5
	}
	if c.Monitor.MaxPerHour <= 0 {
		c.Monitor.MaxPerHour = 10
	}
}
