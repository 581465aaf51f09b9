package config

// Merge folds a higher-precedence overlay into c. Scalars from the overlay
// win when set; the named union arrays are concatenated with duplicates
// removed; all other arrays are replaced when the overlay provides one;
// maps merge key-wise with overlay values winning.
func (c *Config) Merge(overlay *Config) {
	if overlay == nil {
		return
	}

	if overlay.MaxRetries > 0 {
		c.MaxRetries = overlay.MaxRetries
	}
	if overlay.TestCommand != "" {
		c.TestCommand = overlay.TestCommand
	}
	if overlay.Debug {
		c.Debug = true
	}
	if overlay.StateDir != "" {
		c.StateDir = overlay.StateDir
	}

	if overlay.TaskMaster.TasksPath != "" {
		c.TaskMaster.TasksPath = overlay.TaskMaster.TasksPath
	}
	if overlay.Metrics.Path != "" {
		c.Metrics.Path = overlay.Metrics.Path
	}
	if overlay.SessionManagement.MaxSessionAgeMs > 0 {
		c.SessionManagement.MaxSessionAgeMs = overlay.SessionManagement.MaxSessionAgeMs
	}
	if overlay.SessionManagement.MaxHistoryItems > 0 {
		c.SessionManagement.MaxHistoryItems = overlay.SessionManagement.MaxHistoryItems
	}

	// Union arrays.
	c.Framework.Rules = unionStrings(c.Framework.Rules, overlay.Framework.Rules)
	c.Codebase.SearchDirs = unionStrings(c.Codebase.SearchDirs, overlay.Codebase.SearchDirs)
	c.Codebase.ExcludeDirs = unionStrings(c.Codebase.ExcludeDirs, overlay.Codebase.ExcludeDirs)
	c.Codebase.IgnoreGlobs = unionStrings(c.Codebase.IgnoreGlobs, overlay.Codebase.IgnoreGlobs)
	c.Hooks.PreTest = unionStrings(c.Hooks.PreTest, overlay.Hooks.PreTest)
	c.Hooks.PostApply = unionStrings(c.Hooks.PostApply, overlay.Hooks.PostApply)

	// Replace arrays.
	if overlay.Framework.ErrorPathPatterns != nil {
		c.Framework.ErrorPathPatterns = overlay.Framework.ErrorPathPatterns
	}

	// Merge maps key-wise.
	if len(overlay.Framework.ErrorGuidance) > 0 {
		if c.Framework.ErrorGuidance == nil {
			c.Framework.ErrorGuidance = make(map[string]string, len(overlay.Framework.ErrorGuidance))
		}
		for k, v := range overlay.Framework.ErrorGuidance {
			c.Framework.ErrorGuidance[k] = v
		}
	}

	if overlay.Monitor.PollingIntervalSec > 0 {
		c.Monitor.PollingIntervalSec = overlay.Monitor.PollingIntervalSec
	}
	if overlay.Monitor.MaxPerHour > 0 {
		c.Monitor.MaxPerHour = overlay.Monitor.MaxPerHour
	}
	if len(overlay.Monitor.Thresholds) > 0 {
		if c.Monitor.Thresholds == nil {
			c.Monitor.Thresholds = make(map[string]Threshold, len(overlay.Monitor.Thresholds))
		}
		for k, v := range overlay.Monitor.Thresholds {
			c.Monitor.Thresholds[k] = v
		}
	}
	if len(overlay.Monitor.Actions) > 0 {
		if c.Monitor.Actions == nil {
			c.Monitor.Actions = make(map[string]string, len(overlay.Monitor.Actions))
		}
		for k, v := range overlay.Monitor.Actions {
			c.Monitor.Actions[k] = v
		}
	}
}

// unionStrings appends entries of b missing from a, preserving order.
func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	out := a
	for _, s := range b {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
