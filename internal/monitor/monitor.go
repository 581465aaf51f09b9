// Package monitor polls the event bus and turns sustained failure signals
// into structured intervention proposals. Thresholds are configured per
// issue type; when one trips, the monitor either applies a fix through the
// pluggable Fixer or tags the intervention for approval. An hourly cap
// prevents intervention thrashing.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"devloop/internal/config"
	"devloop/internal/events"
	"devloop/internal/fsutil"
	"devloop/internal/logging"
)

// ErrRolledBack is returned by a Fixer that applied a fix and then undid
// it after post-checks failed.
var ErrRolledBack = errors.New("intervention rolled back")

// Fixer applies a proposed remediation. Implementations are external
// validators; the monitor only reports outcomes.
type Fixer interface {
	ApplyFix(ctx context.Context, iv Intervention) error
}

// Intervention is one triggered remediation proposal.
type Intervention struct {
	ID               string    `json:"id"`
	IssueType        string    `json:"issueType"`
	EventCount       int       `json:"eventCount"`
	WindowMs         int64     `json:"windowMs"`
	Confidence       float64   `json:"confidence"`
	AutoApplied      bool      `json:"autoApplied"`
	RequiresApproval bool      `json:"requiresApproval"`
	Proposal         string    `json:"proposal"`
	TriggeredAt      time.Time `json:"triggeredAt"`
	Outcome          string    `json:"outcome,omitempty"`
}

// issueEventTypes maps issue types to the bus event types they count.
// Unknown issue types count events whose type equals the issue key.
var issueEventTypes = map[string][]string{
	"validation_failures": {events.TypeValidationError},
	"task_failures":       {events.TypeTaskFailed},
	"blocked_tasks":       {events.TypeTaskBlocked},
	"ipc_failures":        {events.TypeIPCConnectionFailed, events.TypeIPCConnectionRetry},
}

// proposals maps issue types to remediation text.
var proposals = map[string]string{
	"validation_failures": "Tighten the child prompt with the recorded failure patterns and reduce change-set size per task.",
	"task_failures":       "Pause scheduling and replan the failing task's dependencies before retrying.",
	"blocked_tasks":       "Review blocked tasks and reset retry counters after addressing the root cause.",
	"ipc_failures":        "Restart the session's IPC server and verify the temp directory is writable.",
}

// Options wires a monitor loop.
type Options struct {
	Bus         *events.Bus
	Config      config.MonitorConfig
	Fixer       Fixer  // optional
	HistoryPath string // optional JSON file for intervention history
}

// Loop observes the bus and triggers interventions.
type Loop struct {
	bus      *events.Bus
	cfg      config.MonitorConfig
	fixer    Fixer
	histPath string

	mu      sync.Mutex
	lastID  int64
	recent  []events.Event // trailing buffer for window evaluation
	fired   []time.Time    // intervention timestamps for the hourly cap
	history []Intervention
}

// NewLoop creates a monitor loop.
func NewLoop(opts Options) *Loop {
	return &Loop{
		bus:      opts.Bus,
		cfg:      opts.Config,
		fixer:    opts.Fixer,
		histPath: opts.HistoryPath,
	}
}

// Run polls until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	interval := time.Duration(l.cfg.PollingIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick ingests new events and evaluates every threshold.
func (l *Loop) tick(ctx context.Context) {
	l.mu.Lock()
	since := l.lastID
	l.mu.Unlock()

	fresh := l.bus.Poll(events.PollOptions{Since: since, Limit: 1000})
	if len(fresh) > 0 {
		l.mu.Lock()
		l.lastID = fresh[len(fresh)-1].ID
		l.recent = append(l.recent, fresh...)
		l.pruneLocked()
		l.mu.Unlock()
	}

	for issue, th := range l.cfg.Thresholds {
		l.evaluate(ctx, issue, th)
	}
}

// pruneLocked discards buffered events older than the widest window.
func (l *Loop) pruneLocked() {
	var widest int64
	for _, th := range l.cfg.Thresholds {
		if th.WindowMs > widest {
			widest = th.WindowMs
		}
	}
	if widest <= 0 {
		widest = int64(time.Hour / time.Millisecond)
	}
	cutoff := time.Now().Add(-time.Duration(widest) * time.Millisecond)
	idx := 0
	for idx < len(l.recent) && l.recent[idx].Timestamp.Before(cutoff) {
		idx++
	}
	l.recent = l.recent[idx:]
}

// evaluate counts matching events in the trailing window and triggers an
// intervention when the threshold trips.
func (l *Loop) evaluate(ctx context.Context, issue string, th config.Threshold) {
	types := issueEventTypes[issue]
	if types == nil {
		types = []string{issue}
	}
	typeSet := make(map[string]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}

	windowMs := th.WindowMs
	if windowMs <= 0 {
		windowMs = int64(5 * time.Minute / time.Millisecond)
	}
	cutoff := time.Now().Add(-time.Duration(windowMs) * time.Millisecond)

	l.mu.Lock()
	count := 0
	for _, ev := range l.recent {
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		if _, ok := typeSet[ev.Type]; ok {
			count++
		}
	}
	l.mu.Unlock()

	tripped := th.Count > 0 && count >= th.Count
	if !tripped && th.Rate > 0 {
		perMinute := float64(count) / (float64(windowMs) / 60000.0)
		tripped = perMinute >= th.Rate
	}
	if !tripped {
		return
	}
	if !l.underHourlyCap() {
		logging.Get(logging.CategoryMonitor).Warnw("intervention suppressed by hourly cap", "issue", issue)
		return
	}

	l.trigger(ctx, issue, th, count, windowMs)
}

// underHourlyCap records a firing slot if the hourly cap permits one.
func (l *Loop) underHourlyCap() bool {
	limit := l.cfg.MaxPerHour
	if limit <= 0 {
		limit = 10
	}
	cutoff := time.Now().Add(-time.Hour)
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.fired[:0]
	for _, t := range l.fired {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.fired = kept
	if len(l.fired) >= limit {
		return false
	}
	l.fired = append(l.fired, time.Now())
	return true
}

// trigger emits intervention:triggered and runs the fixer when auto-action
// is enabled with sufficient confidence.
func (l *Loop) trigger(ctx context.Context, issue string, th config.Threshold, count int, windowMs int64) {
	log := logging.Get(logging.CategoryMonitor)
	iv := Intervention{
		ID:          uuid.NewString(),
		IssueType:   issue,
		EventCount:  count,
		WindowMs:    windowMs,
		Confidence:  th.Confidence,
		Proposal:    proposals[issue],
		TriggeredAt: time.Now().UTC(),
	}
	if action := l.cfg.Actions[issue]; action != "" {
		iv.Proposal = action
	}
	if iv.Proposal == "" {
		iv.Proposal = "Inspect the recent " + issue + " events and intervene manually."
	}

	autoEligible := th.AutoAction && l.fixer != nil && th.Confidence > 0
	iv.RequiresApproval = !autoEligible

	l.bus.Emit(events.TypeInterventionTrigger, map[string]any{
		"id":               iv.ID,
		"issueType":        iv.IssueType,
		"eventCount":       iv.EventCount,
		"windowMs":         iv.WindowMs,
		"confidence":       iv.Confidence,
		"proposal":         iv.Proposal,
		"requiresApproval": iv.RequiresApproval,
	}, events.EmitOptions{Severity: events.SeverityWarn})
	log.Infow("intervention triggered", "issue", issue, "count", count, "auto", autoEligible)

	if autoEligible {
		iv.AutoApplied = true
		err := l.fixer.ApplyFix(ctx, iv)
		switch {
		case err == nil:
			iv.Outcome = "successful"
			l.bus.Emit(events.TypeInterventionSuccess, map[string]any{"id": iv.ID}, events.EmitOptions{})
		case errors.Is(err, ErrRolledBack):
			iv.Outcome = "rolled_back"
			l.bus.Emit(events.TypeInterventionRollback, map[string]any{"id": iv.ID}, events.EmitOptions{Severity: events.SeverityWarn})
		default:
			iv.Outcome = "failed"
			l.bus.Emit(events.TypeInterventionFailed, map[string]any{
				"id":    iv.ID,
				"error": err.Error(),
			}, events.EmitOptions{Severity: events.SeverityError})
		}
	}

	l.mu.Lock()
	l.history = append(l.history, iv)
	l.mu.Unlock()
	l.persistHistory()
}

// persistHistory writes the intervention history when a path is configured.
func (l *Loop) persistHistory() {
	if l.histPath == "" {
		return
	}
	l.mu.Lock()
	data, err := json.MarshalIndent(l.history, "", "  ")
	l.mu.Unlock()
	if err != nil {
		return
	}
	if err := fsutil.WriteFileAtomic(l.histPath, data, func(b []byte) error {
		var check []Intervention
		return json.Unmarshal(b, &check)
	}); err != nil {
		logging.Get(logging.CategoryMonitor).Warnw("failed to persist intervention history", "error", err)
	}
}

// History returns a copy of recorded interventions.
func (l *Loop) History() []Intervention {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Intervention, len(l.history))
	copy(out, l.history)
	return out
}
