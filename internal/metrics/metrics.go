// Package metrics accumulates execution metrics at four nested levels:
// task, phase, PRD, and PRD-set. Each level persists to its own JSON file
// under the metrics directory using the atomic write discipline; derived
// fields (success rates, averages) are recomputed on every update. The
// reporter reads these files; the scheduler never does.
package metrics

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"devloop/internal/fsutil"
	"devloop/internal/logging"
)

// maxHistoryEntries bounds the per-store task history, oldest first out.
const maxHistoryEntries = 10000

// TaskSample is one task execution outcome fed into the recorder.
type TaskSample struct {
	TaskID      string        `json:"taskId"`
	PRDID       string        `json:"prdId"`
	PhaseID     string        `json:"phaseId"`
	Success     bool          `json:"success"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"durationMs"`
	TokensIn    int64         `json:"tokensIn"`
	TokensOut   int64         `json:"tokensOut"`
	TestsPassed int           `json:"testsPassed"`
	TestsFailed int           `json:"testsFailed"`
	CompletedAt time.Time     `json:"completedAt"`
}

// Aggregate is the rollup shared by phase, PRD, and set levels.
type Aggregate struct {
	Key           string  `json:"key"`
	TaskCount     int     `json:"taskCount"`
	SuccessCount  int     `json:"successCount"`
	FailureCount  int     `json:"failureCount"`
	TotalAttempts int     `json:"totalAttempts"`
	TotalMs       int64   `json:"totalMs"`
	AvgTaskMs     int64   `json:"avgTaskMs"`
	TokensIn      int64   `json:"tokensIn"`
	TokensOut     int64   `json:"tokensOut"`
	TestsPassed   int     `json:"testsPassed"`
	TestsFailed   int     `json:"testsFailed"`
	SuccessRate   float64 `json:"successRate"`
}

// absorb folds one sample in and recomputes derived fields.
func (a *Aggregate) absorb(s TaskSample) {
	a.TaskCount++
	if s.Success {
		a.SuccessCount++
	} else {
		a.FailureCount++
	}
	a.TotalAttempts += s.Attempts
	a.TotalMs += s.Duration.Milliseconds()
	a.TokensIn += s.TokensIn
	a.TokensOut += s.TokensOut
	a.TestsPassed += s.TestsPassed
	a.TestsFailed += s.TestsFailed
	if a.TaskCount > 0 {
		a.AvgTaskMs = a.TotalMs / int64(a.TaskCount)
		a.SuccessRate = float64(a.SuccessCount) / float64(a.TaskCount)
	}
}

// Recorder owns the metrics directory for one PRD-set run.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	setKey  string
	history []TaskSample
	phases  map[string]*Aggregate // key "{prdId}-{phaseId}"
	prds    map[string]*Aggregate
	set     *Aggregate
}

// NewRecorder creates a recorder persisting under dir for the given set key.
func NewRecorder(dir, setKey string) *Recorder {
	return &Recorder{
		dir:    dir,
		setKey: setKey,
		phases: make(map[string]*Aggregate),
		prds:   make(map[string]*Aggregate),
		set:    &Aggregate{Key: setKey},
	}
}

// RecordTask folds a sample into every level and persists each level's
// file. Persistence failures propagate; the scheduler treats them as fatal.
func (r *Recorder) RecordTask(s TaskSample) error {
	if s.CompletedAt.IsZero() {
		s.CompletedAt = time.Now().UTC()
	}

	r.mu.Lock()
	r.history = append(r.history, s)
	if len(r.history) > maxHistoryEntries {
		r.history = r.history[len(r.history)-maxHistoryEntries:]
	}

	phaseKey := fmt.Sprintf("%s-%s", s.PRDID, s.PhaseID)
	phase, ok := r.phases[phaseKey]
	if !ok {
		phase = &Aggregate{Key: phaseKey}
		r.phases[phaseKey] = phase
	}
	phase.absorb(s)

	prd, ok := r.prds[s.PRDID]
	if !ok {
		prd = &Aggregate{Key: s.PRDID}
		r.prds[s.PRDID] = prd
	}
	prd.absorb(s)

	r.set.absorb(s)
	r.mu.Unlock()

	if err := r.persist(); err != nil {
		return err
	}
	logging.Get(logging.CategoryMetrics).Debugw("recorded task sample",
		"task", s.TaskID, "prd", s.PRDID, "phase", s.PhaseID, "success", s.Success)
	return nil
}

// persist writes each level to its own file.
func (r *Recorder) persist() error {
	r.mu.Lock()
	history := append([]TaskSample(nil), r.history...)
	phases := snapshotMap(r.phases)
	prds := snapshotMap(r.prds)
	set := *r.set
	r.mu.Unlock()

	files := []struct {
		name string
		data any
	}{
		{"tasks.json", history},
		{"phases.json", phases},
		{"prds.json", prds},
		{"set.json", set},
	}
	for _, f := range files {
		data, err := json.MarshalIndent(f.data, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", f.name, err)
		}
		path := filepath.Join(r.dir, f.name)
		if err := fsutil.WriteFileAtomic(path, data, func(b []byte) error {
			var check any
			return json.Unmarshal(b, &check)
		}); err != nil {
			return fmt.Errorf("failed to persist %s: %w", f.name, err)
		}
	}
	return nil
}

func snapshotMap(m map[string]*Aggregate) map[string]Aggregate {
	out := make(map[string]Aggregate, len(m))
	for k, v := range m {
		out[k] = *v
	}
	return out
}

// Phase returns the aggregate for one {prdId}-{phaseId} key.
func (r *Recorder) Phase(prdID, phaseID string) (Aggregate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.phases[fmt.Sprintf("%s-%s", prdID, phaseID)]
	if !ok {
		return Aggregate{}, false
	}
	return *a, true
}

// PRD returns the aggregate for one PRD.
func (r *Recorder) PRD(prdID string) (Aggregate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.prds[prdID]
	if !ok {
		return Aggregate{}, false
	}
	return *a, true
}

// Set returns the PRD-set level aggregate.
func (r *Recorder) Set() Aggregate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.set
}

// History returns a copy of the bounded task history.
func (r *Recorder) History() []TaskSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskSample, len(r.history))
	copy(out, r.history)
	return out
}
