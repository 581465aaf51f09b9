// Package checkpoint records recovery points created by the scheduler on
// successful transitions. The VCS is consulted opportunistically for the
// HEAD commit; checkpoints are consumed only by explicit rollback requests.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"devloop/internal/fsutil"
	"devloop/internal/logging"
)

// Type enumerates why a checkpoint was created.
type Type string

const (
	TypePhaseCompletion Type = "phase-completion"
	TypeTestPass        Type = "test-pass"
	TypeValidationPass  Type = "validation-pass"
	TypeTaskCompletion  Type = "task-completion"
	TypeManual          Type = "manual"
)

// Checkpoint is one recovery point.
type Checkpoint struct {
	ID           string    `json:"id"` // {prdId}-phase-{phaseId}-{epochMs}
	PRDID        string    `json:"prdId"`
	PhaseID      string    `json:"phaseId"`
	Type         Type      `json:"type"`
	CommitHash   string    `json:"commitHash,omitempty"`
	SnapshotPath string    `json:"snapshotPath,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Recorder persists checkpoints for one PRD to a JSON file.
type Recorder struct {
	mu       sync.Mutex
	path     string
	workDir  string
	entries  []Checkpoint
}

// gitTimeout bounds the opportunistic HEAD lookup.
const gitTimeout = 10 * time.Second

// NewRecorder creates a recorder backed by path, loading prior entries.
// workDir is the repo the scheduler operates on.
func NewRecorder(path, workDir string) *Recorder {
	r := &Recorder{path: path, workDir: workDir}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &r.entries); err != nil {
			logging.Get(logging.CategoryScheduler).Warnw("checkpoint file unparseable, starting empty",
				"path", path, "error", err)
			r.entries = nil
		}
	}
	return r
}

// Create records a checkpoint, capturing the current git HEAD when
// available. Never fails on VCS absence.
func (r *Recorder) Create(ctx context.Context, prdID, phaseID string, t Type) (Checkpoint, error) {
	cp := Checkpoint{
		ID:         fmt.Sprintf("%s-phase-%s-%d", prdID, phaseID, time.Now().UnixMilli()),
		PRDID:      prdID,
		PhaseID:    phaseID,
		Type:       t,
		CommitHash: r.headCommit(ctx),
		CreatedAt:  time.Now().UTC(),
	}

	r.mu.Lock()
	r.entries = append(r.entries, cp)
	data, err := json.MarshalIndent(r.entries, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to marshal checkpoints: %w", err)
	}
	if err := fsutil.WriteFileAtomic(r.path, data, func(b []byte) error {
		var check []Checkpoint
		return json.Unmarshal(b, &check)
	}); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// headCommit reads the repo HEAD, returning "" when git is unavailable.
func (r *Recorder) headCommit(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = r.workDir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// All returns a copy of recorded checkpoints.
func (r *Recorder) All() []Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Checkpoint, len(r.entries))
	copy(out, r.entries)
	return out
}

// Latest returns the most recent checkpoint for a PRD, if any.
func (r *Recorder) Latest(prdID string) (Checkpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].PRDID == prdID {
			return r.entries[i], true
		}
	}
	return Checkpoint{}, false
}
