package taskstore

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"devloop/internal/fsutil"
	"devloop/internal/logging"
)

// Options configures a Store.
type Options struct {
	MaxRetries        int               // Retry cap per base task id (default 3)
	ErrorPathPatterns []string          // Extra regexes for extracting file paths from errors
	ErrorGuidance     map[string]string // Overrides for per-signature fix guidance
}

// Store owns one tasks file. All mutation goes through the store; writes
// are atomic (temp file, verify, rename). A store is owned by a single
// scheduler; concurrent schedulers must use distinct stores.
type Store struct {
	mu    sync.Mutex
	path  string
	tasks []Task // flattened

	maxRetries int
	retries    map[FlexID]int

	pathPatterns []*regexp.Regexp
	guidance     map[string]string
}

// masterFile is the canonical on-disk shape.
type masterFile struct {
	Master masterBody `json:"master"`
}

type masterBody struct {
	Tasks    []Task         `json:"tasks"`
	Metadata masterMetadata `json:"metadata"`
}

type masterMetadata struct {
	Updated string `json:"updated"`
}

// tasksFile is the historical {"tasks": [...]} shape.
type tasksFile struct {
	Tasks []Task `json:"tasks"`
}

// NewStore creates a store bound to path and loads it. A missing file
// yields an empty list; an unparseable file logs a warning and yields an
// empty list (persistence failures on write remain fatal).
func NewStore(path string, opts Options) (*Store, error) {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Store{
		path:       path,
		maxRetries: maxRetries,
		retries:    make(map[FlexID]int),
		guidance:   opts.ErrorGuidance,
	}
	for _, p := range opts.ErrorPathPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid errorPathPattern %q: %w", p, err)
		}
		s.pathPatterns = append(s.pathPatterns, re)
	}
	s.load()
	return s, nil
}

// load reads the tasks file in any of the three supported shapes and
// flattens subtasks. Parse failures are downgraded to an empty list with a
// warning so a corrupt file never wedges the scheduler.
func (s *Store) load() {
	log := logging.Get(logging.CategoryTaskStore)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnw("failed to read tasks file, starting empty", "path", s.path, "error", err)
		}
		s.tasks = nil
		return
	}

	nested, err := parseAnyShape(data)
	if err != nil {
		log.Warnw("tasks file unparseable, starting empty", "path", s.path, "error", err)
		s.tasks = nil
		return
	}
	s.tasks = flatten(nested)
}

// parseAnyShape accepts the master shape, the {"tasks": [...]} shape, or a
// bare task array.
func parseAnyShape(data []byte) ([]Task, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var arr []Task
		if err := json.Unmarshal(data, &arr); err != nil {
			return nil, fmt.Errorf("failed to parse task array: %w", err)
		}
		return arr, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse tasks file: %w", err)
	}
	if _, ok := probe["master"]; ok {
		var mf masterFile
		if err := json.Unmarshal(data, &mf); err != nil {
			return nil, fmt.Errorf("failed to parse master shape: %w", err)
		}
		return mf.Master.Tasks, nil
	}
	if _, ok := probe["tasks"]; ok {
		var tf tasksFile
		if err := json.Unmarshal(data, &tf); err != nil {
			return nil, fmt.Errorf("failed to parse tasks shape: %w", err)
		}
		return tf.Tasks, nil
	}
	return nil, fmt.Errorf("unrecognized tasks file shape")
}

// flatten lifts subtasks to top level with synthetic ids
// <parentId>.<subtaskId> and ParentID set.
func flatten(nested []Task) []Task {
	var out []Task
	for _, t := range nested {
		subs := t.Subtasks
		t.Subtasks = nil
		out = append(out, t)
		for _, sub := range subs {
			sub.ID = FlexID(string(t.ID) + "." + string(sub.ID))
			sub.ParentID = t.ID
			sub.Subtasks = nil
			out = append(out, sub)
		}
	}
	return out
}

// nest restores flattened tasks to the persisted form: subtasks move back
// under their parent with the parent prefix stripped from their ids.
func nest(flat []Task) []Task {
	var top []Task
	index := make(map[FlexID]int)
	for _, t := range flat {
		if t.ParentID != "" {
			continue
		}
		t.Subtasks = nil
		index[t.ID] = len(top)
		top = append(top, t)
	}
	for _, t := range flat {
		if t.ParentID == "" {
			continue
		}
		idx, ok := index[t.ParentID]
		if !ok {
			// Orphaned subtask; keep it visible at top level.
			t.ParentID = ""
			top = append(top, t)
			continue
		}
		sub := t
		sub.ID = FlexID(strings.TrimPrefix(string(t.ID), string(t.ParentID)+"."))
		sub.ParentID = ""
		top[idx].Subtasks = append(top[idx].Subtasks, sub)
	}
	return top
}

// save persists the current list in the canonical master shape using the
// atomic write discipline. The serialized bytes are verified to round-trip
// with master.tasks present before the rename.
func (s *Store) save() error {
	mf := masterFile{
		Master: masterBody{
			Tasks:    nest(s.tasks),
			Metadata: masterMetadata{Updated: time.Now().UTC().Format(time.RFC3339)},
		},
	}
	if mf.Master.Tasks == nil {
		mf.Master.Tasks = []Task{}
	}
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tasks: %w", err)
	}
	return fsutil.WriteFileAtomic(s.path, data, func(b []byte) error {
		var check masterFile
		if err := json.Unmarshal(b, &check); err != nil {
			return err
		}
		if check.Master.Tasks == nil {
			return fmt.Errorf("master.tasks missing after round-trip")
		}
		return nil
	})
}

// Path returns the tasks file path.
func (s *Store) Path() string { return s.path }

// AllTasks returns a copy of the flattened task list.
func (s *Store) AllTasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Get returns the task with the given id.
func (s *Store) Get(id FlexID) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// Pending returns schedulable tasks in execution order: status pending or
// in-progress, retry cap not exceeded for the base id, sorted in-progress
// first (to resume interrupted work), then non-fix before fix tasks, then
// by priority, otherwise stable in insertion order.
func (s *Store) Pending() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Task
	for _, t := range s.tasks {
		if t.Status != StatusPending && t.Status != StatusInProgress {
			continue
		}
		if s.retries[BaseID(t.ID)] > s.maxRetries {
			continue
		}
		out = append(out, t)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Status == StatusInProgress) != (b.Status == StatusInProgress) {
			return a.Status == StatusInProgress
		}
		if a.IsFix() != b.IsFix() {
			return !a.IsFix()
		}
		return priorityRank(a.Priority) < priorityRank(b.Priority)
	})
	return out
}

// UpdateStatus mutates one task's status and persists.
func (s *Store) UpdateStatus(id FlexID, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			s.tasks[i].Status = status
			return s.save()
		}
	}
	return fmt.Errorf("task %s not found", id)
}

// CreateTask appends a task (status defaults to pending) and persists.
func (s *Store) CreateTask(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Status == "" {
		t.Status = StatusPending
	}
	for _, existing := range s.tasks {
		if existing.ID == t.ID {
			return fmt.Errorf("task %s already exists", t.ID)
		}
	}
	s.tasks = append(s.tasks, t)
	return s.save()
}

// RetryCount returns the current retry count for a task's base id.
func (s *Store) RetryCount(id FlexID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries[BaseID(id)]
}

// HasExceededMaxRetries reports whether the base id has passed the cap.
func (s *Store) HasExceededMaxRetries(id FlexID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries[BaseID(id)] > s.maxRetries
}

// ResetRetries clears the retry counter for a base id.
func (s *Store) ResetRetries(id FlexID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retries, BaseID(id))
}

// MaxRetries returns the configured retry cap.
func (s *Store) MaxRetries() int { return s.maxRetries }
