// Package taskstore owns the hierarchical task list: loading and atomic
// persistence of the tasks file, subtask flattening, pending-task ordering,
// retry accounting keyed by base task id, and fix-task synthesis.
package taskstore

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Status enumerates task lifecycle states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
)

// Priority enumerates task priorities, critical highest.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// priorityRank orders priorities for scheduling; lower runs first.
func priorityRank(p Priority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// FlexID is a task identifier that accepts either a JSON string or number
// on read and always serializes as a string.
type FlexID string

// UnmarshalJSON accepts "3", 3, or "fix-3-17000".
func (f *FlexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexID(n.String())
		return nil
	}
	return fmt.Errorf("task id must be string or number: %s", string(data))
}

// Task is one schedulable unit of work. In the flattened in-memory form
// Subtasks is always nil and ParentID is set on entries lifted from a
// parent; the persisted form nests subtasks back under their parent.
type Task struct {
	ID           FlexID   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Status       Status   `json:"status"`
	Priority     Priority `json:"priority,omitempty"`
	Dependencies []FlexID `json:"dependencies,omitempty"`
	Details      string   `json:"details,omitempty"`
	ParentID     FlexID   `json:"parentId,omitempty"`
	Subtasks     []Task   `json:"subtasks,omitempty"`
	TargetFiles  []string `json:"targetFiles,omitempty"`
}

// IsFix reports whether the task is a synthesized fix task.
func (t Task) IsFix() bool {
	return strings.HasPrefix(string(t.ID), "fix-")
}

// fixWrapperRe matches one fix-task wrapper: fix-<inner>-<epochMs>.
var fixWrapperRe = regexp.MustCompile(`^fix-(.+)-\d+$`)

// BaseID strips fix wrappers recursively: fix-fix-7-100-200 -> 7.
// Retry counters are keyed by this base.
func BaseID(id FlexID) FlexID {
	s := string(id)
	for {
		m := fixWrapperRe.FindStringSubmatch(s)
		if m == nil {
			return FlexID(s)
		}
		s = m[1]
	}
}
