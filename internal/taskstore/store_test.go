package taskstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTasksFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadBareArrayShape(t *testing.T) {
	path := writeTasksFile(t, `[
		{"id": "1", "title": "First", "status": "pending"},
		{"id": 2, "title": "Second", "status": "done"}
	]`)
	store, err := NewStore(path, Options{})
	require.NoError(t, err)

	tasks := store.AllTasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, FlexID("1"), tasks[0].ID)
	// Numeric ids normalize to their string form.
	assert.Equal(t, FlexID("2"), tasks[1].ID)
}

func TestLoadTasksObjectShape(t *testing.T) {
	path := writeTasksFile(t, `{"tasks": [{"id": "a", "title": "A", "status": "pending"}]}`)
	store, err := NewStore(path, Options{})
	require.NoError(t, err)
	require.Len(t, store.AllTasks(), 1)
}

func TestLoadMasterShapeAndFlattenSubtasks(t *testing.T) {
	path := writeTasksFile(t, `{
		"master": {
			"tasks": [
				{"id": "5", "title": "Parent", "status": "pending", "subtasks": [
					{"id": "1", "title": "Child", "status": "pending"}
				]}
			],
			"metadata": {"updated": "2026-01-01T00:00:00Z"}
		}
	}`)
	store, err := NewStore(path, Options{})
	require.NoError(t, err)

	tasks := store.AllTasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, FlexID("5"), tasks[0].ID)
	assert.Empty(t, tasks[0].Subtasks)
	assert.Equal(t, FlexID("5.1"), tasks[1].ID)
	assert.Equal(t, FlexID("5"), tasks[1].ParentID)
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	path := writeTasksFile(t, `{not json`)
	store, err := NewStore(path, Options{})
	require.NoError(t, err)
	assert.Empty(t, store.AllTasks())
}

func TestMissingFileStartsEmpty(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "absent.json"), Options{})
	require.NoError(t, err)
	assert.Empty(t, store.AllTasks())
}

func TestSaveWritesMasterShapeWithNestedSubtasks(t *testing.T) {
	path := writeTasksFile(t, `[
		{"id": "5", "title": "Parent", "status": "pending", "subtasks": [
			{"id": "1", "title": "Child", "status": "pending"}
		]}
	]`)
	store, err := NewStore(path, Options{})
	require.NoError(t, err)

	// Any mutation persists in the canonical shape.
	require.NoError(t, store.UpdateStatus("5.1", StatusDone))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Contains(t, raw, "master")

	reloaded, err := NewStore(path, Options{})
	require.NoError(t, err)
	child, ok := reloaded.Get("5.1")
	require.True(t, ok)
	assert.Equal(t, StatusDone, child.Status)
	assert.Equal(t, FlexID("5"), child.ParentID)

	// The round trip preserves the flattened view apart from the status
	// change applied above.
	want := store.AllTasks()
	if diff := cmp.Diff(want, reloaded.AllTasks()); diff != "" {
		t.Errorf("task list changed across reload (-want +got):\n%s", diff)
	}
}

func TestPendingOrdering(t *testing.T) {
	path := writeTasksFile(t, `[
		{"id": "low", "title": "Low", "status": "pending", "priority": "low"},
		{"id": "fix-high-1700000000000", "title": "Fix", "status": "pending", "priority": "critical"},
		{"id": "crit", "title": "Critical", "status": "pending", "priority": "critical"},
		{"id": "active", "title": "Resumed", "status": "in-progress", "priority": "medium"},
		{"id": "finished", "title": "Done", "status": "done"},
		{"id": "stuck", "title": "Blocked", "status": "blocked"}
	]`)
	store, err := NewStore(path, Options{})
	require.NoError(t, err)

	pending := store.Pending()
	var ids []FlexID
	for _, task := range pending {
		ids = append(ids, task.ID)
	}
	// In-progress resumes first, then non-fix by priority, then fix tasks.
	assert.Equal(t, []FlexID{"active", "crit", "low", "fix-high-1700000000000"}, ids)
}

func TestPendingExcludesExhaustedBaseIDs(t *testing.T) {
	path := writeTasksFile(t, `[
		{"id": "7", "title": "Flaky", "status": "pending"}
	]`)
	store, err := NewStore(path, Options{MaxRetries: 1})
	require.NoError(t, err)

	// Two failures exhaust a cap of 1.
	_, err = store.CreateFixTask("7", "boom", "")
	require.NoError(t, err)
	fix2, err := store.CreateFixTask("7", "boom again", "")
	require.NoError(t, err)
	assert.Nil(t, fix2)

	assert.Empty(t, store.Pending())
	assert.True(t, store.HasExceededMaxRetries("7"))

	store.ResetRetries("7")
	assert.False(t, store.HasExceededMaxRetries("7"))
	assert.Equal(t, 0, store.RetryCount("7"))
}

func TestUpdateStatusUnknownTask(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "t.json"), Options{})
	require.NoError(t, err)
	assert.Error(t, store.UpdateStatus("ghost", StatusDone))
}

func TestCreateTaskRejectsDuplicateAndDefaultsPending(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "t.json"), Options{})
	require.NoError(t, err)

	require.NoError(t, store.CreateTask(Task{ID: "x", Title: "X"}))
	got, ok := store.Get("x")
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)

	assert.Error(t, store.CreateTask(Task{ID: "x", Title: "Dup"}))
}

func TestBaseIDStripsNestedFixWrappers(t *testing.T) {
	tests := []struct {
		id   FlexID
		want FlexID
	}{
		{"7", "7"},
		{"fix-7-1700000000000", "7"},
		{"fix-fix-7-1700000000000-1700000001000", "7"},
		{"fix-auth.login-1700000000000", "auth.login"},
		{"prefix-fix-7", "prefix-fix-7"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BaseID(tt.id), "id %s", tt.id)
	}
}

func TestFlexIDAcceptsStringAndNumber(t *testing.T) {
	var task Task
	require.NoError(t, json.Unmarshal([]byte(`{"id": 42, "title": "n", "status": "pending"}`), &task))
	assert.Equal(t, FlexID("42"), task.ID)

	require.NoError(t, json.Unmarshal([]byte(`{"id": "42", "title": "s", "status": "pending"}`), &task))
	assert.Equal(t, FlexID("42"), task.ID)

	assert.Error(t, json.Unmarshal([]byte(`{"id": {"k": 1}}`), &task))
}
