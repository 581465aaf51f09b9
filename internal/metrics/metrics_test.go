package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTaskAggregatesEveryLevel(t *testing.T) {
	r := NewRecorder(t.TempDir(), "run-1")

	require.NoError(t, r.RecordTask(TaskSample{
		TaskID: "1", PRDID: "auth", PhaseID: "p1",
		Success: true, Attempts: 1, Duration: 2 * time.Second,
		TokensIn: 100, TokensOut: 50, TestsPassed: 3,
	}))
	require.NoError(t, r.RecordTask(TaskSample{
		TaskID: "2", PRDID: "auth", PhaseID: "p1",
		Success: false, Attempts: 3, Duration: 4 * time.Second,
		TokensIn: 200, TokensOut: 80, TestsFailed: 2,
	}))
	require.NoError(t, r.RecordTask(TaskSample{
		TaskID: "3", PRDID: "billing", PhaseID: "p1",
		Success: true, Attempts: 1, Duration: 1 * time.Second,
	}))

	phase, ok := r.Phase("auth", "p1")
	require.True(t, ok)
	assert.Equal(t, 2, phase.TaskCount)
	assert.Equal(t, 1, phase.SuccessCount)
	assert.Equal(t, 1, phase.FailureCount)
	assert.Equal(t, 4, phase.TotalAttempts)
	assert.Equal(t, int64(3000), phase.AvgTaskMs)
	assert.Equal(t, 0.5, phase.SuccessRate)
	assert.Equal(t, int64(300), phase.TokensIn)
	assert.Equal(t, 3, phase.TestsPassed)
	assert.Equal(t, 2, phase.TestsFailed)

	prd, ok := r.PRD("auth")
	require.True(t, ok)
	assert.Equal(t, 2, prd.TaskCount)

	set := r.Set()
	assert.Equal(t, "run-1", set.Key)
	assert.Equal(t, 3, set.TaskCount)
	assert.InDelta(t, 2.0/3.0, set.SuccessRate, 0.001)

	_, ok = r.Phase("auth", "p2")
	assert.False(t, ok)
	_, ok = r.PRD("unknown")
	assert.False(t, ok)
}

func TestPersistWritesEveryLevelFile(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir, "run-2")
	require.NoError(t, r.RecordTask(TaskSample{
		TaskID: "1", PRDID: "p", PhaseID: "ph", Success: true, Attempts: 1,
		Duration: time.Second,
	}))

	for _, name := range []string{"tasks.json", "phases.json", "prds.json", "set.json"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err, name)
		var check any
		require.NoError(t, json.Unmarshal(data, &check), name)
	}

	var set Aggregate
	data, err := os.ReadFile(filepath.Join(dir, "set.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &set))
	assert.Equal(t, 1, set.TaskCount)
	assert.Equal(t, int64(1000), set.AvgTaskMs)
}

func TestCompletedAtDefaulted(t *testing.T) {
	r := NewRecorder(t.TempDir(), "run-3")
	require.NoError(t, r.RecordTask(TaskSample{TaskID: "1", PRDID: "p", PhaseID: "ph"}))

	hist := r.History()
	require.Len(t, hist, 1)
	assert.False(t, hist[0].CompletedAt.IsZero())
}
