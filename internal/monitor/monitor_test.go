package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devloop/internal/config"
	"devloop/internal/events"
)

type stubFixer struct {
	err   error
	calls []Intervention
}

func (f *stubFixer) ApplyFix(ctx context.Context, iv Intervention) error {
	f.calls = append(f.calls, iv)
	return f.err
}

func monitorConfig(th config.Threshold) config.MonitorConfig {
	return config.MonitorConfig{
		PollingIntervalSec: 1,
		MaxPerHour:         10,
		Thresholds:         map[string]config.Threshold{"task_failures": th},
	}
}

func emitFailures(bus *events.Bus, n int) {
	for i := 0; i < n; i++ {
		bus.Emit(events.TypeTaskFailed, nil, events.EmitOptions{Severity: events.SeverityWarn, TaskID: "t"})
	}
}

func TestThresholdBelowCountDoesNotTrigger(t *testing.T) {
	bus := events.NewBus(0)
	l := NewLoop(Options{Bus: bus, Config: monitorConfig(config.Threshold{Count: 3, WindowMs: 60000})})

	emitFailures(bus, 2)
	l.tick(context.Background())

	assert.Empty(t, bus.Poll(events.PollOptions{Types: []string{events.TypeInterventionTrigger}}))
	assert.Empty(t, l.History())
}

func TestThresholdTripEmitsIntervention(t *testing.T) {
	bus := events.NewBus(0)
	l := NewLoop(Options{Bus: bus, Config: monitorConfig(config.Threshold{Count: 3, WindowMs: 60000})})

	emitFailures(bus, 3)
	l.tick(context.Background())

	evs := bus.Poll(events.PollOptions{Types: []string{events.TypeInterventionTrigger}})
	require.Len(t, evs, 1)
	assert.Equal(t, events.SeverityWarn, evs[0].Severity)
	assert.Equal(t, "task_failures", evs[0].Payload["issueType"])
	assert.Equal(t, true, evs[0].Payload["requiresApproval"], "no fixer means approval is required")

	hist := l.History()
	require.Len(t, hist, 1)
	assert.Equal(t, 3, hist[0].EventCount)
	assert.False(t, hist[0].AutoApplied)
}

func TestRateThreshold(t *testing.T) {
	bus := events.NewBus(0)
	// 5 events in a 1-minute window is 5/min; a rate of 4/min trips.
	l := NewLoop(Options{Bus: bus, Config: monitorConfig(config.Threshold{Rate: 4, WindowMs: 60000})})

	emitFailures(bus, 5)
	l.tick(context.Background())

	assert.Len(t, bus.Poll(events.PollOptions{Types: []string{events.TypeInterventionTrigger}}), 1)
}

func TestAutoActionSuccessOutcome(t *testing.T) {
	bus := events.NewBus(0)
	fixer := &stubFixer{}
	l := NewLoop(Options{
		Bus:    bus,
		Fixer:  fixer,
		Config: monitorConfig(config.Threshold{Count: 1, WindowMs: 60000, Confidence: 0.9, AutoAction: true}),
	})

	emitFailures(bus, 1)
	l.tick(context.Background())

	require.Len(t, fixer.calls, 1)
	assert.Equal(t, "task_failures", fixer.calls[0].IssueType)

	assert.Len(t, bus.Poll(events.PollOptions{Types: []string{events.TypeInterventionSuccess}}), 1)
	hist := l.History()
	require.Len(t, hist, 1)
	assert.True(t, hist[0].AutoApplied)
	assert.Equal(t, "successful", hist[0].Outcome)
}

func TestAutoActionFailedAndRolledBackOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		fixErr    error
		eventType string
		outcome   string
	}{
		{"failed", errors.New("fix exploded"), events.TypeInterventionFailed, "failed"},
		{"rolled back", ErrRolledBack, events.TypeInterventionRollback, "rolled_back"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := events.NewBus(0)
			l := NewLoop(Options{
				Bus:    bus,
				Fixer:  &stubFixer{err: tt.fixErr},
				Config: monitorConfig(config.Threshold{Count: 1, WindowMs: 60000, Confidence: 0.9, AutoAction: true}),
			})
			emitFailures(bus, 1)
			l.tick(context.Background())

			assert.Len(t, bus.Poll(events.PollOptions{Types: []string{tt.eventType}}), 1)
			hist := l.History()
			require.Len(t, hist, 1)
			assert.Equal(t, tt.outcome, hist[0].Outcome)
		})
	}
}

func TestZeroConfidenceNeverAutoApplies(t *testing.T) {
	bus := events.NewBus(0)
	fixer := &stubFixer{}
	l := NewLoop(Options{
		Bus:    bus,
		Fixer:  fixer,
		Config: monitorConfig(config.Threshold{Count: 1, WindowMs: 60000, AutoAction: true}),
	})

	emitFailures(bus, 1)
	l.tick(context.Background())

	assert.Empty(t, fixer.calls)
	hist := l.History()
	require.Len(t, hist, 1)
	assert.True(t, hist[0].RequiresApproval)
}

func TestHourlyCapSuppressesInterventions(t *testing.T) {
	bus := events.NewBus(0)
	cfg := monitorConfig(config.Threshold{Count: 1, WindowMs: 60000})
	cfg.MaxPerHour = 2
	l := NewLoop(Options{Bus: bus, Config: cfg})

	for i := 0; i < 4; i++ {
		emitFailures(bus, 1)
		l.tick(context.Background())
	}

	assert.Len(t, l.History(), 2, "cap of 2 per hour")
}

func TestActionOverrideBecomesProposal(t *testing.T) {
	bus := events.NewBus(0)
	cfg := monitorConfig(config.Threshold{Count: 1, WindowMs: 60000})
	cfg.Actions = map[string]string{"task_failures": "Escalate to the on-call owner."}
	l := NewLoop(Options{Bus: bus, Config: cfg})

	emitFailures(bus, 1)
	l.tick(context.Background())

	hist := l.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "Escalate to the on-call owner.", hist[0].Proposal)
}

func TestHistoryPersistedToFile(t *testing.T) {
	bus := events.NewBus(0)
	path := filepath.Join(t.TempDir(), "interventions.json")
	l := NewLoop(Options{
		Bus:         bus,
		Config:      monitorConfig(config.Threshold{Count: 1, WindowMs: 60000}),
		HistoryPath: path,
	})

	emitFailures(bus, 1)
	l.tick(context.Background())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var saved []Intervention
	require.NoError(t, json.Unmarshal(data, &saved))
	require.Len(t, saved, 1)
	assert.Equal(t, "task_failures", saved[0].IssueType)
}

func TestUnknownIssueTypeCountsMatchingEventType(t *testing.T) {
	bus := events.NewBus(0)
	cfg := config.MonitorConfig{
		MaxPerHour: 10,
		Thresholds: map[string]config.Threshold{
			"custom:signal": {Count: 2, WindowMs: 60000},
		},
	}
	l := NewLoop(Options{Bus: bus, Config: cfg})

	bus.Emit("custom:signal", nil, events.EmitOptions{})
	bus.Emit("custom:signal", nil, events.EmitOptions{})
	l.tick(context.Background())

	assert.Len(t, l.History(), 1)
}

func TestHourlyCapDefaultsWhenUnset(t *testing.T) {
	bus := events.NewBus(0)
	cfg := monitorConfig(config.Threshold{Count: 1, WindowMs: 60000})
	cfg.MaxPerHour = 0
	l := NewLoop(Options{Bus: bus, Config: cfg})

	for i := 0; i < 12; i++ {
		emitFailures(bus, 1)
		l.tick(context.Background())
	}

	assert.Len(t, l.History(), 10, "unset cap falls back to 10 per hour")
}
