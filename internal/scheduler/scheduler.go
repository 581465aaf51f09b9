// Package scheduler implements the retry engine that drives one PRD: it
// pulls the next pending task, dispatches it to the external child agent
// over IPC, screens the proposed change-set through the validation gate,
// applies it, runs the external tests, and classifies the outcome into
// completion, a synthesized fix task, or a blocked terminal state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"devloop/internal/checkpoint"
	"devloop/internal/events"
	"devloop/internal/ipc"
	"devloop/internal/logging"
	"devloop/internal/metrics"
	"devloop/internal/patterns"
	"devloop/internal/taskstore"
	"devloop/internal/validation"
)

// ErrNoPendingTasks signals a clean loop exit: nothing left to schedule.
var ErrNoPendingTasks = errors.New("no pending tasks")

// Config wires one scheduler instance. One scheduler coordinates one PRD;
// the PRD-set runner composes several, each with its own task store
// partition and session.
type Config struct {
	WorkDir       string
	PRDID         string
	PhaseID       string
	ChildCommand  string // shell command that launches the child agent
	TestCommand   string // external test runner; empty skips the test step
	ResultTimeout time.Duration
	TestTimeout   time.Duration
	Debug         bool

	PreTestHooks   []string
	PostApplyHooks []string
}

// Scheduler drives the propose-validate-test-retry cycle for one PRD.
type Scheduler struct {
	cfg         Config
	store       *taskstore.Store
	memory      *patterns.Memory
	gate        *validation.Gate
	bus         *events.Bus
	recorder    *metrics.Recorder
	checkpoints *checkpoint.Recorder
	sessions    *ipc.SessionManager
	pool        *ipc.Pool

	server  *ipc.Server
	session *ipc.Session
}

// New assembles a scheduler from its collaborators. All components are
// passed in explicitly; the scheduler owns no global state.
func New(cfg Config, store *taskstore.Store, memory *patterns.Memory, gate *validation.Gate,
	bus *events.Bus, recorder *metrics.Recorder, checkpoints *checkpoint.Recorder,
	sessions *ipc.SessionManager, pool *ipc.Pool) *Scheduler {
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = ipc.DefaultResultTimeout
	}
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = 5 * time.Minute
	}
	return &Scheduler{
		cfg:         cfg,
		store:       store,
		memory:      memory,
		gate:        gate,
		bus:         bus,
		recorder:    recorder,
		checkpoints: checkpoints,
		sessions:    sessions,
		pool:        pool,
	}
}

// Run executes the scheduling loop until every task reaches a terminal
// state or a fatal failure occurs. Fatal failures are: task store
// persistence errors, IPC server start failure, and metrics persistence
// errors; everything else is absorbed into the retry cycle.
func (s *Scheduler) Run(ctx context.Context) error {
	log := logging.Get(logging.CategoryScheduler)

	s.session = s.sessions.Create()
	s.server = ipc.NewServer(s.session.ID, s.bus, s.cfg.Debug)
	if _, err := s.server.Start(s.pool); err != nil {
		return fmt.Errorf("failed to start ipc server: %w", err)
	}
	defer s.server.Stop()

	log.Infow("scheduler started", "prd", s.cfg.PRDID, "session", s.session.ID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pending := s.store.Pending()
		if len(pending) == 0 {
			log.Infow("no pending tasks, scheduler done", "prd", s.cfg.PRDID)
			return nil
		}
		task := pending[0]

		if err := s.runTask(ctx, task); err != nil {
			return fmt.Errorf("task %s: %w", task.ID, err)
		}
	}
}

// runTask executes one scheduler iteration for one task. The returned
// error is fatal for the PRD; ordinary task failures feed the retry cycle
// and return nil.
func (s *Scheduler) runTask(ctx context.Context, task taskstore.Task) error {
	log := logging.Get(logging.CategoryScheduler)
	started := time.Now()

	guidance := s.memory.GuidancePrompt(task.Title+" "+task.Description, task.TargetFiles)

	if err := s.store.UpdateStatus(task.ID, taskstore.StatusInProgress); err != nil {
		return fmt.Errorf("failed to persist in-progress status: %w", err)
	}

	outcome := s.dispatch(ctx, task, guidance)

	sample := metrics.TaskSample{
		TaskID:    string(task.ID),
		PRDID:     s.cfg.PRDID,
		PhaseID:   s.cfg.PhaseID,
		Success:   outcome.Success,
		Attempts:  s.store.RetryCount(task.ID) + 1,
		Duration:  time.Since(started),
		TokensIn:  outcome.TokensIn,
		TokensOut: outcome.TokensOut,
	}
	if outcome.TestsRan {
		if outcome.Success {
			sample.TestsPassed = 1
		} else {
			sample.TestsFailed = 1
		}
	}

	if outcome.Success {
		if err := s.store.UpdateStatus(task.ID, taskstore.StatusDone); err != nil {
			return fmt.Errorf("failed to persist done status: %w", err)
		}
		s.bus.Emit(events.TypeTaskComplete, map[string]any{
			"title":    task.Title,
			"duration": time.Since(started).String(),
		}, events.EmitOptions{TaskID: string(task.ID), PRDID: s.cfg.PRDID})

		if _, err := s.checkpoints.Create(ctx, s.cfg.PRDID, s.cfg.PhaseID, checkpoint.TypeTaskCompletion); err != nil {
			log.Warnw("checkpoint creation failed", "task", task.ID, "error", err)
		}
		if err := s.recorder.RecordTask(sample); err != nil {
			return fmt.Errorf("failed to persist metrics: %w", err)
		}
		log.Infow("task complete", "task", task.ID)
		return nil
	}

	// Failure path: record the pattern and synthesize a fix task.
	var failFile string
	if len(task.TargetFiles) > 0 {
		failFile = task.TargetFiles[0]
	}
	if _, err := s.memory.Record(outcome.ErrorDescription, failFile, ""); err != nil {
		log.Warnw("pattern record failed", "error", err)
	}
	s.bus.Emit(events.TypeTaskFailed, map[string]any{
		"error": outcome.ErrorDescription,
	}, events.EmitOptions{Severity: events.SeverityWarn, TaskID: string(task.ID), PRDID: s.cfg.PRDID})

	if err := s.recorder.RecordTask(sample); err != nil {
		return fmt.Errorf("failed to persist metrics: %w", err)
	}

	// Release the task before accounting the failure: a task left
	// in-progress would be resumed ahead of everything else forever.
	// CreateFixTask overrides this with blocked when the cap is hit.
	if err := s.store.UpdateStatus(task.ID, taskstore.StatusPending); err != nil {
		return fmt.Errorf("failed to release failed task: %w", err)
	}

	fix, err := s.store.CreateFixTask(task.ID, outcome.ErrorDescription, outcome.TestOutput)
	if err != nil {
		return fmt.Errorf("failed to create fix task: %w", err)
	}
	if fix == nil {
		// Cap exceeded; the store has already marked the task blocked.
		s.bus.Emit(events.TypeTaskBlocked, map[string]any{
			"reason":     "retry cap exceeded",
			"retryCount": s.store.RetryCount(task.ID),
			"lastError":  outcome.ErrorDescription,
		}, events.EmitOptions{Severity: events.SeverityError, TaskID: string(task.ID), PRDID: s.cfg.PRDID})
		log.Warnw("task blocked", "task", task.ID, "retries", s.store.RetryCount(task.ID))
		return nil
	}
	log.Infow("fix task queued", "task", task.ID, "fix", fix.ID)
	return nil
}
