package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"devloop/internal/checkpoint"
	"devloop/internal/events"
	"devloop/internal/fsutil"
	"devloop/internal/ipc"
	"devloop/internal/metrics"
	"devloop/internal/monitor"
	"devloop/internal/patterns"
	"devloop/internal/prd"
	"devloop/internal/scheduler"
	"devloop/internal/taskstore"
	"devloop/internal/validation"
)

const eventExportInterval = 2 * time.Second

var (
	flagPRD      string
	flagPhase    string
	flagChild    string
	flagTest     string
	flagSet      string
	flagCompiler string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive one PRD (or a dependency-ordered set) to completion",
	Long: `Runs the scheduling loop: pending tasks are dispatched one at a
time to the child agent, proposed change-sets are validated and applied,
tests gate every completion, and failures synthesize fix tasks until the
retry budget is exhausted.

With --set, a YAML file listing multiple PRDs is executed as a set:
each PRD gets its own task store and session, and declared dependencies
order the runs.`,
	RunE: runLoop,
}

func init() {
	runCmd.Flags().StringVar(&flagPRD, "prd", "main", "PRD identifier")
	runCmd.Flags().StringVar(&flagPhase, "phase", "", "phase identifier")
	runCmd.Flags().StringVar(&flagChild, "child", "", "shell command that launches the child agent (required)")
	runCmd.Flags().StringVar(&flagTest, "test", "", "test command (overrides config)")
	runCmd.Flags().StringVar(&flagSet, "set", "", "YAML file describing a PRD set")
	runCmd.Flags().StringVar(&flagCompiler, "compiler", "", "external compiler check command")
}

func runLoop(cmd *cobra.Command, args []string) error {
	if flagChild == "" {
		return fmt.Errorf("--child is required")
	}
	testCommand := cfg.TestCommand
	if flagTest != "" {
		testCommand = flagTest
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workDir, err := os.Getwd()
	if err != nil {
		return err
	}

	bus := events.NewBus(0)
	pool := ipc.NewPool()
	defer pool.Close()
	sessions := ipc.NewSessionManager(
		time.Duration(cfg.SessionManagement.MaxSessionAgeMs)*time.Millisecond,
		cfg.SessionManagement.MaxHistoryItems)
	recorder := metrics.NewRecorder(cfg.Metrics.Path, "set")
	checkpoints := checkpoint.NewRecorder(filepath.Join(cfg.StateDir, "checkpoints.json"), workDir)

	memory, err := patterns.NewMemory(filepath.Join(cfg.StateDir, "patterns.json"))
	if err != nil {
		return fmt.Errorf("failed to load pattern memory: %w", err)
	}
	gate := validation.NewGate(validation.Options{
		Root:        workDir,
		IgnoreGlobs: cfg.Codebase.IgnoreGlobs,
		CompilerCmd: flagCompiler,
		Bus:         bus,
	})

	loop := monitor.NewLoop(monitor.Options{
		Bus:         bus,
		Config:      cfg.Monitor,
		HistoryPath: filepath.Join(cfg.StateDir, "interventions.json"),
	})
	go func() { _ = loop.Run(ctx) }()
	go exportEvents(ctx, bus, filepath.Join(cfg.StateDir, "events.json"))

	runOne := func(ctx context.Context, doc prd.PRD) error {
		tasksPath := doc.TasksPath
		if tasksPath == "" {
			tasksPath = cfg.TaskMaster.TasksPath
		}
		store, err := taskstore.NewStore(tasksPath, taskstore.Options{
			MaxRetries:        cfg.MaxRetries,
			ErrorPathPatterns: cfg.Framework.ErrorPathPatterns,
			ErrorGuidance:     cfg.Framework.ErrorGuidance,
		})
		if err != nil {
			return err
		}
		go func() { _ = store.Watch(ctx, bus) }()

		phaseID := flagPhase
		if phaseID == "" && len(doc.Phases) > 0 {
			phaseID = doc.Phases[0].ID
		}
		sched := scheduler.New(scheduler.Config{
			WorkDir:        workDir,
			PRDID:          doc.ID,
			PhaseID:        phaseID,
			ChildCommand:   flagChild,
			TestCommand:    testCommand,
			Debug:          cfg.Debug,
			PreTestHooks:   cfg.Hooks.PreTest,
			PostApplyHooks: cfg.Hooks.PostApply,
		}, store, memory, gate, bus, recorder, checkpoints, sessions, pool)
		return sched.Run(ctx)
	}

	if flagSet != "" {
		docs, err := loadSet(flagSet)
		if err != nil {
			return err
		}
		runner, err := prd.NewSetRunner(docs, runOne)
		if err != nil {
			return err
		}
		err = runner.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	err = runOne(ctx, prd.PRD{ID: flagPRD, TasksPath: cfg.TaskMaster.TasksPath})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loadSet parses the PRD-set YAML produced by the external parser.
func loadSet(path string) ([]prd.PRD, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prd set %s: %w", path, err)
	}
	var set struct {
		PRDs []prd.PRD `yaml:"prds"`
	}
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse prd set %s: %w", path, err)
	}
	if len(set.PRDs) == 0 {
		return nil, fmt.Errorf("prd set %s lists no prds", path)
	}
	return set.PRDs, nil
}

// exportEvents periodically snapshots the bus to a JSON file so the
// `events` command can follow a running loop from another process.
func exportEvents(ctx context.Context, bus *events.Bus, path string) {
	ticker := time.NewTicker(eventExportInterval)
	defer ticker.Stop()
	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if bus.LastID() == last {
				continue
			}
			snapshot := bus.Poll(events.PollOptions{Limit: events.DefaultCapacity})
			data, err := json.MarshalIndent(snapshot, "", "  ")
			if err != nil {
				continue
			}
			_ = fsutil.WriteFileAtomic(path, data, nil)
			last = bus.LastID()
		}
	}
}
