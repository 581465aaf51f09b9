package scheduler

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"devloop/internal/logging"
)

// hookTimeout bounds each individual hook command.
const hookTimeout = 60 * time.Second

// runTests executes pre-test hooks and the external test command in the
// working directory, classifying the merged output. A missing test command
// counts as success without tests.
func (s *Scheduler) runTests(ctx context.Context) Outcome {
	log := logging.Get(logging.CategoryScheduler)

	if err := s.runHooks(ctx, s.cfg.PreTestHooks); err != nil {
		return failure(fmt.Sprintf("pre-test hook failed: %v", err))
	}
	if s.cfg.TestCommand == "" {
		log.Debugw("no test command configured, skipping test step")
		return Outcome{Success: true}
	}

	tctx, cancel := context.WithTimeout(ctx, s.cfg.TestTimeout)
	defer cancel()
	cmd := exec.CommandContext(tctx, "sh", "-c", s.cfg.TestCommand)
	cmd.Dir = s.cfg.WorkDir
	out, err := cmd.CombinedOutput()
	output := string(out)

	if tctx.Err() == context.DeadlineExceeded {
		return Outcome{
			ErrorDescription: fmt.Sprintf("test command timed out after %s", s.cfg.TestTimeout),
			TestOutput:       output,
			TestsRan:         true,
		}
	}
	if err != nil {
		log.Debugw("tests failed", "error", err)
		return Outcome{
			ErrorDescription: "tests failed",
			TestOutput:       output,
			TestsRan:         true,
		}
	}
	return Outcome{Success: true, TestOutput: output, TestsRan: true}
}

// runHooks executes each hook command sequentially, stopping on the first
// failure.
func (s *Scheduler) runHooks(ctx context.Context, hooks []string) error {
	for _, hook := range hooks {
		hctx, cancel := context.WithTimeout(ctx, hookTimeout)
		cmd := exec.CommandContext(hctx, "sh", "-c", hook)
		cmd.Dir = s.cfg.WorkDir
		out, err := cmd.CombinedOutput()
		cancel()
		if err != nil {
			return fmt.Errorf("hook %q: %w (output: %s)", hook, err, tailBytes(out, 500))
		}
	}
	return nil
}

func tailBytes(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
