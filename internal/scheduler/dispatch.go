package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/uuid"

	"devloop/internal/logging"
	"devloop/internal/protocol"
	"devloop/internal/taskstore"
)

// Outcome classifies one task attempt.
type Outcome struct {
	Success          bool
	ErrorDescription string
	TestOutput       string
	TestsRan         bool
	TokensIn         int64
	TokensOut        int64
}

func failure(desc string) Outcome { return Outcome{ErrorDescription: desc} }

// withUsage copies the terminal message's token counts onto the outcome.
func withUsage(out Outcome, msg *protocol.Message) Outcome {
	out.TokensIn = msg.TokensIn
	out.TokensOut = msg.TokensOut
	return out
}

// dispatch launches the child for one task, awaits its terminal message,
// validates and applies any proposed change-set, runs the external tests,
// and classifies the result.
func (s *Scheduler) dispatch(ctx context.Context, task taskstore.Task, guidance string) Outcome {
	requestID := uuid.NewString()

	prompt := buildPrompt(task, guidance)
	if !s.sessions.BeginRequest(s.session.ID, requestID, prompt) {
		return failure("session already has a request in flight")
	}

	child, err := s.launchChild(ctx, requestID, prompt)
	if err != nil {
		s.sessions.EndRequest(s.session.ID, requestID, "", err.Error(), false)
		return failure(fmt.Sprintf("failed to launch child agent: %v", err))
	}
	defer reapChild(child)

	msg := s.server.WaitForResult(requestID, s.cfg.ResultTimeout)
	if msg == nil {
		s.sessions.EndRequest(s.session.ID, requestID, "", "timeout", false)
		return failure("timeout waiting for child result")
	}

	switch msg.Type {
	case protocol.MessageError:
		s.sessions.EndRequest(s.session.ID, requestID, "", msg.Error, false)
		return withUsage(failure(msg.Error), msg)

	case protocol.MessageComplete:
		s.sessions.EndRequest(s.session.ID, requestID, msg.Summary, "", false)
		if msg.Success != nil && !*msg.Success {
			desc := msg.Summary
			if desc == "" {
				desc = "child reported failure"
			}
			return withUsage(failure(desc), msg)
		}
		// No change-set proposed; tests still gate completion.
		return withUsage(s.runTests(ctx), msg)

	case protocol.MessageCodeChanges:
		s.sessions.EndRequest(s.session.ID, requestID, msg.Summary, "", false)
		return withUsage(s.applyAndTest(ctx, task, msg.Changes), msg)

	default:
		s.sessions.EndRequest(s.session.ID, requestID, "", "unexpected terminal type", true)
		return failure(fmt.Sprintf("unexpected terminal message type %q", msg.Type))
	}
}

// applyAndTest validates the change-set against the task's target files,
// applies it, runs post-apply hooks and the external test command.
func (s *Scheduler) applyAndTest(ctx context.Context, task taskstore.Task, cs *protocol.ChangeSet) Outcome {
	log := logging.Get(logging.CategoryScheduler)

	// An empty operations list is a no-op success, not a failure.
	if cs.Empty() {
		log.Debugw("empty change-set, treating as no-op", "task", task.ID)
		return s.runTests(ctx)
	}

	result := s.gate.Validate(cs, task.TargetFiles)
	if compErr := s.gate.CompilerCheck(ctx); compErr != nil {
		result.Errors = append(result.Errors, *compErr)
		result.Valid = false
	}
	if !result.Valid {
		return failure("validation failed:\n" + result.Summary())
	}

	if err := s.apply(cs); err != nil {
		return failure(fmt.Sprintf("failed to apply change-set: %v", err))
	}
	if err := s.runHooks(ctx, s.cfg.PostApplyHooks); err != nil {
		return failure(fmt.Sprintf("post-apply hook failed: %v", err))
	}
	return s.runTests(ctx)
}

// buildPrompt renders the task with pattern guidance appended.
func buildPrompt(task taskstore.Task, guidance string) string {
	prompt := task.Title
	if task.Description != "" {
		prompt += "\n\n" + task.Description
	}
	if len(task.TargetFiles) > 0 {
		prompt += "\n\nTarget files:"
		for _, f := range task.TargetFiles {
			prompt += "\n- " + f
		}
	}
	if guidance != "" {
		prompt += "\n\n" + guidance
	}
	return prompt
}

// launchChild starts the external agent with the IPC environment set.
func (s *Scheduler) launchChild(ctx context.Context, requestID, prompt string) (*exec.Cmd, error) {
	if s.cfg.ChildCommand == "" {
		return nil, fmt.Errorf("no child command configured")
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", s.cfg.ChildCommand)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = append(os.Environ(),
		"DEVLOOP_IPC_SOCKET="+s.server.Path(),
		"DEVLOOP_SESSION_ID="+s.session.ID,
		"DEVLOOP_REQUEST_ID="+requestID,
		fmt.Sprintf("DEVLOOP_DEBUG=%t", s.cfg.Debug),
		"DEVLOOP_PROMPT="+prompt,
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start child: %w", err)
	}
	logging.Get(logging.CategoryScheduler).Debugw("child launched",
		"pid", cmd.Process.Pid, "request", requestID)
	return cmd, nil
}

// reapChild waits for the child in the background so it never zombies.
func reapChild(cmd *exec.Cmd) {
	go func() {
		if err := cmd.Wait(); err != nil {
			logging.Get(logging.CategoryScheduler).Debugw("child exited with error", "error", err)
		}
	}()
}
