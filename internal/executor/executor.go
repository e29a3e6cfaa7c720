// Package executor turns validated job documents into sequential
// process executions with per-step timeouts and bounded output.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetward/deviceops/internal/log"
	"github.com/fleetward/deviceops/internal/model"
	"github.com/fleetward/deviceops/internal/security"
)

// ErrElevation marks a step whose runAsUser could not be verified
// while the agent is configured to fail closed.
var ErrElevation = errors.New("privilege elevation not verified")

// TimeoutError reports a step killed for exceeding its time limit.
type TimeoutError struct {
	Limit time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s", e.Limit)
}

// Executor runs the steps of one job document in order. It owns the
// ignore/stop decision per step; the Runner owns a single process.
type Executor struct {
	cfg    model.Execution
	policy *security.Policy // nil when security is disabled
	runner Runner
	probe  elevationProbe
	logger *slog.Logger
}

func New(cfg model.Execution, policy *security.Policy, runner Runner, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:    cfg,
		policy: policy,
		runner: runner,
		probe:  probeElevation,
		logger: logger,
	}
}

// Execute runs every regular step in order, then the final step if all
// of them succeeded or had their failures ignored. Step failures are
// folded into the result; the returned error is reserved for
// infrastructure problems unrelated to step content.
func (e *Executor) Execute(ctx context.Context, doc *model.JobDocument) (*model.JobExecutionResult, error) {
	if doc == nil {
		return nil, errors.New("nil job document")
	}
	ctx = log.ContextAttrs(ctx, slog.String("run_id", uuid.NewString()))

	result := &model.JobExecutionResult{OverallSuccess: true}
	for _, step := range doc.Steps {
		if !e.runStep(ctx, step, result, false) {
			break
		}
	}

	if result.OverallSuccess && doc.FinalStep != nil {
		e.runStep(ctx, *doc.FinalStep, result, true)
	}

	return result, nil
}

// runStep executes one step and applies the failure policy. It
// reports whether the job should continue. Final steps are never
// ignorable.
func (e *Executor) runStep(ctx context.Context, step model.JobStep, result *model.JobExecutionResult, final bool) bool {
	action := step.Action
	ctx = log.ContextAttrs(ctx, slog.String("step", action.Name))

	output, err := e.executeStep(ctx, action)
	if err != nil {
		if !final && action.Ignorable() {
			e.logger.WarnContext(ctx, "step failed, failure ignored", "error", err)
			return true
		}
		e.logger.ErrorContext(ctx, "step failed", "error", err)
		result.OverallSuccess = false
		result.FailedStep = action.Name
		result.FailureReason = err.Error()
		return false
	}

	succeeded := output.ExitCode == 0 && output.StderrLines <= action.AllowedStderrLines()
	switch {
	case succeeded:
		result.Outputs = append(result.Outputs, model.StepOutput{StepName: action.Name, Output: output})
		return true
	case !final && action.Ignorable():
		result.Outputs = append(result.Outputs, model.StepOutput{StepName: action.Name, Output: output, IgnoredFailure: true})
		e.logger.WarnContext(ctx, "step failed, failure ignored",
			"exit_code", output.ExitCode, "stderr_lines", output.StderrLines)
		return true
	default:
		result.Outputs = append(result.Outputs, model.StepOutput{StepName: action.Name, Output: output})
		e.logger.ErrorContext(ctx, "step failed",
			"exit_code", output.ExitCode, "stderr_lines", output.StderrLines)
		result.OverallSuccess = false
		result.FailedStep = action.Name
		return false
	}
}

func (e *Executor) executeStep(ctx context.Context, action model.JobAction) (model.ExecutionOutput, error) {
	cmd := model.Command{Path: action.Input.Command, Args: action.Input.Args}

	if e.policy != nil {
		if err := e.policy.Validate(cmd); err != nil {
			return model.ExecutionOutput{}, err
		}
	}

	if action.RunAsUser != nil && *action.RunAsUser != "" {
		user := *action.RunAsUser
		if err := e.probe(ctx, user); err != nil {
			if e.cfg.RequireVerifiedElevation {
				return model.ExecutionOutput{}, fmt.Errorf("%w: %v", ErrElevation, err)
			}
			e.logger.WarnContext(ctx, "cannot verify elevation, running as current user",
				"user", user, "error", err)
		} else {
			cmd.RunAsUser = user
		}
	}

	timeout := e.stepTimeout(action)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := e.runner.Run(runCtx, cmd)
	if err == nil && output.ExitCode >= 0 {
		// a real exit code means the process finished before any kill;
		// its result stands even when the deadline expired underneath
		return output, nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return model.ExecutionOutput{}, TimeoutError{Limit: timeout}
	}
	if err != nil {
		return model.ExecutionOutput{}, fmt.Errorf("executing %q: %w", cmd.Path, err)
	}
	return output, nil
}

func (e *Executor) stepTimeout(action model.JobAction) time.Duration {
	if t := action.Input.Timeout; t != nil {
		return time.Duration(*t) * time.Second
	}
	return time.Duration(e.cfg.DefaultTimeout) * time.Second
}
