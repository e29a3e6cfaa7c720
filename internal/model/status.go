package model

import (
	"encoding/json"
	"strconv"
)

type StatusState string

// StatusInProgress exists for parsing completeness only: the control
// plane rejects IN_PROGRESS updates with empty details, so the agent
// reports terminal states exclusively.
const (
	StatusInProgress StatusState = "IN_PROGRESS"
	StatusSucceeded  StatusState = "SUCCEEDED"
	StatusFailed     StatusState = "FAILED"
)

// JobStatus is the terminal report published for a job. The control
// plane caps statusDetails at 10 keys and requires string values,
// which FormatStatusDetails guarantees by construction.
type JobStatus struct {
	State   StatusState       `json:"status"`
	Details map[string]string `json:"statusDetails,omitempty"`
}

func Succeeded(details map[string]string) JobStatus {
	return JobStatus{State: StatusSucceeded, Details: details}
}

func Failed(details map[string]string) JobStatus {
	return JobStatus{State: StatusFailed, Details: details}
}

// FailedStatus builds a failure report from a free-text reason, for
// jobs that never reached execution.
func FailedStatus(reason string) JobStatus {
	return Failed(map[string]string{"reason": reason})
}

type stepSummary struct {
	Name           string `json:"name"`
	ExitCode       int    `json:"exit_code"`
	TimeMS         int64  `json:"time_ms"`
	Stdout         string `json:"stdout,omitempty"`
	Stderr         string `json:"stderr,omitempty"`
	IgnoredFailure bool   `json:"ignored_failure,omitempty"`
}

// FormatStatusDetails flattens a result into the detail map. A single
// recorded step gets flat fields; more than one collapses into a
// compact JSON array under "steps" to stay within the key limit.
func FormatStatusDetails(result *JobExecutionResult, includeStdout bool) map[string]string {
	details := map[string]string{
		"steps_executed":  strconv.Itoa(len(result.Outputs)),
		"overall_success": strconv.FormatBool(result.OverallSuccess),
	}
	if result.FailedStep != "" {
		details["failed_step"] = result.FailedStep
	}
	if result.FailureReason != "" {
		details["reason"] = result.FailureReason
	}

	switch len(result.Outputs) {
	case 0:
	case 1:
		so := result.Outputs[0]
		details["step_name"] = so.StepName
		details["exit_code"] = strconv.Itoa(so.Output.ExitCode)
		details["execution_time_ms"] = strconv.FormatInt(so.Output.Duration.Milliseconds(), 10)
		if includeStdout && so.Output.Stdout != "" {
			details["stdout"] = so.Output.Stdout
		}
		if so.Output.Stderr != "" {
			details["stderr"] = so.Output.Stderr
		}
		if so.IgnoredFailure {
			details["ignored_failure"] = "true"
		}
	default:
		summaries := make([]stepSummary, 0, len(result.Outputs))
		for _, so := range result.Outputs {
			s := stepSummary{
				Name:     so.StepName,
				ExitCode: so.Output.ExitCode,
				TimeMS:   so.Output.Duration.Milliseconds(),
				Stderr:   so.Output.Stderr,
			}
			if includeStdout {
				s.Stdout = so.Output.Stdout
			}
			s.IgnoredFailure = so.IgnoredFailure
			summaries = append(summaries, s)
		}
		b, err := json.Marshal(summaries)
		if err != nil {
			b = []byte("[]")
		}
		details["steps"] = string(b)
	}
	return details
}
