package model

import (
	"encoding/json"
	"time"
)

// Job document and notification wire types. Field names follow the
// jobs control plane casing, unknown fields are tolerated.

type JobNotification struct {
	Timestamp *int64        `json:"timestamp,omitempty"`
	Execution *JobExecution `json:"execution,omitempty"`
}

type JobExecution struct {
	JobID       string      `json:"jobId"`
	Status      string      `json:"status"`
	QueuedAt    *int64      `json:"queuedAt,omitempty"`
	JobDocument JobDocument `json:"jobDocument"`
}

type JobDocument struct {
	Version       string    `json:"version"`
	Steps         []JobStep `json:"steps"`
	FinalStep     *JobStep  `json:"finalStep,omitempty"`
	IncludeStdOut *bool     `json:"includeStdOut,omitempty"`
}

// WantsStdout reports whether captured stdout belongs in the status report.
func (d JobDocument) WantsStdout() bool {
	return d.IncludeStdOut != nil && *d.IncludeStdOut
}

type JobStep struct {
	Action JobAction `json:"action"`
}

type JobAction struct {
	Name              string   `json:"name"`
	Type              string   `json:"type"`
	Input             JobInput `json:"input"`
	RunAsUser         *string  `json:"runAsUser,omitempty"`
	IgnoreStepFailure *bool    `json:"ignoreStepFailure,omitempty"`
	AllowStdErr       *int     `json:"allowStdErr,omitempty"`
}

// Ignorable reports whether a failure of this step lets the job continue.
func (a JobAction) Ignorable() bool {
	return a.IgnoreStepFailure != nil && *a.IgnoreStepFailure
}

// AllowedStderrLines is how many stderr lines a step may produce and
// still count as successful. Zero unless allowStdErr is set.
func (a JobAction) AllowedStderrLines() int {
	if a.AllowStdErr == nil {
		return 0
	}
	return *a.AllowStdErr
}

type JobInput struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Timeout *uint64  `json:"timeout,omitempty"` // seconds
}

// Job is a notification reduced to what the agent acts on.
type Job struct {
	ID       string
	Document JobDocument
}

// Command is a single resolved invocation handed to a Runner.
type Command struct {
	Path      string
	Args      []string
	RunAsUser string
}

// ExecutionOutput is the captured outcome of one process run.
type ExecutionOutput struct {
	Stdout          string
	Stderr          string
	ExitCode        int
	Duration        time.Duration
	StderrLines     int
	StdoutTruncated bool
	StderrTruncated bool
}

type StepOutput struct {
	StepName       string
	Output         ExecutionOutput
	IgnoredFailure bool
}

type JobExecutionResult struct {
	Outputs        []StepOutput
	OverallSuccess bool
	FailedStep     string

	// FailureReason holds the error text when the failing step never
	// produced an evaluable output (policy rejection, spawn failure,
	// timeout). Empty for ordinary exit-code failures, where the
	// recorded output tells the story.
	FailureReason string
}

// JobEvent is one inbound notification outcome, exactly one branch set.
type JobEvent struct {
	Job       *Job
	Malformed *MalformedJob
}

// MalformedJob names a notification that did not decode but still
// carries a job ID a failure can be reported against.
type MalformedJob struct {
	JobID  string
	Reason string
}

// ParseJobNotification decodes a notification payload. The second
// return is false when there is nothing to act on: an empty
// notification (no execution, the queue drained), an execution without
// a job ID, or garbage without a recoverable job ID.
func ParseJobNotification(payload []byte) (JobEvent, bool) {
	var n JobNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		if id := recoverJobID(payload); id != "" {
			return JobEvent{Malformed: &MalformedJob{JobID: id, Reason: err.Error()}}, true
		}
		return JobEvent{}, false
	}
	if n.Execution == nil || n.Execution.JobID == "" {
		return JobEvent{}, false
	}
	return JobEvent{Job: &Job{ID: n.Execution.JobID, Document: n.Execution.JobDocument}}, true
}

func recoverJobID(payload []byte) string {
	var probe struct {
		Execution struct {
			JobID string `json:"jobId"`
		} `json:"execution"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.Execution.JobID
}
