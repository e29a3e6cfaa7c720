// Package agent contains the event loop tying the job channel to the
// executor: it dedups notifications, validates documents, runs them
// and reports terminal status back.
package agent

import (
	"context"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/fleetward/deviceops/internal/executor"
	"github.com/fleetward/deviceops/internal/log"
	"github.com/fleetward/deviceops/internal/model"
	"github.com/fleetward/deviceops/internal/security"
)

// Conn is the outbound messaging surface the handler drives.
// transport.Client implements it.
type Conn interface {
	UpdateStatus(ctx context.Context, jobID string, status model.JobStatus) error
	RequestNextJob(ctx context.Context) error
}

// Subscription exposes the inbound channels of an active job
// subscription. Both channels close when the subscription closes.
// transport.Subscription implements it.
type Subscription interface {
	Jobs() <-chan model.JobEvent
	Reconnects() <-chan struct{}
	Close()
}

// Handler runs jobs one at a time in arrival order. Notifications
// arriving while a job runs queue up on the subscription channel.
type Handler struct {
	conn     Conn
	sub      Subscription
	executor *executor.Executor
	seen     *ledger
	pollExpr string
	poll     chan struct{}
	logger   *slog.Logger
}

func NewHandler(conn Conn, sub Subscription, exec *executor.Executor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		conn:     conn,
		sub:      sub,
		executor: exec,
		seen:     newLedger(ledgerLimit),
		poll:     make(chan struct{}, 1),
		logger:   logger,
	}
}

// WithPollSchedule makes Run ask for a queued job on the given
// schedule, in addition to the poll sent on every (re)connect.
func (h *Handler) WithPollSchedule(expr string) *Handler {
	h.pollExpr = expr
	return h
}

// Run drives the agent event loop. It multiplexes four concerns:
//  1. Job notifications arriving on the subscription.
//  2. Reconnect signals, each answered with a poll for queued jobs.
//  3. Scheduled polls, when a poll schedule is configured.
//  4. Context cancellation, which terminates the loop.
//
// Run returns nil on cancellation or when the subscription channels
// close underneath it.
func (h *Handler) Run(ctx context.Context) error {
	defer h.sub.Close()

	if h.pollExpr != "" {
		scheduler, err := newPollScheduler(ctx, h.pollExpr, func() {
			select {
			case h.poll <- struct{}{}:
			default:
			}
		}, h.logger)
		if err != nil {
			return err
		}
		scheduler.Start()
		defer h.shutdownScheduler(ctx, scheduler)
	}

	// pick up any job queued while the device was offline
	h.requestNext(ctx)

	jobs := h.sub.Jobs()
	reconnects := h.sub.Reconnects()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-jobs:
			if !ok {
				jobs = nil
				if reconnects == nil {
					return nil
				}
				continue
			}
			h.handleEvent(ctx, ev)
		case _, ok := <-reconnects:
			if !ok {
				reconnects = nil
				if jobs == nil {
					return nil
				}
				continue
			}
			h.logger.InfoContext(ctx, "connection established, checking for queued jobs")
			h.requestNext(ctx)
		case <-h.poll:
			h.requestNext(ctx)
		}
	}
}

func (h *Handler) shutdownScheduler(ctx context.Context, scheduler gocron.Scheduler) {
	if err := scheduler.Shutdown(); err != nil {
		h.logger.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
}

func (h *Handler) handleEvent(ctx context.Context, ev model.JobEvent) {
	switch {
	case ev.Malformed != nil:
		h.handleMalformed(ctx, *ev.Malformed)
	case ev.Job != nil:
		h.handleJob(ctx, *ev.Job)
	}
}

func (h *Handler) handleJob(ctx context.Context, job model.Job) {
	ctx = log.ContextAttrs(ctx, slog.String("job_id", job.ID))
	if !h.seen.MarkSeen(job.ID) {
		h.logger.InfoContext(ctx, "job already handled, skipping duplicate")
		return
	}
	h.logger.InfoContext(ctx, "job received")

	if err := security.ValidateDocument(&job.Document); err != nil {
		h.logger.ErrorContext(ctx, "job document rejected", "error", err)
		h.finish(ctx, job.ID, model.FailedStatus(err.Error()))
		return
	}

	result, err := h.executor.Execute(ctx, &job.Document)
	if err != nil {
		h.logger.ErrorContext(ctx, "job execution failed", "error", err)
		h.finish(ctx, job.ID, model.FailedStatus(err.Error()))
		return
	}

	details := model.FormatStatusDetails(result, job.Document.WantsStdout())
	status := model.Failed(details)
	if result.OverallSuccess {
		status = model.Succeeded(details)
	}
	h.logger.InfoContext(ctx, "job finished", "status", string(status.State))
	h.finish(ctx, job.ID, status)
}

func (h *Handler) handleMalformed(ctx context.Context, bad model.MalformedJob) {
	ctx = log.ContextAttrs(ctx, slog.String("job_id", bad.JobID))
	if !h.seen.MarkSeen(bad.JobID) {
		h.logger.InfoContext(ctx, "job already handled, skipping duplicate")
		return
	}
	h.logger.ErrorContext(ctx, "job document cannot be parsed", "reason", bad.Reason)
	h.finish(ctx, bad.JobID, model.FailedStatus("parsing job notification: "+bad.Reason))
}

// finish reports the terminal status and immediately asks for the next
// queued job. Reporting failures are logged, not retried: QoS handles
// redelivery on the broker side and the job is already in the ledger.
func (h *Handler) finish(ctx context.Context, jobID string, status model.JobStatus) {
	if err := h.conn.UpdateStatus(ctx, jobID, status); err != nil {
		h.logger.ErrorContext(ctx, "reporting job status failed", "error", err)
	}
	h.requestNext(ctx)
}

func (h *Handler) requestNext(ctx context.Context) {
	if err := h.conn.RequestNextJob(ctx); err != nil {
		h.logger.WarnContext(ctx, "requesting next job failed", "error", err)
	}
}
