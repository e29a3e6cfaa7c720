package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/fleetward/deviceops/internal/model"
)

// newPollScheduler builds a scheduler invoking pollFunc on the given
// schedule. The expression is either an ISO 8601 duration (PT15M) or a
// 5 field cron expression, including the @hourly and @every macros.
func newPollScheduler(ctx context.Context, expr string, pollFunc func(), logger *slog.Logger) (gocron.Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var def gocron.JobDefinition
	if strings.HasPrefix(expr, "P") {
		d, err := model.ParseISODuration(expr)
		if err != nil {
			return nil, fmt.Errorf("parsing service.pollSchedule: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("parsing service.pollSchedule: %s is not a positive duration", expr)
		}
		def = gocron.DurationJob(d)
		logger.DebugContext(ctx, "successfully parsed", "duration", d.String())
	} else {
		interval, err := model.ParseCron(expr)
		if err != nil {
			return nil, fmt.Errorf("parsing service.pollSchedule: %w", err)
		}
		def = gocron.CronJob(expr, false)
		logger.DebugContext(ctx, "successfully parsed", "cron", expr, "interval", interval.String())
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(def, gocron.NewTask(pollFunc))
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
