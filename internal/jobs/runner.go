package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/civiclegal/referralflow/internal/observability"
	"github.com/civiclegal/referralflow/model"
)

// HandlerFunc executes one job. A nil return marks the job DELIVERED, an
// error marks it FAILED with the error text in the job's log.
type HandlerFunc func(ctx context.Context, args map[string]any) error

// Runner claims due jobs and executes them through registered handlers.
type Runner struct {
	store      Store
	handlers   map[string]HandlerFunc
	claimLimit int
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// NewRunner creates a runner. claimLimit caps how many jobs one tick
// executes.
func NewRunner(store Store, claimLimit int, logger *zap.Logger, metrics *observability.Metrics) *Runner {
	if claimLimit < 1 {
		claimLimit = 100
	}
	return &Runner{
		store:      store,
		handlers:   make(map[string]HandlerFunc),
		claimLimit: claimLimit,
		logger:     logger,
		metrics:    metrics,
	}
}

// Register binds a handler to a job function name. Registration happens at
// startup, before the runner ticks; it is not safe to call concurrently
// with RunDue.
func (r *Runner) Register(functionName string, fn HandlerFunc) {
	r.handlers[functionName] = fn
}

// RunReport summarizes one runner tick.
type RunReport struct {
	Claimed   int `json:"claimed"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// RunDue executes every due job in order. Handler failures resolve the job
// and continue; only claiming itself can abort the tick.
func (r *Runner) RunDue(ctx context.Context, now time.Time) (RunReport, error) {
	var report RunReport

	due, err := r.store.Due(ctx, now, r.claimLimit)
	if err != nil {
		return report, err
	}
	report.Claimed = len(due)

	for _, job := range due {
		if err := r.runOne(ctx, job); err != nil {
			report.Failed++
			r.metrics.RecordJobExecuted(job.FunctionName, model.JobStatusFailed)
			r.logger.Warn("job failed",
				zap.String("job_id", job.ID),
				zap.String("function", job.FunctionName),
				zap.Error(err),
			)
			if markErr := r.store.MarkFailed(ctx, job.ID, err.Error()); markErr != nil {
				r.logger.Error("failed to record job failure",
					zap.String("job_id", job.ID),
					zap.Error(markErr),
				)
			}
			continue
		}

		report.Delivered++
		r.metrics.RecordJobExecuted(job.FunctionName, model.JobStatusDelivered)
		if markErr := r.store.MarkDelivered(ctx, job.ID); markErr != nil {
			r.logger.Error("failed to record job delivery",
				zap.String("job_id", job.ID),
				zap.Error(markErr),
			)
		}
	}

	if report.Claimed > 0 {
		r.logger.Info("job runner tick finished",
			zap.Int("claimed", report.Claimed),
			zap.Int("delivered", report.Delivered),
			zap.Int("failed", report.Failed),
		)
	}
	return report, nil
}

func (r *Runner) runOne(ctx context.Context, job model.ScheduledJob) error {
	handler, ok := r.handlers[job.FunctionName]
	if !ok {
		return model.NewJobExecutionError(
			fmt.Sprintf("no handler registered for %q", job.FunctionName),
		)
	}
	return handler(ctx, job.Args)
}

// Requeue resets a FAILED or CANCELLED job so the next tick retries it.
func (r *Runner) Requeue(ctx context.Context, id string) (model.ScheduledJob, error) {
	job, err := r.store.Requeue(ctx, id)
	if err != nil {
		return model.ScheduledJob{}, err
	}
	r.logger.Info("job requeued",
		zap.String("job_id", job.ID),
		zap.String("function", job.FunctionName),
	)
	return job, nil
}

// Cancel withdraws a SCHEDULED job before it runs.
func (r *Runner) Cancel(ctx context.Context, id string) (model.ScheduledJob, error) {
	job, err := r.store.Cancel(ctx, id)
	if err != nil {
		return model.ScheduledJob{}, err
	}
	r.logger.Info("job cancelled",
		zap.String("job_id", job.ID),
		zap.String("function", job.FunctionName),
	)
	return job, nil
}
