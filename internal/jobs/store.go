// Package jobs persists and executes deferred units of work. Jobs are the
// durable half of deferred notifications: a row survives restarts and is
// claimed by the runner once its due time passes.
package jobs

import (
	"context"
	"time"

	"github.com/civiclegal/referralflow/model"
)

// Store persists scheduled jobs. Implementations must be safe for
// concurrent use.
type Store interface {
	// Schedule creates a new SCHEDULED job due at the given time.
	Schedule(ctx context.Context, functionName string, args map[string]any, dueAt time.Time) (model.ScheduledJob, error)

	Get(ctx context.Context, id string) (model.ScheduledJob, error)

	// List returns jobs with the given status, oldest first. An empty
	// status returns everything.
	List(ctx context.Context, status string) ([]model.ScheduledJob, error)

	// Due returns SCHEDULED jobs whose due time has passed, ordered by due
	// time, capped at limit.
	Due(ctx context.Context, now time.Time, limit int) ([]model.ScheduledJob, error)

	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errorLog string) error

	// Requeue resets a FAILED or CANCELLED job to SCHEDULED so the next
	// runner tick picks it up.
	Requeue(ctx context.Context, id string) (model.ScheduledJob, error)

	// Cancel withdraws a SCHEDULED job before it runs.
	Cancel(ctx context.Context, id string) (model.ScheduledJob, error)
}
