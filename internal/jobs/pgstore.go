package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/civiclegal/referralflow/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Job arguments are kept
// as jsonb so tooling can inspect them.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL job store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const jobColumns = `id, function_name, args, due_at, status, error_log, created_at`

// Schedule creates a new SCHEDULED job due at the given time.
func (s *PgStore) Schedule(ctx context.Context, functionName string, args map[string]any, dueAt time.Time) (model.ScheduledJob, error) {
	job := model.ScheduledJob{
		ID:           uuid.New().String(),
		FunctionName: functionName,
		Args:         args,
		DueAt:        dueAt,
		Status:       model.JobStatusScheduled,
		CreatedAt:    time.Now().UTC(),
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return model.ScheduledJob{}, fmt.Errorf("marshal job args: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO scheduled_jobs (
			id, function_name, args, due_at, status, error_log, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.FunctionName, argsJSON, job.DueAt, job.Status, job.ErrorLog, job.CreatedAt,
	)
	if err != nil {
		return model.ScheduledJob{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// Get retrieves a job by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.ScheduledJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ScheduledJob{}, model.NewNotFoundError(
			fmt.Sprintf("job %q not found", id),
		)
	}
	if err != nil {
		return model.ScheduledJob{}, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// List returns jobs with the given status, oldest first.
func (s *PgStore) List(ctx context.Context, status string) ([]model.ScheduledJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	return s.queryJobs(ctx, query, args...)
}

// Due returns SCHEDULED jobs whose due time has passed, ordered by due time.
func (s *PgStore) Due(ctx context.Context, now time.Time, limit int) ([]model.ScheduledJob, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE status = $1 AND due_at <= $2
		ORDER BY due_at ASC
		LIMIT $3`,
		model.JobStatusScheduled, now, limit,
	)
}

// MarkDelivered resolves a job as executed.
func (s *PgStore) MarkDelivered(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, model.JobStatusDelivered, "")
}

// MarkFailed resolves a job as failed with the given error log.
func (s *PgStore) MarkFailed(ctx context.Context, id, errorLog string) error {
	return s.setStatus(ctx, id, model.JobStatusFailed, errorLog)
}

// Requeue resets a FAILED or CANCELLED job to SCHEDULED. The status guard
// runs inside the UPDATE so concurrent requeues cannot double-reset.
func (s *PgStore) Requeue(ctx context.Context, id string) (model.ScheduledJob, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs SET status = $1, error_log = ''
		WHERE id = $2 AND status IN ($3, $4)`,
		model.JobStatusScheduled, id, model.JobStatusFailed, model.JobStatusCancelled,
	)
	if err != nil {
		return model.ScheduledJob{}, fmt.Errorf("requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		job, getErr := s.Get(ctx, id)
		if getErr != nil {
			return model.ScheduledJob{}, getErr
		}
		return model.ScheduledJob{}, model.NewConflictError(
			fmt.Sprintf("job %q is %s, only FAILED or CANCELLED jobs can be requeued", id, job.Status),
		)
	}
	return s.Get(ctx, id)
}

// Cancel withdraws a SCHEDULED job.
func (s *PgStore) Cancel(ctx context.Context, id string) (model.ScheduledJob, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs SET status = $1
		WHERE id = $2 AND status = $3`,
		model.JobStatusCancelled, id, model.JobStatusScheduled,
	)
	if err != nil {
		return model.ScheduledJob{}, fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		job, getErr := s.Get(ctx, id)
		if getErr != nil {
			return model.ScheduledJob{}, getErr
		}
		return model.ScheduledJob{}, model.NewConflictError(
			fmt.Sprintf("job %q is %s, only SCHEDULED jobs can be cancelled", id, job.Status),
		)
	}
	return s.Get(ctx, id)
}

// HealthCheck verifies database connectivity.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) setStatus(ctx context.Context, id, status, errorLog string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_jobs SET status = $1, error_log = $2 WHERE id = $3`,
		status, errorLog, id,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("job %q not found", id),
		)
	}
	return nil
}

func (s *PgStore) queryJobs(ctx context.Context, query string, args ...any) ([]model.ScheduledJob, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []model.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (model.ScheduledJob, error) {
	var (
		job      model.ScheduledJob
		argsJSON []byte
	)
	err := row.Scan(&job.ID, &job.FunctionName, &argsJSON, &job.DueAt, &job.Status, &job.ErrorLog, &job.CreatedAt)
	if err != nil {
		return model.ScheduledJob{}, err
	}
	if len(argsJSON) > 0 {
		if err := json.Unmarshal(argsJSON, &job.Args); err != nil {
			return model.ScheduledJob{}, fmt.Errorf("unmarshal job args: %w", err)
		}
	}
	return job, nil
}
