package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civiclegal/referralflow/model"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]model.ScheduledJob
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]model.ScheduledJob)}
}

// Schedule creates a new SCHEDULED job due at the given time.
func (s *MemoryStore) Schedule(_ context.Context, functionName string, args map[string]any, dueAt time.Time) (model.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := model.ScheduledJob{
		ID:           uuid.New().String(),
		FunctionName: functionName,
		Args:         args,
		DueAt:        dueAt,
		Status:       model.JobStatusScheduled,
		CreatedAt:    time.Now().UTC(),
	}
	s.jobs[job.ID] = job
	return job, nil
}

// Get retrieves a job by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return model.ScheduledJob{}, model.NewNotFoundError(
			fmt.Sprintf("job %q not found", id),
		)
	}
	return job, nil
}

// List returns jobs with the given status, oldest first.
func (s *MemoryStore) List(_ context.Context, status string) ([]model.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ScheduledJob
	for _, job := range s.jobs {
		if status == "" || job.Status == status {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Due returns SCHEDULED jobs whose due time has passed, ordered by due time.
func (s *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]model.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ScheduledJob
	for _, job := range s.jobs {
		if job.Status == model.JobStatusScheduled && !job.DueAt.After(now) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkDelivered resolves a job as executed.
func (s *MemoryStore) MarkDelivered(_ context.Context, id string) error {
	return s.setStatus(id, model.JobStatusDelivered, "")
}

// MarkFailed resolves a job as failed with the given error log.
func (s *MemoryStore) MarkFailed(_ context.Context, id, errorLog string) error {
	return s.setStatus(id, model.JobStatusFailed, errorLog)
}

// Requeue resets a FAILED or CANCELLED job to SCHEDULED.
func (s *MemoryStore) Requeue(_ context.Context, id string) (model.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return model.ScheduledJob{}, model.NewNotFoundError(
			fmt.Sprintf("job %q not found", id),
		)
	}
	if job.Status != model.JobStatusFailed && job.Status != model.JobStatusCancelled {
		return model.ScheduledJob{}, model.NewConflictError(
			fmt.Sprintf("job %q is %s, only FAILED or CANCELLED jobs can be requeued", id, job.Status),
		)
	}
	job.Status = model.JobStatusScheduled
	job.ErrorLog = ""
	s.jobs[id] = job
	return job, nil
}

// Cancel withdraws a SCHEDULED job.
func (s *MemoryStore) Cancel(_ context.Context, id string) (model.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return model.ScheduledJob{}, model.NewNotFoundError(
			fmt.Sprintf("job %q not found", id),
		)
	}
	if job.Status != model.JobStatusScheduled {
		return model.ScheduledJob{}, model.NewConflictError(
			fmt.Sprintf("job %q is %s, only SCHEDULED jobs can be cancelled", id, job.Status),
		)
	}
	job.Status = model.JobStatusCancelled
	s.jobs[id] = job
	return job, nil
}

func (s *MemoryStore) setStatus(id, status, errorLog string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("job %q not found", id),
		)
	}
	job.Status = status
	job.ErrorLog = errorLog
	s.jobs[id] = job
	return nil
}

// HealthCheck reports the store as available.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}
