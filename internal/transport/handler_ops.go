package transport

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/civiclegal/referralflow/internal/jobs"
	"github.com/civiclegal/referralflow/internal/notify"
	"github.com/civiclegal/referralflow/internal/sweeplock"
	"github.com/civiclegal/referralflow/model"
)

// Lease names shared with the background tickers so a manual trigger and a
// scheduled tick never run the same work concurrently.
const (
	SweepLease  = "sweep"
	RunnerLease = "jobs"
)

// OpsHandler exposes the operational surface: manual sweep and job-runner
// triggers plus scheduled-job inspection.
type OpsHandler struct {
	sweeper  *notify.Sweeper
	runner   *jobs.Runner
	jobStore jobs.Store
	lock     sweeplock.Lock
	lockTTL  time.Duration
	logger   *zap.Logger
}

func NewOpsHandler(sweeper *notify.Sweeper, runner *jobs.Runner, jobStore jobs.Store, lock sweeplock.Lock, lockTTL time.Duration, logger *zap.Logger) *OpsHandler {
	return &OpsHandler{
		sweeper:  sweeper,
		runner:   runner,
		jobStore: jobStore,
		lock:     lock,
		lockTTL:  lockTTL,
		logger:   logger,
	}
}

// HandleSweep runs one overdue-notification sweep. Returns 409 when a sweep
// is already holding the lease.
func (h *OpsHandler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	acquired, err := h.lock.Acquire(ctx, SweepLease, h.lockTTL)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	if !acquired {
		WriteError(w, h.logger, model.NewConflictError("a sweep is already running"))
		return
	}
	defer func() {
		if err := h.lock.Release(ctx, SweepLease); err != nil {
			h.logger.Warn("failed to release sweep lease", zap.Error(err))
		}
	}()

	report, err := h.sweeper.RunSweep(ctx, time.Now().UTC())
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	WriteJSON(w, http.StatusOK, report)
}

// HandleRunJobs claims and executes due scheduled jobs.
func (h *OpsHandler) HandleRunJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	acquired, err := h.lock.Acquire(ctx, RunnerLease, h.lockTTL)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	if !acquired {
		WriteError(w, h.logger, model.NewConflictError("the job runner is already running"))
		return
	}
	defer func() {
		if err := h.lock.Release(ctx, RunnerLease); err != nil {
			h.logger.Warn("failed to release runner lease", zap.Error(err))
		}
	}()

	report, err := h.runner.RunDue(ctx, time.Now().UTC())
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	WriteJSON(w, http.StatusOK, report)
}

type jobListResponse struct {
	Jobs  []model.ScheduledJob `json:"jobs"`
	Count int                  `json:"count"`
}

var knownJobStatuses = map[string]bool{
	model.JobStatusScheduled: true,
	model.JobStatusDelivered: true,
	model.JobStatusFailed:    true,
	model.JobStatusCancelled: true,
}

// HandleListJobs lists scheduled jobs, optionally filtered by ?status=.
func (h *OpsHandler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !knownJobStatuses[status] {
		WriteError(w, h.logger, model.NewBadRequestError(fmt.Sprintf("unknown job status %q", status)))
		return
	}

	list, err := h.jobStore.List(r.Context(), status)
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}

	WriteJSON(w, http.StatusOK, jobListResponse{Jobs: list, Count: len(list)})
}

// HandleGetJob returns a single scheduled job by id.
func (h *OpsHandler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobStore.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// HandleRequeueJob moves a FAILED or CANCELLED job back to SCHEDULED.
func (h *OpsHandler) HandleRequeueJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.runner.Requeue(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// HandleCancelJob cancels a job that has not run yet.
func (h *OpsHandler) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.runner.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		WriteError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}
