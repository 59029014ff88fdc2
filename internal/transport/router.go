package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/civiclegal/referralflow/internal/jobs"
	"github.com/civiclegal/referralflow/internal/notify"
	"github.com/civiclegal/referralflow/internal/observability"
	"github.com/civiclegal/referralflow/internal/sweeplock"
)

const defaultHandlerTimeout = 60 * time.Second

// Dependencies carries everything the router needs. All fields are required
// unless noted.
type Dependencies struct {
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Sweeper  *notify.Sweeper
	Runner   *jobs.Runner
	JobStore jobs.Store
	Lock     sweeplock.Lock
	LockTTL  time.Duration

	Readiness observability.ReadinessChecks

	// HandlerTimeout bounds each ops request. Zero means the default.
	HandlerTimeout time.Duration
}

// NewRouter builds the HTTP surface: liveness, readiness, and metrics on
// bare routes, and the ops endpoints behind the full middleware chain.
func NewRouter(deps Dependencies) http.Handler {
	timeout := deps.HandlerTimeout
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}

	r := chi.NewRouter()

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	ops := NewOpsHandler(deps.Sweeper, deps.Runner, deps.JobStore, deps.Lock, deps.LockTTL, deps.Logger)

	r.Group(func(g chi.Router) {
		g.Use(Recovery(deps.Logger))
		g.Use(RequestID)
		g.Use(SecurityHeaders)
		g.Use(observability.TracingMiddleware)
		g.Use(deps.Metrics.MetricsMiddleware)
		g.Use(RequestLogging(deps.Logger))
		g.Use(HandlerTimeout(timeout))

		g.Route("/ops", func(o chi.Router) {
			o.Post("/sweep", ops.HandleSweep)
			o.Post("/jobs/run", ops.HandleRunJobs)
			o.Get("/jobs", ops.HandleListJobs)
			o.Get("/jobs/{jobID}", ops.HandleGetJob)
			o.Post("/jobs/{jobID}/requeue", ops.HandleRequeueJob)
			o.Post("/jobs/{jobID}/cancel", ops.HandleCancelJob)
		})
	})

	return r
}
