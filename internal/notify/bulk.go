package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civiclegal/referralflow/internal/definition"
	"github.com/civiclegal/referralflow/internal/observability"
	"github.com/civiclegal/referralflow/internal/workflow"
	"github.com/civiclegal/referralflow/model"
)

// Sweeper runs the periodic overdue sweep: for every inactivity template it
// collects stale instances, groups them by professional, and sends one
// batched reminder per professional and template.
type Sweeper struct {
	registry      *definition.Registry
	engine        *workflow.Engine
	dispatcher    *Dispatcher
	directory     model.ReferralDirectory
	maxConcurrent int
	logger        *zap.Logger
	metrics       *observability.Metrics
}

// NewSweeper creates a sweeper. maxConcurrent bounds how many batch emails
// are in flight at once.
func NewSweeper(
	registry *definition.Registry,
	engine *workflow.Engine,
	dispatcher *Dispatcher,
	directory model.ReferralDirectory,
	maxConcurrent int,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Sweeper {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Sweeper{
		registry:      registry,
		engine:        engine,
		dispatcher:    dispatcher,
		directory:     directory,
		maxConcurrent: maxConcurrent,
		logger:        logger,
		metrics:       metrics,
	}
}

// SweepReport summarizes one sweep run.
type SweepReport struct {
	TemplatesEvaluated int       `json:"templates_evaluated"`
	BatchesSent        int       `json:"batches_sent"`
	BatchesFailed      int       `json:"batches_failed"`
	MattersNotified    int       `json:"matters_notified"`
	StartedAt          time.Time `json:"started_at"`
}

// matter pairs an overdue instance with its referral.
type matter struct {
	inst model.WorkflowInstance
	ref  model.Referral
}

// batch is one email to send: all of a professional's overdue matters under
// a single template.
type batch struct {
	tpl            model.TemplateDefinition
	professionalID string
	matters        []matter
}

// RunSweep evaluates every active inactivity template against now and sends
// the resulting batches. Individual batch failures are recorded and do not
// abort the sweep.
func (s *Sweeper) RunSweep(ctx context.Context, now time.Time) (report SweepReport, err error) {
	ctx, span := observability.StartSpan(ctx, "notify.sweep")
	defer func() { observability.EndSpanWithError(span, err) }()

	start := time.Now()
	report = SweepReport{StartedAt: start.UTC()}

	// 1. Collect batches for every active inactivity template.
	var batches []batch
	for _, tpl := range s.registry.InactiveForTemplates() {
		report.TemplatesEvaluated++

		overdue, err := s.engine.OverdueInstances(ctx, tpl, now)
		if err != nil {
			s.metrics.RecordSweep("failed", time.Since(start))
			return report, err
		}
		batches = append(batches, s.groupByProfessional(ctx, tpl, overdue)...)
	}

	// 2. Send batches through a bounded worker pool.
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, s.maxConcurrent)
	)
	for _, b := range batches {
		wg.Add(1)
		sem <- struct{}{}
		go func(b batch) {
			defer wg.Done()
			defer func() { <-sem }()

			ok := s.sendBatch(ctx, b, now)
			mu.Lock()
			if ok {
				report.BatchesSent++
				report.MattersNotified += len(b.matters)
			} else {
				report.BatchesFailed++
			}
			mu.Unlock()
		}(b)
	}
	wg.Wait()

	status := "ok"
	if report.BatchesFailed > 0 {
		status = "partial"
	}
	s.metrics.RecordSweep(status, time.Since(start))
	s.logger.Info("overdue sweep finished",
		zap.Int("templates", report.TemplatesEvaluated),
		zap.Int("batches_sent", report.BatchesSent),
		zap.Int("batches_failed", report.BatchesFailed),
		zap.Int("matters_notified", report.MattersNotified),
		zap.Duration("elapsed", time.Since(start)),
	)
	return report, nil
}

// groupByProfessional splits overdue instances into per-professional batches,
// preserving the store's creation-time ordering inside each batch.
func (s *Sweeper) groupByProfessional(ctx context.Context, tpl model.TemplateDefinition, overdue []model.WorkflowInstance) []batch {
	byPro := make(map[string][]matter)
	var order []string

	for _, inst := range overdue {
		ref, err := s.directory.Referral(ctx, inst.ReferralID)
		if err != nil {
			s.logger.Warn("skipping overdue instance with unresolvable referral",
				zap.String("instance_id", inst.ID),
				zap.String("referral_id", inst.ReferralID),
				zap.Error(err),
			)
			continue
		}
		if _, seen := byPro[ref.ProfessionalID]; !seen {
			order = append(order, ref.ProfessionalID)
		}
		byPro[ref.ProfessionalID] = append(byPro[ref.ProfessionalID], matter{inst: inst, ref: ref})
	}

	batches := make([]batch, 0, len(order))
	for _, proID := range order {
		batches = append(batches, batch{tpl: tpl, professionalID: proID, matters: byPro[proID]})
	}
	return batches
}

// sendBatch delivers one batched reminder. One notification row is written
// per matter so each referral's timeline shows the send; system touches are
// applied only after a successful delivery, keeping failed batches eligible
// for the next sweep.
func (s *Sweeper) sendBatch(ctx context.Context, b batch, now time.Time) bool {
	d := s.dispatcher

	pro, err := s.directory.Professional(ctx, b.professionalID)
	if err != nil {
		s.logger.Warn("skipping batch with unresolvable professional",
			zap.String("professional_id", b.professionalID),
			zap.Error(err),
		)
		return false
	}

	// 1. Render the per-matter list lines.
	items := make([]map[string]string, 0, len(b.matters))
	for _, m := range b.matters {
		lastAt, updated, err := s.engine.HumanLastUpdatedAt(ctx, m.inst.ID)
		if err != nil {
			s.logger.Warn("could not resolve last update for matter",
				zap.String("instance_id", m.inst.ID),
				zap.Error(err),
			)
		}
		link, err := d.links.Referral(m.ref.ID)
		if err != nil {
			s.logger.Warn("could not mint referral link",
				zap.String("referral_id", m.ref.ID),
				zap.Error(err),
			)
		}
		items = append(items, itemLineVars(m.ref, workflow.PrettyLastUpdated(lastAt, updated, now), link))
	}

	// 2. Render the email itself.
	magicLink, err := d.links.PendingMatters(pro.ID)
	if err != nil {
		s.logger.Warn("could not mint pending-matters link",
			zap.String("professional_id", pro.ID),
			zap.Error(err),
		)
	}
	vars := batchEmailVars(pro, len(b.matters), RenderItems(b.tpl.ItemBody, items), magicLink)
	subject, body := Render(b.tpl, vars)

	// 3. Write one notification row per matter before the send attempt.
	notificationIDs := make([]string, 0, len(b.matters))
	created := make([]matter, 0, len(b.matters))
	for _, m := range b.matters {
		n := model.Notification{
			ID:         uuid.New().String(),
			ReferralID: m.ref.ID,
			TemplateID: b.tpl.ID,
			Subject:    subject,
			Body:       body,
			Status:     model.NotificationStatusNone,
			CreatedAt:  time.Now().UTC(),
		}
		if err := d.store.CreateNotification(ctx, n); err != nil {
			s.logger.Error("failed to create notification row",
				zap.String("referral_id", m.ref.ID),
				zap.Error(err),
			)
			continue
		}
		notificationIDs = append(notificationIDs, n.ID)
		created = append(created, m)
	}
	if len(notificationIDs) == 0 {
		return false
	}

	// 4. One email covers the whole batch.
	s.metrics.RecordBatchEmail(len(created))
	if !d.deliver(ctx, notificationIDs, b.tpl.EventType, vars[b.tpl.Recipient], subject, body) {
		return false
	}

	// 5. Mark each matter as reminded so the instance reflects the send.
	for i, m := range created {
		if _, err := s.engine.SystemTouch(ctx, m.inst.ID, notificationIDs[i]); err != nil {
			s.logger.Warn("failed to record system touch",
				zap.String("instance_id", m.inst.ID),
				zap.Error(err),
			)
		}
	}
	return true
}

// OverdueProfessionals returns the distinct professionals with at least one
// overdue matter under the template's inactivity rule, in the order their
// first overdue matter was created.
func (s *Sweeper) OverdueProfessionals(ctx context.Context, tpl model.TemplateDefinition, now time.Time) ([]string, error) {
	overdue, err := s.engine.OverdueInstances(ctx, tpl, now)
	if err != nil {
		return nil, err
	}
	batches := s.groupByProfessional(ctx, tpl, overdue)
	pros := make([]string, 0, len(batches))
	for _, b := range batches {
		pros = append(pros, b.professionalID)
	}
	return pros, nil
}

// OverdueMattersFor returns one professional's overdue instances under the
// template's inactivity rule.
func (s *Sweeper) OverdueMattersFor(ctx context.Context, tpl model.TemplateDefinition, professionalID string, now time.Time) ([]model.WorkflowInstance, error) {
	overdue, err := s.engine.OverdueInstances(ctx, tpl, now)
	if err != nil {
		return nil, err
	}
	var matters []model.WorkflowInstance
	for _, b := range s.groupByProfessional(ctx, tpl, overdue) {
		if b.professionalID != professionalID {
			continue
		}
		for _, m := range b.matters {
			matters = append(matters, m.inst)
		}
	}
	return matters, nil
}
