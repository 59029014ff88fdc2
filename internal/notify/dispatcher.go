package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civiclegal/referralflow/internal/definition"
	"github.com/civiclegal/referralflow/internal/observability"
	"github.com/civiclegal/referralflow/internal/workflow"
	"github.com/civiclegal/referralflow/model"
)

// DeferredSendFunction is the job function name for deferred single sends.
const DeferredSendFunction = "notify.deferred_send"

// JobScheduler enqueues deferred work. Implemented by the jobs store.
type JobScheduler interface {
	Schedule(ctx context.Context, functionName string, args map[string]any, dueAt time.Time) (model.ScheduledJob, error)
}

// Dispatcher turns template triggers into delivered email: it renders the
// template, writes the notification row, and either sends immediately or
// schedules a deferred job. It satisfies the workflow engine's Notifier.
type Dispatcher struct {
	store     Store
	instances workflow.InstanceStore
	registry  *definition.Registry
	directory model.ReferralDirectory
	mailer    Mailer
	links     *Links
	scheduler JobScheduler
	sendHour  int
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewDispatcher creates a dispatcher. sendHour is the hour of day deferred
// sends are normalized to.
func NewDispatcher(
	store Store,
	instances workflow.InstanceStore,
	registry *definition.Registry,
	directory model.ReferralDirectory,
	mailer Mailer,
	links *Links,
	scheduler JobScheduler,
	sendHour int,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Dispatcher {
	return &Dispatcher{
		store:     store,
		instances: instances,
		registry:  registry,
		directory: directory,
		mailer:    mailer,
		links:     links,
		scheduler: scheduler,
		sendHour:  sendHour,
		logger:    logger,
		metrics:   metrics,
	}
}

// StateEntered handles an engine trigger for one template. Depending on the
// rule it sends immediately or schedules a deferred job pinned to the state
// the instance is in now.
func (d *Dispatcher) StateEntered(ctx context.Context, inst model.WorkflowInstance, tpl model.TemplateDefinition) (err error) {
	if !tpl.Active {
		return nil
	}

	ctx, span := observability.StartSpan(ctx, "notify.dispatch")
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Resolve the referral; every rule needs it.
	ref, err := d.directory.Referral(ctx, inst.ReferralID)
	if err != nil {
		return err
	}

	// 2. Work out when the message should go out.
	eta, immediate, err := d.etaFor(tpl, ref, time.Now().UTC())
	if err != nil {
		// A deadline rule on a referral without a deadline date is a data
		// problem, not a retryable failure. Record and move on.
		d.logger.Warn("skipping notification with unusable rule data",
			zap.String("instance_id", inst.ID),
			zap.String("template_id", tpl.ID),
			zap.Error(err),
		)
		return nil
	}

	// 3. Immediate sends go straight through the mailer.
	if immediate {
		pro, err := d.directory.Professional(ctx, ref.ProfessionalID)
		if err != nil {
			return err
		}
		_, err = d.sendSingle(ctx, tpl, ref, pro)
		return err
	}

	// 4. Otherwise persist a job pinned to the state being entered, so a
	// later transition silently invalidates it.
	job, err := d.scheduler.Schedule(ctx, DeferredSendFunction, map[string]any{
		"instance_id":    inst.ID,
		"template_id":    tpl.ID,
		"expected_state": inst.CurrentState,
	}, eta)
	if err != nil {
		return err
	}
	d.metrics.RecordJobScheduled(DeferredSendFunction)
	d.logger.Info("scheduled deferred notification",
		zap.String("job_id", job.ID),
		zap.String("instance_id", inst.ID),
		zap.String("template_id", tpl.ID),
		zap.Time("due_at", eta),
	)
	return nil
}

// DeferredSend executes a deferred single send. Registered with the job
// runner under DeferredSendFunction.
func (d *Dispatcher) DeferredSend(ctx context.Context, args map[string]any) (err error) {
	ctx, span := observability.StartSpan(ctx, "notify.deferred_send")
	defer func() { observability.EndSpanWithError(span, err) }()

	instanceID, err := stringArg(args, "instance_id")
	if err != nil {
		return err
	}
	templateID, err := stringArg(args, "template_id")
	if err != nil {
		return err
	}
	expectedState, err := stringArg(args, "expected_state")
	if err != nil {
		return err
	}

	inst, err := d.instances.Get(ctx, instanceID)
	if err != nil {
		return err
	}

	// The instance moved on while the job waited; the reminder is stale
	// and is dropped without a trace in the notification table.
	if inst.CurrentState != expectedState {
		d.metrics.RecordStaleJobSkipped()
		d.logger.Debug("dropping stale deferred notification",
			zap.String("instance_id", instanceID),
			zap.String("expected_state", expectedState),
			zap.String("current_state", inst.CurrentState),
		)
		return nil
	}

	tpl, ok := d.registry.Template(templateID)
	if !ok {
		return model.NewMisconfiguredRuleError(
			fmt.Sprintf("template %q no longer exists", templateID),
		)
	}
	if !tpl.Active {
		d.logger.Debug("dropping deferred notification for deactivated template",
			zap.String("template_id", templateID),
		)
		return nil
	}

	ref, err := d.directory.Referral(ctx, inst.ReferralID)
	if err != nil {
		return err
	}
	pro, err := d.directory.Professional(ctx, ref.ProfessionalID)
	if err != nil {
		return err
	}

	_, err = d.sendSingle(ctx, tpl, ref, pro)
	return err
}

// etaFor computes the send time for a template against a referral. The
// second return is true when the message should go out immediately.
func (d *Dispatcher) etaFor(tpl model.TemplateDefinition, ref model.Referral, now time.Time) (time.Time, bool, error) {
	switch tpl.EventType {
	case model.EventEnterState:
		if tpl.EnterState.DaysAfter == 0 {
			return now, true, nil
		}
		eta := d.atSendHour(now.AddDate(0, 0, tpl.EnterState.DaysAfter))
		return eta, !eta.After(now), nil

	case model.EventDeadline:
		if ref.DeadlineDate == nil {
			return time.Time{}, false, model.NewMisconfiguredRuleError(
				fmt.Sprintf("template %q needs a deadline date on referral %q", tpl.ID, ref.ID),
			)
		}
		days := tpl.Deadline.Days
		if tpl.Deadline.BeforeOrAfter == model.BeforeDeadline {
			days = -days
		}
		eta := d.atSendHour(ref.DeadlineDate.AddDate(0, 0, days))
		return eta, !eta.After(now), nil
	}

	return time.Time{}, false, model.NewMisconfiguredRuleError(
		fmt.Sprintf("template %q has event type %q, which never fires on state entry", tpl.ID, tpl.EventType),
	)
}

func (d *Dispatcher) atSendHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), d.sendHour, 0, 0, 0, time.UTC)
}

// sendSingle renders and delivers one single-referral message. Delivery
// failures are recorded on the notification row and the mail log; they are
// never returned to the caller.
func (d *Dispatcher) sendSingle(ctx context.Context, tpl model.TemplateDefinition, ref model.Referral, pro model.Professional) (model.Notification, error) {
	link, err := d.links.Referral(ref.ID)
	if err != nil {
		return model.Notification{}, err
	}

	vars := singleVars(ref, pro, link)
	subject, body := Render(tpl, vars)

	n := model.Notification{
		ID:         uuid.New().String(),
		ReferralID: ref.ID,
		TemplateID: tpl.ID,
		Subject:    subject,
		Body:       body,
		Status:     model.NotificationStatusNone,
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.store.CreateNotification(ctx, n); err != nil {
		return model.Notification{}, err
	}

	d.deliver(ctx, []string{n.ID}, tpl.EventType, vars[tpl.Recipient], subject, body)
	return n, nil
}

// deliver attempts one email covering the given notification rows and
// resolves their statuses from the outcome.
func (d *Dispatcher) deliver(ctx context.Context, notificationIDs []string, eventType, to, subject, body string) bool {
	err := d.send(ctx, to, subject, body)
	status := model.NotificationStatusSent
	if err != nil {
		status = model.NotificationStatusFailed
	}

	for _, id := range notificationIDs {
		if updateErr := d.store.UpdateNotificationStatus(ctx, id, status); updateErr != nil {
			d.logger.Error("failed to record notification outcome",
				zap.String("notification_id", id),
				zap.Error(updateErr),
			)
		}
	}

	if err != nil {
		d.metrics.RecordNotificationSend(eventType, "failed")
		d.logger.Warn("notification delivery failed",
			zap.String("to", to),
			zap.String("subject", subject),
			zap.Error(err),
		)
		logEntry := model.MailLog{
			ID:        uuid.New().String(),
			ToEmail:   to,
			Body:      body,
			ErrorText: err.Error(),
			CreatedAt: time.Now().UTC(),
		}
		if logErr := d.store.AppendMailLog(ctx, logEntry); logErr != nil {
			d.logger.Error("failed to append mail log", zap.Error(logErr))
		}
		return false
	}

	d.metrics.RecordNotificationSend(eventType, "sent")
	d.logger.Info("notification delivered",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("notifications", len(notificationIDs)),
	)
	return true
}

func (d *Dispatcher) send(ctx context.Context, to, subject, body string) error {
	if to == "" {
		return model.NewSendFailureError("empty recipient address")
	}
	return d.mailer.Send(ctx, Message{
		To:       to,
		Subject:  subject,
		HTMLBody: body,
		TextBody: StripTags(body),
	})
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", model.NewJobExecutionError(
			fmt.Sprintf("missing or invalid %q argument", key),
		)
	}
	return v, nil
}
