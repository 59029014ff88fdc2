// Package workflow implements the referral state machine: instance lifecycle,
// append-only transition history, and overdue evaluation.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civiclegal/referralflow/internal/definition"
	"github.com/civiclegal/referralflow/internal/observability"
	"github.com/civiclegal/referralflow/model"
)

// Notifier receives template triggers when an instance first enters a state.
// Delivery failures must be handled by the implementation; the engine treats
// a returned error as non-fatal.
type Notifier interface {
	StateEntered(ctx context.Context, inst model.WorkflowInstance, tpl model.TemplateDefinition) error
}

// Engine manages the lifecycle of referral workflow instances.
type Engine struct {
	registry *definition.Registry
	store    InstanceStore
	notifier Notifier
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewEngine creates a new workflow engine. The notifier may be nil when
// notifications are not wired (some tests).
func NewEngine(
	registry *definition.Registry,
	store InstanceStore,
	notifier Notifier,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Engine {
	return &Engine{
		registry: registry,
		store:    store,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
	}
}

// Start creates a workflow instance for a referral at the graph's start
// state, then immediately advances along the single start edge into the
// first waiting state, firing its entry rules.
func (e *Engine) Start(ctx context.Context, referral model.Referral, workflowType string) (model.WorkflowInstance, error) {
	def, ok := e.registry.Workflow(workflowType)
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow type %q not found", workflowType),
		)
	}

	start := def.StartState()
	if start == "" {
		return model.WorkflowInstance{}, model.NewMisconfiguredRuleError(
			fmt.Sprintf("workflow %q has no start state", workflowType),
		)
	}

	now := time.Now().UTC()
	inst := model.WorkflowInstance{
		ID:           uuid.New().String(),
		ReferralID:   referral.ID,
		WorkflowType: workflowType,
		CurrentState: start,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.store.Create(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := e.appendRecord(ctx, inst.ID, start, false, model.UpdatePayload{}); err != nil {
		return model.WorkflowInstance{}, err
	}
	e.metrics.RecordWorkflowStart(workflowType)

	// The start state exists only to receive the referral; advance along
	// its single outgoing edge into the first waiting state.
	next := nonSelfTargets(def, start)
	if len(next) == 1 {
		inst.CurrentState = next[0]
		if err := e.store.Update(ctx, inst); err != nil {
			return model.WorkflowInstance{}, err
		}
		inst.Version++
		inst.UpdatedAt = time.Now().UTC()

		if err := e.appendRecord(ctx, inst.ID, next[0], false, model.UpdatePayload{}); err != nil {
			return model.WorkflowInstance{}, err
		}
		e.metrics.RecordTransition(workflowType, next[0], false)

		if err := e.fireEntryRules(ctx, inst, def, next[0]); err != nil {
			return model.WorkflowInstance{}, err
		}
	}

	return inst, nil
}

// Transition records a human status update and moves the instance to the
// target state. Self-loop edges record an update without changing state.
func (e *Engine) Transition(ctx context.Context, instanceID, target string, payload model.UpdatePayload) (model.WorkflowInstance, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	def, ok := e.registry.Workflow(inst.WorkflowType)
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow type %q not found", inst.WorkflowType),
		)
	}

	if !def.HasEdge(inst.CurrentState, target) {
		e.metrics.RecordInvalidTransition(inst.WorkflowType)
		return model.WorkflowInstance{}, model.NewInvalidTransitionError(
			fmt.Sprintf("no edge from %q to %q in workflow %q", inst.CurrentState, target, inst.WorkflowType),
		)
	}

	inst.CurrentState = target
	inst.IsHumanActivity = true
	inst.IsOverdue = false
	inst.NotificationID = ""
	inst.HoursWorked = payload.HoursWorked
	inst.Notes = payload.Notes
	inst.IsIncomeEligible = payload.IsIncomeEligible
	inst.IneligibleReason = payload.IneligibleReason

	// The version check decides the race with a concurrent writer; the
	// history row is appended only once this update has won, so a losing
	// call leaves no trace.
	if err := e.store.Update(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.Version++
	inst.UpdatedAt = time.Now().UTC()

	if err := e.appendRecord(ctx, inst.ID, target, true, payload); err != nil {
		return model.WorkflowInstance{}, err
	}
	e.metrics.RecordTransition(inst.WorkflowType, target, true)

	if err := e.fireEntryRules(ctx, inst, def, target); err != nil {
		return model.WorkflowInstance{}, err
	}

	return inst, nil
}

// SystemTouch appends a non-human history record for the current state and
// attaches the given notification. Used after automated sends so the overdue
// baseline stays untouched while the instance reflects the send.
func (e *Engine) SystemTouch(ctx context.Context, instanceID, notificationID string) (model.WorkflowInstance, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	inst.IsHumanActivity = false
	inst.IsOverdue = true
	inst.NotificationID = notificationID
	inst.HoursWorked = 0
	inst.Notes = ""

	// Same ordering as Transition: lose the version race, leave no row.
	if err := e.store.Update(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.Version++
	inst.UpdatedAt = time.Now().UTC()

	if err := e.appendRecord(ctx, inst.ID, inst.CurrentState, false, model.UpdatePayload{}); err != nil {
		return model.WorkflowInstance{}, err
	}
	e.metrics.RecordSystemTouch(inst.WorkflowType)

	return inst, nil
}

// AllowedNextStates returns the states reachable from the instance's current
// state, in the definition's declaration order.
func (e *Engine) AllowedNextStates(ctx context.Context, instanceID string) ([]string, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, ok := e.registry.Workflow(inst.WorkflowType)
	if !ok {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("workflow type %q not found", inst.WorkflowType),
		)
	}
	return def.AllowedNext(inst.CurrentState), nil
}

// IsTerminal reports whether the instance has reached a state with no
// outgoing edges besides self-loops.
func (e *Engine) IsTerminal(ctx context.Context, instanceID string) (bool, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return false, err
	}
	def, ok := e.registry.Workflow(inst.WorkflowType)
	if !ok {
		return false, model.NewNotFoundError(
			fmt.Sprintf("workflow type %q not found", inst.WorkflowType),
		)
	}
	return def.IsTerminal(inst.CurrentState), nil
}

// History returns the instance's transition history rendered with pretty
// state names, oldest first.
func (e *Engine) History(ctx context.Context, instanceID string) ([]model.HistoryEntry, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, _ := e.registry.Workflow(inst.WorkflowType)

	recs, err := e.store.Transitions(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	entries := make([]model.HistoryEntry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, model.HistoryEntry{
			StateName:       rec.StateName,
			PrettyName:      def.PrettyName(rec.StateName),
			IsHumanActivity: rec.IsHumanActivity,
			HoursWorked:     rec.HoursWorked,
			Notes:           rec.Notes,
			Timestamp:       rec.CreatedAt.Format(time.RFC3339),
		})
	}
	return entries, nil
}

// TotalReportedHours sums hours across all human history records.
func (e *Engine) TotalReportedHours(ctx context.Context, instanceID string) (float64, error) {
	recs, err := e.store.Transitions(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, rec := range recs {
		if rec.IsHumanActivity {
			total += rec.HoursWorked
		}
	}
	return total, nil
}

// HumanLastUpdatedAt returns the time of the last human update. The second
// return is false when no human update has ever been recorded.
func (e *Engine) HumanLastUpdatedAt(ctx context.Context, instanceID string) (time.Time, bool, error) {
	rec, found, err := e.store.LastHumanTransition(ctx, instanceID)
	if err != nil {
		return time.Time{}, false, err
	}
	if !found {
		return time.Time{}, false, nil
	}
	return rec.CreatedAt, true, nil
}

// PrettyLastUpdated renders a human-update timestamp the way professionals
// see it in reminder emails.
func PrettyLastUpdated(t time.Time, updated bool, now time.Time) string {
	if !updated {
		return "Never Updated"
	}
	days := int(now.Sub(t).Hours() / 24)
	switch {
	case days < 3:
		return "Recently Updated"
	case days < 30:
		return fmt.Sprintf("%d days ago", days)
	default:
		return t.Format("Jan 02, 2006")
	}
}

// fireEntryRules triggers enter-state and deadline templates bound to the
// given state. Rules fire only on the first entry over the instance's life;
// re-entries and self-loop updates leave them silent.
func (e *Engine) fireEntryRules(ctx context.Context, inst model.WorkflowInstance, def model.WorkflowDefinition, state string) error {
	count, err := e.store.StateEntryCount(ctx, inst.ID, state)
	if err != nil {
		return err
	}
	if count != 1 {
		e.logger.Debug("skipping entry rules on re-entered state",
			zap.String("instance_id", inst.ID),
			zap.String("state", state),
			zap.Int("entry_count", count),
		)
		return nil
	}

	if e.notifier == nil {
		return nil
	}

	tpls := e.registry.TemplatesForState(inst.WorkflowType, model.EventEnterState, state)
	tpls = append(tpls, e.registry.TemplatesForState(inst.WorkflowType, model.EventDeadline, state)...)
	for _, tpl := range tpls {
		if err := e.notifier.StateEntered(ctx, inst, tpl); err != nil {
			e.logger.Warn("state entry notification failed",
				zap.String("instance_id", inst.ID),
				zap.String("template_id", tpl.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (e *Engine) appendRecord(ctx context.Context, instanceID, state string, human bool, payload model.UpdatePayload) error {
	_, err := e.store.AppendTransition(ctx, model.TransitionRecord{
		ID:               uuid.New().String(),
		InstanceID:       instanceID,
		StateName:        state,
		IsHumanActivity:  human,
		HoursWorked:      payload.HoursWorked,
		Notes:            payload.Notes,
		IsIncomeEligible: payload.IsIncomeEligible,
		CreatedAt:        time.Now().UTC(),
	})
	return err
}

// nonSelfTargets returns the targets of all non-self edges leaving a state.
func nonSelfTargets(def model.WorkflowDefinition, state string) []string {
	var targets []string
	for _, next := range def.AllowedNext(state) {
		if next != state {
			targets = append(targets, next)
		}
	}
	return targets
}
