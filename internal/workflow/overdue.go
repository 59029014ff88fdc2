package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/civiclegal/referralflow/model"
)

// LastHumanActivityAt returns the overdue baseline for an instance: the time
// of the most recent human update, or the instance's creation time when no
// human update exists. Automated touches never move the baseline.
func (e *Engine) LastHumanActivityAt(ctx context.Context, inst model.WorkflowInstance) (time.Time, error) {
	rec, found, err := e.store.LastHumanTransition(ctx, inst.ID)
	if err != nil {
		return time.Time{}, err
	}
	if !found {
		return inst.CreatedAt, nil
	}
	return rec.CreatedAt, nil
}

// IsOverdue reports whether the instance's last human activity is at least
// the rule's inactivity window behind now. A persisted write of any kind,
// including an automated reminder touch, refreshes updatedAt and defers the
// next reminder by a full window; only human activity moves the baseline
// itself.
func (e *Engine) IsOverdue(ctx context.Context, inst model.WorkflowInstance, rule model.InactiveForRule, now time.Time) (bool, error) {
	window := time.Duration(rule.DaysInactive) * 24 * time.Hour

	if now.Sub(inst.UpdatedAt) < window {
		return false, nil
	}

	last, err := e.LastHumanActivityAt(ctx, inst)
	if err != nil {
		return false, err
	}
	return now.Sub(last) >= window, nil
}

// OverdueInstances returns the instances sitting in the template's rule state
// whose last human activity exceeds the inactivity window, ordered by
// creation time.
func (e *Engine) OverdueInstances(ctx context.Context, tpl model.TemplateDefinition, now time.Time) ([]model.WorkflowInstance, error) {
	if tpl.InactiveFor == nil {
		return nil, model.NewMisconfiguredRuleError(
			fmt.Sprintf("template %q has no inactivity rule", tpl.ID),
		)
	}

	candidates, err := e.store.FindInState(ctx, tpl.WorkflowType, tpl.InactiveFor.State)
	if err != nil {
		return nil, err
	}

	overdue := make([]model.WorkflowInstance, 0, len(candidates))
	for _, inst := range candidates {
		stale, err := e.IsOverdue(ctx, inst, *tpl.InactiveFor, now)
		if err != nil {
			return nil, err
		}
		if stale {
			overdue = append(overdue, inst)
		}
	}
	return overdue, nil
}
