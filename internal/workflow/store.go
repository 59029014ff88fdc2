package workflow

import (
	"context"

	"github.com/civiclegal/referralflow/model"
)

// InstanceStore persists workflow instances and their append-only transition
// history.
type InstanceStore interface {
	// Create persists a new workflow instance. Returns CONFLICT if an
	// instance already exists for the same referral.
	Create(ctx context.Context, instance model.WorkflowInstance) error

	// Get retrieves a workflow instance by ID. Returns NOT_FOUND if the
	// instance doesn't exist.
	Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// GetByReferral retrieves the workflow instance attached to a referral.
	GetByReferral(ctx context.Context, referralID string) (model.WorkflowInstance, error)

	// Update persists an updated workflow instance with optimistic locking.
	// The version must match the current stored version. Returns CONFLICT if
	// the version has changed.
	Update(ctx context.Context, instance model.WorkflowInstance) error

	// AppendTransition adds a record to the instance's history. The store
	// assigns Seq in insertion order and returns the stored record.
	AppendTransition(ctx context.Context, rec model.TransitionRecord) (model.TransitionRecord, error)

	// Transitions retrieves the full history for an instance, ordered by Seq
	// ascending.
	Transitions(ctx context.Context, instanceID string) ([]model.TransitionRecord, error)

	// LastHumanTransition returns the most recent history record with
	// IsHumanActivity set. The second return is false when the instance has
	// no human activity yet.
	LastHumanTransition(ctx context.Context, instanceID string) (model.TransitionRecord, bool, error)

	// StateEntryCount returns how many times the instance's history has
	// recorded the given state.
	StateEntryCount(ctx context.Context, instanceID, state string) (int, error)

	// FindInState returns all instances of the given workflow type currently
	// sitting in the given state.
	FindInState(ctx context.Context, workflowType, state string) ([]model.WorkflowInstance, error)
}
