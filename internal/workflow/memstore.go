package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/civiclegal/referralflow/model"
)

// MemoryInstanceStore is an in-memory InstanceStore for testing and
// single-node deployments.
type MemoryInstanceStore struct {
	mu          sync.RWMutex
	instances   map[string]model.WorkflowInstance   // key: instance ID
	byReferral  map[string]string                   // referral ID -> instance ID
	transitions map[string][]model.TransitionRecord // key: instance ID
	seq         int64
}

// NewMemoryInstanceStore creates a new in-memory instance store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		instances:   make(map[string]model.WorkflowInstance),
		byReferral:  make(map[string]string),
		transitions: make(map[string][]model.TransitionRecord),
	}
}

// Create persists a new workflow instance.
func (s *MemoryInstanceStore) Create(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}
	if _, exists := s.byReferral[inst.ReferralID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("referral %q already has a workflow instance", inst.ReferralID),
		)
	}

	s.instances[inst.ID] = inst
	s.byReferral[inst.ReferralID] = inst.ID
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *MemoryInstanceStore) Get(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return inst, nil
}

// GetByReferral retrieves the workflow instance attached to a referral.
func (s *MemoryInstanceStore) GetByReferral(_ context.Context, referralID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byReferral[referralID]
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("no workflow instance for referral %q", referralID),
		)
	}
	return s.instances[id], nil
}

// Update persists an updated instance with optimistic locking.
func (s *MemoryInstanceStore) Update(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", inst.ID),
		)
	}

	// Optimistic lock check.
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = inst
	return nil
}

// AppendTransition adds a record to the instance's history and assigns Seq.
func (s *MemoryInstanceStore) AppendTransition(_ context.Context, rec model.TransitionRecord) (model.TransitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[rec.InstanceID]; !exists {
		return model.TransitionRecord{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", rec.InstanceID),
		)
	}

	s.seq++
	rec.Seq = s.seq
	s.transitions[rec.InstanceID] = append(s.transitions[rec.InstanceID], rec)
	return rec, nil
}

// Transitions retrieves the full history for an instance, ordered by Seq.
func (s *MemoryInstanceStore) Transitions(_ context.Context, instanceID string) ([]model.TransitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.instances[instanceID]; !exists {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}

	recs := s.transitions[instanceID]
	result := make([]model.TransitionRecord, len(recs))
	copy(result, recs)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Seq < result[j].Seq
	})
	return result, nil
}

// LastHumanTransition returns the most recent human history record.
func (s *MemoryInstanceStore) LastHumanTransition(_ context.Context, instanceID string) (model.TransitionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.instances[instanceID]; !exists {
		return model.TransitionRecord{}, false, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}

	recs := s.transitions[instanceID]
	var best model.TransitionRecord
	found := false
	for _, rec := range recs {
		if rec.IsHumanActivity && (!found || rec.Seq > best.Seq) {
			best = rec
			found = true
		}
	}
	return best, found, nil
}

// StateEntryCount returns how many history records name the given state.
func (s *MemoryInstanceStore) StateEntryCount(_ context.Context, instanceID, state string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, rec := range s.transitions[instanceID] {
		if rec.StateName == state {
			count++
		}
	}
	return count, nil
}

// FindInState returns instances of a workflow type currently in a state.
func (s *MemoryInstanceStore) FindInState(_ context.Context, workflowType, state string) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.WorkflowType == workflowType && inst.CurrentState == state {
			result = append(result, inst)
		}
	}

	// Sort by created_at ascending for deterministic sweep batches.
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// HealthCheck implements observability.HealthChecker.
func (s *MemoryInstanceStore) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryInstanceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}
