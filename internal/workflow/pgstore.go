package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/civiclegal/referralflow/model"
)

// PgInstanceStore is a PostgreSQL-backed InstanceStore using pgx/v5.
type PgInstanceStore struct {
	pool *pgxpool.Pool
}

// NewPgInstanceStore creates a new PostgreSQL instance store.
func NewPgInstanceStore(pool *pgxpool.Pool) *PgInstanceStore {
	return &PgInstanceStore{pool: pool}
}

const instanceColumns = `id, referral_id, workflow_type, current_state,
       is_human_activity, is_overdue, hours_worked, notes,
       is_income_eligible, ineligible_reason, notification_id,
       created_at, updated_at, version`

// Create inserts a new workflow instance.
func (s *PgInstanceStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, referral_id, workflow_type, current_state,
			is_human_activity, is_overdue, hours_worked, notes,
			is_income_eligible, ineligible_reason, notification_id,
			created_at, updated_at, version
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11,
			$12, $13, $14
		)`,
		inst.ID, inst.ReferralID, inst.WorkflowType, inst.CurrentState,
		inst.IsHumanActivity, inst.IsOverdue, inst.HoursWorked, inst.Notes,
		inst.IsIncomeEligible, inst.IneligibleReason, nullable(inst.NotificationID),
		inst.CreatedAt, inst.UpdatedAt, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *PgInstanceStore) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	return s.queryOne(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`,
		instanceID,
		fmt.Sprintf("workflow instance %q not found", instanceID),
	)
}

// GetByReferral retrieves the workflow instance attached to a referral.
func (s *PgInstanceStore) GetByReferral(ctx context.Context, referralID string) (model.WorkflowInstance, error) {
	return s.queryOne(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE referral_id = $1`,
		referralID,
		fmt.Sprintf("no workflow instance for referral %q", referralID),
	)
}

// Update persists an updated instance with optimistic locking.
func (s *PgInstanceStore) Update(ctx context.Context, inst model.WorkflowInstance) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			current_state = $1,
			is_human_activity = $2,
			is_overdue = $3,
			hours_worked = $4,
			notes = $5,
			is_income_eligible = $6,
			ineligible_reason = $7,
			notification_id = $8,
			version = $9,
			updated_at = $10
		WHERE id = $11 AND version = $12`,
		inst.CurrentState, inst.IsHumanActivity, inst.IsOverdue,
		inst.HoursWorked, inst.Notes, inst.IsIncomeEligible,
		inst.IneligibleReason, nullable(inst.NotificationID),
		inst.Version+1, time.Now().UTC(),
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	return nil
}

// AppendTransition adds a record to the instance's history. Seq comes from
// the table's bigserial column.
func (s *PgInstanceStore) AppendTransition(ctx context.Context, rec model.TransitionRecord) (model.TransitionRecord, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO transition_records (
			id, instance_id, state_name, is_human_activity,
			hours_worked, notes, is_income_eligible, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq`,
		rec.ID, rec.InstanceID, rec.StateName, rec.IsHumanActivity,
		rec.HoursWorked, rec.Notes, rec.IsIncomeEligible, rec.CreatedAt,
	).Scan(&rec.Seq)
	if err != nil {
		return model.TransitionRecord{}, fmt.Errorf("insert transition record: %w", err)
	}
	return rec, nil
}

// Transitions retrieves the full history for an instance, ordered by Seq.
func (s *PgInstanceStore) Transitions(ctx context.Context, instanceID string) ([]model.TransitionRecord, error) {
	// Verify the instance exists so missing history and missing instance
	// are distinguishable.
	if _, err := s.Get(ctx, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, state_name, is_human_activity,
		       hours_worked, notes, is_income_eligible, seq, created_at
		FROM transition_records
		WHERE instance_id = $1
		ORDER BY seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transition records: %w", err)
	}
	defer rows.Close()

	var recs []model.TransitionRecord
	for rows.Next() {
		var rec model.TransitionRecord
		if err := rows.Scan(
			&rec.ID, &rec.InstanceID, &rec.StateName, &rec.IsHumanActivity,
			&rec.HoursWorked, &rec.Notes, &rec.IsIncomeEligible, &rec.Seq, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transition record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// LastHumanTransition returns the most recent human history record.
func (s *PgInstanceStore) LastHumanTransition(ctx context.Context, instanceID string) (model.TransitionRecord, bool, error) {
	var rec model.TransitionRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, instance_id, state_name, is_human_activity,
		       hours_worked, notes, is_income_eligible, seq, created_at
		FROM transition_records
		WHERE instance_id = $1 AND is_human_activity
		ORDER BY seq DESC
		LIMIT 1`,
		instanceID,
	).Scan(
		&rec.ID, &rec.InstanceID, &rec.StateName, &rec.IsHumanActivity,
		&rec.HoursWorked, &rec.Notes, &rec.IsIncomeEligible, &rec.Seq, &rec.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		if _, getErr := s.Get(ctx, instanceID); getErr != nil {
			return model.TransitionRecord{}, false, getErr
		}
		return model.TransitionRecord{}, false, nil
	}
	if err != nil {
		return model.TransitionRecord{}, false, fmt.Errorf("query last human transition: %w", err)
	}
	return rec, true, nil
}

// StateEntryCount returns how many history records name the given state.
func (s *PgInstanceStore) StateEntryCount(ctx context.Context, instanceID, state string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM transition_records
		WHERE instance_id = $1 AND state_name = $2`,
		instanceID, state,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count state entries: %w", err)
	}
	return count, nil
}

// FindInState returns instances of a workflow type currently in a state.
func (s *PgInstanceStore) FindInState(ctx context.Context, workflowType, state string) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+instanceColumns+`
		 FROM workflow_instances
		 WHERE workflow_type = $1 AND current_state = $2
		 ORDER BY created_at ASC`,
		workflowType, state,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// HealthCheck implements observability.HealthChecker.
func (s *PgInstanceStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgInstanceStore) queryOne(ctx context.Context, query, arg, notFoundMsg string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, query, arg)
	inst, err := scanInstance(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowInstance{}, model.NewNotFoundError(notFoundMsg)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var notificationID *string
	err := row.Scan(
		&inst.ID, &inst.ReferralID, &inst.WorkflowType, &inst.CurrentState,
		&inst.IsHumanActivity, &inst.IsOverdue, &inst.HoursWorked, &inst.Notes,
		&inst.IsIncomeEligible, &inst.IneligibleReason, &notificationID,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.Version,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if notificationID != nil {
		inst.NotificationID = *notificationID
	}
	return inst, nil
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
