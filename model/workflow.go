package model

import "time"

// WorkflowInstance tracks a single referral's position in its engagement
// lifecycle. There is exactly one instance per referral.
//
// IsHumanActivity and IsOverdue are denormalized flags describing the most
// recent activity; the append-only TransitionRecord history is the system of
// record for "last human activity" computations.
type WorkflowInstance struct {
	ID              string `json:"id"`
	ReferralID      string `json:"referral_id"`
	WorkflowType    string `json:"workflow_type"`
	CurrentState    string `json:"current_state"`
	IsHumanActivity bool   `json:"is_human_activity"`
	IsOverdue       bool   `json:"is_overdue"`

	HoursWorked      float64 `json:"hours_worked"`
	Notes            string  `json:"notes,omitempty"`
	IsIncomeEligible bool    `json:"is_income_eligible"`
	IneligibleReason string  `json:"ineligible_reason,omitempty"`

	// NotificationID is a weak reference to the notification most recently
	// associated with this instance. Cleared whenever a human update occurs.
	NotificationID string `json:"notification_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

// TransitionRecord is one row of an instance's append-only history. Records
// are never mutated or deleted; Seq is assigned by the store in insertion
// order and is the authoritative ordering.
type TransitionRecord struct {
	ID               string    `json:"id"`
	InstanceID       string    `json:"instance_id"`
	StateName        string    `json:"state_name"`
	IsHumanActivity  bool      `json:"is_human_activity"`
	HoursWorked      float64   `json:"hours_worked"`
	Notes            string    `json:"notes,omitempty"`
	IsIncomeEligible bool      `json:"is_income_eligible"`
	Seq              int64     `json:"seq"`
	CreatedAt        time.Time `json:"created_at"`
}

// UpdatePayload carries the fields a professional fills in on a status
// update form.
type UpdatePayload struct {
	HoursWorked      float64 `json:"hours_worked"`
	Notes            string  `json:"notes,omitempty"`
	IsIncomeEligible bool    `json:"is_income_eligible"`
	IneligibleReason string  `json:"ineligible_reason,omitempty"`
}

// HistoryEntry is a rendered view of a transition record for detail pages.
type HistoryEntry struct {
	StateName       string  `json:"state_name"`
	PrettyName      string  `json:"pretty_name"`
	IsHumanActivity bool    `json:"is_human_activity"`
	HoursWorked     float64 `json:"hours_worked"`
	Notes           string  `json:"notes,omitempty"`
	Timestamp       string  `json:"timestamp"`
}
