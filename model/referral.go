package model

import (
	"context"
	"time"
)

// Referral is the client-side entity a workflow instance tracks. Referrals
// are owned by the intake domain; this module only reads them.
type Referral struct {
	ID             string     `json:"id"`
	ProfessionalID string     `json:"professional_id"`
	ClientName     string     `json:"client_name"`
	Email          string     `json:"email"`
	Phone          string     `json:"phone,omitempty"`
	DeadlineDate   *time.Time `json:"deadline_date,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Professional is the volunteer lawyer or mediator a referral is routed to.
type Professional struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone,omitempty"`
}

// ReferralDirectory resolves referrals and professionals from the intake
// domain. Implementations must be safe for concurrent use.
type ReferralDirectory interface {
	Referral(ctx context.Context, id string) (Referral, error)
	Professional(ctx context.Context, id string) (Professional, error)
}
