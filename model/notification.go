package model

import "time"

// Notification delivery statuses.
const (
	NotificationStatusNone   = "NONE"
	NotificationStatusSent   = "SENT"
	NotificationStatusFailed = "FAILED"
)

// Scheduled job statuses. A job moves SCHEDULED -> DELIVERED or FAILED
// exactly once; CANCELLED and FAILED jobs are only ever re-run by a manual
// requeue, which resets them to SCHEDULED.
const (
	JobStatusScheduled = "SCHEDULED"
	JobStatusDelivered = "DELIVERED"
	JobStatusFailed    = "FAILED"
	JobStatusCancelled = "CANCELLED"
)

// Notification records one email generated for a referral. A row is created
// with status NONE before the send attempt and updated afterwards; rows are
// never deleted.
type Notification struct {
	ID         string    `json:"id"`
	ReferralID string    `json:"referral_id"`
	TemplateID string    `json:"template_id"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// ScheduledJob is a persisted, time-delayed unit of work. The shape is a
// durable contract: external tooling may inspect and requeue against it.
type ScheduledJob struct {
	ID           string         `json:"id"`
	FunctionName string         `json:"function_name"`
	Args         map[string]any `json:"args"`
	DueAt        time.Time      `json:"due_at"`
	Status       string         `json:"status"`
	ErrorLog     string         `json:"error_log,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// MailLog is an append-only diagnostic entry recorded when the mailer
// collaborator fails. It never blocks or aborts the send path that
// produced it.
type MailLog struct {
	ID        string    `json:"id"`
	ToEmail   string    `json:"to_email"`
	Body      string    `json:"body,omitempty"`
	ErrorText string    `json:"error_text"`
	CreatedAt time.Time `json:"created_at"`
}
