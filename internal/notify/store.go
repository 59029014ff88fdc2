package notify

import (
	"context"

	"github.com/civiclegal/referralflow/model"
)

// Store persists notification rows and the mail failure log. Notification
// rows are append-then-update: created with status NONE before a send
// attempt and resolved to SENT or FAILED afterwards, never deleted.
type Store interface {
	CreateNotification(ctx context.Context, n model.Notification) error
	UpdateNotificationStatus(ctx context.Context, id, status string) error
	Notification(ctx context.Context, id string) (model.Notification, error)
	NotificationsForReferral(ctx context.Context, referralID string) ([]model.Notification, error)

	AppendMailLog(ctx context.Context, entry model.MailLog) error
	MailLogs(ctx context.Context, limit int) ([]model.MailLog, error)
}
