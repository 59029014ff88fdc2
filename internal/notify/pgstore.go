package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/civiclegal/referralflow/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL notification store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const notificationColumns = `id, referral_id, template_id, subject, body, status, created_at`

// CreateNotification inserts a new notification row.
func (s *PgStore) CreateNotification(ctx context.Context, n model.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (
			id, referral_id, template_id, subject, body, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.ReferralID, n.TemplateID, n.Subject, n.Body, n.Status, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// UpdateNotificationStatus resolves a notification's delivery outcome.
func (s *PgStore) UpdateNotificationStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET status = $1 WHERE id = $2`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("notification %q not found", id),
		)
	}
	return nil
}

// Notification retrieves a notification by ID.
func (s *PgStore) Notification(ctx context.Context, id string) (model.Notification, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)

	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Notification{}, model.NewNotFoundError(
			fmt.Sprintf("notification %q not found", id),
		)
	}
	if err != nil {
		return model.Notification{}, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// NotificationsForReferral lists a referral's notifications, oldest first.
func (s *PgStore) NotificationsForReferral(ctx context.Context, referralID string) ([]model.Notification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE referral_id = $1 ORDER BY created_at ASC`, referralID)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// AppendMailLog records a mailer failure.
func (s *PgStore) AppendMailLog(ctx context.Context, entry model.MailLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mail_logs (id, to_email, body, error_text, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.ToEmail, entry.Body, entry.ErrorText, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert mail log: %w", err)
	}
	return nil
}

// MailLogs returns the most recent failure entries, newest first.
func (s *PgStore) MailLogs(ctx context.Context, limit int) ([]model.MailLog, error) {
	query := `SELECT id, to_email, body, error_text, created_at
	          FROM mail_logs ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query mail logs: %w", err)
	}
	defer rows.Close()

	var out []model.MailLog
	for rows.Next() {
		var entry model.MailLog
		if err := rows.Scan(&entry.ID, &entry.ToEmail, &entry.Body, &entry.ErrorText, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mail log: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// HealthCheck verifies database connectivity.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanNotification(row pgx.Row) (model.Notification, error) {
	var n model.Notification
	err := row.Scan(&n.ID, &n.ReferralID, &n.TemplateID, &n.Subject, &n.Body, &n.Status, &n.CreatedAt)
	return n, err
}
