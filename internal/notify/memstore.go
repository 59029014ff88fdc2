package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/civiclegal/referralflow/model"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	notifications map[string]model.Notification
	byReferral    map[string][]string
	mailLogs      []model.MailLog
}

// NewMemoryStore creates an empty in-memory notification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notifications: make(map[string]model.Notification),
		byReferral:    make(map[string][]string),
	}
}

// CreateNotification stores a new notification row.
func (s *MemoryStore) CreateNotification(_ context.Context, n model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.notifications[n.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("notification %q already exists", n.ID),
		)
	}
	s.notifications[n.ID] = n
	s.byReferral[n.ReferralID] = append(s.byReferral[n.ReferralID], n.ID)
	return nil
}

// UpdateNotificationStatus resolves a notification's delivery outcome.
func (s *MemoryStore) UpdateNotificationStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, exists := s.notifications[id]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("notification %q not found", id),
		)
	}
	n.Status = status
	s.notifications[id] = n
	return nil
}

// Notification retrieves a notification by ID.
func (s *MemoryStore) Notification(_ context.Context, id string) (model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, exists := s.notifications[id]
	if !exists {
		return model.Notification{}, model.NewNotFoundError(
			fmt.Sprintf("notification %q not found", id),
		)
	}
	return n, nil
}

// NotificationsForReferral lists a referral's notifications, oldest first.
func (s *MemoryStore) NotificationsForReferral(_ context.Context, referralID string) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byReferral[referralID]
	out := make([]model.Notification, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.notifications[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendMailLog records a mailer failure.
func (s *MemoryStore) AppendMailLog(_ context.Context, entry model.MailLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mailLogs = append(s.mailLogs, entry)
	return nil
}

// MailLogs returns the most recent failure entries, newest first.
func (s *MemoryStore) MailLogs(_ context.Context, limit int) ([]model.MailLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.MailLog, len(s.mailLogs))
	copy(out, s.mailLogs)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HealthCheck reports the store as available.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}
