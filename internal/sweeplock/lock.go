// Package sweeplock provides the cross-process lease that keeps the sweep
// and job-runner ticks single-flight when several replicas run.
package sweeplock

import (
	"context"
	"sync"
	"time"
)

// Lock is a named lease with a TTL. Acquire returns false without error when
// another holder has the lease; the TTL bounds how long a crashed holder can
// block the others.
type Lock interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// MemoryLock is an in-process Lock for single-replica deployments and tests.
type MemoryLock struct {
	mu     sync.Mutex
	leases map[string]time.Time
}

// NewMemoryLock creates an empty in-process lock.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{leases: make(map[string]time.Time)}
}

// Acquire takes the lease unless a live one exists.
func (l *MemoryLock) Acquire(_ context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if expiry, held := l.leases[name]; held && expiry.After(now) {
		return false, nil
	}
	l.leases[name] = now.Add(ttl)
	return true, nil
}

// Release drops the lease.
func (l *MemoryLock) Release(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.leases, name)
	return nil
}

// HealthCheck reports the lock as available.
func (l *MemoryLock) HealthCheck(context.Context) error {
	return nil
}
