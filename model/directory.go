package model

import (
	"context"
	"fmt"
	"sync"
)

// MemoryDirectory is an in-memory ReferralDirectory for tests and
// single-binary deployments where the intake domain shares the process.
type MemoryDirectory struct {
	mu            sync.RWMutex
	referrals     map[string]Referral
	professionals map[string]Professional
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		referrals:     make(map[string]Referral),
		professionals: make(map[string]Professional),
	}
}

// PutReferral adds or replaces a referral.
func (d *MemoryDirectory) PutReferral(r Referral) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.referrals[r.ID] = r
}

// PutProfessional adds or replaces a professional.
func (d *MemoryDirectory) PutProfessional(p Professional) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.professionals[p.ID] = p
}

// Referral resolves a referral by ID.
func (d *MemoryDirectory) Referral(_ context.Context, id string) (Referral, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.referrals[id]
	if !ok {
		return Referral{}, NewNotFoundError(fmt.Sprintf("referral %q not found", id))
	}
	return r, nil
}

// Professional resolves a professional by ID.
func (d *MemoryDirectory) Professional(_ context.Context, id string) (Professional, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.professionals[id]
	if !ok {
		return Professional{}, NewNotFoundError(fmt.Sprintf("professional %q not found", id))
	}
	return p, nil
}
