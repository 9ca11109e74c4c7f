package batch

import (
	"context"
	"sync"
	"time"
)

// DefaultStaleAfter is how long a lease may be held before a new launch
// may take it over.
const DefaultStaleAfter = 30 * time.Minute

// Lease is a held tenant lock.
type Lease struct {
	TenantID    string
	ExecutionID string
	AcquiredAt  time.Time
	// Previous is the stale lease this one replaced, if any.
	Previous *Lease
}

// TakenOver reports whether acquiring this lease displaced a stale holder.
func (l Lease) TakenOver() bool {
	return l.Previous != nil
}

// TenantLock allows at most one running job per tenant. A lease older than
// the staleness timeout counts as abandoned and may be taken over.
type TenantLock interface {
	Acquire(ctx context.Context, tenantID, executionID string, now time.Time) (Lease, error)
	// Release drops the lease if it is still the current holder.
	Release(ctx context.Context, lease Lease) error
	Holder(ctx context.Context, tenantID string) (Lease, bool, error)
}

// IsStale reports whether a lease acquired at acquiredAt is abandoned at now.
func IsStale(acquiredAt, now time.Time, staleAfter time.Duration) bool {
	return now.Sub(acquiredAt) >= staleAfter
}

// MemoryTenantLock is a process-local TenantLock.
type MemoryTenantLock struct {
	mu         sync.Mutex
	leases     map[string]Lease
	staleAfter time.Duration
}

// NewMemoryTenantLock creates a lock; staleAfter <= 0 uses DefaultStaleAfter.
func NewMemoryTenantLock(staleAfter time.Duration) *MemoryTenantLock {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &MemoryTenantLock{
		leases:     make(map[string]Lease),
		staleAfter: staleAfter,
	}
}

func (l *MemoryTenantLock) Acquire(_ context.Context, tenantID, executionID string, now time.Time) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lease := Lease{TenantID: tenantID, ExecutionID: executionID, AcquiredAt: now}
	if held, ok := l.leases[tenantID]; ok {
		if !IsStale(held.AcquiredAt, now, l.staleAfter) {
			return Lease{}, &JobRunningError{
				TenantID:    tenantID,
				ExecutionID: held.ExecutionID,
				StartedAt:   held.AcquiredAt,
			}
		}
		prev := held
		prev.Previous = nil
		lease.Previous = &prev
	}
	l.leases[tenantID] = lease
	return lease, nil
}

func (l *MemoryTenantLock) Release(_ context.Context, lease Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.leases[lease.TenantID]; ok && held.ExecutionID == lease.ExecutionID {
		delete(l.leases, lease.TenantID)
	}
	return nil
}

func (l *MemoryTenantLock) Holder(_ context.Context, tenantID string) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.leases[tenantID]
	return held, ok, nil
}
