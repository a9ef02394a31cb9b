// Package worker runs the background retry sweep over failed execution
// runs. A record-store lease keeps at most one instance sweeping; the
// lease is time-bounded and renewed by the owning instance.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/labos-labs/labos-go/internal/domain"
	"github.com/labos-labs/labos-go/internal/record"
)

// LeaseBlockedError reports the live owner that refused an acquisition.
type LeaseBlockedError struct {
	Owner     string
	ExpiresAt time.Time
}

func (e *LeaseBlockedError) Error() string {
	return fmt.Sprintf("lease held by %s until %s", e.Owner, e.ExpiresAt.Format(time.RFC3339))
}

// leaseManager owns one worker-lease record.
type leaseManager struct {
	store    record.Store
	workerID string
	instance string
	now      func() time.Time
}

func newLeaseManager(store record.Store, workerID string) *leaseManager {
	return &leaseManager{
		store:    store,
		workerID: workerID,
		instance: uuid.NewString(),
		now:      time.Now,
	}
}

type StartOptions struct {
	ForceTakeover bool
}

// acquire claims the lease. A live lease held by another instance blocks
// the claim unless takeover is forced; forced takeover always wins.
func (m *leaseManager) acquire(ctx context.Context, ttl time.Duration, interval time.Duration, opts StartOptions) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	now := m.now().UTC()
	expires := now.Add(ttl)

	id := record.LeaseRecordID(m.workerID)
	rec, err := m.store.Get(ctx, id)
	if errors.Is(err, record.ErrNotFound) {
		lease := domain.WorkerLease{
			WorkerID:       m.workerID,
			Running:        true,
			IntervalMs:     interval.Milliseconds(),
			LeaseOwner:     m.instance,
			LeaseExpiresAt: &expires,
			UpdatedAt:      now,
		}
		created, err := record.New(id, domain.KindWorkerLease, lease)
		if err != nil {
			return fmt.Errorf("encode worker lease: %w", err)
		}
		if _, err := m.store.Create(ctx, created); err != nil {
			return fmt.Errorf("create worker lease: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("load worker lease: %w", err)
	}

	var lease domain.WorkerLease
	if err := record.Decode(rec, &lease); err != nil {
		return fmt.Errorf("decode worker lease: %w", err)
	}
	if !opts.ForceTakeover && leaseActive(lease, now) && lease.LeaseOwner != m.instance {
		return &LeaseBlockedError{Owner: lease.LeaseOwner, ExpiresAt: *lease.LeaseExpiresAt}
	}

	lease.Running = true
	lease.IntervalMs = interval.Milliseconds()
	lease.LeaseOwner = m.instance
	lease.LeaseExpiresAt = &expires
	lease.UpdatedAt = now
	return m.put(ctx, rec, lease)
}

// renew extends an owned lease. Ownership lost to a takeover surfaces as
// LeaseBlockedError so the loop can stand down.
func (m *leaseManager) renew(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	rec, lease, err := m.load(ctx)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	if lease.LeaseOwner != m.instance {
		if leaseActive(lease, now) {
			return &LeaseBlockedError{Owner: lease.LeaseOwner, ExpiresAt: *lease.LeaseExpiresAt}
		}
		return fmt.Errorf("lease for %s no longer owned", m.workerID)
	}
	expires := now.Add(ttl)
	lease.LeaseExpiresAt = &expires
	lease.UpdatedAt = now
	return m.put(ctx, rec, lease)
}

// stop clears the running flag. Deliberately unguarded: any instance or
// operator may stop the worker, not just the lease owner.
func (m *leaseManager) stop(ctx context.Context) error {
	rec, lease, err := m.load(ctx)
	if errors.Is(err, record.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	lease.Running = false
	lease.UpdatedAt = m.now().UTC()
	return m.put(ctx, rec, lease)
}

// markRun stamps a completed sweep on the lease.
func (m *leaseManager) markRun(ctx context.Context) error {
	rec, lease, err := m.load(ctx)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	lease.LastRunAt = &now
	lease.UpdatedAt = now
	return m.put(ctx, rec, lease)
}

func (m *leaseManager) load(ctx context.Context) (record.Record, domain.WorkerLease, error) {
	rec, err := m.store.Get(ctx, record.LeaseRecordID(m.workerID))
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return record.Record{}, domain.WorkerLease{}, record.ErrNotFound
		}
		return record.Record{}, domain.WorkerLease{}, fmt.Errorf("load worker lease: %w", err)
	}
	var lease domain.WorkerLease
	if err := record.Decode(rec, &lease); err != nil {
		return record.Record{}, domain.WorkerLease{}, fmt.Errorf("decode worker lease: %w", err)
	}
	return rec, lease, nil
}

func (m *leaseManager) put(ctx context.Context, rec record.Record, lease domain.WorkerLease) error {
	updated, err := record.WithBody(rec, lease)
	if err != nil {
		return fmt.Errorf("encode worker lease: %w", err)
	}
	if _, err := m.store.Update(ctx, updated); err != nil {
		return fmt.Errorf("persist worker lease: %w", err)
	}
	return nil
}

func leaseActive(lease domain.WorkerLease, now time.Time) bool {
	return lease.Running && lease.LeaseExpiresAt != nil && lease.LeaseExpiresAt.After(now)
}
