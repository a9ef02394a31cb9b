package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/labos-labs/labos-go/internal/domain"
	"github.com/labos-labs/labos-go/internal/record"
)

// Lease view states.
const (
	LeaseMissing = "missing"
	LeaseActive  = "active"
	LeaseExpired = "expired"
	LeaseStopped = "stopped"
)

// LeaseView is the operator-facing snapshot of a worker lease.
type LeaseView struct {
	WorkerID       string     `json:"workerId"`
	State          string     `json:"state"`
	LeaseOwner     string     `json:"leaseOwner,omitempty"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty"`
	IntervalMs     int64      `json:"intervalMs,omitempty"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
}

// LeaseViewService reads worker leases without touching them.
type LeaseViewService struct {
	store record.Store
	now   func() time.Time
}

func NewLeaseViewService(store record.Store) *LeaseViewService {
	return &LeaseViewService{store: store, now: time.Now}
}

// WithClock overrides the timestamp source, for deterministic tests.
func (s *LeaseViewService) WithClock(now func() time.Time) *LeaseViewService {
	s.now = now
	return s
}

// View classifies a worker lease: missing when no record exists, stopped
// when the running flag is down, expired when the deadline passed, and
// active otherwise.
func (s *LeaseViewService) View(ctx context.Context, workerID string) (LeaseView, error) {
	rec, err := s.store.Get(ctx, record.LeaseRecordID(workerID))
	if errors.Is(err, record.ErrNotFound) {
		return LeaseView{WorkerID: workerID, State: LeaseMissing}, nil
	}
	if err != nil {
		return LeaseView{}, fmt.Errorf("load worker lease %s: %w", workerID, err)
	}

	var lease domain.WorkerLease
	if err := record.Decode(rec, &lease); err != nil {
		return LeaseView{}, fmt.Errorf("decode worker lease %s: %w", workerID, err)
	}

	view := LeaseView{
		WorkerID:       lease.WorkerID,
		LeaseOwner:     lease.LeaseOwner,
		LeaseExpiresAt: lease.LeaseExpiresAt,
		LastRunAt:      lease.LastRunAt,
		IntervalMs:     lease.IntervalMs,
		UpdatedAt:      &lease.UpdatedAt,
	}
	switch {
	case !lease.Running:
		view.State = LeaseStopped
	case lease.LeaseExpiresAt == nil || !lease.LeaseExpiresAt.After(s.now().UTC()):
		view.State = LeaseExpired
	default:
		view.State = LeaseActive
	}
	return view, nil
}
