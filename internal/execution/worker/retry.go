package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/labos-labs/labos-go/internal/domain"
	"github.com/labos-labs/labos-go/internal/execution/runs"
	"github.com/labos-labs/labos-go/internal/record"
)

// WorkerID is the well-known id of the execution retry worker.
const WorkerID = "execution-retry"

const defaultBatch = 50

// Counters summarize one retry sweep.
type Counters struct {
	TransientFailed int `json:"transientFailed"`
	Retried         int `json:"retried"`
	RetryErrors     int `json:"retryErrors"`
	ExhaustedMarked int `json:"exhaustedMarked"`
}

// RetryWorker sweeps failed runs and retries the transient ones, at most
// once per run: a run that already has a linked child attempt is skipped.
type RetryWorker struct {
	store       record.Store
	runs        *runs.Service
	lease       *leaseManager
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

func NewRetryWorker(store record.Store, runService *runs.Service, maxAttempts int, logger *slog.Logger) *RetryWorker {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryWorker{
		store:       store,
		runs:        runService,
		lease:       newLeaseManager(store, WorkerID),
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock overrides the timestamp source, for deterministic tests.
func (w *RetryWorker) WithClock(now func() time.Time) *RetryWorker {
	w.now = now
	w.lease.now = now
	return w
}

// Instance returns this process's lease owner id.
func (w *RetryWorker) Instance() string { return w.lease.instance }

// Start claims the worker lease.
func (w *RetryWorker) Start(ctx context.Context, ttl, interval time.Duration, opts StartOptions) error {
	return w.lease.acquire(ctx, ttl, interval, opts)
}

// Stop clears the running flag on the lease, whoever owns it.
func (w *RetryWorker) Stop(ctx context.Context) error {
	return w.lease.stop(ctx)
}

// RunOnce performs one sweep over failed runs, newest-allocation-first up
// to batch. Retry dispatch failures are counted, never fatal to the sweep.
func (w *RetryWorker) RunOnce(ctx context.Context, batch int) (Counters, error) {
	if batch <= 0 {
		batch = defaultBatch
	}
	var counters Counters

	failed, err := w.runs.ListFailed(ctx, batch)
	if err != nil {
		return counters, err
	}

	for _, run := range failed {
		if run.FailureClass != domain.FailureTransient {
			continue
		}
		// An absent recommendation is retryable; only an explicit false
		// opts the run out.
		if run.RetryRecommended != nil && !*run.RetryRecommended {
			continue
		}
		counters.TransientFailed++

		hasChild, err := w.runs.HasChild(ctx, run.RecordID)
		if err != nil {
			counters.RetryErrors++
			w.logger.Warn("child scan failed",
				slog.String("execution_run_id", run.RecordID),
				slog.String("error", err.Error()))
			continue
		}
		if hasChild {
			continue
		}

		if run.Attempt >= w.maxAttempts {
			if _, err := w.runs.MarkRetryExhausted(ctx, run.RecordID); err != nil {
				counters.RetryErrors++
				w.logger.Warn("mark retry exhausted failed",
					slog.String("execution_run_id", run.RecordID),
					slog.String("error", err.Error()))
				continue
			}
			counters.ExhaustedMarked++
			w.logger.Info("retry budget exhausted",
				slog.String("execution_run_id", run.RecordID),
				slog.Int("attempt", run.Attempt),
				slog.Int("max_attempts", w.maxAttempts))
			continue
		}

		child, err := w.runs.RetryWithOptions(ctx, run.RecordID, runs.RetryOptions{Reason: "automatic retry of transient failure"})
		if err != nil {
			counters.RetryErrors++
			w.logger.Warn("automatic retry failed",
				slog.String("execution_run_id", run.RecordID),
				slog.String("error", err.Error()))
			continue
		}
		counters.Retried++
		w.logger.Info("transient failure retried",
			slog.String("execution_run_id", run.RecordID),
			slog.String("child_execution_run_id", child.RecordID),
			slog.Int("attempt", child.Attempt))
	}

	if err := w.lease.markRun(ctx); err != nil && !errors.Is(err, record.ErrNotFound) {
		w.logger.Warn("stamp lease run", slog.String("error", err.Error()))
	}
	return counters, nil
}

// Run drives the sweep on a ticker until ctx ends or the lease is lost.
// The lease is renewed before each sweep; losing it to a takeover stands
// the loop down without error.
func (w *RetryWorker) Run(ctx context.Context, interval, ttl time.Duration, batch int) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.Stop(context.WithoutCancel(ctx))
		case <-ticker.C:
			if err := w.lease.renew(ctx, ttl); err != nil {
				var blocked *LeaseBlockedError
				if errors.As(err, &blocked) {
					w.logger.Info("lease taken over, standing down",
						slog.String("owner", blocked.Owner))
					return nil
				}
				w.logger.Warn("lease renew failed", slog.String("error", err.Error()))
				continue
			}
			counters, err := w.RunOnce(ctx, batch)
			if err != nil {
				w.logger.Error("retry sweep failed", slog.String("error", err.Error()))
				continue
			}
			if counters.Retried > 0 || counters.ExhaustedMarked > 0 {
				w.logger.Info("retry sweep done",
					slog.Int("transient_failed", counters.TransientFailed),
					slog.Int("retried", counters.Retried),
					slog.Int("retry_errors", counters.RetryErrors),
					slog.Int("exhausted_marked", counters.ExhaustedMarked))
			}
		}
	}
}
