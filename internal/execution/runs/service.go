// Package runs manages ExecutionRun records: terminal transitions, retry
// and cancel requests, lineage chains and filtered listing. Dispatching an
// attempt to a device is delegated to a Provider collaborator.
package runs

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/labos-labs/labos-go/internal/domain"
	"github.com/labos-labs/labos-go/internal/execution/execerr"
	"github.com/labos-labs/labos-go/internal/record"
)

// Provider dispatches one execution attempt to a live or simulated device
// and persists the resulting ExecutionRun record.
type Provider interface {
	Dispatch(ctx context.Context, req DispatchRequest) (domain.ExecutionRun, error)
}

type DispatchRequest struct {
	RobotPlanID          string
	PlannedRunID         string
	ParentExecutionRunID string
	Attempt              int
	Mode                 string
	Reason               string
}

type Service struct {
	store    record.Store
	provider Provider
	now      func() time.Time
}

func New(store record.Store, provider Provider) *Service {
	if store == nil {
		return nil
	}
	return &Service{store: store, provider: provider, now: time.Now}
}

// WithClock overrides the timestamp source, for deterministic tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RetryOptions widens Retry for operator overrides.
type RetryOptions struct {
	Force  bool
	Reason string
}

// Retry creates a new linked attempt for a failed run.
func (s *Service) Retry(ctx context.Context, id string) (domain.ExecutionRun, error) {
	return s.RetryWithOptions(ctx, id, RetryOptions{})
}

// RetryWithOptions refuses to retry a running run, or a failed run whose
// classification is terminal or explicitly not retry-recommended, unless
// forced. The new run links back via parentExecutionRunRef and carries
// attempt = parent.attempt + 1.
func (s *Service) RetryWithOptions(ctx context.Context, id string, opts RetryOptions) (domain.ExecutionRun, error) {
	if s.provider == nil {
		return domain.ExecutionRun{}, execerr.External(nil, "no execution provider configured")
	}
	parent, _, err := s.getRun(ctx, id)
	if err != nil {
		return domain.ExecutionRun{}, err
	}

	if !opts.Force {
		if parent.Status == domain.RunRunning {
			return domain.ExecutionRun{}, execerr.BadRequest("execution run %s is still running", parent.RecordID)
		}
		if parent.Status == domain.RunFailed {
			if parent.FailureClass == domain.FailureTerminal {
				return domain.ExecutionRun{}, execerr.BadRequest("execution run %s failed terminally (%s)", parent.RecordID, parent.FailureCode)
			}
			if parent.RetryRecommended != nil && !*parent.RetryRecommended {
				return domain.ExecutionRun{}, execerr.BadRequest("retry is not recommended for execution run %s", parent.RecordID)
			}
		}
	}

	reason := strings.TrimSpace(opts.Reason)
	if reason == "" {
		reason = "retry of " + parent.RecordID
	}
	child, err := s.provider.Dispatch(ctx, DispatchRequest{
		RobotPlanID:          parent.RobotPlanRef,
		PlannedRunID:         parent.PlannedRunRef,
		ParentExecutionRunID: parent.RecordID,
		Attempt:              parent.Attempt + 1,
		Mode:                 parent.Mode,
		Reason:               reason,
	})
	if err != nil {
		if _, ok := execerr.As(err); ok {
			return domain.ExecutionRun{}, err
		}
		return domain.ExecutionRun{}, execerr.External(err, "dispatch retry for %s: %v", parent.RecordID, err)
	}
	return child, nil
}

// ResolveOptions carries the optional failure classification for a
// terminal transition.
type ResolveOptions struct {
	FailureClass     domain.FailureClass
	RetryRecommended *bool
	FailureCode      string
	Reason           string
}

// Resolve sets a terminal status on a run. Used both by manual operator
// action and by automated workers.
func (s *Service) Resolve(ctx context.Context, id string, status domain.RunStatus, opts ResolveOptions) (domain.ExecutionRun, error) {
	if !domain.IsTerminalRunStatus(status) {
		return domain.ExecutionRun{}, execerr.BadRequest("status %q is not terminal", status)
	}
	run, rec, err := s.getRun(ctx, id)
	if err != nil {
		return domain.ExecutionRun{}, err
	}

	now := s.now().UTC()
	run.Status = status
	run.CompletedAt = &now
	if opts.FailureClass != "" {
		run.FailureClass = opts.FailureClass
	}
	if opts.RetryRecommended != nil {
		run.RetryRecommended = opts.RetryRecommended
	}
	if strings.TrimSpace(opts.FailureCode) != "" {
		run.FailureCode = strings.TrimSpace(opts.FailureCode)
	}
	if strings.TrimSpace(opts.Reason) != "" {
		run.RetryReason = strings.TrimSpace(opts.Reason)
	}
	return s.putRun(ctx, rec, run)
}

// MarkRetryExhausted terminally closes the retry policy for a failed run.
func (s *Service) MarkRetryExhausted(ctx context.Context, id string) (domain.ExecutionRun, error) {
	run, rec, err := s.getRun(ctx, id)
	if err != nil {
		return domain.ExecutionRun{}, err
	}
	no := false
	run.FailureCode = domain.FailureCodeRetryExhausted
	run.RetryRecommended = &no
	if run.Status != domain.RunFailed {
		run.Status = domain.RunFailed
	}
	return s.putRun(ctx, rec, run)
}

// LineageHop is one link in a retry chain walk.
type LineageHop struct {
	ExecutionRunID       string           `json:"executionRunId"`
	Attempt              int              `json:"attempt,omitempty"`
	ParentExecutionRunID string           `json:"parentExecutionRunId,omitempty"`
	Status               domain.RunStatus `json:"status,omitempty"`
}

// Lineage walks parent references backward from a run, newest first. The
// walk is cycle-guarded and stops at the first missing parent.
func (s *Service) Lineage(ctx context.Context, id string) ([]LineageHop, error) {
	run, _, err := s.getRun(ctx, id)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	hops := make([]LineageHop, 0, 4)
	current := &run
	for current != nil && !seen[current.RecordID] {
		seen[current.RecordID] = true
		hop := LineageHop{
			ExecutionRunID: current.RecordID,
			Attempt:        current.Attempt,
			Status:         current.Status,
		}
		if current.ParentExecutionRunRef != nil {
			hop.ParentExecutionRunID = current.ParentExecutionRunRef.ID
		}
		hops = append(hops, hop)

		if current.ParentExecutionRunRef == nil {
			break
		}
		parent, _, err := s.getRun(ctx, current.ParentExecutionRunRef.ID)
		if err != nil {
			if e, ok := execerr.As(err); ok && e.Code == execerr.CodeNotFound {
				break
			}
			return nil, err
		}
		current = &parent
	}
	return hops, nil
}

// HasChild reports whether any run links back to the given run id.
func (s *Service) HasChild(ctx context.Context, id string) (bool, error) {
	all, err := s.listRuns(ctx)
	if err != nil {
		return false, err
	}
	for _, run := range all {
		if run.ParentExecutionRunRef != nil && run.ParentExecutionRunRef.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// ListFilter narrows and orders a paged run listing.
type ListFilter struct {
	Status       domain.RunStatus
	RobotPlanID  string
	PlannedRunID string
	Sort         string // attempt_desc | attempt_asc | record_desc | record_asc
	Offset       int
	Limit        int
}

type Page struct {
	Items []domain.ExecutionRun `json:"items"`
	Total int                   `json:"total"`
}

// ListPaged filters, sorts with a record-id tiebreak for total order, and
// slices out one page.
func (s *Service) ListPaged(ctx context.Context, filter ListFilter) (Page, error) {
	all, err := s.listRuns(ctx)
	if err != nil {
		return Page{}, err
	}

	matched := make([]domain.ExecutionRun, 0, len(all))
	for _, run := range all {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.RobotPlanID != "" && run.RobotPlanRef != filter.RobotPlanID {
			continue
		}
		if filter.PlannedRunID != "" && run.PlannedRunRef != filter.PlannedRunID {
			continue
		}
		matched = append(matched, run)
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		switch filter.Sort {
		case "attempt_asc":
			if a.Attempt != b.Attempt {
				return a.Attempt < b.Attempt
			}
			return a.RecordID < b.RecordID
		case "attempt_desc":
			if a.Attempt != b.Attempt {
				return a.Attempt > b.Attempt
			}
			return a.RecordID > b.RecordID
		case "record_desc":
			return a.RecordID > b.RecordID
		default: // record_asc
			return a.RecordID < b.RecordID
		}
	})

	total := len(matched)
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return Page{Items: matched[start:end], Total: total}, nil
}

// LatestForRobotPlan returns the highest attempt for a robot plan,
// tiebroken by record id descending.
func (s *Service) LatestForRobotPlan(ctx context.Context, robotPlanID string) (domain.ExecutionRun, error) {
	all, err := s.listRuns(ctx)
	if err != nil {
		return domain.ExecutionRun{}, err
	}
	var latest *domain.ExecutionRun
	for i := range all {
		run := &all[i]
		if run.RobotPlanRef != robotPlanID {
			continue
		}
		if latest == nil || run.Attempt > latest.Attempt ||
			(run.Attempt == latest.Attempt && run.RecordID > latest.RecordID) {
			latest = run
		}
	}
	if latest == nil {
		return domain.ExecutionRun{}, execerr.NotFound("no execution runs for robot plan %s", robotPlanID)
	}
	return *latest, nil
}

// ListFailed returns failed runs in record order, capped at limit.
func (s *Service) ListFailed(ctx context.Context, limit int) ([]domain.ExecutionRun, error) {
	page, err := s.ListPaged(ctx, ListFilter{Status: domain.RunFailed, Sort: "record_asc", Limit: limit})
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

func (s *Service) getRun(ctx context.Context, id string) (domain.ExecutionRun, record.Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ExecutionRun{}, record.Record{}, execerr.BadRequest("execution run id is required")
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return domain.ExecutionRun{}, record.Record{}, execerr.NotFound("execution run %s not found", id)
		}
		return domain.ExecutionRun{}, record.Record{}, execerr.External(err, "load execution run %s: %v", id, err)
	}
	if rec.Kind != domain.KindExecutionRun {
		return domain.ExecutionRun{}, record.Record{}, execerr.NotFound("record %s is not an execution run", id)
	}
	var run domain.ExecutionRun
	if err := record.Decode(rec, &run); err != nil {
		return domain.ExecutionRun{}, record.Record{}, execerr.External(err, "decode execution run %s: %v", id, err)
	}
	return run, rec, nil
}

func (s *Service) putRun(ctx context.Context, rec record.Record, run domain.ExecutionRun) (domain.ExecutionRun, error) {
	updated, err := record.WithBody(rec, run)
	if err != nil {
		return domain.ExecutionRun{}, execerr.UpdateFailed(err, "encode execution run %s: %v", run.RecordID, err)
	}
	if _, err := s.store.Update(ctx, updated); err != nil {
		return domain.ExecutionRun{}, execerr.UpdateFailed(err, "persist execution run %s: %v", run.RecordID, err)
	}
	return run, nil
}

func (s *Service) listRuns(ctx context.Context) ([]domain.ExecutionRun, error) {
	records, err := s.store.List(ctx, record.Filter{Kind: domain.KindExecutionRun})
	if err != nil {
		return nil, execerr.External(err, "list execution runs: %v", err)
	}
	out := make([]domain.ExecutionRun, 0, len(records))
	for _, rec := range records {
		var run domain.ExecutionRun
		if err := record.Decode(rec, &run); err != nil {
			return nil, execerr.External(err, "decode execution run %s: %v", rec.ID, err)
		}
		out = append(out, run)
	}
	return out, nil
}
