// Package incident turns operational signals, unhealthy device adapters
// and exhausted retry budgets, into deduplicated incident records with a
// forward-only lifecycle.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/labos-labs/labos-go/internal/domain"
	"github.com/labos-labs/labos-go/internal/execution/execerr"
	"github.com/labos-labs/labos-go/internal/record"
)

// AdapterHealth is one probe result for a device adapter.
type AdapterHealth struct {
	AdapterID string
	Status    string // healthy | degraded | unreachable
	Message   string
}

// Prober checks the health of all configured device adapters.
type Prober interface {
	Probe(ctx context.Context) []AdapterHealth
}

// ScanResult counts one incident sweep.
type ScanResult struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

type Service struct {
	store  record.Store
	prober Prober
	logger *slog.Logger
	now    func() time.Time
}

func New(store record.Store, prober Prober, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, prober: prober, logger: logger, now: time.Now}
}

// WithClock overrides the timestamp source, for deterministic tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Scan probes adapters and sweeps exhausted runs, creating one open
// incident per condition. A condition whose dedupe key already has an
// open incident is skipped, so repeated scans are idempotent.
func (s *Service) Scan(ctx context.Context) (ScanResult, error) {
	var result ScanResult

	open, err := s.openDedupeKeys(ctx)
	if err != nil {
		return result, err
	}

	if s.prober != nil {
		for _, health := range s.prober.Probe(ctx) {
			status := strings.ToLower(strings.TrimSpace(health.Status))
			if status == "" || status == "healthy" || status == "ok" {
				continue
			}
			key := fmt.Sprintf("adapter_health:%s:%s", health.AdapterID, status)
			if open[key] {
				result.Skipped++
				continue
			}
			severity := "warning"
			if status == "unreachable" {
				severity = "critical"
			}
			err := s.create(ctx, domain.ExecutionIncident{
				Title:        fmt.Sprintf("adapter %s is %s", health.AdapterID, status),
				IncidentType: "adapter_health",
				Severity:     severity,
				Source:       health.AdapterID,
				DedupeKey:    key,
				Details:      map[string]any{"adapterId": health.AdapterID, "status": status, "message": health.Message},
			})
			if err != nil {
				return result, err
			}
			open[key] = true
			result.Created++
		}
	}

	exhausted, err := s.exhaustedRuns(ctx)
	if err != nil {
		return result, err
	}
	for _, run := range exhausted {
		key := "retry_exhausted:" + run.RecordID
		if open[key] {
			result.Skipped++
			continue
		}
		err := s.create(ctx, domain.ExecutionIncident{
			Title:        fmt.Sprintf("retry budget exhausted for %s", run.RecordID),
			IncidentType: "retry_exhausted",
			Severity:     "warning",
			Source:       run.RobotPlanRef,
			DedupeKey:    key,
			Details: map[string]any{
				"executionRunId": run.RecordID,
				"robotPlanId":    run.RobotPlanRef,
				"attempt":        run.Attempt,
			},
		})
		if err != nil {
			return result, err
		}
		open[key] = true
		result.Created++
	}
	return result, nil
}

// Ack moves an incident to acked.
func (s *Service) Ack(ctx context.Context, id string) (domain.ExecutionIncident, error) {
	return s.transition(ctx, id, domain.IncidentAcked)
}

// Resolve moves an incident to resolved.
func (s *Service) Resolve(ctx context.Context, id string) (domain.ExecutionIncident, error) {
	return s.transition(ctx, id, domain.IncidentResolved)
}

// List returns incidents, optionally filtered by status, in record order.
func (s *Service) List(ctx context.Context, status domain.IncidentStatus) ([]domain.ExecutionIncident, error) {
	records, err := s.store.List(ctx, record.Filter{Kind: domain.KindExecutionIncident})
	if err != nil {
		return nil, execerr.External(err, "list incidents: %v", err)
	}
	out := make([]domain.ExecutionIncident, 0, len(records))
	for _, rec := range records {
		var incident domain.ExecutionIncident
		if err := record.Decode(rec, &incident); err != nil {
			return nil, execerr.External(err, "decode incident %s: %v", rec.ID, err)
		}
		if status != "" && incident.Status != status {
			continue
		}
		out = append(out, incident)
	}
	return out, nil
}

func (s *Service) transition(ctx context.Context, id string, next domain.IncidentStatus) (domain.ExecutionIncident, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ExecutionIncident{}, execerr.BadRequest("incident id is required")
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return domain.ExecutionIncident{}, execerr.NotFound("incident %s not found", id)
		}
		return domain.ExecutionIncident{}, execerr.External(err, "load incident %s: %v", id, err)
	}
	var incident domain.ExecutionIncident
	if err := record.Decode(rec, &incident); err != nil {
		return domain.ExecutionIncident{}, execerr.External(err, "decode incident %s: %v", id, err)
	}

	if !domain.CanTransitionIncident(incident.Status, next) {
		return domain.ExecutionIncident{}, execerr.BadRequest("incident %s cannot move %s -> %s", id, incident.Status, next)
	}
	if incident.Status == next {
		return incident, nil
	}

	now := s.now().UTC()
	incident.Status = next
	switch next {
	case domain.IncidentAcked:
		incident.AcknowledgedAt = &now
	case domain.IncidentResolved:
		incident.ResolvedAt = &now
	}
	updated, err := record.WithBody(rec, incident)
	if err != nil {
		return domain.ExecutionIncident{}, execerr.UpdateFailed(err, "encode incident %s: %v", id, err)
	}
	if _, err := s.store.Update(ctx, updated); err != nil {
		return domain.ExecutionIncident{}, execerr.UpdateFailed(err, "persist incident %s: %v", id, err)
	}
	return incident, nil
}

func (s *Service) create(ctx context.Context, incident domain.ExecutionIncident) error {
	id, err := record.NextID(ctx, s.store, domain.KindExecutionIncident, domain.PrefixIncident)
	if err != nil {
		return execerr.CreateFailed(err, "allocate incident id: %v", err)
	}
	incident.RecordID = id
	incident.Status = domain.IncidentOpen
	incident.DetectedAt = s.now().UTC()

	rec, err := record.New(id, domain.KindExecutionIncident, incident)
	if err != nil {
		return execerr.CreateFailed(err, "encode incident: %v", err)
	}
	if _, err := s.store.Create(ctx, rec); err != nil {
		return execerr.CreateFailed(err, "persist incident %s: %v", id, err)
	}
	s.logger.Info("incident opened",
		slog.String("incident_id", id),
		slog.String("incident_type", incident.IncidentType),
		slog.String("dedupe_key", incident.DedupeKey))
	return nil
}

// openDedupeKeys indexes the dedupe keys of open incidents. Acked
// incidents stop suppressing: once an operator acknowledges, a condition
// that is still firing opens a fresh incident on the next scan.
func (s *Service) openDedupeKeys(ctx context.Context) (map[string]bool, error) {
	records, err := s.store.List(ctx, record.Filter{Kind: domain.KindExecutionIncident})
	if err != nil {
		return nil, execerr.External(err, "list incidents: %v", err)
	}
	open := make(map[string]bool, len(records))
	for _, rec := range records {
		var incident domain.ExecutionIncident
		if err := record.Decode(rec, &incident); err != nil {
			continue
		}
		if incident.Status == domain.IncidentOpen {
			open[incident.DedupeKey] = true
		}
	}
	return open, nil
}

func (s *Service) exhaustedRuns(ctx context.Context) ([]domain.ExecutionRun, error) {
	records, err := s.store.List(ctx, record.Filter{Kind: domain.KindExecutionRun})
	if err != nil {
		return nil, execerr.External(err, "list execution runs: %v", err)
	}
	var out []domain.ExecutionRun
	for _, rec := range records {
		var run domain.ExecutionRun
		if err := record.Decode(rec, &run); err != nil {
			continue
		}
		if run.Status == domain.RunFailed && run.FailureCode == domain.FailureCodeRetryExhausted {
			out = append(out, run)
		}
	}
	return out, nil
}
