package control

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/labos-labs/labos-go/internal/domain"
	"github.com/labos-labs/labos-go/internal/execution/classify"
	"github.com/labos-labs/labos-go/internal/execution/execerr"
	"github.com/labos-labs/labos-go/internal/execution/runs"
	"github.com/labos-labs/labos-go/internal/record"
)

// Service owns dispatch, status sync and cancel for execution runs. It is
// the runs.Provider used for both first attempts and retries.
type Service struct {
	store     record.Store
	adapters  map[string]Dispatcher
	routes    map[string]string // target platform -> adapter id
	simulator Dispatcher
	logger    *slog.Logger
	now       func() time.Time
	newTaskID func() string
}

func New(store record.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		adapters:  make(map[string]Dispatcher),
		routes:    make(map[string]string),
		simulator: NewSimulator(),
		logger:    logger,
		now:       time.Now,
		newTaskID: uuid.NewString,
	}
}

// Register wires an adapter and routes a target platform to it.
func (s *Service) Register(platform string, adapter Dispatcher) *Service {
	s.adapters[adapter.AdapterID()] = adapter
	s.routes[strings.ToLower(strings.TrimSpace(platform))] = adapter.AdapterID()
	return s
}

// WithClock overrides the timestamp source, for deterministic tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithTaskIDs overrides task id generation, for deterministic tests.
func (s *Service) WithTaskIDs(gen func() string) *Service {
	s.newTaskID = gen
	return s
}

// Dispatch creates a running ExecutionRun, records the device interaction
// in an instrument log, and hands the task to the routed adapter. Runs in
// simulate mode, and runs on platforms with no bridge, go to the built-in
// simulator.
func (s *Service) Dispatch(ctx context.Context, req runs.DispatchRequest) (domain.ExecutionRun, error) {
	plan, err := s.getRobotPlan(ctx, req.RobotPlanID)
	if err != nil {
		return domain.ExecutionRun{}, err
	}
	adapter := s.adapterFor(plan.TargetPlatform, req.Mode)

	runID, err := record.NextID(ctx, s.store, domain.KindExecutionRun, domain.PrefixExecutionRun)
	if err != nil {
		return domain.ExecutionRun{}, execerr.CreateFailed(err, "allocate execution run id: %v", err)
	}

	attempt := req.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	run := domain.ExecutionRun{
		RecordID:      runID,
		RobotPlanRef:  plan.ID,
		PlannedRunRef: req.PlannedRunID,
		Attempt:       attempt,
		Status:        domain.RunRunning,
		Mode:          modeOf(req.Mode),
		StartedAt:     s.now().UTC(),
	}
	if req.ParentExecutionRunID != "" {
		run.ParentExecutionRunRef = &domain.Ref{ID: req.ParentExecutionRunID}
	}
	if req.Reason != "" {
		run.RetryReason = req.Reason
	}

	rec, err := record.New(runID, domain.KindExecutionRun, run)
	if err != nil {
		return domain.ExecutionRun{}, execerr.CreateFailed(err, "encode execution run: %v", err)
	}
	created, err := s.store.Create(ctx, rec)
	if err != nil {
		return domain.ExecutionRun{}, execerr.CreateFailed(err, "persist execution run %s: %v", runID, err)
	}

	task := Task{
		ContractVersion: ContractVersion,
		TaskID:          s.newTaskID(),
		ExecutionRunID:  runID,
		RobotPlanID:     plan.ID,
		AdapterID:       adapter.AdapterID(),
		TargetPlatform:  plan.TargetPlatform,
		ArtifactRefs:    artifactRefs(plan),
	}
	s.writeInstrumentLog(ctx, run, adapter.AdapterID(), "dispatched", "task "+task.TaskID)

	result, err := adapter.Dispatch(ctx, task)
	if err != nil {
		s.logger.Warn("dispatch failed",
			slog.String("execution_run_id", runID),
			slog.String("adapter_id", adapter.AdapterID()),
			slog.String("error", err.Error()))
		failed, failErr := s.failRun(ctx, created, run, classify.Classify(classify.Signal{Stderr: err.Error()}), err.Error())
		if failErr != nil {
			return domain.ExecutionRun{}, failErr
		}
		return failed, nil
	}

	run.ExternalRunID = result.ExternalRunID
	if raw := strings.TrimSpace(result.Status); raw != "" {
		if normalized := domain.NormalizeRunStatus(raw); normalized != "" {
			run.Status = normalized
		} else {
			s.logger.Warn("unrecognized adapter run status, keeping current",
				slog.String("execution_run_id", runID),
				slog.String("adapter_id", adapter.AdapterID()),
				slog.String("status", raw))
		}
	}
	updated, err := record.WithBody(created, run)
	if err != nil {
		return domain.ExecutionRun{}, execerr.UpdateFailed(err, "encode execution run %s: %v", runID, err)
	}
	if _, err := s.store.Update(ctx, updated); err != nil {
		return domain.ExecutionRun{}, execerr.UpdateFailed(err, "persist execution run %s: %v", runID, err)
	}

	s.logger.Info("execution run dispatched",
		slog.String("execution_run_id", runID),
		slog.String("robot_plan_id", plan.ID),
		slog.String("adapter_id", adapter.AdapterID()),
		slog.String("external_run_id", run.ExternalRunID),
		slog.Int("attempt", run.Attempt))
	return run, nil
}

// SyncStatus polls the adapter for a running run and applies terminal
// transitions. Already-terminal runs are returned unchanged.
func (s *Service) SyncStatus(ctx context.Context, runID string) (domain.ExecutionRun, error) {
	run, rec, err := s.getRun(ctx, runID)
	if err != nil {
		return domain.ExecutionRun{}, err
	}
	if domain.IsTerminalRunStatus(run.Status) {
		return run, nil
	}
	adapter := s.adapterFor(s.platformOf(ctx, run), run.Mode)

	status, err := adapter.Status(ctx, run.ExternalRunID)
	if err != nil {
		return domain.ExecutionRun{}, execerr.External(err, "status for %s: %v", runID, err)
	}

	normalized := domain.NormalizeRunStatus(status.Status)
	if normalized == "" {
		s.logger.Warn("unrecognized adapter run status, keeping current",
			slog.String("execution_run_id", runID),
			slog.String("adapter_id", adapter.AdapterID()),
			slog.String("status", status.Status))
		return run, nil
	}
	if !domain.IsTerminalRunStatus(normalized) {
		if normalized != run.Status {
			run.Status = normalized
			return s.putRun(ctx, rec, run)
		}
		return run, nil
	}

	now := s.now().UTC()
	run.Status = normalized
	run.CompletedAt = &now
	if normalized == domain.RunFailed {
		c := classify.Classify(classify.Signal{StatusRaw: status.Status, Stderr: status.Message})
		run.FailureClass = c.Class
		run.RetryRecommended = &c.RetryRecommended
		run.FailureCode = c.Code
	}
	s.closeInstrumentLog(ctx, run.RecordID, normalized)
	return s.putRun(ctx, rec, run)
}

// Cancel is best-effort toward the device and authoritative locally: the
// run ends canceled and its instrument log ends aborted even when the
// outward cancel fails.
func (s *Service) Cancel(ctx context.Context, runID string) (domain.ExecutionRun, error) {
	run, rec, err := s.getRun(ctx, runID)
	if err != nil {
		return domain.ExecutionRun{}, err
	}
	if domain.IsTerminalRunStatus(run.Status) {
		return domain.ExecutionRun{}, execerr.BadRequest("execution run %s already ended as %s", runID, run.Status)
	}

	adapter := s.adapterFor(s.platformOf(ctx, run), run.Mode)
	if run.ExternalRunID != "" {
		if err := adapter.Cancel(ctx, run.ExternalRunID); err != nil {
			s.logger.Warn("outward cancel failed, canceling locally anyway",
				slog.String("execution_run_id", runID),
				slog.String("adapter_id", adapter.AdapterID()),
				slog.String("error", err.Error()))
		}
	}

	now := s.now().UTC()
	run.Status = domain.RunCanceled
	run.CompletedAt = &now
	s.closeInstrumentLog(ctx, run.RecordID, domain.RunCanceled)
	return s.putRun(ctx, rec, run)
}

func (s *Service) adapterFor(platform, mode string) Dispatcher {
	if modeOf(mode) == "simulate" {
		return s.simulator
	}
	if id, ok := s.routes[strings.ToLower(strings.TrimSpace(platform))]; ok {
		if adapter, ok := s.adapters[id]; ok {
			return adapter
		}
	}
	return s.simulator
}

func modeOf(mode string) string {
	if strings.EqualFold(strings.TrimSpace(mode), "simulate") {
		return "simulate"
	}
	return "live"
}

func artifactRefs(plan domain.RobotPlan) []string {
	refs := make([]string, 0, len(plan.Artifacts))
	for _, artifact := range plan.Artifacts {
		refs = append(refs, artifact.URI)
	}
	return refs
}

func (s *Service) platformOf(ctx context.Context, run domain.ExecutionRun) string {
	plan, err := s.getRobotPlan(ctx, run.RobotPlanRef)
	if err != nil {
		return ""
	}
	return plan.TargetPlatform
}

func (s *Service) failRun(ctx context.Context, rec record.Record, run domain.ExecutionRun, c classify.Classification, message string) (domain.ExecutionRun, error) {
	now := s.now().UTC()
	run.Status = domain.RunFailed
	run.CompletedAt = &now
	run.FailureClass = c.Class
	run.RetryRecommended = &c.RetryRecommended
	run.FailureCode = c.Code
	if run.RetryReason == "" {
		run.RetryReason = message
	}
	s.closeInstrumentLog(ctx, run.RecordID, domain.RunFailed)
	return s.putRun(ctx, rec, run)
}

func (s *Service) writeInstrumentLog(ctx context.Context, run domain.ExecutionRun, adapterID, status, message string) {
	id, err := record.NextID(ctx, s.store, domain.KindInstrumentLog, domain.PrefixInstrumentLog)
	if err != nil {
		s.logger.Warn("allocate instrument log id", slog.String("error", err.Error()))
		return
	}
	entry := domain.InstrumentLog{
		RecordID:        id,
		RobotPlanRef:    run.RobotPlanRef,
		ExecutionRunRef: run.RecordID,
		AdapterID:       adapterID,
		Status:          status,
		Message:         message,
		At:              s.now().UTC(),
	}
	rec, err := record.New(id, domain.KindInstrumentLog, entry)
	if err != nil {
		s.logger.Warn("encode instrument log", slog.String("error", err.Error()))
		return
	}
	if _, err := s.store.Create(ctx, rec); err != nil {
		s.logger.Warn("persist instrument log", slog.String("error", err.Error()))
	}
}

// closeInstrumentLog marks the newest log entry for a run as completed or
// aborted. Log bookkeeping never fails the run transition.
func (s *Service) closeInstrumentLog(ctx context.Context, runID string, status domain.RunStatus) {
	records, err := s.store.List(ctx, record.Filter{Kind: domain.KindInstrumentLog})
	if err != nil {
		s.logger.Warn("list instrument logs", slog.String("error", err.Error()))
		return
	}
	var latest *record.Record
	var latestEntry domain.InstrumentLog
	for i := range records {
		var entry domain.InstrumentLog
		if err := record.Decode(records[i], &entry); err != nil {
			continue
		}
		if entry.ExecutionRunRef != runID {
			continue
		}
		if latest == nil || records[i].ID > latest.ID {
			latest = &records[i]
			latestEntry = entry
		}
	}
	if latest == nil {
		return
	}

	if status == domain.RunCompleted {
		latestEntry.Status = "completed"
	} else {
		latestEntry.Status = "aborted"
	}
	latestEntry.At = s.now().UTC()
	updated, err := record.WithBody(*latest, latestEntry)
	if err != nil {
		s.logger.Warn("encode instrument log", slog.String("error", err.Error()))
		return
	}
	if _, err := s.store.Update(ctx, updated); err != nil {
		s.logger.Warn("persist instrument log", slog.String("error", err.Error()))
	}
}

func (s *Service) getRobotPlan(ctx context.Context, id string) (domain.RobotPlan, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.RobotPlan{}, execerr.BadRequest("robot plan id is required")
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return domain.RobotPlan{}, execerr.NotFound("robot plan %s not found", id)
		}
		return domain.RobotPlan{}, execerr.External(err, "load robot plan %s: %v", id, err)
	}
	if rec.Kind != domain.KindRobotPlan {
		return domain.RobotPlan{}, execerr.NotFound("record %s is not a robot plan", id)
	}
	var plan domain.RobotPlan
	if err := record.Decode(rec, &plan); err != nil {
		return domain.RobotPlan{}, execerr.External(err, "decode robot plan %s: %v", id, err)
	}
	return plan, nil
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
