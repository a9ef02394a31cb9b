package control

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/labos-labs/labos-go/internal/domain"
	"github.com/labos-labs/labos-go/internal/execution/runs"
	"github.com/labos-labs/labos-go/internal/record"
	"github.com/labos-labs/labos-go/internal/record/memory"
)

type fakeAdapter struct {
	id           string
	dispatched   []Task
	dispatchErr  error
	statusResult StatusResult
	statusErr    error
	canceled     []string
	cancelErr    error
}

func (a *fakeAdapter) AdapterID() string { return a.id }

func (a *fakeAdapter) Dispatch(ctx context.Context, task Task) (DispatchResult, error) {
	a.dispatched = append(a.dispatched, task)
	if a.dispatchErr != nil {
		return DispatchResult{}, a.dispatchErr
	}
	return DispatchResult{ContractVersion: ContractVersion, ExternalRunID: "ext-" + task.TaskID, Status: "running"}, nil
}

func (a *fakeAdapter) Status(ctx context.Context, externalRunID string) (StatusResult, error) {
	if a.statusErr != nil {
		return StatusResult{}, a.statusErr
	}
	return a.statusResult, nil
}

func (a *fakeAdapter) Cancel(ctx context.Context, externalRunID string) error {
	a.canceled = append(a.canceled, externalRunID)
	return a.cancelErr
}

func newControl(t *testing.T) (*Service, *memory.Store, *fakeAdapter) {
	t.Helper()
	store := memory.New()
	adapter := &fakeAdapter{id: "ot2-bridge"}
	taskSeq := 0
	svc := New(store, slog.New(slog.DiscardHandler)).
		Register(domain.PlatformOpentronsOT2, adapter).
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC) }).
		WithTaskIDs(func() string { taskSeq++; return "task-" + strings.Repeat("0", 3) + string(rune('0'+taskSeq)) })
	seedRobotPlan(t, store)
	return svc, store, adapter
}

func seedRobotPlan(t *testing.T, store record.Store) {
	t.Helper()
	plan := domain.RobotPlan{
		ID:             "RP-000001",
		TargetPlatform: domain.PlatformOpentronsOT2,
		Status:         domain.RobotPlanCompiled,
		Artifacts: []domain.PlanArtifact{
			{URI: "s3://robot-artifacts/robot-plans/RP-000001/protocol.py", MimeType: "text/x-python", Role: "opentrons_protocol_py"},
		},
	}
	rec, err := record.New(plan.ID, domain.KindRobotPlan, plan)
	if err != nil {
		t.Fatalf("encode robot plan: %v", err)
	}
	if _, err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed robot plan: %v", err)
	}
}

func loadRun(t *testing.T, store record.Store, id string) domain.ExecutionRun {
	t.Helper()
	rec, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	var run domain.ExecutionRun
	if err := record.Decode(rec, &run); err != nil {
		t.Fatalf("decode %s: %v", id, err)
	}
	return run
}

func instrumentLogs(t *testing.T, store record.Store, runID string) []domain.InstrumentLog {
	t.Helper()
	records, err := store.List(context.Background(), record.Filter{Kind: domain.KindInstrumentLog})
	if err != nil {
		t.Fatalf("list instrument logs: %v", err)
	}
	var out []domain.InstrumentLog
	for _, rec := range records {
		var entry domain.InstrumentLog
		if err := record.Decode(rec, &entry); err != nil {
			t.Fatalf("decode log: %v", err)
		}
		if entry.ExecutionRunRef == runID {
			out = append(out, entry)
		}
	}
	return out
}

func TestDispatchCreatesRunAndInstrumentLog(t *testing.T) {
	svc, store, adapter := newControl(t)

	run, err := svc.Dispatch(context.Background(), runs.DispatchRequest{RobotPlanID: "RP-000001", PlannedRunID: "PLR-000001"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if run.RecordID != "EXR-000001" {
		t.Fatalf("run id = %s", run.RecordID)
	}
	if run.Status != domain.RunRunning || run.Attempt != 1 || run.Mode != "live" {
		t.Fatalf("run = %+v", run)
	}
	if run.ExternalRunID == "" {
		t.Fatal("external run id not recorded")
	}
	if len(adapter.dispatched) != 1 {
		t.Fatalf("adapter calls = %d", len(adapter.dispatched))
	}
	task := adapter.dispatched[0]
	if task.ContractVersion != ContractVersion {
		t.Fatalf("contract = %s", task.ContractVersion)
	}
	if task.ExecutionRunID != "EXR-000001" || task.RobotPlanID != "RP-000001" {
		t.Fatalf("task = %+v", task)
	}
	if len(task.ArtifactRefs) != 1 || !strings.HasSuffix(task.ArtifactRefs[0], "protocol.py") {
		t.Fatalf("artifact refs = %v", task.ArtifactRefs)
	}

	logs := instrumentLogs(t, store, "EXR-000001")
	if len(logs) != 1 || logs[0].Status != "dispatched" {
		t.Fatalf("logs = %+v", logs)
	}

	// Reread the stored run to confirm the external id persisted.
	stored := loadRun(t, store, "EXR-000001")
	if stored.ExternalRunID != run.ExternalRunID {
		t.Fatalf("stored external id = %s", stored.ExternalRunID)
	}
}

func TestDispatchFailureIsClassified(t *testing.T) {
	svc, store, adapter := newControl(t)
	adapter.dispatchErr = errors.New("dial tcp: connection timed out")

	run, err := svc.Dispatch(context.Background(), runs.DispatchRequest{RobotPlanID: "RP-000001"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if run.Status != domain.RunFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if run.FailureClass != domain.FailureTransient {
		t.Fatalf("failure class = %s, want transient", run.FailureClass)
	}
	if run.FailureCode != domain.FailureCodeTimeoutTemporary {
		t.Fatalf("failure code = %s", run.FailureCode)
	}
	if run.RetryRecommended == nil || !*run.RetryRecommended {
		t.Fatal("transient timeout should recommend retry")
	}

	logs := instrumentLogs(t, store, run.RecordID)
	if len(logs) != 1 || logs[0].Status != "aborted" {
		t.Fatalf("logs = %+v", logs)
	}
}

func TestDispatchSimulateModeUsesSimulator(t *testing.T) {
	svc, _, adapter := newControl(t)

	run, err := svc.Dispatch(context.Background(), runs.DispatchRequest{RobotPlanID: "RP-000001", Mode: "simulate"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if run.Mode != "simulate" {
		t.Fatalf("mode = %s", run.Mode)
	}
	if run.ExternalRunID != "sim-"+run.RecordID {
		t.Fatalf("external run id = %s, want sim-%s", run.ExternalRunID, run.RecordID)
	}
	if len(adapter.dispatched) != 0 {
		t.Fatal("bridge adapter must not receive simulate-mode tasks")
	}
}

func TestDispatchUnroutedPlatformFallsBackToSimulator(t *testing.T) {
	store := memory.New()
	svc := New(store, slog.New(slog.DiscardHandler))
	plan := domain.RobotPlan{ID: "RP-000001", TargetPlatform: domain.PlatformIntegraAssist, Status: domain.RobotPlanCompiled}
	rec, _ := record.New(plan.ID, domain.KindRobotPlan, plan)
	if _, err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed: %v", err)
	}

	run, err := svc.Dispatch(context.Background(), runs.DispatchRequest{RobotPlanID: "RP-000001"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !strings.HasPrefix(run.ExternalRunID, "sim-") {
		t.Fatalf("external run id = %s, want simulator", run.ExternalRunID)
	}
}

func TestSyncStatusCompletesRun(t *testing.T) {
	svc, store, adapter := newControl(t)
	run, err := svc.Dispatch(context.Background(), runs.DispatchRequest{RobotPlanID: "RP-000001"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Vendor vocabulary normalizes before the terminal check.
	adapter.statusResult = StatusResult{ContractVersion: ContractVersion, Status: "succeeded"}
	synced, err := svc.SyncStatus(context.Background(), run.RecordID)
	if err != nil {
		t.Fatalf("SyncStatus: %v", err)
	}
	if synced.Status != domain.RunCompleted {
		t.Fatalf("status = %s, want completed", synced.Status)
	}
	if synced.CompletedAt == nil {
		t.Fatal("completedAt not set")
	}

	logs := instrumentLogs(t, store, run.RecordID)
	if len(logs) != 1 || logs[0].Status != "completed" {
		t.Fatalf("logs = %+v", logs)
	}

	// A second sync is a no-op on a terminal run.
	again, err := svc.SyncStatus(context.Background(), run.RecordID)
	if err != nil {
		t.Fatalf("second SyncStatus: %v", err)
	}
	if again.Status != domain.RunCompleted {
		t.Fatalf("second status = %s", again.Status)
	}
}

func TestSyncStatusKeepsStatusOnUnrecognizedVendorText(t *testing.T) {
	svc, store, adapter := newControl(t)
	run, err := svc.Dispatch(context.Background(), runs.DispatchRequest{RobotPlanID: "RP-000001"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Vendor text outside the known vocabulary must not blank the run.
	adapter.statusResult = StatusResult{ContractVersion: ContractVersion, Status: "paused"}
	synced, err := svc.SyncStatus(context.Background(), run.RecordID)
	if err != nil {
		t.Fatalf("SyncStatus: %v", err)
	}
	if synced.Status != domain.RunRunning {
		t.Fatalf("status = %q, want running", synced.Status)
	}
	stored := loadRun(t, store, run.RecordID)
	if stored.Status != domain.RunRunning {
		t.Fatalf("stored status = %q, want running", stored.Status)
	}
}

func TestSyncStatusClassifiesFailure(t *testing.T) {
	svc, _, adapter := newControl(t)
	run, err := svc.Dispatch(context.Background(), runs.DispatchRequest{RobotPlanID: "RP-000001"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	adapter.statusResult = StatusResult{ContractVersion: ContractVersion, Status: "failed", Message: "invalid protocol: labware offset missing"}
	synced, err := svc.SyncStatus(context.Background(), run.RecordID)
	if err != nil {
		t.Fatalf("SyncStatus: %v", err)
	}
	if synced.Status != domain.RunFailed {
		t.Fatalf("status = %s", synced.Status)
	}
	if synced.FailureClass != domain.FailureTerminal {
		t.Fatalf("failure class = %s, want terminal", synced.FailureClass)
	}
	if synced.RetryRecommended == nil || *synced.RetryRecommended {
		t.Fatal("terminal failure must not recommend retry")
	}
}

func TestCancelIsAuthoritativeLocally(t *testing.T) {
	svc, store, adapter := newControl(t)
	adapter.cancelErr = errors.New("bridge unreachable")
	run, err := svc.Dispatch(context.Background(), runs.DispatchRequest{RobotPlanID: "RP-000001"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	canceled, err := svc.Cancel(context.Background(), run.RecordID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if canceled.Status != domain.RunCanceled {
		t.Fatalf("status = %s, want canceled", canceled.Status)
	}
	if canceled.CompletedAt == nil {
		t.Fatal("completedAt not set")
	}
	if len(adapter.canceled) != 1 {
		t.Fatal("outward cancel not attempted")
	}

	logs := instrumentLogs(t, store, run.RecordID)
	if len(logs) != 1 || logs[0].Status != "aborted" {
		t.Fatalf("logs = %+v", logs)
	}

	// Canceling a terminal run is refused.
	if _, err := svc.Cancel(context.Background(), run.RecordID); err == nil {
		t.Fatal("expected refusal for terminal run")
	}
}
