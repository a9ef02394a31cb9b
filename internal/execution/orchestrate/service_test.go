package orchestrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/labos-labs/labos-go/internal/domain"
	"github.com/labos-labs/labos-go/internal/execution/execerr"
	"github.com/labos-labs/labos-go/internal/record"
	"github.com/labos-labs/labos-go/internal/record/memory"
	"github.com/labos-labs/labos-go/internal/storage/objectstore"
)

const testBucket = "robot-artifacts"

func newService(t *testing.T) (*Service, *memory.Store, *objectstore.MemoryStore) {
	t.Helper()
	store := memory.New()
	objects := objectstore.NewMemoryStore()
	svc := New(store, objects, testBucket).WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	})
	return svc, store, objects
}

func seed(t *testing.T, store record.Store, id, kind string, body any) {
	t.Helper()
	rec, err := record.New(id, kind, body)
	if err != nil {
		t.Fatalf("encode %s: %v", id, err)
	}
	if _, err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func seedProtocol(t *testing.T, store record.Store) {
	t.Helper()
	seed(t, store, "PROT-1", domain.KindProtocol, domain.Protocol{
		RecordID: "PROT-1",
		Title:    "serial dilution",
		Steps: []domain.ProtocolStep{
			{Kind: "transfer", Details: map[string]any{"source_well": "A1", "dest_well": "B1", "volume_ul": 100.0}},
			{Kind: "incubate", Details: map[string]any{"minutes": 10.0}},
		},
	})
}

func seedPlanTriple(t *testing.T, store record.Store) {
	t.Helper()
	seed(t, store, "ENV-1", domain.KindExecutionEnvironment, domain.ExecutionEnvironment{
		RecordID: "ENV-1",
		Platform: domain.PlatformOpentronsOT2,
		Deck: []domain.DeckSlot{
			{ID: "1", Footprints: []string{"sbs_96"}},
			{ID: "2", Footprints: []string{"sbs_96"}},
			{ID: "3"},
			{ID: "12"},
		},
		Tools: []domain.Tool{
			{ID: "p300_single", Channels: 1, Mount: "right", MinVolumeUL: 20, MaxVolumeUL: 300, TipTypes: []string{"opentrons_300ul"}},
		},
		Labware: []domain.LabwareDef{{ID: "plate-a", Footprint: "sbs_96"}},
		Constraints: domain.EnvConstraints{
			MaxLabwareItems: 4,
			MaxTipracks:     2,
			RequireTrash:    true,
		},
	})
	seed(t, store, "GRAPH-1", domain.KindEventGraph, domain.EventGraph{
		RecordID: "GRAPH-1",
		Events: []domain.GraphEvent{
			{Kind: "transfer", LabwareRefs: []string{"plate-a"}, Details: map[string]any{"volume_ul": 100.0, "source_well": "A1", "dest_well": "B1"}},
		},
	})
	seed(t, store, "EXP-000001", domain.KindExecutionPlan, validExecutionPlan())
}

func validExecutionPlan() domain.ExecutionPlan {
	return domain.ExecutionPlan{
		RecordID:                "EXP-000001",
		EventGraphRef:           "GRAPH-1",
		ExecutionEnvironmentRef: "ENV-1",
		Placements:              []domain.Placement{{LabwareID: "plate-a", SlotID: "1"}},
		Tipracks:                []domain.TiprackPlacement{{RackID: "rack-1", SlotID: "2", TipType: "opentrons_300ul"}},
		Waste:                   &domain.WastePlacement{SlotID: "12", Kind: "trash"},
		ToolBindings:            domain.ToolBindings{Primary: "p300_single", Mount: "right"},
		TipManagement:           domain.TipManagement{Mode: "robot_managed", RackRefs: []string{"rack-1"}},
	}
}

func TestCreatePlannedRun(t *testing.T) {
	svc, store, _ := newService(t)
	seedProtocol(t, store)

	run, err := svc.CreatePlannedRun(context.Background(), CreatePlannedRunInput{
		Title:          "serial dilution on bench 2",
		SourceType:     "protocol",
		SourceRef:      "PROT-1",
		TargetPlatform: domain.PlatformOpentronsOT2,
	})
	if err != nil {
		t.Fatalf("CreatePlannedRun: %v", err)
	}
	if run.RecordID != "PLR-000001" {
		t.Fatalf("id = %s, want PLR-000001", run.RecordID)
	}
	if run.State != domain.PlannedRunDraft {
		t.Fatalf("state = %s, want draft", run.State)
	}
}

func TestCreatePlannedRunRejectsMissingSource(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.CreatePlannedRun(context.Background(), CreatePlannedRunInput{
		Title:          "x",
		SourceType:     "protocol",
		SourceRef:      "PROT-404",
		TargetPlatform: domain.PlatformOpentronsOT2,
	})
	if e, ok := execerr.As(err); !ok || e.Code != execerr.CodeNotFound {
		t.Fatalf("error = %v, want NOT_FOUND", err)
	}
}

func TestCreatePlannedRunRejectsUnknownPlatform(t *testing.T) {
	svc, store, _ := newService(t)
	seedProtocol(t, store)
	_, err := svc.CreatePlannedRun(context.Background(), CreatePlannedRunInput{
		Title:          "x",
		SourceType:     "protocol",
		SourceRef:      "PROT-1",
		TargetPlatform: "hamilton_star",
	})
	if e, ok := execerr.As(err); !ok || e.Code != execerr.CodeBadRequest {
		t.Fatalf("error = %v, want BAD_REQUEST", err)
	}
}

func TestCompilePlannedRunLegacyProtocol(t *testing.T) {
	svc, store, objects := newService(t)
	seedProtocol(t, store)
	seed(t, store, "PLR-000001", domain.KindPlannedRun, domain.PlannedRun{
		RecordID:       "PLR-000001",
		Title:          "serial dilution",
		SourceType:     "protocol",
		SourceRef:      "PROT-1",
		TargetPlatform: domain.PlatformOpentronsOT2,
		State:          domain.PlannedRunDraft,
	})

	plan, err := svc.CompilePlannedRun(context.Background(), "PLR-000001")
	if err != nil {
		t.Fatalf("CompilePlannedRun: %v", err)
	}
	if plan.ID != "RP-000001" {
		t.Fatalf("plan id = %s, want RP-000001", plan.ID)
	}
	if plan.Status != domain.RobotPlanCompiled {
		t.Fatalf("status = %s, want compiled", plan.Status)
	}
	if len(plan.ExecutionSteps) != 2 {
		t.Fatalf("steps = %d, want 2", len(plan.ExecutionSteps))
	}
	if len(plan.Artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(plan.Artifacts))
	}
	wantURI := "s3://" + testBucket + "/robot-plans/RP-000001/protocol.py"
	if plan.Artifacts[0].URI != wantURI {
		t.Fatalf("artifact uri = %s, want %s", plan.Artifacts[0].URI, wantURI)
	}
	if _, err := objects.Stat(context.Background(), testBucket, "robot-plans/RP-000001/protocol.py"); err != nil {
		t.Fatalf("artifact object missing: %v", err)
	}

	// The planned run advanced to ready.
	rec, err := store.Get(context.Background(), "PLR-000001")
	if err != nil {
		t.Fatalf("reload planned run: %v", err)
	}
	var run domain.PlannedRun
	if err := record.Decode(rec, &run); err != nil {
		t.Fatalf("decode planned run: %v", err)
	}
	if run.State != domain.PlannedRunReady {
		t.Fatalf("planned run state = %s, want ready", run.State)
	}
}

func TestCompilePlannedRunRoutesToExecutionPlan(t *testing.T) {
	svc, store, _ := newService(t)
	seedPlanTriple(t, store)
	seed(t, store, "PLR-000001", domain.KindPlannedRun, domain.PlannedRun{
		RecordID:       "PLR-000001",
		Title:          "planned emission",
		SourceType:     "event-graph",
		SourceRef:      "GRAPH-1",
		TargetPlatform: domain.PlatformOpentronsOT2,
		State:          domain.PlannedRunDraft,
		Bindings:       map[string]any{"executionPlanRef": map[string]any{"id": "EXP-000001"}},
	})

	plan, err := svc.CompilePlannedRun(context.Background(), "PLR-000001")
	if err != nil {
		t.Fatalf("CompilePlannedRun: %v", err)
	}
	if plan.ExecutionPlanRef != "EXP-000001" {
		t.Fatalf("executionPlanRef = %s, want EXP-000001", plan.ExecutionPlanRef)
	}
	if plan.PlannedRunRef != "PLR-000001" {
		t.Fatalf("plannedRunRef = %s", plan.PlannedRunRef)
	}
	if plan.Status != domain.RobotPlanValidated {
		t.Fatalf("status = %s, want validated", plan.Status)
	}
}

func TestExecutionPlanRefShapes(t *testing.T) {
	tests := []struct {
		name     string
		bindings map[string]any
		want     string
		ok       bool
	}{
		{"direct string", map[string]any{"executionPlanRef": "EXP-000001"}, "EXP-000001", true},
		{"object with id", map[string]any{"execution_plan_ref": map[string]any{"id": "EXP-000002"}}, "EXP-000002", true},
		{"named parameter", map[string]any{"parameters": []any{
			map[string]any{"name": "wells", "value": "A1"},
			map[string]any{"name": "executionPlanRef", "value": "EXP-000003"},
		}}, "EXP-000003", true},
		{"absent", map[string]any{"wells": "A1"}, "", false},
		{"empty string", map[string]any{"executionPlanRef": "  "}, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := executionPlanRef(tc.bindings)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("executionPlanRef = %q/%v, want %q/%v", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestEmitExecutionPlanRecordsDerivedArtifact(t *testing.T) {
	svc, store, _ := newService(t)
	seedPlanTriple(t, store)

	first, err := svc.EmitExecutionPlan(context.Background(), "EXP-000001")
	if err != nil {
		t.Fatalf("EmitExecutionPlan: %v", err)
	}
	if first.ID != "RP-000001" {
		t.Fatalf("first plan id = %s", first.ID)
	}

	second, err := svc.EmitExecutionPlan(context.Background(), "EXP-000001")
	if err != nil {
		t.Fatalf("second EmitExecutionPlan: %v", err)
	}
	if second.ID != "RP-000002" {
		t.Fatalf("second plan id = %s, want RP-000002", second.ID)
	}

	// Re-emission for the same target replaces the previous artifact entry.
	plan, _, err := svc.getExecutionPlan(context.Background(), "EXP-000001")
	if err != nil {
		t.Fatalf("reload execution plan: %v", err)
	}
	if len(plan.DerivedArtifacts) != 1 {
		t.Fatalf("derived artifacts = %d, want 1", len(plan.DerivedArtifacts))
	}
	artifact := plan.DerivedArtifacts[0]
	if artifact.Target != domain.PlatformOpentronsOT2 {
		t.Fatalf("target = %s", artifact.Target)
	}
	if !strings.Contains(artifact.Path, "RP-000002") {
		t.Fatalf("artifact path = %s, want second compile", artifact.Path)
	}
	if artifact.GeneratorVersion == "" {
		t.Fatal("generator version is empty")
	}

	// The recorded digest is the sha-256 of the rendered text itself.
	content, err := svc.GetRobotPlanArtifact(context.Background(), second.ID, "")
	if err != nil {
		t.Fatalf("GetRobotPlanArtifact: %v", err)
	}
	sum := sha256.Sum256([]byte(content.Text))
	if want := hex.EncodeToString(sum[:]); artifact.SHA256 != want {
		t.Fatalf("sha256 = %s, want %s", artifact.SHA256, want)
	}
}

func TestEmitExecutionPlanRejectsInvalidPlan(t *testing.T) {
	svc, store, _ := newService(t)
	seedPlanTriple(t, store)
	broken := validExecutionPlan()
	broken.RecordID = "EXP-000002"
	broken.Placements = nil
	seed(t, store, "EXP-000002", domain.KindExecutionPlan, broken)

	_, err := svc.EmitExecutionPlan(context.Background(), "EXP-000002")
	e, ok := execerr.As(err)
	if !ok || e.Code != execerr.CodePlanInvalid {
		t.Fatalf("error = %v, want PLAN_INVALID", err)
	}
	if !strings.Contains(e.Message, "MISSING_LABWARE_PLACEMENT") {
		t.Fatalf("message = %q, want issue code summary", e.Message)
	}

	// No robot plan was persisted for the failed emission.
	records, listErr := store.List(context.Background(), record.Filter{Kind: domain.KindRobotPlan})
	if listErr != nil {
		t.Fatalf("list robot plans: %v", listErr)
	}
	if len(records) != 0 {
		t.Fatalf("robot plans persisted = %d, want 0", len(records))
	}
}

func TestResolveRecordByBodyID(t *testing.T) {
	svc, store, _ := newService(t)
	seedPlanTriple(t, store)
	// Stored under a different envelope id than its body recordId.
	alt := validExecutionPlan()
	alt.RecordID = "EXP-000009"
	alt.EventGraphRef = "GRAPH-1"
	seed(t, store, "exp-internal-9", domain.KindExecutionPlan, alt)

	plan, _, err := svc.getExecutionPlan(context.Background(), "EXP-000009")
	if err != nil {
		t.Fatalf("resolve by body id: %v", err)
	}
	if plan.RecordID != "EXP-000009" {
		t.Fatalf("resolved = %s", plan.RecordID)
	}
}

func TestGetRobotPlanArtifact(t *testing.T) {
	svc, store, _ := newService(t)
	seedPlanTriple(t, store)
	plan, err := svc.EmitExecutionPlan(context.Background(), "EXP-000001")
	if err != nil {
		t.Fatalf("EmitExecutionPlan: %v", err)
	}

	content, err := svc.GetRobotPlanArtifact(context.Background(), plan.ID, "")
	if err != nil {
		t.Fatalf("GetRobotPlanArtifact: %v", err)
	}
	if !strings.Contains(content.Text, "def run(protocol") {
		t.Fatalf("artifact text does not look like an Opentrons protocol:\n%s", content.Text)
	}
	if content.MimeType != "text/x-python" {
		t.Fatalf("mime = %s", content.MimeType)
	}

	if _, err := svc.GetRobotPlanArtifact(context.Background(), plan.ID, "simulation-report"); err == nil {
		t.Fatal("expected NOT_FOUND for unknown role")
	}
}

type presignStore struct {
	*objectstore.MemoryStore
	lastBucket string
	lastKey    string
}

func (p *presignStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	p.lastBucket, p.lastKey = bucket, key
	return "https://objects.example/" + bucket + "/" + key + "?ttl=" + ttl.String(), nil
}

func TestArtifactURL(t *testing.T) {
	store := memory.New()
	objects := &presignStore{MemoryStore: objectstore.NewMemoryStore()}
	svc := New(store, objects, testBucket)
	seedPlanTriple(t, store)

	plan, err := svc.EmitExecutionPlan(context.Background(), "EXP-000001")
	if err != nil {
		t.Fatalf("EmitExecutionPlan: %v", err)
	}
	url, err := svc.ArtifactURL(context.Background(), plan.ID, "", 5*time.Minute)
	if err != nil {
		t.Fatalf("ArtifactURL: %v", err)
	}
	if !strings.HasPrefix(url, "https://objects.example/"+testBucket+"/") {
		t.Fatalf("url = %q", url)
	}
	if p := objects.lastBucket; p != testBucket {
		t.Fatalf("presigned bucket = %q", p)
	}
}

func TestSplitObjectURI(t *testing.T) {
	bucket, key, err := splitObjectURI("s3://robot-artifacts/robot-plans/RP-000001/protocol.py")
	if err != nil {
		t.Fatalf("splitObjectURI: %v", err)
	}
	if bucket != "robot-artifacts" || key != "robot-plans/RP-000001/protocol.py" {
		t.Fatalf("parsed %q / %q", bucket, key)
	}

	for _, uri := range []string{
		"http://robot-artifacts/protocol.py",
		"s3://robot-artifacts",
		"s3:///protocol.py",
		"s3://robot-artifacts/",
		"",
	} {
		if _, _, err := splitObjectURI(uri); err == nil {
			t.Fatalf("splitObjectURI(%q) accepted a malformed uri", uri)
		}
	}
}

type updateFailStore struct {
	record.Store
	failKind string
}

func (s *updateFailStore) Update(ctx context.Context, rec record.Record) (record.Record, error) {
	if rec.Kind == s.failKind {
		return record.Record{}, errors.New("store offline")
	}
	return s.Store.Update(ctx, rec)
}

func TestCompilePlannedRunKeepsCompileErrorOnLostStateWrite(t *testing.T) {
	inner := memory.New()
	seedPlanTriple(t, inner)
	broken := validExecutionPlan()
	broken.RecordID = "EXP-000002"
	broken.Placements = nil
	seed(t, inner, "EXP-000002", domain.KindExecutionPlan, broken)
	seed(t, inner, "PLR-000001", domain.KindPlannedRun, domain.PlannedRun{
		RecordID:       "PLR-000001",
		Title:          "doomed emission",
		SourceType:     "event-graph",
		SourceRef:      "GRAPH-1",
		TargetPlatform: domain.PlatformOpentronsOT2,
		State:          domain.PlannedRunDraft,
		Bindings:       map[string]any{"executionPlanRef": "EXP-000002"},
	})

	store := &updateFailStore{Store: inner, failKind: domain.KindPlannedRun}
	svc := New(store, objectstore.NewMemoryStore(), testBucket)

	// The validation failure is what the caller needs to see, even when
	// the failed-state write on the planned run is lost.
	_, err := svc.CompilePlannedRun(context.Background(), "PLR-000001")
	if e, ok := execerr.As(err); !ok || e.Code != execerr.CodePlanInvalid {
		t.Fatalf("error = %v, want PLAN_INVALID", err)
	}
}

func TestArtifactURLUnsupportedStore(t *testing.T) {
	svc, store, _ := newService(t)
	seedPlanTriple(t, store)
	plan, err := svc.EmitExecutionPlan(context.Background(), "EXP-000001")
	if err != nil {
		t.Fatalf("EmitExecutionPlan: %v", err)
	}
	_, err = svc.ArtifactURL(context.Background(), plan.ID, "", time.Minute)
	e, ok := execerr.As(err)
	if !ok || e.Code != execerr.CodeBadRequest {
		t.Fatalf("ArtifactURL on memory store = %v, want BAD_REQUEST", err)
	}
}
