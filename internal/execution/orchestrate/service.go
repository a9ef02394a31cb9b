// Package orchestrate drives the planning-to-compilation pipeline:
// planned-run intake, compilation to platform artifacts, execution-plan
// emission with validation, and artifact retrieval.
package orchestrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/labos-labs/labos-go/internal/domain"
	"github.com/labos-labs/labos-go/internal/execution/compile"
	"github.com/labos-labs/labos-go/internal/execution/execerr"
	"github.com/labos-labs/labos-go/internal/execution/validate"
	"github.com/labos-labs/labos-go/internal/record"
	"github.com/labos-labs/labos-go/internal/storage/objectstore"
)

type Service struct {
	store   record.Store
	objects objectstore.Store
	bucket  string
	logger  *slog.Logger
	now     func() time.Time
}

func New(store record.Store, objects objectstore.Store, bucket string) *Service {
	if strings.TrimSpace(bucket) == "" {
		bucket = "robot-artifacts"
	}
	return &Service{store: store, objects: objects, bucket: bucket, logger: slog.Default(), now: time.Now}
}

// WithClock overrides the timestamp source, for deterministic tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithLogger routes service logging to the given logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

type CreatePlannedRunInput struct {
	Title          string
	SourceType     string // protocol | event-graph
	SourceRef      string
	TargetPlatform string
	Bindings       map[string]any
}

// CreatePlannedRun registers an intent to execute. The source record must
// already exist; the run starts in draft.
func (s *Service) CreatePlannedRun(ctx context.Context, in CreatePlannedRunInput) (domain.PlannedRun, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.PlannedRun{}, execerr.BadRequest("planned run title is required")
	}
	sourceRef := strings.TrimSpace(in.SourceRef)
	if sourceRef == "" {
		return domain.PlannedRun{}, execerr.BadRequest("planned run source ref is required")
	}
	sourceType := strings.TrimSpace(in.SourceType)
	switch sourceType {
	case "protocol", "event-graph":
	default:
		return domain.PlannedRun{}, execerr.BadRequest("unsupported source type %q", in.SourceType)
	}
	platform := strings.ToLower(strings.TrimSpace(in.TargetPlatform))
	if _, ok := compile.For(platform); !ok {
		return domain.PlannedRun{}, execerr.BadRequest("unsupported target platform %q", in.TargetPlatform)
	}

	sourceKind := domain.KindProtocol
	if sourceType == "event-graph" {
		sourceKind = domain.KindEventGraph
	}
	if _, err := s.resolveRecord(ctx, sourceRef, sourceKind); err != nil {
		return domain.PlannedRun{}, err
	}

	id, err := record.NextID(ctx, s.store, domain.KindPlannedRun, domain.PrefixPlannedRun)
	if err != nil {
		return domain.PlannedRun{}, execerr.CreateFailed(err, "allocate planned run id: %v", err)
	}
	run := domain.PlannedRun{
		RecordID:       id,
		Title:          title,
		SourceType:     sourceType,
		SourceRef:      sourceRef,
		TargetPlatform: platform,
		State:          domain.PlannedRunDraft,
		Bindings:       in.Bindings,
	}
	rec, err := record.New(id, domain.KindPlannedRun, run)
	if err != nil {
		return domain.PlannedRun{}, execerr.CreateFailed(err, "encode planned run: %v", err)
	}
	if _, err := s.store.Create(ctx, rec); err != nil {
		return domain.PlannedRun{}, execerr.CreateFailed(err, "persist planned run: %v", err)
	}
	return run, nil
}

// CompilePlannedRun compiles a planned run into a RobotPlan. Runs whose
// bindings reference an execution plan are routed through the validated
// emission path; everything else compiles the linked protocol directly.
// The planned run ends in ready on success or failed on compile error.
func (s *Service) CompilePlannedRun(ctx context.Context, plannedRunID string) (domain.RobotPlan, error) {
	run, runRec, err := s.getPlannedRun(ctx, plannedRunID)
	if err != nil {
		return domain.RobotPlan{}, err
	}

	if planRef, ok := executionPlanRef(run.Bindings); ok {
		plan, err := s.emitForPlannedRun(ctx, planRef, run)
		if err != nil {
			s.markPlannedRunFailed(ctx, runRec, run)
			return domain.RobotPlan{}, err
		}
		if err := s.setPlannedRunState(ctx, runRec, run, domain.PlannedRunReady); err != nil {
			return domain.RobotPlan{}, err
		}
		return plan, nil
	}

	input := compile.Input{TargetPlatform: run.TargetPlatform, PlannedRun: &run}
	if run.SourceType == "event-graph" {
		graph, err := s.getEventGraph(ctx, run.SourceRef)
		if err != nil {
			return domain.RobotPlan{}, err
		}
		input.Graph = &graph
	} else {
		protocol, err := s.getProtocol(ctx, run.SourceRef)
		if err != nil {
			return domain.RobotPlan{}, err
		}
		input.Protocol = &protocol
	}

	plan, _, err := s.compileAndPersist(ctx, input, run.RecordID, "")
	if err != nil {
		s.markPlannedRunFailed(ctx, runRec, run)
		return domain.RobotPlan{}, err
	}

	state := domain.PlannedRunReady
	if plan.Status == domain.RobotPlanError {
		state = domain.PlannedRunFailed
	}
	if err := s.setPlannedRunState(ctx, runRec, run, state); err != nil {
		return domain.RobotPlan{}, err
	}
	return plan, nil
}

// markPlannedRunFailed records the failed state on a best-effort basis:
// the compile error is what the caller needs to see, so a lost state
// write is logged rather than returned.
func (s *Service) markPlannedRunFailed(ctx context.Context, runRec record.Record, run domain.PlannedRun) {
	if err := s.setPlannedRunState(ctx, runRec, run, domain.PlannedRunFailed); err != nil {
		s.logger.Warn("failed-state write lost on planned run",
			slog.String("planned_run_id", run.RecordID),
			slog.String("error", err.Error()))
	}
}

// EmitExecutionPlan validates an execution plan against its environment and
// event graph, compiles it for the environment platform, and records a
// content-addressed derived artifact on the plan.
func (s *Service) EmitExecutionPlan(ctx context.Context, executionPlanID string) (domain.RobotPlan, error) {
	return s.emitForPlannedRun(ctx, executionPlanID, domain.PlannedRun{})
}

func (s *Service) emitForPlannedRun(ctx context.Context, executionPlanID string, run domain.PlannedRun) (domain.RobotPlan, error) {
	plan, planRec, err := s.getExecutionPlan(ctx, executionPlanID)
	if err != nil {
		return domain.RobotPlan{}, err
	}
	env, _, err := s.getEnvironment(ctx, plan.ExecutionEnvironmentRef)
	if err != nil {
		return domain.RobotPlan{}, err
	}
	graph, err := s.getEventGraph(ctx, plan.EventGraphRef)
	if err != nil {
		return domain.RobotPlan{}, err
	}

	result := validate.Validate(graph, env, plan)
	if !result.Valid {
		return domain.RobotPlan{}, execerr.PlanInvalid("execution plan %s failed validation: %s", plan.RecordID, summarizeIssues(result.Issues))
	}

	input := compile.Input{
		TargetPlatform: env.Platform,
		Plan:           &plan,
		Environment:    &env,
		Graph:          &graph,
	}
	if run.RecordID != "" {
		input.PlannedRun = &run
	}
	robotPlan, artifactText, err := s.compileAndPersist(ctx, input, run.RecordID, plan.RecordID)
	if err != nil {
		return domain.RobotPlan{}, err
	}
	if robotPlan.Status == domain.RobotPlanError {
		return domain.RobotPlan{}, execerr.LintError("execution plan %s compiled with errors", plan.RecordID)
	}

	if err := s.recordDerivedArtifact(ctx, planRec, plan, robotPlan, artifactText); err != nil {
		return domain.RobotPlan{}, err
	}
	return robotPlan, nil
}

// compileAndPersist also returns the rendered artifact text so callers
// can content-address it without refetching the stored object.
func (s *Service) compileAndPersist(ctx context.Context, input compile.Input, plannedRunID, executionPlanID string) (domain.RobotPlan, string, error) {
	compiler, ok := compile.For(input.TargetPlatform)
	if !ok {
		return domain.RobotPlan{}, "", execerr.BadRequest("unsupported target platform %q", input.TargetPlatform)
	}

	id, err := record.NextID(ctx, s.store, domain.KindRobotPlan, domain.PrefixRobotPlan)
	if err != nil {
		return domain.RobotPlan{}, "", execerr.CreateFailed(err, "allocate robot plan id: %v", err)
	}
	input.RobotPlanID = id
	result := compiler.Compile(input)

	plan := domain.RobotPlan{
		ID:               id,
		PlannedRunRef:    plannedRunID,
		ExecutionPlanRef: executionPlanID,
		TargetPlatform:   compiler.Platform(),
		GeneratedAt:      s.now().UTC(),
		GeneratorVersion: compile.GeneratorVersion,
		DeckSlots:        result.DeckSlots,
		Pipettes:         result.Pipettes,
		ExecutionSteps:   result.Steps,
		Status:           domain.RobotPlanCompiled,
		Errors:           result.Errors,
		Notes:            result.Notes,
	}
	if executionPlanID != "" {
		// Emission-path plans passed execution-plan validation first.
		plan.Status = domain.RobotPlanValidated
	}
	if len(result.Errors) > 0 {
		plan.Status = domain.RobotPlanError
	}

	if result.ArtifactText != "" {
		uri, err := s.writeArtifact(ctx, id, result)
		if err != nil {
			return domain.RobotPlan{}, "", err
		}
		plan.Artifacts = []domain.PlanArtifact{{
			URI:      uri,
			MimeType: result.ArtifactMime,
			Role:     result.ArtifactRole,
		}}
	}

	rec, err := record.New(id, domain.KindRobotPlan, plan)
	if err != nil {
		return domain.RobotPlan{}, "", execerr.CreateFailed(err, "encode robot plan: %v", err)
	}
	if _, err := s.store.Create(ctx, rec); err != nil {
		return domain.RobotPlan{}, "", execerr.CreateFailed(err, "persist robot plan %s: %v", id, err)
	}
	return plan, result.ArtifactText, nil
}

// writeArtifact stores the rendered artifact under a deterministic key.
// An existing object at the key is left untouched: plan ids are unique per
// compile, so a hit means this exact render was already written.
func (s *Service) writeArtifact(ctx context.Context, robotPlanID string, result compile.Result) (string, error) {
	key := artifactKey(robotPlanID, result.ArtifactMime)
	if _, err := s.objects.Stat(ctx, s.bucket, key); err == nil {
		return "s3://" + s.bucket + "/" + key, nil
	}
	body := strings.NewReader(result.ArtifactText)
	if err := s.objects.Put(ctx, s.bucket, key, body, int64(len(result.ArtifactText)), result.ArtifactMime); err != nil {
		return "", execerr.ArtifactWriteFailed(err, "write artifact for %s: %v", robotPlanID, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

func artifactKey(robotPlanID, mime string) string {
	name := "protocol.py"
	if strings.Contains(mime, "xml") {
		name = "protocol.xml"
	}
	return "robot-plans/" + robotPlanID + "/" + name
}

// splitObjectURI parses the s3://<bucket>/<key> form written by
// writeArtifact back into its bucket and key.
func splitObjectURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("object uri %q does not start with s3://", uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("object uri %q is missing a bucket or key", uri)
	}
	return bucket, key, nil
}

// recordDerivedArtifact appends provenance to the execution plan, replacing
// any previous artifact for the same target so re-emission stays idempotent
// per target.
func (s *Service) recordDerivedArtifact(ctx context.Context, planRec record.Record, plan domain.ExecutionPlan, robotPlan domain.RobotPlan, artifactText string) error {
	if len(robotPlan.Artifacts) == 0 {
		return nil
	}
	sum := sha256.Sum256([]byte(artifactText))
	artifact := domain.DerivedArtifact{
		Target:           robotPlan.TargetPlatform,
		Path:             robotPlan.Artifacts[0].URI,
		SHA256:           hex.EncodeToString(sum[:]),
		GeneratorVersion: robotPlan.GeneratorVersion,
		GeneratedAt:      robotPlan.GeneratedAt,
	}

	kept := plan.DerivedArtifacts[:0:0]
	for _, existing := range plan.DerivedArtifacts {
		if existing.Target != artifact.Target {
			kept = append(kept, existing)
		}
	}
	plan.DerivedArtifacts = append(kept, artifact)

	updated, err := record.WithBody(planRec, plan)
	if err != nil {
		return execerr.UpdateFailed(err, "encode execution plan %s: %v", plan.RecordID, err)
	}
	if _, err := s.store.Update(ctx, updated); err != nil {
		return execerr.UpdateFailed(err, "persist derived artifact on %s: %v", plan.RecordID, err)
	}
	return nil
}

// ArtifactContent is one retrieved robot-plan artifact.
type ArtifactContent struct {
	Role     string
	MimeType string
	URI      string
	Text     string
}

// GetRobotPlanArtifact fetches the artifact with the given role, or the
// first artifact when role is empty.
func (s *Service) GetRobotPlanArtifact(ctx context.Context, robotPlanID, role string) (ArtifactContent, error) {
	chosen, err := s.findArtifact(ctx, robotPlanID, role)
	if err != nil {
		return ArtifactContent{}, err
	}

	bucket, key, err := splitObjectURI(chosen.URI)
	if err != nil {
		return ArtifactContent{}, execerr.NotFound("robot plan %s artifact uri is unreadable: %v", robotPlanID, err)
	}
	body, _, err := s.objects.Get(ctx, bucket, key)
	if err != nil {
		return ArtifactContent{}, execerr.NotFound("artifact object for %s not found: %v", robotPlanID, err)
	}
	defer body.Close()
	text, err := io.ReadAll(body)
	if err != nil {
		return ArtifactContent{}, execerr.External(err, "read artifact for %s: %v", robotPlanID, err)
	}
	return ArtifactContent{
		Role:     chosen.Role,
		MimeType: chosen.MimeType,
		URI:      chosen.URI,
		Text:     string(text),
	}, nil
}

// ArtifactURL returns a time-limited download URL for a robot-plan
// artifact. Only presign-capable object stores support this.
func (s *Service) ArtifactURL(ctx context.Context, robotPlanID, role string, ttl time.Duration) (string, error) {
	presigner, ok := s.objects.(objectstore.Presigner)
	if !ok {
		return "", execerr.BadRequest("the configured object store does not support download URLs")
	}
	chosen, err := s.findArtifact(ctx, robotPlanID, role)
	if err != nil {
		return "", err
	}
	bucket, key, err := splitObjectURI(chosen.URI)
	if err != nil {
		return "", execerr.NotFound("robot plan %s artifact uri is unreadable: %v", robotPlanID, err)
	}
	url, err := presigner.PresignGet(ctx, bucket, key, ttl)
	if err != nil {
		return "", execerr.External(err, "presign artifact for %s: %v", robotPlanID, err)
	}
	return url, nil
}

func (s *Service) findArtifact(ctx context.Context, robotPlanID, role string) (domain.PlanArtifact, error) {
	plan, _, err := s.GetRobotPlan(ctx, robotPlanID)
	if err != nil {
		return domain.PlanArtifact{}, err
	}
	for _, artifact := range plan.Artifacts {
		if role == "" || artifact.Role == role {
			return artifact, nil
		}
	}
	return domain.PlanArtifact{}, execerr.NotFound("robot plan %s has no artifact with role %q", robotPlanID, role)
}

// GetRobotPlan loads a robot plan by id.
func (s *Service) GetRobotPlan(ctx context.Context, id string) (domain.RobotPlan, record.Record, error) {
	rec, err := s.resolveRecord(ctx, id, domain.KindRobotPlan)
	if err != nil {
		return domain.RobotPlan{}, record.Record{}, err
	}
	var plan domain.RobotPlan
	if err := record.Decode(rec, &plan); err != nil {
		return domain.RobotPlan{}, record.Record{}, execerr.External(err, "decode robot plan %s: %v", id, err)
	}
	return plan, rec, nil
}

func (s *Service) getPlannedRun(ctx context.Context, id string) (domain.PlannedRun, record.Record, error) {
	rec, err := s.resolveRecord(ctx, id, domain.KindPlannedRun)
	if err != nil {
		return domain.PlannedRun{}, record.Record{}, err
	}
	var run domain.PlannedRun
	if err := record.Decode(rec, &run); err != nil {
		return domain.PlannedRun{}, record.Record{}, execerr.External(err, "decode planned run %s: %v", id, err)
	}
	return run, rec, nil
}

func (s *Service) getProtocol(ctx context.Context, id string) (domain.Protocol, error) {
	rec, err := s.resolveRecord(ctx, id, domain.KindProtocol)
	if err != nil {
		return domain.Protocol{}, err
	}
	var protocol domain.Protocol
	if err := record.Decode(rec, &protocol); err != nil {
		return domain.Protocol{}, execerr.External(err, "decode protocol %s: %v", id, err)
	}
	return protocol, nil
}

func (s *Service) getExecutionPlan(ctx context.Context, id string) (domain.ExecutionPlan, record.Record, error) {
	rec, err := s.resolveRecord(ctx, id, domain.KindExecutionPlan)
	if err != nil {
		return domain.ExecutionPlan{}, record.Record{}, err
	}
	var plan domain.ExecutionPlan
	if err := record.Decode(rec, &plan); err != nil {
		return domain.ExecutionPlan{}, record.Record{}, execerr.External(err, "decode execution plan %s: %v", id, err)
	}
	return plan, rec, nil
}

func (s *Service) getEnvironment(ctx context.Context, id string) (domain.ExecutionEnvironment, record.Record, error) {
	rec, err := s.resolveRecord(ctx, id, domain.KindExecutionEnvironment)
	if err != nil {
		return domain.ExecutionEnvironment{}, record.Record{}, err
	}
	var env domain.ExecutionEnvironment
	if err := record.Decode(rec, &env); err != nil {
		return domain.ExecutionEnvironment{}, record.Record{}, execerr.External(err, "decode execution environment %s: %v", id, err)
	}
	return env, rec, nil
}

func (s *Service) getEventGraph(ctx context.Context, id string) (domain.EventGraph, error) {
	rec, err := s.resolveRecord(ctx, id, domain.KindEventGraph)
	if err != nil {
		return domain.EventGraph{}, err
	}
	var graph domain.EventGraph
	if err := record.Decode(rec, &graph); err != nil {
		return domain.EventGraph{}, execerr.External(err, "decode event graph %s: %v", id, err)
	}
	return graph, nil
}

// resolveRecord tolerates both store ids and body-level record ids: a miss
// on direct lookup falls back to scanning records of the expected kind for
// a body recordId match.
func (s *Service) resolveRecord(ctx context.Context, id, kind string) (record.Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return record.Record{}, execerr.BadRequest("%s id is required", kind)
	}
	rec, err := s.store.Get(ctx, id)
	if err == nil {
		if rec.Kind != kind {
			return record.Record{}, execerr.NotFound("record %s is %s, not %s", id, rec.Kind, kind)
		}
		return rec, nil
	}
	if !errors.Is(err, record.ErrNotFound) {
		return record.Record{}, execerr.External(err, "load %s %s: %v", kind, id, err)
	}

	records, err := s.store.List(ctx, record.Filter{Kind: kind})
	if err != nil {
		return record.Record{}, execerr.External(err, "scan %s records: %v", kind, err)
	}
	for _, candidate := range records {
		var envelope struct {
			RecordID string `json:"recordId"`
			ID       string `json:"id"`
		}
		if decodeErr := record.Decode(candidate, &envelope); decodeErr != nil {
			continue
		}
		if envelope.RecordID == id || envelope.ID == id {
			return candidate, nil
		}
	}
	return record.Record{}, execerr.NotFound("%s %s not found", kind, id)
}

func (s *Service) setPlannedRunState(ctx context.Context, rec record.Record, run domain.PlannedRun, state domain.PlannedRunState) error {
	run.State = state
	updated, err := record.WithBody(rec, run)
	if err != nil {
		return execerr.UpdateFailed(err, "encode planned run %s: %v", run.RecordID, err)
	}
	if _, err := s.store.Update(ctx, updated); err != nil {
		return execerr.UpdateFailed(err, "persist planned run %s state: %v", run.RecordID, err)
	}
	return nil
}

// executionPlanRef digs an execution-plan reference out of planned-run
// bindings. Three shapes are accepted: a direct string value, an object
// with an id field, and a named entry in a parameters list.
func executionPlanRef(bindings map[string]any) (string, bool) {
	if len(bindings) == 0 {
		return "", false
	}
	if ref, ok := refFromValue(bindings["executionPlanRef"]); ok {
		return ref, true
	}
	if ref, ok := refFromValue(bindings["execution_plan_ref"]); ok {
		return ref, true
	}
	params, ok := bindings["parameters"].([]any)
	if !ok {
		return "", false
	}
	for _, raw := range params {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		if name != "executionPlanRef" && name != "execution_plan_ref" {
			continue
		}
		if ref, ok := refFromValue(entry["value"]); ok {
			return ref, true
		}
	}
	return "", false
}

func refFromValue(v any) (string, bool) {
	switch ref := v.(type) {
	case string:
		ref = strings.TrimSpace(ref)
		return ref, ref != ""
	case map[string]any:
		if id, ok := ref["id"].(string); ok && strings.TrimSpace(id) != "" {
			return strings.TrimSpace(id), true
		}
	}
	return "", false
}

func summarizeIssues(issues []validate.Issue) string {
	codes := make([]string, 0, len(issues))
	for _, issue := range issues {
		if issue.Severity == validate.SeverityError {
			codes = append(codes, issue.Code)
		}
	}
	return strings.Join(codes, ", ")
}
