package compile

import (
	"strings"
	"testing"

	"github.com/labos-labs/labos-go/internal/domain"
)

func plannedInput(platform string) Input {
	return Input{
		RobotPlanID:    "RP-000001",
		TargetPlatform: platform,
		Plan: &domain.ExecutionPlan{
			RecordID:                "EXP-000001",
			EventGraphRef:           "graph-1",
			ExecutionEnvironmentRef: "env-1",
			Placements: []domain.Placement{
				{LabwareID: "plate-a", SlotID: "1"},
			},
			Tipracks: []domain.TiprackPlacement{
				{RackID: "rack-1", SlotID: "2", TipType: "opentrons_300ul"},
			},
			Waste:        &domain.WastePlacement{SlotID: "12", Kind: "trash"},
			ToolBindings: domain.ToolBindings{Primary: "p300_single"},
		},
		Environment: &domain.ExecutionEnvironment{
			RecordID: "env-1",
			Tools: []domain.Tool{
				{ID: "p300_single", Channels: 1, Mount: "right", MinVolumeUL: 20, MaxVolumeUL: 300},
			},
		},
		Graph: &domain.EventGraph{
			RecordID: "graph-1",
			Events: []domain.GraphEvent{
				{Kind: "transfer", Details: map[string]any{"source_well": "A1", "dest_well": "B2", "volume_ul": 100.0}},
				{Kind: "incubate", Details: map[string]any{"minutes": 10.0}},
				{Kind: "add_material"},
			},
		},
	}
}

func TestForKnownPlatforms(t *testing.T) {
	for _, platform := range []string{domain.PlatformOpentronsOT2, domain.PlatformOpentronsFlex, domain.PlatformIntegraAssist} {
		compiler, ok := For(platform)
		if !ok {
			t.Fatalf("no compiler for %s", platform)
		}
		if compiler.Platform() != platform {
			t.Fatalf("platform mismatch: %s != %s", compiler.Platform(), platform)
		}
	}
	if _, ok := For("hamilton_star"); ok {
		t.Fatalf("expected no compiler for unknown platform")
	}
}

func TestCompileStepOrderingAndIDs(t *testing.T) {
	compiler, _ := For(domain.PlatformOpentronsOT2)
	result := compiler.Compile(plannedInput(domain.PlatformOpentronsOT2))
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if len(result.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(result.Steps))
	}
	wantIDs := []string{"exec-001", "exec-002", "exec-003"}
	for i, step := range result.Steps {
		if step.ID != wantIDs[i] {
			t.Fatalf("step %d id = %s, want %s", i, step.ID, wantIDs[i])
		}
	}
	if result.Steps[0].Command != "liquid_transfer" || result.Steps[0].DestWell != "B2" {
		t.Fatalf("transfer step not mapped: %+v", result.Steps[0])
	}
	if result.Steps[1].Command != "annotation" {
		t.Fatalf("unmapped kind must degrade to annotation, got %s", result.Steps[1].Command)
	}
	if result.Steps[2].SourceWell != "A1" || result.Steps[2].VolumeUL != 50 {
		t.Fatalf("defaults not applied: %+v", result.Steps[2])
	}
}

func TestCompileDeterministic(t *testing.T) {
	for _, platform := range []string{domain.PlatformOpentronsOT2, domain.PlatformIntegraAssist} {
		compiler, _ := For(platform)
		first := compiler.Compile(plannedInput(platform))
		for i := 0; i < 5; i++ {
			again := compiler.Compile(plannedInput(platform))
			if again.ArtifactText != first.ArtifactText {
				t.Fatalf("%s artifact text not byte-identical across compiles", platform)
			}
		}
	}
}

func TestCompileEmptyPlanProducesNoOpComment(t *testing.T) {
	input := plannedInput(domain.PlatformOpentronsOT2)
	input.Graph.Events = nil
	compiler, _ := For(domain.PlatformOpentronsOT2)
	result := compiler.Compile(input)
	if len(result.Errors) != 0 {
		t.Fatalf("empty plan must not error: %v", result.Errors)
	}
	if !strings.Contains(result.ArtifactText, "No executable steps in source plan") {
		t.Fatalf("missing no-op comment:\n%s", result.ArtifactText)
	}
}

func TestCompileLegacyProtocolPath(t *testing.T) {
	input := Input{
		RobotPlanID:    "RP-000002",
		TargetPlatform: domain.PlatformOpentronsOT2,
		PlannedRun:     &domain.PlannedRun{RecordID: "PLR-000001", Title: "QC \"salt\" series"},
		Protocol: &domain.Protocol{
			RecordID: "prot-1",
			Steps: []domain.ProtocolStep{
				{Kind: "transfer", Details: map[string]any{"volume_ul": 25.0}},
			},
		},
	}
	compiler, _ := For(domain.PlatformOpentronsOT2)
	result := compiler.Compile(input)
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if len(result.Steps) != 1 || result.Steps[0].VolumeUL != 25 {
		t.Fatalf("legacy steps not compiled: %+v", result.Steps)
	}
	if !strings.Contains(result.ArtifactText, "QC \\\"salt\\\" series") {
		t.Fatalf("title not escaped for python:\n%s", result.ArtifactText)
	}
}

func TestCompilePlannedPathTakesPrecedence(t *testing.T) {
	input := plannedInput(domain.PlatformOpentronsOT2)
	input.PlannedRun = &domain.PlannedRun{RecordID: "PLR-000001"}
	input.Protocol = &domain.Protocol{Steps: []domain.ProtocolStep{{Kind: "transfer"}, {Kind: "transfer"}, {Kind: "transfer"}, {Kind: "transfer"}}}
	compiler, _ := For(domain.PlatformOpentronsOT2)
	result := compiler.Compile(input)
	if len(result.Steps) != 3 {
		t.Fatalf("planned path must win when both sources present, got %d steps", len(result.Steps))
	}
}

func TestCompileMissingSourceIsStructuredError(t *testing.T) {
	compiler, _ := For(domain.PlatformOpentronsOT2)
	result := compiler.Compile(Input{RobotPlanID: "RP-000003"})
	if len(result.Errors) == 0 {
		t.Fatalf("expected structured error for missing source")
	}
	if result.ArtifactText == "" {
		t.Fatalf("artifact text must still render for inspectability")
	}
}

func TestIntegraXMLShapeAndEscaping(t *testing.T) {
	input := plannedInput(domain.PlatformIntegraAssist)
	input.Plan.Placements[0].LabwareID = "reagents <A&B>"
	compiler, _ := For(domain.PlatformIntegraAssist)
	result := compiler.Compile(input)

	if !strings.HasPrefix(result.ArtifactText, "<?xml") {
		t.Fatalf("missing xml declaration")
	}
	if !strings.Contains(result.ArtifactText, "<VialabProtocol") {
		t.Fatalf("missing VialabProtocol root")
	}
	if !strings.Contains(result.ArtifactText, "labwareRole=\"reagents &lt;A&amp;B&gt;\"") {
		t.Fatalf("labware role not entity-escaped:\n%s", result.ArtifactText)
	}
	if !strings.Contains(result.ArtifactText, "<Slot id=\"12\" labwareRole=\"waste\"") {
		t.Fatalf("waste slot missing from deck:\n%s", result.ArtifactText)
	}
	if result.ArtifactMime != "application/xml" || result.ArtifactRole != "integra_vialab_xml" {
		t.Fatalf("unexpected artifact typing: %s %s", result.ArtifactMime, result.ArtifactRole)
	}
}
