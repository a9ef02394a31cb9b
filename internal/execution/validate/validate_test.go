package validate

import (
	"testing"

	"github.com/labos-labs/labos-go/internal/domain"
)

func validEnv() domain.ExecutionEnvironment {
	return domain.ExecutionEnvironment{
		RecordID: "env-1",
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
		Labware: []domain.LabwareDef{
			{ID: "plate-a", Footprint: "sbs_96"},
		},
		Constraints: domain.EnvConstraints{
			MaxLabwareItems: 4,
			MaxTipracks:     2,
			ForbiddenSlots:  []string{"11"},
			RequireTrash:    true,
		},
	}
}

func validPlan() domain.ExecutionPlan {
	return domain.ExecutionPlan{
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
		ToolBindings: domain.ToolBindings{Primary: "p300_single", Mount: "right"},
		TipManagement: domain.TipManagement{
			Mode:     "robot_managed",
			RackRefs: []string{"rack-1"},
		},
	}
}

func validGraph() domain.EventGraph {
	return domain.EventGraph{
		RecordID: "graph-1",
		Events: []domain.GraphEvent{
			{Kind: "add_material", LabwareRefs: []string{"plate-a"}, Details: map[string]any{"volume_ul": 50.0}},
			{Kind: "transfer", LabwareRefs: []string{"plate-a"}, Details: map[string]any{"volume_ul": 100.0}},
		},
	}
}

func codes(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, issue := range issues {
		out = append(out, issue.Code)
	}
	return out
}

func hasCode(issues []Issue, code string) bool {
	for _, issue := range issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}

func TestValidateCleanPlan(t *testing.T) {
	result := Validate(validGraph(), validEnv(), validPlan())
	if !result.Valid {
		t.Fatalf("expected valid plan, issues: %v", result.Issues)
	}
	if len(result.Issues) != 0 {
		t.Fatalf("expected zero issues, got %v", codes(result.Issues))
	}
}

func TestValidateSingleDefect(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*domain.EventGraph, *domain.ExecutionEnvironment, *domain.ExecutionPlan)
		wantCode string
		severity Severity
	}{
		{
			name: "missing labware placement",
			mutate: func(g *domain.EventGraph, e *domain.ExecutionEnvironment, p *domain.ExecutionPlan) {
				p.Placements = nil
			},
			wantCode: CodeMissingLabwarePlacement,
			severity: SeverityError,
		},
		{
			name: "duplicate labware placement",
			mutate: func(g *domain.EventGraph, e *domain.ExecutionEnvironment, p *domain.ExecutionPlan) {
				p.Placements = append(p.Placements, domain.Placement{LabwareID: "plate-a", SlotID: "3"})
			},
			wantCode: CodeDuplicateLabwareRef,
			severity: SeverityError,
		},
		{
			name: "unknown slot",
			mutate: func(g *domain.EventGraph, e *domain.ExecutionEnvironment, p *domain.ExecutionPlan) {
				p.Placements[0].SlotID = "99"
			},
			wantCode: CodeUnknownSlot,
			severity: SeverityError,
		},
		{
			name: "forbidden slot",
			mutate: func(g *domain.EventGraph, e *domain.ExecutionEnvironment, p *domain.ExecutionPlan) {
				e.Deck = append(e.Deck, domain.DeckSlot{ID: "11"})
				p.Placements[0].SlotID = "11"
			},
			wantCode: CodeForbiddenSlot,
			severity: SeverityError,
		},
		{
			name: "slot collision",
			mutate: func(g *domain.EventGraph, e *domain.ExecutionEnvironment, p *domain.ExecutionPlan) {
				p.Tipracks[0].SlotID = "1"
			},
			wantCode: CodeSlotCollision,
			severity: SeverityError,
		},
		{
			name: "incompatible footprint",
			mutate: func(g *domain.EventGraph, e *domain.ExecutionEnvironment, p *domain.ExecutionPlan) {
				p.Placements[0].Footprint = "deep_well_384"
			},
			wantCode: CodeIncompatibleFootprint,
			severity: SeverityWarning,
		},
		{
			name: "missing tipracks",
			mutate: func(g *domain.EventGraph, e *domain.ExecutionEnvironment, p *domain.ExecutionPlan) {
				p.Tipracks = nil
				p.TipManagement.RackRefs = nil
			},
			wantCode: CodeMissingTipracks,
			severity: SeverityError,
		},
		{
			name: "missing trash slot",
			mutate: func(g *domain.EventGraph, e *domain.ExecutionEnvironment, p *domain.ExecutionPlan) {
				p.Waste = nil
			},
			wantCode: CodeMissingTrashSlot,
			severity: SeverityError,
		},
		{
			name: "waste slot not trash",
			mutate: func(g *domain.EventGraph, e *domain.ExecutionEnvironment, p *domain.ExecutionPlan) {
				p.Waste.Kind = "container"
			},
			wantCode: CodeWasteSlotNotTrash,
			severity: SeverityError,
		},
		{
			name: "unknown primary tool",
			mutate: func(g *domain.EventGraph, e *domain.ExecutionEnvironment, p *domain.ExecutionPlan) {
				p.ToolBindings.Primary = "p20_multi"
			},
			wantCode: CodeUnknownPrimaryTool,
			severity: SeverityError,
		},
		{
			name: "tool mount mismatch",
			mutate: func(g *domain.EventGraph, e *domain.ExecutionEnvironment, p *domain.ExecutionPlan) {
				p.ToolBindings.Mount = "left"
			},
			wantCode: CodeToolMountMismatch,
			severity: SeverityError,
		},
		{
			name: "tip type unsupported",
			mutate: func(g *domain.EventGraph, e *domain.ExecutionEnvironment, p *domain.ExecutionPlan) {
				p.Tipracks[0].TipType = "filter_1000ul"
			},
			wantCode: CodeTipTypeUnsupported,
			severity: SeverityError,
		},
		{
			name: "volume below min",
			mutate: func(g *domain.EventGraph, e *domain.ExecutionEnvironment, p *domain.ExecutionPlan) {
				g.Events[0].Details["volume_ul"] = 5.0
			},
			wantCode: CodeVolumeBelowMin,
			severity: SeverityWarning,
		},
		{
			name: "volume above max nested",
			mutate: func(g *domain.EventGraph, e *domain.ExecutionEnvironment, p *domain.ExecutionPlan) {
				g.Events[1].Details = map[string]any{
					"liquid": map[string]any{"transfer_volume": 500.0},
				}
			},
			wantCode: CodeVolumeAboveMax,
			severity: SeverityWarning,
		},
		{
			name: "channel requirement unsatisfied",
			mutate: func(g *domain.EventGraph, e *domain.ExecutionEnvironment, p *domain.ExecutionPlan) {
				g.Events[1].Details["channels"] = 8.0
			},
			wantCode: CodeChannelRequirementUnsat,
			severity: SeverityWarning,
		},
		{
			name: "unknown tiprack ref",
			mutate: func(g *domain.EventGraph, e *domain.ExecutionEnvironment, p *domain.ExecutionPlan) {
				p.TipManagement.RackRefs = []string{"rack-9"}
			},
			wantCode: CodeUnknownTiprackRef,
			severity: SeverityError,
		},
		{
			name: "pause on depletion needs reload action",
			mutate: func(g *domain.EventGraph, e *domain.ExecutionEnvironment, p *domain.ExecutionPlan) {
				p.TipManagement.OnDepletion = "pause_on_depletion"
			},
			wantCode: CodeMissingTipReloadAction,
			severity: SeverityError,
		},
		{
			name: "max tipracks exceeded",
			mutate: func(g *domain.EventGraph, e *domain.ExecutionEnvironment, p *domain.ExecutionPlan) {
				e.Constraints.MaxTipracks = 1
				p.Tipracks = append(p.Tipracks, domain.TiprackPlacement{RackID: "rack-2", SlotID: "3", TipType: "opentrons_300ul"})
			},
			wantCode: CodeMaxTipracksExceeded,
			severity: SeverityError,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			graph := validGraph()
			env := validEnv()
			plan := validPlan()
			tc.mutate(&graph, &env, &plan)

			result := Validate(graph, env, plan)
			if !hasCode(result.Issues, tc.wantCode) {
				t.Fatalf("expected issue %s, got %v", tc.wantCode, codes(result.Issues))
			}
			if tc.severity == SeverityError && result.Valid {
				t.Fatalf("expected invalid result for %s", tc.wantCode)
			}
			if tc.severity == SeverityWarning && !result.Valid {
				t.Fatalf("warning %s must not invalidate plan, issues: %v", tc.wantCode, codes(result.Issues))
			}
		})
	}
}

func TestValidateUnknownSlotLeavesOtherCodesUnaffected(t *testing.T) {
	graph := validGraph()
	env := validEnv()
	plan := validPlan()
	baseline := Validate(graph, env, plan)
	if len(baseline.Issues) != 0 {
		t.Fatalf("baseline not clean: %v", codes(baseline.Issues))
	}

	plan.Waste.SlotID = "99"
	result := Validate(graph, env, plan)
	if result.Valid {
		t.Fatalf("expected invalid result")
	}
	for _, issue := range result.Issues {
		if issue.Code != CodeUnknownSlot {
			t.Fatalf("unexpected extra issue %s", issue.Code)
		}
	}
}

func TestValidateCanonicalOrdering(t *testing.T) {
	graph := validGraph()
	env := validEnv()
	plan := validPlan()
	plan.Placements[0].SlotID = "99"              // UNKNOWN_SLOT error
	plan.Placements[0].Footprint = "deep_well_384" // warning, must sort after errors
	g := graph
	g.Events[0].Details["volume_ul"] = 5.0 // warning

	first := Validate(g, env, plan)
	second := Validate(g, env, plan)
	if len(first.Issues) != len(second.Issues) {
		t.Fatalf("ordering not stable across runs")
	}
	for i := range first.Issues {
		if first.Issues[i] != second.Issues[i] {
			t.Fatalf("ordering not deterministic at %d", i)
		}
	}
	seenWarning := false
	for _, issue := range first.Issues {
		if issue.Severity == SeverityWarning {
			seenWarning = true
		}
		if seenWarning && issue.Severity == SeverityError {
			t.Fatalf("error sorted after warning: %v", codes(first.Issues))
		}
	}
}

func TestHarvestHintsRecursion(t *testing.T) {
	details := map[string]any{
		"volume_ul": 50.0,
		"wells": []any{
			map[string]any{"dispense_volume": 25.0},
			map[string]any{"note": "no numbers here"},
		},
		"label": "volume", // string value, must be ignored
	}
	hints := HarvestHints(details, "volume", "details")
	if len(hints) != 2 {
		t.Fatalf("expected 2 hints, got %d: %v", len(hints), hints)
	}
}
