// Package compile turns a validated plan and environment into an ordered
// execution-step list, a deck/instrument binding and a generated platform
// artifact. Compilation never aborts: problems become structured error
// entries on the result and the caller persists the plan in error status.
package compile

import (
	"fmt"
	"strings"

	"github.com/labos-labs/labos-go/internal/domain"
)

// GeneratorVersion is stamped into every RobotPlan and derived artifact.
const GeneratorVersion = "labos-compiler/1.3.0"

// Input carries one of two source shapes. The planned shape (plan +
// environment + graph) takes precedence over the legacy shape when both
// are present.
type Input struct {
	RobotPlanID    string
	TargetPlatform string

	// Legacy path: a PlannedRun and its linked Protocol.
	PlannedRun *domain.PlannedRun
	Protocol   *domain.Protocol

	// Planned path: ExecutionPlan bound to an environment and graph.
	Plan        *domain.ExecutionPlan
	Environment *domain.ExecutionEnvironment
	Graph       *domain.EventGraph
}

func (in Input) planned() bool {
	return in.Plan != nil && in.Environment != nil
}

// Result is the full compiler output for one target.
type Result struct {
	DeckSlots    []domain.DeckAssignment
	Pipettes     []domain.PipetteBinding
	Steps        []domain.ExecutionStep
	ArtifactText string
	ArtifactMime string
	ArtifactRole string
	Notes        []string
	Errors       []domain.CompileError
}

// Compiler renders one target platform family.
type Compiler interface {
	Platform() string
	Compile(input Input) Result
}

// For resolves the compiler for a target platform.
func For(platform string) (Compiler, bool) {
	switch strings.ToLower(strings.TrimSpace(platform)) {
	case domain.PlatformOpentronsOT2:
		return &opentronsCompiler{platform: domain.PlatformOpentronsOT2}, true
	case domain.PlatformOpentronsFlex:
		return &opentronsCompiler{platform: domain.PlatformOpentronsFlex, flex: true}, true
	case domain.PlatformIntegraAssist:
		return &integraCompiler{}, true
	default:
		return nil, false
	}
}

// Default fallbacks for unresolved event fields.
const (
	defaultWell     = "A1"
	defaultVolumeUL = 50
)

const (
	commandTransfer   = "liquid_transfer"
	commandAnnotation = "annotation"
)

// buildSteps maps source events onto execution steps in source order.
// Unmapped event kinds degrade to annotated no-ops, never errors.
func buildSteps(input Input) ([]domain.ExecutionStep, []string, []domain.CompileError) {
	var notes []string
	var errs []domain.CompileError

	type sourceEvent struct {
		kind    string
		details map[string]any
	}
	var events []sourceEvent
	if input.planned() {
		if input.Graph == nil {
			errs = append(errs, domain.CompileError{Message: "event graph is required for the planned source"})
		} else {
			for _, event := range input.Graph.Events {
				events = append(events, sourceEvent{kind: event.Kind, details: event.Details})
			}
		}
	} else if input.Protocol != nil {
		for _, step := range input.Protocol.Steps {
			events = append(events, sourceEvent{kind: step.Kind, details: step.Details})
		}
		notes = append(notes, "compiled from legacy protocol source")
	} else if input.Graph != nil {
		for _, event := range input.Graph.Events {
			events = append(events, sourceEvent{kind: event.Kind, details: event.Details})
		}
		notes = append(notes, "compiled from bare event graph, deck layout defaulted")
	} else {
		errs = append(errs, domain.CompileError{Message: "protocol source is missing"})
	}

	steps := make([]domain.ExecutionStep, 0, len(events))
	for i, event := range events {
		step := domain.ExecutionStep{
			ID:   fmt.Sprintf("exec-%03d", i+1),
			Kind: strings.ToLower(strings.TrimSpace(event.kind)),
		}
		switch step.Kind {
		case "transfer", "add_material":
			step.Command = commandTransfer
			step.SourceWell = stringDetail(event.details, defaultWell, "source_well", "sourceWell", "from_well")
			step.DestWell = stringDetail(event.details, defaultWell, "dest_well", "destWell", "to_well", "target_well")
			step.VolumeUL = volumeDetail(event.details, defaultVolumeUL)
		default:
			step.Command = commandAnnotation
			step.Comment = fmt.Sprintf("unsupported event kind %q, skipped", step.Kind)
		}
		steps = append(steps, step)
	}
	return steps, notes, errs
}

// buildBindings resolves deck assignments and the pipette binding.
func buildBindings(input Input) ([]domain.DeckAssignment, []domain.PipetteBinding, []string) {
	var notes []string
	if !input.planned() {
		// The legacy source has no placement data; the generated script
		// works against a single-slot default layout.
		notes = append(notes, "legacy source carries no deck layout, defaulting to slot 1")
		return []domain.DeckAssignment{{SlotID: "1", Role: "labware"}},
			[]domain.PipetteBinding{{ToolID: "p300_single", Mount: "right", Channels: 1}},
			notes
	}

	deck := make([]domain.DeckAssignment, 0, len(input.Plan.Placements)+len(input.Plan.Tipracks)+1)
	for _, placement := range input.Plan.Placements {
		deck = append(deck, domain.DeckAssignment{SlotID: placement.SlotID, LabwareID: placement.LabwareID, Role: "labware"})
	}
	for _, rack := range input.Plan.Tipracks {
		deck = append(deck, domain.DeckAssignment{SlotID: rack.SlotID, LabwareID: rack.RackID, Role: "tiprack"})
	}
	if input.Plan.Waste != nil {
		deck = append(deck, domain.DeckAssignment{SlotID: input.Plan.Waste.SlotID, Role: "waste"})
	}

	pipettes := make([]domain.PipetteBinding, 0, 1)
	primary := strings.TrimSpace(input.Plan.ToolBindings.Primary)
	bound := false
	for _, tool := range input.Environment.Tools {
		if strings.EqualFold(strings.TrimSpace(tool.ID), primary) {
			binding := domain.PipetteBinding{ToolID: tool.ID, Mount: tool.Mount, Channels: tool.Channels}
			if mount := strings.TrimSpace(input.Plan.ToolBindings.Mount); mount != "" {
				binding.Mount = mount
			}
			if len(input.Plan.Tipracks) > 0 {
				binding.TipType = input.Plan.Tipracks[0].TipType
			}
			pipettes = append(pipettes, binding)
			bound = true
			break
		}
	}
	if !bound {
		notes = append(notes, fmt.Sprintf("primary tool %q not resolved in environment, defaulting to p300_single", primary))
		pipettes = append(pipettes, domain.PipetteBinding{ToolID: "p300_single", Mount: "right", Channels: 1})
	}
	return deck, pipettes, notes
}

func stringDetail(details map[string]any, fallback string, keys ...string) string {
	for _, key := range keys {
		if v, ok := details[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return fallback
}

func volumeDetail(details map[string]any, fallback float64) float64 {
	for _, key := range []string{"volume_ul", "volumeUl", "volume"} {
		switch v := details[key].(type) {
		case float64:
			if v > 0 {
				return v
			}
		case int:
			if v > 0 {
				return float64(v)
			}
		}
	}
	return fallback
}

func titleOf(input Input) string {
	if input.planned() {
		return input.Plan.RecordID
	}
	if input.PlannedRun != nil && strings.TrimSpace(input.PlannedRun.Title) != "" {
		return input.PlannedRun.Title
	}
	return input.RobotPlanID
}
