package compile

import (
	"fmt"
	"strings"

	"github.com/labos-labs/labos-go/internal/domain"
)

// opentronsCompiler renders a Python protocol for OT-2 and Flex robots.
type opentronsCompiler struct {
	platform string
	flex     bool
}

func (c *opentronsCompiler) Platform() string {
	return c.platform
}

func (c *opentronsCompiler) Compile(input Input) Result {
	steps, notes, errs := buildSteps(input)
	deck, pipettes, bindNotes := buildBindings(input)
	notes = append(notes, bindNotes...)

	var b strings.Builder
	fmt.Fprintf(&b, "# Generated by %s for %s\n", GeneratorVersion, input.RobotPlanID)
	b.WriteString("from opentrons import protocol_api\n\n")

	if c.flex {
		b.WriteString("requirements = {\"robotType\": \"Flex\", \"apiLevel\": \"2.16\"}\n\n")
	}
	b.WriteString("metadata = {\n")
	fmt.Fprintf(&b, "    \"protocolName\": \"%s\",\n", pyEscape(titleOf(input)))
	if !c.flex {
		b.WriteString("    \"apiLevel\": \"2.15\",\n")
	}
	b.WriteString("}\n\n")

	b.WriteString("def run(protocol: protocol_api.ProtocolContext):\n")

	labwareVars := make(map[string]string) // slot id -> variable name
	tiprackVars := make([]string, 0)
	for _, assignment := range deck {
		varName := fmt.Sprintf("%s_%s", assignment.Role, sanitizeIdent(assignment.SlotID))
		switch assignment.Role {
		case "tiprack":
			fmt.Fprintf(&b, "    %s = protocol.load_labware(\"opentrons_96_tiprack_300ul\", \"%s\")\n", varName, pyEscape(assignment.SlotID))
			tiprackVars = append(tiprackVars, varName)
		case "waste":
			fmt.Fprintf(&b, "    # slot %s reserved for waste\n", pyEscape(assignment.SlotID))
			continue
		default:
			fmt.Fprintf(&b, "    %s = protocol.load_labware(\"corning_96_wellplate_360ul_flat\", \"%s\")  # %s\n",
				varName, pyEscape(assignment.SlotID), pyEscape(assignment.LabwareID))
		}
		labwareVars[assignment.SlotID] = varName
	}

	workVar := firstLabwareVar(deck, labwareVars)
	pipette := pipettes[0]
	mount := pipette.Mount
	if mount == "" {
		mount = "right"
	}
	if len(tiprackVars) > 0 {
		fmt.Fprintf(&b, "    pipette = protocol.load_instrument(\"%s\", \"%s\", tip_racks=[%s])\n",
			pyEscape(pipette.ToolID), pyEscape(mount), strings.Join(tiprackVars, ", "))
	} else {
		fmt.Fprintf(&b, "    pipette = protocol.load_instrument(\"%s\", \"%s\")\n", pyEscape(pipette.ToolID), pyEscape(mount))
	}

	for _, step := range steps {
		switch step.Command {
		case commandTransfer:
			fmt.Fprintf(&b, "    pipette.transfer(%.1f, %s[\"%s\"], %s[\"%s\"])  # %s\n",
				step.VolumeUL, workVar, pyEscape(step.SourceWell), workVar, pyEscape(step.DestWell), step.ID)
		default:
			fmt.Fprintf(&b, "    protocol.comment(\"%s: %s\")\n", step.ID, pyEscape(step.Comment))
		}
	}
	if len(steps) == 0 {
		b.WriteString("    protocol.comment(\"No executable steps in source plan\")\n")
	}

	return Result{
		DeckSlots:    deck,
		Pipettes:     pipettes,
		Steps:        steps,
		ArtifactText: b.String(),
		ArtifactMime: "text/x-python",
		ArtifactRole: "opentrons_protocol_py",
		Notes:        notes,
		Errors:       errs,
	}
}

func firstLabwareVar(deck []domain.DeckAssignment, vars map[string]string) string {
	for _, assignment := range deck {
		if assignment.Role == "labware" {
			if v, ok := vars[assignment.SlotID]; ok {
				return v
			}
		}
	}
	for _, assignment := range deck {
		if v, ok := vars[assignment.SlotID]; ok {
			return v
		}
	}
	return "labware_1"
}

func sanitizeIdent(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "slot"
	}
	return b.String()
}
