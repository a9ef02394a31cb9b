package compile

import (
	"fmt"
	"strings"
)

// integraCompiler renders a Vialab XML document for INTEGRA Assist
// instruments. The deck shape matches what the executor sidecar's pyalab
// hook parses: VialabProtocol/Deck/Slot with id, labwareRole and
// orientation attributes.
type integraCompiler struct{}

func (c *integraCompiler) Platform() string {
	return "integra_assist"
}

func (c *integraCompiler) Compile(input Input) Result {
	steps, notes, errs := buildSteps(input)
	deck, pipettes, bindNotes := buildBindings(input)
	notes = append(notes, bindNotes...)

	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n")
	fmt.Fprintf(&b, "<VialabProtocol generator=\"%s\" robotPlan=\"%s\" name=\"%s\">\n",
		xmlEscape(GeneratorVersion), xmlEscape(input.RobotPlanID), xmlEscape(titleOf(input)))

	b.WriteString("  <Deck>\n")
	for _, assignment := range deck {
		role := assignment.Role
		if assignment.LabwareID != "" {
			role = assignment.LabwareID
		}
		fmt.Fprintf(&b, "    <Slot id=\"%s\" labwareRole=\"%s\" orientation=\"landscape\"/>\n",
			xmlEscape(assignment.SlotID), xmlEscape(role))
	}
	b.WriteString("  </Deck>\n")

	pipette := pipettes[0]
	fmt.Fprintf(&b, "  <Pipette name=\"%s\" channels=\"%d\"/>\n", xmlEscape(pipette.ToolID), pipette.Channels)

	b.WriteString("  <Steps>\n")
	for _, step := range steps {
		switch step.Command {
		case commandTransfer:
			fmt.Fprintf(&b, "    <Transfer id=\"%s\" sourceWell=\"%s\" targetWell=\"%s\" volumeUl=\"%.1f\"/>\n",
				xmlEscape(step.ID), xmlEscape(step.SourceWell), xmlEscape(step.DestWell), step.VolumeUL)
		default:
			fmt.Fprintf(&b, "    <Comment id=\"%s\" text=\"%s\"/>\n", xmlEscape(step.ID), xmlEscape(step.Comment))
		}
	}
	if len(steps) == 0 {
		b.WriteString("    <Comment id=\"exec-000\" text=\"No executable steps in source plan\"/>\n")
	}
	b.WriteString("  </Steps>\n")
	b.WriteString("</VialabProtocol>\n")

	return Result{
		DeckSlots:    deck,
		Pipettes:     pipettes,
		Steps:        steps,
		ArtifactText: b.String(),
		ArtifactMime: "application/xml",
		ArtifactRole: "integra_vialab_xml",
		Notes:        notes,
		Errors:       errs,
	}
}
