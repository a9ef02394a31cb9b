// Package validate checks an execution plan against its event graph and
// execution environment before compilation. All findings are collected;
// nothing short-circuits.
package validate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/labos-labs/labos-go/internal/domain"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue codes, stable across releases for API and test assertions.
const (
	CodeMissingLabwarePlacement = "MISSING_LABWARE_PLACEMENT"
	CodeDuplicateLabwareRef     = "DUPLICATE_LABWARE_REF"
	CodeUnknownSlot             = "UNKNOWN_SLOT"
	CodeForbiddenSlot           = "FORBIDDEN_SLOT"
	CodeSlotCollision           = "SLOT_COLLISION"
	CodeIncompatibleFootprint   = "INCOMPATIBLE_FOOTPRINT"
	CodeMissingTipracks         = "MISSING_TIPRACKS"
	CodeMissingTrashSlot        = "MISSING_TRASH_SLOT"
	CodeWasteSlotNotTrash       = "WASTE_SLOT_NOT_TRASH"
	CodeUnknownPrimaryTool      = "UNKNOWN_PRIMARY_TOOL"
	CodeToolMountMismatch       = "TOOL_MOUNT_MISMATCH"
	CodeTipTypeUnsupported      = "TIP_TYPE_UNSUPPORTED"
	CodeChannelizationUnsat     = "CHANNELIZATION_UNSATISFIED"
	CodeVolumeBelowMin          = "VOLUME_BELOW_MIN"
	CodeVolumeAboveMax          = "VOLUME_ABOVE_MAX"
	CodeChannelRequirementUnsat = "CHANNEL_REQUIREMENT_UNSATISFIED"
	CodeUnknownTiprackRef       = "UNKNOWN_TIPRACK_REF"
	CodeMissingTipReloadAction  = "MISSING_TIP_RELOAD_ACTION"
	CodeMaxLabwareExceeded      = "MAX_LABWARE_EXCEEDED"
	CodeMaxTipracksExceeded     = "MAX_TIPRACKS_EXCEEDED"
)

type Issue struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Path     string   `json:"path"`
	Message  string   `json:"message"`
}

type Result struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues"`
}

// Event kinds that move liquid and therefore need tips.
func isLiquidHandling(kind string) bool {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "transfer", "add_material":
		return true
	default:
		return false
	}
}

// Validate runs every check and returns all findings in canonical order:
// errors before warnings, then by code, path, message. Valid is true iff
// no issue has severity error.
func Validate(graph domain.EventGraph, env domain.ExecutionEnvironment, plan domain.ExecutionPlan) Result {
	c := &collector{}

	checkPlacements(c, graph, plan)
	checkSlots(c, env, plan)
	checkFootprints(c, env, plan)
	checkTipracks(c, graph, plan)
	checkWaste(c, env, plan)
	checkPrimaryTool(c, env, plan)
	checkEventHints(c, env, graph, plan)
	checkTipManagement(c, plan)
	checkCeilings(c, env, plan)

	issues := c.issues
	sort.Slice(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Severity != b.Severity {
			return a.Severity == SeverityError
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Message < b.Message
	})

	valid := true
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			valid = false
			break
		}
	}
	return Result{Valid: valid, Issues: issues}
}

type collector struct {
	issues []Issue
}

func (c *collector) errorf(code, path, format string, args ...any) {
	c.issues = append(c.issues, Issue{Severity: SeverityError, Code: code, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (c *collector) warnf(code, path, format string, args ...any) {
	c.issues = append(c.issues, Issue{Severity: SeverityWarning, Code: code, Path: path, Message: fmt.Sprintf(format, args...)})
}

func checkPlacements(c *collector, graph domain.EventGraph, plan domain.ExecutionPlan) {
	counts := make(map[string]int)
	for _, placement := range plan.Placements {
		counts[strings.TrimSpace(placement.LabwareID)]++
	}

	seen := make(map[string]bool)
	for i, event := range graph.Events {
		for _, ref := range event.LabwareRefs {
			ref = strings.TrimSpace(ref)
			if ref == "" || seen[ref] {
				continue
			}
			seen[ref] = true
			path := fmt.Sprintf("events[%d].labware_refs", i)
			switch counts[ref] {
			case 0:
				c.errorf(CodeMissingLabwarePlacement, path, "labware %q has no deck placement", ref)
			case 1:
			default:
				c.errorf(CodeDuplicateLabwareRef, path, "labware %q is placed %d times", ref, counts[ref])
			}
		}
	}
}

func checkSlots(c *collector, env domain.ExecutionEnvironment, plan domain.ExecutionPlan) {
	known := make(map[string]bool, len(env.Deck))
	for _, slot := range env.Deck {
		known[slot.ID] = true
	}
	forbidden := make(map[string]bool, len(env.Constraints.ForbiddenSlots))
	for _, slot := range env.Constraints.ForbiddenSlots {
		forbidden[slot] = true
	}

	assigned := make(map[string]string) // slot id -> first assignee path
	check := func(slotID, path, what string) {
		slotID = strings.TrimSpace(slotID)
		if slotID == "" {
			c.errorf(CodeUnknownSlot, path, "%s has no slot assignment", what)
			return
		}
		if !known[slotID] {
			c.errorf(CodeUnknownSlot, path, "slot %q is not part of the deck", slotID)
		} else if forbidden[slotID] {
			c.errorf(CodeForbiddenSlot, path, "slot %q is forbidden by the environment", slotID)
		}
		if prior, ok := assigned[slotID]; ok {
			c.errorf(CodeSlotCollision, path, "slot %q is already assigned at %s", slotID, prior)
			return
		}
		assigned[slotID] = path
	}

	for i, placement := range plan.Placements {
		check(placement.SlotID, fmt.Sprintf("placements[%d].slot_id", i), fmt.Sprintf("labware %q", placement.LabwareID))
	}
	for i, rack := range plan.Tipracks {
		check(rack.SlotID, fmt.Sprintf("tipracks[%d].slot_id", i), fmt.Sprintf("tiprack %q", rack.RackID))
	}
	if plan.Waste != nil {
		check(plan.Waste.SlotID, "waste.slot_id", "waste container")
	}
}

func checkFootprints(c *collector, env domain.ExecutionEnvironment, plan domain.ExecutionPlan) {
	accepts := make(map[string][]string, len(env.Deck))
	for _, slot := range env.Deck {
		accepts[slot.ID] = slot.Footprints
	}
	registry := make(map[string]string, len(env.Labware))
	for _, def := range env.Labware {
		registry[def.ID] = def.Footprint
	}

	for i, placement := range plan.Placements {
		footprint := strings.TrimSpace(placement.Footprint)
		if footprint == "" {
			footprint = registry[strings.TrimSpace(placement.LabwareID)]
		}
		if footprint == "" {
			continue
		}
		accepted, ok := accepts[strings.TrimSpace(placement.SlotID)]
		if !ok || len(accepted) == 0 {
			continue // unknown slot reported elsewhere; open slots accept all
		}
		match := false
		for _, fp := range accepted {
			if fp == footprint {
				match = true
				break
			}
		}
		if !match {
			c.warnf(CodeIncompatibleFootprint, fmt.Sprintf("placements[%d]", i),
				"labware %q footprint %q is not accepted by slot %q", placement.LabwareID, footprint, placement.SlotID)
		}
	}
}

func checkTipracks(c *collector, graph domain.EventGraph, plan domain.ExecutionPlan) {
	if !strings.EqualFold(strings.TrimSpace(plan.TipManagement.Mode), "robot_managed") {
		return
	}
	liquid := false
	for _, event := range graph.Events {
		if isLiquidHandling(event.Kind) {
			liquid = true
			break
		}
	}
	if liquid && len(plan.Tipracks) == 0 {
		c.errorf(CodeMissingTipracks, "tipracks", "robot-managed tips with liquid-handling events require at least one tiprack")
	}
}

func checkWaste(c *collector, env domain.ExecutionEnvironment, plan domain.ExecutionPlan) {
	if !env.Constraints.RequireTrash {
		return
	}
	if plan.Waste == nil {
		c.errorf(CodeMissingTrashSlot, "waste", "environment requires a trash slot")
		return
	}
	kind := strings.ToLower(strings.TrimSpace(plan.Waste.Kind))
	if kind != "trash" {
		c.errorf(CodeWasteSlotNotTrash, "waste.kind", "waste slot must be typed %q, got %q", "trash", plan.Waste.Kind)
	}
}

func checkPrimaryTool(c *collector, env domain.ExecutionEnvironment, plan domain.ExecutionPlan) {
	primary := strings.TrimSpace(plan.ToolBindings.Primary)
	if primary == "" {
		c.errorf(CodeUnknownPrimaryTool, "tool_bindings.primary", "a primary tool binding is required")
		return
	}
	tool, ok := findTool(env, primary)
	if !ok {
		c.errorf(CodeUnknownPrimaryTool, "tool_bindings.primary", "tool %q is not available in the environment", primary)
		return
	}

	mount := strings.TrimSpace(plan.ToolBindings.Mount)
	if mount != "" && tool.Mount != "" && !strings.EqualFold(mount, tool.Mount) {
		c.errorf(CodeToolMountMismatch, "tool_bindings.mount", "tool %q is mounted on %q, plan binds %q", primary, tool.Mount, mount)
	}

	for i, rack := range plan.Tipracks {
		tipType := strings.TrimSpace(rack.TipType)
		if tipType == "" || len(tool.TipTypes) == 0 {
			continue
		}
		supported := false
		for _, tt := range tool.TipTypes {
			if strings.EqualFold(tt, tipType) {
				supported = true
				break
			}
		}
		if !supported {
			c.errorf(CodeTipTypeUnsupported, fmt.Sprintf("tipracks[%d].tip_type", i), "tool %q does not support tip type %q", primary, tipType)
		}
	}

	if tool.Channels <= 0 {
		c.errorf(CodeChannelizationUnsat, "tool_bindings.primary", "tool %q declares no channels", primary)
	}
}

func checkTipManagement(c *collector, plan domain.ExecutionPlan) {
	declared := make(map[string]bool, len(plan.Tipracks))
	for _, rack := range plan.Tipracks {
		declared[strings.TrimSpace(rack.RackID)] = true
	}
	for i, ref := range plan.TipManagement.RackRefs {
		if !declared[strings.TrimSpace(ref)] {
			c.errorf(CodeUnknownTiprackRef, fmt.Sprintf("tip_management.rack_refs[%d]", i), "rack %q is not among declared tipracks", ref)
		}
	}
	if strings.EqualFold(strings.TrimSpace(plan.TipManagement.OnDepletion), "pause_on_depletion") {
		found := false
		for _, action := range plan.TipManagement.RuntimeActions {
			if strings.EqualFold(strings.TrimSpace(action), "pause_for_tip_reload") {
				found = true
				break
			}
		}
		if !found {
			c.errorf(CodeMissingTipReloadAction, "tip_management.runtime_actions", "pause_on_depletion requires a pause_for_tip_reload runtime action")
		}
	}
}

func checkCeilings(c *collector, env domain.ExecutionEnvironment, plan domain.ExecutionPlan) {
	if max := env.Constraints.MaxLabwareItems; max > 0 && len(plan.Placements) > max {
		c.errorf(CodeMaxLabwareExceeded, "placements", "%d labware placements exceed the environment maximum of %d", len(plan.Placements), max)
	}
	if max := env.Constraints.MaxTipracks; max > 0 && len(plan.Tipracks) > max {
		c.errorf(CodeMaxTipracksExceeded, "tipracks", "%d tipracks exceed the environment maximum of %d", len(plan.Tipracks), max)
	}
}

func findTool(env domain.ExecutionEnvironment, id string) (domain.Tool, bool) {
	for _, tool := range env.Tools {
		if strings.EqualFold(strings.TrimSpace(tool.ID), id) {
			return tool, true
		}
	}
	return domain.Tool{}, false
}
