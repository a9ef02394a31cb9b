package validate

import (
	"fmt"
	"strings"

	"github.com/labos-labs/labos-go/internal/domain"
)

// Hint is one numeric value harvested from free-form event details.
type Hint struct {
	Path  string
	Value float64
}

// HarvestHints recursively scans a details tree for numeric fields whose
// key matches the marker (case-insensitive substring). Events carry
// heterogeneous shapes, so this stays a dynamic descent rather than a
// static schema.
func HarvestHints(details map[string]any, marker, basePath string) []Hint {
	var out []Hint
	walkValue(details, strings.ToLower(marker), basePath, "", &out)
	return out
}

func walkValue(value any, marker, path, key string, out *[]Hint) {
	switch v := value.(type) {
	case map[string]any:
		for k, child := range v {
			walkValue(child, marker, path+"."+k, k, out)
		}
	case []any:
		for i, child := range v {
			walkValue(child, marker, fmt.Sprintf("%s[%d]", path, i), key, out)
		}
	case float64:
		if strings.Contains(strings.ToLower(key), marker) {
			*out = append(*out, Hint{Path: path, Value: v})
		}
	case int:
		if strings.Contains(strings.ToLower(key), marker) {
			*out = append(*out, Hint{Path: path, Value: float64(v)})
		}
	case int64:
		if strings.Contains(strings.ToLower(key), marker) {
			*out = append(*out, Hint{Path: path, Value: float64(v)})
		}
	}
}

func checkEventHints(c *collector, env domain.ExecutionEnvironment, graph domain.EventGraph, plan domain.ExecutionPlan) {
	tool, ok := findTool(env, strings.TrimSpace(plan.ToolBindings.Primary))
	if !ok {
		return // missing tool reported by checkPrimaryTool
	}

	for i, event := range graph.Events {
		base := fmt.Sprintf("events[%d].details", i)
		for _, hint := range HarvestHints(event.Details, "volume", base) {
			if tool.MinVolumeUL > 0 && hint.Value < tool.MinVolumeUL {
				c.warnf(CodeVolumeBelowMin, hint.Path, "volume %.2f is below tool %q minimum %.2f", hint.Value, tool.ID, tool.MinVolumeUL)
			}
			if tool.MaxVolumeUL > 0 && hint.Value > tool.MaxVolumeUL {
				c.warnf(CodeVolumeAboveMax, hint.Path, "volume %.2f is above tool %q maximum %.2f", hint.Value, tool.ID, tool.MaxVolumeUL)
			}
		}
		for _, hint := range HarvestHints(event.Details, "channel", base) {
			if tool.Channels > 0 && hint.Value > float64(tool.Channels) {
				c.warnf(CodeChannelRequirementUnsat, hint.Path, "event needs %.0f channels, tool %q has %d", hint.Value, tool.ID, tool.Channels)
			}
		}
	}
}
