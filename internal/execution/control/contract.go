// Package control dispatches compiled robot plans to device adapters,
// tracks their external status, and owns the cancel semantics: cancel is
// best-effort toward the device and authoritative in local records.
package control

import (
	"context"
	"fmt"
	"strings"
)

// ContractVersion is the wire contract spoken to adapters and sidecars.
const ContractVersion = "execution-task/v1"

// Task is the dispatch payload handed to an adapter.
type Task struct {
	ContractVersion string   `json:"contractVersion"`
	TaskID          string   `json:"taskId"`
	ExecutionRunID  string   `json:"executionRunId"`
	RobotPlanID     string   `json:"robotPlanId"`
	AdapterID       string   `json:"adapterId"`
	TargetPlatform  string   `json:"targetPlatform"`
	ArtifactRefs    []string `json:"artifactRefs,omitempty"`
}

// DispatchResult is an adapter's acceptance of a task.
type DispatchResult struct {
	ContractVersion string `json:"contractVersion"`
	ExternalRunID   string `json:"externalRunId"`
	Status          string `json:"status,omitempty"`
}

// StatusResult is an adapter's report on a dispatched run.
type StatusResult struct {
	ContractVersion string `json:"contractVersion"`
	Status          string `json:"status"`
	Message         string `json:"message,omitempty"`
}

// Dispatcher is one adapter transport: an HTTP bridge, a local sidecar
// process, or the built-in simulator.
type Dispatcher interface {
	AdapterID() string
	Dispatch(ctx context.Context, task Task) (DispatchResult, error)
	Status(ctx context.Context, externalRunID string) (StatusResult, error)
	Cancel(ctx context.Context, externalRunID string) error
}

// checkContract verifies a response's contract version. Strict mode
// requires an exact match; legacy mode tolerates an absent version but
// never a conflicting one.
func checkContract(version string, strict bool) error {
	version = strings.TrimSpace(version)
	if version == ContractVersion {
		return nil
	}
	if version == "" {
		if strict {
			return fmt.Errorf("response carries no contract version, %s required", ContractVersion)
		}
		return nil
	}
	return fmt.Errorf("unsupported contract version %q, want %s", version, ContractVersion)
}
