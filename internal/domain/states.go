package domain

import "strings"

// PlannedRunState is the lifecycle state of a PlannedRun. Only the
// orchestrator mutates it, after compile/emit outcomes.
type PlannedRunState string

const (
	PlannedRunDraft     PlannedRunState = "draft"
	PlannedRunReady     PlannedRunState = "ready"
	PlannedRunExecuting PlannedRunState = "executing"
	PlannedRunCompleted PlannedRunState = "completed"
	PlannedRunFailed    PlannedRunState = "failed"
)

// NormalizePlannedRunState maps free-form status values to canonical states.
func NormalizePlannedRunState(value string) PlannedRunState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(PlannedRunDraft), "pending":
		return PlannedRunDraft
	case string(PlannedRunReady), "compiled":
		return PlannedRunReady
	case string(PlannedRunExecuting), "running":
		return PlannedRunExecuting
	case string(PlannedRunCompleted):
		return PlannedRunCompleted
	case string(PlannedRunFailed), "error":
		return PlannedRunFailed
	default:
		return ""
	}
}

// RobotPlanStatus is the terminal status of one compile/emit call.
// Legacy protocol compiles end in compiled; emission-path plans, which
// clear execution-plan validation before the compiler runs, end in
// validated.
type RobotPlanStatus string

const (
	RobotPlanCompiled  RobotPlanStatus = "compiled"
	RobotPlanValidated RobotPlanStatus = "validated"
	RobotPlanError     RobotPlanStatus = "error"
)

// RunStatus is the status of one dispatch attempt.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// NormalizeRunStatus maps vendor and free-form status text to a canonical
// run status. Unknown input maps to the empty status.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunRunning), "in_progress", "in-progress", "started", "active":
		return RunRunning
	case string(RunCompleted), "succeeded", "success", "done", "finished":
		return RunCompleted
	case string(RunFailed), "error", "errored", "failure":
		return RunFailed
	case string(RunCanceled), "cancelled", "aborted", "stopped", "stop-requested":
		return RunCanceled
	default:
		return ""
	}
}

// IsTerminalRunStatus reports whether a run status is terminal.
func IsTerminalRunStatus(status RunStatus) bool {
	switch status {
	case RunCompleted, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// FailureClass is the coarse failure taxonomy used by the retry policy.
type FailureClass string

const (
	FailureTransient FailureClass = "transient"
	FailureTerminal  FailureClass = "terminal"
	FailureUnknown   FailureClass = "unknown"
)

// Failure codes carried by classified runs.
const (
	FailureCodeTimeoutTemporary = "TIMEOUT_TEMPORARY"
	FailureCodeGenericExecution = "GENERIC_EXECUTION_FAILURE"
	FailureCodeInvalidProtocol  = "INVALID_PROTOCOL"
	FailureCodeUnclassified     = "UNCLASSIFIED"
	FailureCodeRetryExhausted   = "RETRY_EXHAUSTED"
)

// IncidentStatus transitions are monotonic: open -> acked -> resolved.
type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "open"
	IncidentAcked    IncidentStatus = "acked"
	IncidentResolved IncidentStatus = "resolved"
)

// CanTransitionIncident enforces forward-only incident progression.
func CanTransitionIncident(current, next IncidentStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	return incidentOrder(current) < incidentOrder(next)
}

func incidentOrder(status IncidentStatus) int {
	switch status {
	case IncidentOpen:
		return 1
	case IncidentAcked:
		return 2
	case IncidentResolved:
		return 3
	default:
		return 0
	}
}
