package domain

import "time"

// Record kinds persisted by the execution control plane.
const (
	KindPlannedRun           = "planned-run"
	KindRobotPlan            = "robot-plan"
	KindExecutionPlan        = "execution-plan"
	KindExecutionEnvironment = "execution-environment"
	KindEventGraph           = "event-graph"
	KindProtocol             = "protocol"
	KindExecutionRun         = "execution-run"
	KindExecutionIncident    = "execution-incident"
	KindInstrumentLog        = "instrument-log"
	KindWorkerLease          = "worker-lease"
)

// Record id prefixes, one per allocatable kind.
const (
	PrefixPlannedRun    = "PLR"
	PrefixRobotPlan     = "RP"
	PrefixExecutionPlan = "EXP"
	PrefixExecutionRun  = "EXR"
	PrefixIncident      = "INC"
	PrefixInstrumentLog = "ILG"
)

// Target platforms with a registered compiler.
const (
	PlatformOpentronsOT2  = "opentrons_ot2"
	PlatformOpentronsFlex = "opentrons_flex"
	PlatformIntegraAssist = "integra_assist"
)

// Ref is a by-id reference to another record.
type Ref struct {
	ID string `json:"id"`
}

// PlannedRun is a user-declared intent to execute a protocol or event
// graph on a robot, prior to compilation.
type PlannedRun struct {
	RecordID       string         `json:"recordId"`
	Title          string         `json:"title"`
	SourceType     string         `json:"sourceType"` // protocol | event-graph
	SourceRef      string         `json:"sourceRef"`
	TargetPlatform string         `json:"targetPlatform"`
	State          PlannedRunState `json:"state"`
	Bindings       map[string]any `json:"bindings,omitempty"`
}

// Protocol is the legacy compile source: a flat ordered step list.
type Protocol struct {
	RecordID string         `json:"recordId"`
	Title    string         `json:"title,omitempty"`
	Steps    []ProtocolStep `json:"steps"`
}

type ProtocolStep struct {
	Kind    string         `json:"kind"`
	Details map[string]any `json:"details,omitempty"`
}

// ExecutionPlan binds an event graph to a concrete execution environment.
// Immutable except for the derived_artifacts append/replace.
type ExecutionPlan struct {
	RecordID                string             `json:"recordId"`
	EventGraphRef           string             `json:"event_graph_ref"`
	ExecutionEnvironmentRef string             `json:"execution_environment_ref"`
	Placements              []Placement        `json:"placements"`
	Tipracks                []TiprackPlacement `json:"tipracks,omitempty"`
	Waste                   *WastePlacement    `json:"waste,omitempty"`
	ToolBindings            ToolBindings       `json:"tool_bindings"`
	Strategy                string             `json:"strategy,omitempty"`
	TipManagement           TipManagement      `json:"tip_management"`
	DerivedArtifacts        []DerivedArtifact  `json:"derived_artifacts,omitempty"`
}

type Placement struct {
	LabwareID string `json:"labware_id"`
	SlotID    string `json:"slot_id"`
	Footprint string `json:"footprint,omitempty"`
}

type TiprackPlacement struct {
	RackID  string `json:"rack_id"`
	SlotID  string `json:"slot_id"`
	TipType string `json:"tip_type,omitempty"`
}

type WastePlacement struct {
	SlotID string `json:"slot_id"`
	Kind   string `json:"kind,omitempty"` // trash | container
}

type ToolBindings struct {
	Primary string `json:"primary"`
	Mount   string `json:"mount,omitempty"`
}

type TipManagement struct {
	Mode           string   `json:"mode"` // robot_managed | manual
	RackRefs       []string `json:"rack_refs,omitempty"`
	OnDepletion    string   `json:"on_depletion,omitempty"`
	RuntimeActions []string `json:"runtime_actions,omitempty"`
}

// DerivedArtifact records provenance of a generated file, content-addressed
// by the sha-256 of the rendered text.
type DerivedArtifact struct {
	Target           string    `json:"target"`
	Path             string    `json:"path"`
	SHA256           string    `json:"sha256"`
	GeneratorVersion string    `json:"generator_version"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// ExecutionEnvironment describes the physical deck, tools, labware registry
// and constraints of one instrument installation. Read-only input.
type ExecutionEnvironment struct {
	RecordID    string         `json:"recordId"`
	Platform    string         `json:"platform"`
	Deck        []DeckSlot     `json:"deck"`
	Tools       []Tool         `json:"tools"`
	Labware     []LabwareDef   `json:"labware,omitempty"`
	Constraints EnvConstraints `json:"constraints"`
}

type DeckSlot struct {
	ID         string   `json:"id"`
	Footprints []string `json:"footprints,omitempty"` // accepted footprints; empty accepts all
}

type Tool struct {
	ID          string   `json:"id"`
	Channels    int      `json:"channels"`
	Mount       string   `json:"mount,omitempty"`
	MinVolumeUL float64  `json:"min_volume_ul"`
	MaxVolumeUL float64  `json:"max_volume_ul"`
	TipTypes    []string `json:"tip_types,omitempty"`
}

type LabwareDef struct {
	ID        string `json:"id"`
	Footprint string `json:"footprint,omitempty"`
}

type EnvConstraints struct {
	MaxLabwareItems int      `json:"max_labware_items,omitempty"`
	MaxTipracks     int      `json:"max_tipracks,omitempty"`
	ForbiddenSlots  []string `json:"forbidden_slots,omitempty"`
	RequireTrash    bool     `json:"require_trash,omitempty"`
}

// EventGraph is an ordered list of domain events with free-form details.
type EventGraph struct {
	RecordID string       `json:"recordId"`
	Events   []GraphEvent `json:"events"`
}

type GraphEvent struct {
	ID          string         `json:"id,omitempty"`
	Kind        string         `json:"kind"`
	LabwareRefs []string       `json:"labware_refs,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// RobotPlan is a compiled, platform-specific execution artifact. Immutable
// once created; a recompile produces a new RobotPlan id.
type RobotPlan struct {
	ID               string           `json:"id"`
	PlannedRunRef    string           `json:"plannedRunRef,omitempty"`
	ExecutionPlanRef string           `json:"executionPlanRef,omitempty"`
	TargetPlatform   string           `json:"targetPlatform"`
	GeneratedAt      time.Time        `json:"generatedAt"`
	GeneratorVersion string           `json:"generatorVersion"`
	DeckSlots        []DeckAssignment `json:"deckSlots,omitempty"`
	Pipettes         []PipetteBinding `json:"pipettes,omitempty"`
	ExecutionSteps   []ExecutionStep  `json:"executionSteps,omitempty"`
	Artifacts        []PlanArtifact   `json:"artifacts,omitempty"`
	Status           RobotPlanStatus  `json:"status"`
	Errors           []CompileError   `json:"errors,omitempty"`
	Notes            []string         `json:"notes,omitempty"`
}

type DeckAssignment struct {
	SlotID    string `json:"slotId"`
	LabwareID string `json:"labwareId,omitempty"`
	Role      string `json:"role,omitempty"` // labware | tiprack | waste
}

type PipetteBinding struct {
	ToolID   string `json:"toolId"`
	Mount    string `json:"mount,omitempty"`
	Channels int    `json:"channels,omitempty"`
	TipType  string `json:"tipType,omitempty"`
}

type ExecutionStep struct {
	ID         string  `json:"id"` // zero-padded sequence, e.g. exec-001
	Kind       string  `json:"kind"`
	Command    string  `json:"command"` // liquid_transfer | annotation
	SourceWell string  `json:"sourceWell,omitempty"`
	DestWell   string  `json:"destWell,omitempty"`
	VolumeUL   float64 `json:"volumeUl,omitempty"`
	Comment    string  `json:"comment,omitempty"`
}

type PlanArtifact struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	Role     string `json:"role"`
}

type CompileError struct {
	StepID  string `json:"stepId,omitempty"`
	Message string `json:"message"`
}

// ExecutionRun is one dispatch attempt of a RobotPlan. Retries create a new
// run linked back via ParentExecutionRunRef; lineage is append-only.
type ExecutionRun struct {
	RecordID              string       `json:"recordId"`
	RobotPlanRef          string       `json:"robotPlanRef"`
	PlannedRunRef         string       `json:"plannedRunRef,omitempty"`
	ParentExecutionRunRef *Ref         `json:"parentExecutionRunRef,omitempty"`
	Attempt               int          `json:"attempt"`
	Status                RunStatus    `json:"status"`
	Mode                  string       `json:"mode,omitempty"` // live | simulate
	ExternalRunID         string       `json:"externalRunId,omitempty"`
	StartedAt             time.Time    `json:"startedAt"`
	CompletedAt           *time.Time   `json:"completedAt,omitempty"`
	FailureClass          FailureClass `json:"failureClass,omitempty"`
	RetryRecommended      *bool        `json:"retryRecommended,omitempty"`
	FailureCode           string       `json:"failureCode,omitempty"`
	RetryReason           string       `json:"retryReason,omitempty"`
}

// ExecutionIncident is a deduplicated operational incident record.
type ExecutionIncident struct {
	RecordID       string         `json:"recordId"`
	Title          string         `json:"title"`
	Status         IncidentStatus `json:"status"`
	IncidentType   string         `json:"incidentType"` // adapter_health | retry_exhausted | runtime_failure
	Severity       string         `json:"severity"`
	Source         string         `json:"source,omitempty"`
	DedupeKey      string         `json:"dedupeKey"`
	Details        map[string]any `json:"details,omitempty"`
	DetectedAt     time.Time      `json:"detectedAt"`
	AcknowledgedAt *time.Time     `json:"acknowledgedAt,omitempty"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
}

// InstrumentLog tracks one device-facing dispatch/cancel interaction.
type InstrumentLog struct {
	RecordID        string    `json:"recordId"`
	RobotPlanRef    string    `json:"robotPlanRef"`
	ExecutionRunRef string    `json:"executionRunRef,omitempty"`
	AdapterID       string    `json:"adapterId,omitempty"`
	Status          string    `json:"status"` // dispatched | completed | aborted
	Message         string    `json:"message,omitempty"`
	At              time.Time `json:"at"`
}

// WorkerLease is a time-bounded ownership token recorded in the store.
// A lease is active iff Running is true and LeaseExpiresAt is in the future.
type WorkerLease struct {
	WorkerID       string     `json:"workerId"`
	Running        bool       `json:"running"`
	IntervalMs     int64      `json:"intervalMs,omitempty"`
	LeaseOwner     string     `json:"leaseOwner,omitempty"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}
