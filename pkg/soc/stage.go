package soc

import "fmt"

// Stage names one step of the fixed analysis pipeline.
type Stage string

const (
	StageTriage        Stage = "triage"
	StageEnrichment    Stage = "enrichment"
	StageInvestigation Stage = "investigation"
	StageCorrelation   Stage = "correlation"
	StageResponse      Stage = "response"
	StageReporting     Stage = "reporting"
)

// PipelineOrder is the fixed execution order. It is never reordered at
// runtime; a case's Position indexes into it.
var PipelineOrder = []Stage{
	StageTriage,
	StageEnrichment,
	StageInvestigation,
	StageCorrelation,
	StageResponse,
	StageReporting,
}

// ActionClass categorizes what a stage does to the outside world.
type ActionClass string

const (
	// ActionReadOnly stages analyze data already attached to the case.
	ActionReadOnly ActionClass = "read_only"
	// ActionSideEffecting stages query or touch external systems
	// (case/entity store lookups, SIEM query execution).
	ActionSideEffecting ActionClass = "side_effecting"
	// ActionDestructive stages propose or take privileged actions
	// (containment, isolation).
	ActionDestructive ActionClass = "destructive"
)

// stageProfile is the static risk profile of a stage.
type stageProfile struct {
	class          ActionClass
	externalOutput bool
}

var stageProfiles = map[Stage]stageProfile{
	StageTriage:        {class: ActionReadOnly},
	StageEnrichment:    {class: ActionSideEffecting},
	StageInvestigation: {class: ActionSideEffecting},
	StageCorrelation:   {class: ActionReadOnly},
	StageResponse:      {class: ActionDestructive},
	// Reporting is pure analysis but its output leaves the system.
	StageReporting: {class: ActionReadOnly, externalOutput: true},
}

// Class returns the stage's action class.
func (s Stage) Class() ActionClass {
	return stageProfiles[s].class
}

// ExternalOutput reports whether the stage's output is delivered
// outside the system (relevant only at the strictest autonomy level).
func (s Stage) ExternalOutput() bool {
	return stageProfiles[s].externalOutput
}

// Index returns the 1-based position of the stage in the pipeline
// order, or 0 if the stage is unknown.
func (s Stage) Index() int {
	for i, st := range PipelineOrder {
		if st == s {
			return i + 1
		}
	}
	return 0
}

// Valid reports whether s names a pipeline stage.
func (s Stage) Valid() bool {
	return s.Index() != 0
}

// AutonomyLevel controls which stage actions proceed unattended.
// Levels are ordered: each gates a strict superset of the next.
type AutonomyLevel string

const (
	// AutonomyObserve requires approval for any stage that touches an
	// external system or whose output leaves the system.
	AutonomyObserve AutonomyLevel = "L0_OBSERVE"
	// AutonomySuggest requires approval for side-effecting and
	// destructive stages; read-only analysis runs unattended.
	AutonomySuggest AutonomyLevel = "L1_SUGGEST"
	// AutonomyExecute requires approval only for destructive stages.
	AutonomyExecute AutonomyLevel = "L2_EXECUTE"
	// AutonomyFullAuto never blocks; everything is still recorded.
	AutonomyFullAuto AutonomyLevel = "L3_FULL_AUTO"
)

// ParseAutonomyLevel validates a level string.
func ParseAutonomyLevel(s string) (AutonomyLevel, error) {
	switch AutonomyLevel(s) {
	case AutonomyObserve, AutonomySuggest, AutonomyExecute, AutonomyFullAuto:
		return AutonomyLevel(s), nil
	}
	return "", fmt.Errorf("unknown autonomy level %q", s)
}

// RequiresApproval applies the built-in gating table: given the active
// level, does a stage with this profile need a human decision before it
// may run.
func (l AutonomyLevel) RequiresApproval(stage Stage) bool {
	p := stageProfiles[stage]
	switch l {
	case AutonomyObserve:
		return p.class != ActionReadOnly || p.externalOutput
	case AutonomySuggest:
		return p.class != ActionReadOnly
	case AutonomyExecute:
		return p.class == ActionDestructive
	case AutonomyFullAuto:
		return false
	}
	// Unknown levels fail closed.
	return true
}
