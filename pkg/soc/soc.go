// Package soc defines the shared data model of the case pipeline:
// cases, agent steps, approvals, stages, and autonomy levels.
//
// Everything here is a plain serializable record. Payloads the pipeline
// does not interpret are json.RawMessage so stored bytes round-trip
// unmodified through persistence and export.
package soc

import "time"

// CaseStatus is the lifecycle state of a case.
type CaseStatus string

const (
	CaseOpen             CaseStatus = "open"
	CaseRunning          CaseStatus = "running"
	CaseAwaitingApproval CaseStatus = "awaiting_approval"
	CaseCompleted        CaseStatus = "completed"
	CaseFailed           CaseStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s CaseStatus) Terminal() bool {
	return s == CaseCompleted || s == CaseFailed
}

// Case is the unit of work the pipeline drives. It is created on first
// request, mutated only by the orchestrator, and never deleted; runs
// terminate it into completed or failed.
type Case struct {
	ID     string     `json:"id"`
	RuleID string     `json:"rule_id"`
	Status CaseStatus `json:"status"`

	// Position is the index into the pipeline order of the next
	// expected stage (0-based). Sequence-integrity checks compare
	// against it before any stage is invoked.
	Position int `json:"position"`

	// LastStage is the most recent successfully completed stage,
	// reported to callers when a run fails partway.
	LastStage     Stage  `json:"last_stage,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RelatedCase is one row of the case/entity store's similarity lookup,
// as consumed by the enrichment stage before eligibility filtering.
type RelatedCase struct {
	CaseID     string  `json:"case_id"`
	RuleID     string  `json:"rule_id"`
	Similarity float64 `json:"similarity"`
}

// CaseSummary is the narrow view of a case fetched from the external
// case/entity store.
type CaseSummary struct {
	CaseID   string   `json:"case_id"`
	RuleID   string   `json:"rule_id"`
	Title    string   `json:"title,omitempty"`
	Severity string   `json:"severity,omitempty"`
	Entities []string `json:"entities,omitempty"`
}
