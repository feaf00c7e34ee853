package soc

import "time"

// ApprovalStatus is the lifecycle state of an approval request.
// pending is the only non-terminal state; a request is resolved
// exactly once.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// ApprovalRequest asks a human to allow one gated stage invocation.
// It is created before the stage runs; denial or expiry means the
// stage is never invoked.
type ApprovalRequest struct {
	ID     string `json:"id"`
	CaseID string `json:"case_id"`
	Stage  Stage  `json:"stage"`

	// Action describes what the stage proposes to do; Justification
	// explains why the pipeline wants to do it.
	Action        string `json:"action"`
	Justification string `json:"justification"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	Status ApprovalStatus `json:"status"`

	// Decision metadata, populated once resolved.
	DecidedBy string     `json:"decided_by,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}
