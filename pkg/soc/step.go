package soc

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StepStatus marks whether a stage invocation produced usable output.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
)

// TokenUsage records the token counts of one stage invocation.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// AgentStep is the immutable audit record of one stage invocation for
// one case. Once appended it is never mutated; corrections happen as
// new, distinct steps.
//
// Chain invariant: PrevHash equals the prior step's Hash, or the
// genesis sentinel for Seq 1.
type AgentStep struct {
	CaseID string `json:"case_id"`
	// Seq is monotonic per case, starting at 1. Skipped stages do not
	// leave gaps.
	Seq    int64  `json:"seq"`
	StepID string `json:"step_id"`
	Stage  Stage  `json:"stage"`

	// Timestamp is UTC; serialization is RFC 3339 with nanoseconds so
	// canonical hashing is stable across store round-trips.
	Timestamp time.Time `json:"timestamp"`

	Model   string          `json:"model"`
	Inputs  json.RawMessage `json:"inputs"`
	Outputs json.RawMessage `json:"outputs"`
	Usage   TokenUsage      `json:"usage"`

	// CostMicroUSD is the priced cost of this step in integer
	// micro-dollars (exactly six decimal places). Never negative.
	CostMicroUSD int64 `json:"cost_micro_usd"`

	Autonomy AutonomyLevel `json:"autonomy_level"`

	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`

	// KeyVersion names the signing key generation so rotated keys can
	// still verify historical steps.
	KeyVersion string `json:"key_version"`
	Signature  string `json:"signature"`

	Status StepStatus `json:"status"`
	// Error carries the failure description for failed steps.
	Error string `json:"error,omitempty"`
}

// NewStepID returns a fresh step identifier of the form stp_<12 hex>.
func NewStepID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "stp_" + raw[:12]
}
