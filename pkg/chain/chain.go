// Package chain computes and verifies the tamper-evident hash chain
// linking consecutive audit steps of a case.
//
// Each step's hash covers its canonical content plus the previous
// step's hash, so any retroactive edit invalidates every later step.
// Append-only; nothing here mutates a step that already has a hash.
package chain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/canonicalize"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

// Genesis is the previous-hash sentinel of a case's first step.
const Genesis = "genesis"

// linkSeparator joins the previous hash and the canonical content
// before digesting. Changing it breaks verification of every existing
// chain.
const linkSeparator = "||"

// StepContent is the hashed subset of a step record: what the stage
// consumed, what it produced, and when. Derived fields (cost, status,
// signature) are excluded; the signature covers those separately.
type StepContent struct {
	Inputs    json.RawMessage `json:"inputs"`
	Outputs   json.RawMessage `json:"outputs"`
	Timestamp time.Time       `json:"timestamp"`
	Stage     soc.Stage       `json:"stage"`
	Model     string          `json:"model"`
	Usage     soc.TokenUsage  `json:"usage"`
}

// ContentOf extracts the hashable content from a step.
func ContentOf(step *soc.AgentStep) StepContent {
	return StepContent{
		Inputs:    step.Inputs,
		Outputs:   step.Outputs,
		Timestamp: step.Timestamp,
		Stage:     step.Stage,
		Model:     step.Model,
		Usage:     step.Usage,
	}
}

// ComputeHash digests prevHash || canonical(content) and returns
// "sha256:<hex>". prevHash is the prior step's hash, or Genesis for
// the first step.
func ComputeHash(content StepContent, prevHash string) (string, error) {
	canonical, err := canonicalize.JCS(content)
	if err != nil {
		return "", fmt.Errorf("content canonicalization failed: %w", err)
	}
	input := append([]byte(prevHash+linkSeparator), canonical...)
	return "sha256:" + canonicalize.HashBytes(input), nil
}

// HashStep computes the hash a step should carry, from its own content
// and recorded PrevHash.
func HashStep(step *soc.AgentStep) (string, error) {
	return ComputeHash(ContentOf(step), step.PrevHash)
}

// Verification is the result of a chain walk.
type Verification struct {
	Verified bool `json:"verified"`
	Steps    int  `json:"steps"`
	// FailedIndex is the 0-based index of the first step that fails
	// verification, or -1 when the chain is intact.
	FailedIndex int    `json:"failed_index"`
	Reason      string `json:"reason,omitempty"`
}

// VerificationError surfaces a broken chain to callers that need an
// error value rather than a result struct.
type VerificationError struct {
	CaseID string
	Index  int
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("chain verification failed for case %s at step index %d: %s", e.CaseID, e.Index, e.Reason)
}

// VerifyChain recomputes every hash in the ordered step list and
// checks the linkage invariants: steps[0].PrevHash == Genesis and
// steps[i].PrevHash == steps[i-1].Hash. It returns the first failing
// index, or a verified result. One pass, no stage re-execution.
func VerifyChain(steps []soc.AgentStep) Verification {
	v := Verification{Verified: true, Steps: len(steps), FailedIndex: -1}

	prevHash := Genesis
	for i := range steps {
		step := &steps[i]

		if step.PrevHash != prevHash {
			return Verification{
				Steps:       len(steps),
				FailedIndex: i,
				Reason:      fmt.Sprintf("prev_hash mismatch: expected %s, recorded %s", prevHash, step.PrevHash),
			}
		}

		computed, err := HashStep(step)
		if err != nil {
			return Verification{
				Steps:       len(steps),
				FailedIndex: i,
				Reason:      fmt.Sprintf("hash recomputation failed: %v", err),
			}
		}
		if computed != step.Hash {
			return Verification{
				Steps:       len(steps),
				FailedIndex: i,
				Reason:      fmt.Sprintf("hash mismatch: computed %s, recorded %s", computed, step.Hash),
			}
		}

		prevHash = step.Hash
	}

	return v
}

// Err converts a failed verification into a *VerificationError, or nil
// for a verified chain.
func (v Verification) Err(caseID string) error {
	if v.Verified {
		return nil
	}
	return &VerificationError{CaseID: caseID, Index: v.FailedIndex, Reason: v.Reason}
}
