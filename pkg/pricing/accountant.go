package pricing

import (
	"fmt"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

// Accountant computes deterministic step costs from a fixed table.
type Accountant struct {
	table Table
}

// NewAccountant wraps a pricing table. The table must not be mutated
// after this call.
func NewAccountant(table Table) *Accountant {
	return &Accountant{table: table}
}

// Cost prices one invocation: inputTokens and outputTokens at the
// model's per-million rates, with a single round-half-up to whole
// micro-USD. Unknown models fail with *UnknownModelError.
func (a *Accountant) Cost(model string, inputTokens, outputTokens int64) (Money, error) {
	entry, ok := a.table[model]
	if !ok {
		return Money{}, &UnknownModelError{Model: model}
	}
	if inputTokens < 0 || outputTokens < 0 {
		return Money{}, fmt.Errorf("negative token count (input=%d output=%d)", inputTokens, outputTokens)
	}

	// Exact integer numerator in micro-USD-per-million-token units,
	// then one half-up division back to micro-USD.
	numerator := inputTokens*entry.InputPerMTok + outputTokens*entry.OutputPerMTok
	micro := (numerator + MicroPerUSD/2) / MicroPerUSD

	return Money{Micro: micro}, nil
}

// CostOfUsage prices a recorded usage block.
func (a *Accountant) CostOfUsage(model string, usage soc.TokenUsage) (Money, error) {
	return a.Cost(model, usage.InputTokens, usage.OutputTokens)
}

// Knows reports whether the table prices the model, so callers can
// fail fast before invoking a stage whose cost could never be
// recorded.
func (a *Accountant) Knows(model string) bool {
	_, ok := a.table[model]
	return ok
}
