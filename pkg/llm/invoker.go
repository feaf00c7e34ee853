// Package llm adapts model providers behind the Invoker interface the
// pipeline consumes. The bundled adapter speaks the OpenAI-compatible
// chat completions wire format; a circuit-breaker wrapper guards the
// pipeline against a flapping provider.
package llm

import (
	"context"
	"encoding/json"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

// InvokeResult is one model invocation's output and its token bill.
type InvokeResult struct {
	Outputs json.RawMessage `json:"outputs"`
	Usage   soc.TokenUsage  `json:"usage"`
}

// Invoker executes one pipeline stage against a model. Implementations
// must honor ctx cancellation; the orchestrator applies the per-stage
// deadline.
type Invoker interface {
	Invoke(ctx context.Context, stage soc.Stage, inputs json.RawMessage, model string) (*InvokeResult, error)
}
