package llm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sony/gobreaker"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

// Resilient wraps an Invoker with a circuit breaker and a per-call
// timeout. A provider that fails repeatedly stops receiving traffic
// until the breaker half-opens; the pipeline sees the breaker error
// as an ordinary stage failure.
type Resilient struct {
	next    Invoker
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewResilient wraps next. timeout bounds each provider call; zero
// means no extra bound beyond the caller's ctx.
func NewResilient(next Invoker, timeout time.Duration) *Resilient {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-provider",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &Resilient{next: next, cb: cb, timeout: timeout}
}

func (r *Resilient) Invoke(ctx context.Context, stage soc.Stage, inputs json.RawMessage, model string) (*InvokeResult, error) {
	result, err := r.cb.Execute(func() (interface{}, error) {
		callCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		return r.next.Invoke(callCtx, stage, inputs, model)
	})
	if err != nil {
		return nil, err
	}
	return result.(*InvokeResult), nil
}
