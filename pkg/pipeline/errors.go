package pipeline

import (
	"errors"
	"fmt"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

// ErrCaseTerminal rejects a run request for a case that already
// completed or failed.
var ErrCaseTerminal = errors.New("pipeline: case already terminal")

// OutOfOrderError reports a stage invocation that does not match the
// case's current position. The pipeline order is fixed; stages cannot
// be skipped or replayed.
type OutOfOrderError struct {
	Case     string
	Expected soc.Stage
	Got      soc.Stage
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("case %s: stage out of order: expected %s, got %s", e.Case, e.Expected, e.Got)
}

// StageExecutionError wraps a stage invocation failure. The failure is
// recorded as a failed step and the run stops; there is no automatic
// retry.
type StageExecutionError struct {
	Stage soc.Stage
	Cause error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Cause)
}

func (e *StageExecutionError) Unwrap() error {
	return e.Cause
}
