package policy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

// Decision is the outcome of a gating check.
type Decision struct {
	RequiresApproval bool
	// Rule names the override that decided, or is empty when the
	// built-in autonomy table decided.
	Rule   string
	Reason string
}

// Engine evaluates the autonomy gate: built-in table first, CEL
// overrides on top. Evaluation failures gate the stage rather than
// waving it through.
type Engine struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
	rules    []Rule
}

// NewEngine compiles the given override rules and orders them highest
// priority first. A rule that does not compile is a configuration
// error and rejects the whole set.
func NewEngine(rules []Rule) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("stage", cel.StringType),
		cel.Variable("action_class", cel.StringType),
		cel.Variable("autonomy", cel.StringType),
		cel.Variable("external_output", cel.BoolType),
		cel.Variable("rule_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}

	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	e := &Engine{
		env:      env,
		prgCache: make(map[string]cel.Program),
		rules:    ordered,
	}
	for _, r := range ordered {
		if _, err := e.program(r.When); err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", r.Name, err)
		}
	}
	return e, nil
}

// RequiresApproval decides whether the stage must pass the approval
// gate before executing for a case spawned by ruleID. The returned
// decision is fail-closed: any evaluation error gates the stage, and
// the error is also returned for logging.
func (e *Engine) RequiresApproval(stage soc.Stage, autonomy soc.AutonomyLevel, ruleID string) (Decision, error) {
	input := map[string]any{
		"stage":           string(stage),
		"action_class":    string(stage.Class()),
		"autonomy":        string(autonomy),
		"external_output": stage.ExternalOutput(),
		"rule_id":         ruleID,
	}

	for _, r := range e.rules {
		matched, err := e.evaluate(r.When, input)
		if err != nil {
			return Decision{
				RequiresApproval: true,
				Rule:             r.Name,
				Reason:           fmt.Sprintf("override %q failed to evaluate", r.Name),
			}, fmt.Errorf("policy: rule %q: %w", r.Name, err)
		}
		if !matched {
			continue
		}
		switch r.Effect {
		case EffectAllow:
			return Decision{Rule: r.Name, Reason: fmt.Sprintf("waived by override %q", r.Name)}, nil
		default:
			return Decision{
				RequiresApproval: true,
				Rule:             r.Name,
				Reason:           fmt.Sprintf("gated by override %q", r.Name),
			}, nil
		}
	}

	if autonomy.RequiresApproval(stage) {
		return Decision{
			RequiresApproval: true,
			Reason:           fmt.Sprintf("autonomy %s gates %s stage %s", autonomy, stage.Class(), stage),
		}, nil
	}
	return Decision{Reason: fmt.Sprintf("autonomy %s permits stage %s", autonomy, stage)}, nil
}

func (e *Engine) evaluate(expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}
