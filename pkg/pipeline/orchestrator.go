// Package pipeline drives a case through the fixed analysis stages,
// recording every model invocation as a hash-chained, signed, costed
// AgentStep. The orchestrator owns the case state machine: it resumes
// from the persisted position, gates side-effecting stages on the
// requested autonomy level, and never re-executes a stage that already
// appended a step.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"golang.org/x/text/unicode/norm"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/chain"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/eligibility"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/escalation"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/llm"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/policy"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/pricing"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/store"
)

// DefaultStageTimeout bounds a single model invocation. Stage work is
// never retried, so a hung provider call must not hold the case lock
// indefinitely.
const DefaultStageTimeout = 120 * time.Second

// Failure reasons recorded on Case.FailureReason.
const (
	ReasonApprovalDenied  = "approval_denied"
	ReasonApprovalExpired = "approval_expired"
	ReasonBudgetExceeded  = "budget_exceeded"
	ReasonCanceled        = "canceled"
)

// StepSigner signs a step in place after its hash is set. Satisfied by
// crypto.KeyRing.
type StepSigner interface {
	SignStep(step *soc.AgentStep) error
}

// Config carries the orchestrator's collaborators. Cases, Steps,
// Approvals, Signer, Accountant, Invoker, and Source are required;
// the rest default.
type Config struct {
	Cases      store.CaseStore
	Steps      store.StepStore
	Approvals  *escalation.Manager
	Signer     StepSigner
	Accountant *pricing.Accountant
	Invoker    llm.Invoker
	Source     CaseSource

	// Indexer, when set, receives each completed case so future cases
	// with shared entities find it as a neighbor.
	Indexer CaseIndexer

	// Policy decides per-stage approval gating. Nil means the
	// built-in autonomy table with no overrides.
	Policy *policy.Engine

	// Models routes each stage to a priced model id. Nil means
	// DefaultModels.
	Models map[soc.Stage]string

	// Prompts supplies the versioned per-stage prompt text. Nil means
	// DefaultPrompts.
	Prompts *PromptSet

	StageTimeout time.Duration
	Logger       *slog.Logger
}

// Orchestrator runs the pipeline. One instance serves many cases;
// runs for the same case are serialized on a per-case lock so the
// ledger sequence check never races in-process.
type Orchestrator struct {
	cases      store.CaseStore
	steps      store.StepStore
	approvals  *escalation.Manager
	signer     StepSigner
	accountant *pricing.Accountant
	invoker    llm.Invoker
	source     CaseSource
	indexer    CaseIndexer
	policy     *policy.Engine
	models     map[soc.Stage]string
	prompts    *PromptSet

	stageTimeout time.Duration
	clock        func() time.Time
	logger       *slog.Logger

	mu        sync.Mutex
	caseLocks map[string]*sync.Mutex
}

// New validates required collaborators and fills in defaults.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Cases == nil:
		return nil, errors.New("pipeline: case store is required")
	case cfg.Steps == nil:
		return nil, errors.New("pipeline: step store is required")
	case cfg.Approvals == nil:
		return nil, errors.New("pipeline: approval manager is required")
	case cfg.Signer == nil:
		return nil, errors.New("pipeline: step signer is required")
	case cfg.Accountant == nil:
		return nil, errors.New("pipeline: cost accountant is required")
	case cfg.Invoker == nil:
		return nil, errors.New("pipeline: model invoker is required")
	case cfg.Source == nil:
		return nil, errors.New("pipeline: case source is required")
	}

	pol := cfg.Policy
	if pol == nil {
		var err error
		pol, err = policy.NewEngine(nil)
		if err != nil {
			return nil, fmt.Errorf("pipeline: default policy engine: %w", err)
		}
	}
	models := cfg.Models
	if models == nil {
		models = DefaultModels()
	}
	prompts := cfg.Prompts
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	timeout := cfg.StageTimeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		cases:        cfg.Cases,
		steps:        cfg.Steps,
		approvals:    cfg.Approvals,
		signer:       cfg.Signer,
		accountant:   cfg.Accountant,
		invoker:      cfg.Invoker,
		source:       cfg.Source,
		indexer:      cfg.Indexer,
		policy:       pol,
		models:       models,
		prompts:      prompts,
		stageTimeout: timeout,
		clock:        time.Now,
		logger:       logger.With("component", "pipeline"),
		caseLocks:    make(map[string]*sync.Mutex),
	}, nil
}

// WithClock swaps the time source. Tests use this to control step
// timestamps and TTL arithmetic.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// DefaultModels routes the cheap early stages to a fast model and the
// analytical tail to a deep one.
func DefaultModels() map[soc.Stage]string {
	return map[soc.Stage]string{
		soc.StageTriage:        "gemini-2.5-flash",
		soc.StageEnrichment:    "gemini-2.5-flash",
		soc.StageInvestigation: "gemini-2.5-pro",
		soc.StageCorrelation:   "gemini-2.5-pro",
		soc.StageResponse:      "gemini-2.5-pro",
		soc.StageReporting:     "gemini-2.5-pro",
	}
}

// RunRequest describes one analysis run.
type RunRequest struct {
	// CaseID names the case; unknown ids are created on first run.
	CaseID string

	// RuleID is the detection rule that raised the case. Recorded on
	// newly created cases and fed to policy overrides.
	RuleID string

	// Autonomy is the requested operating level for this run.
	Autonomy soc.AutonomyLevel

	// MaxDepth, when positive, stops the run before any stage whose
	// 1-based position exceeds it. The bound only ever cuts the
	// correlation/response/reporting tail.
	MaxDepth int

	// ApprovalTTL overrides the default approval window. Zero keeps
	// escalation.DefaultTTL.
	ApprovalTTL time.Duration

	// BudgetMicroUSD, when positive, halts the run once the case's
	// accumulated step cost exceeds it.
	BudgetMicroUSD int64

	// Entities seeds enrichment alongside entities fetched from the
	// case source.
	Entities []string

	// Payload is the raw alert body handed to triage.
	Payload json.RawMessage
}

// RunResult reports where a run left the case. Steps counts the whole
// persisted chain, including steps from earlier runs of the same case.
type RunResult struct {
	Case              *soc.Case          `json:"case"`
	Steps             int                `json:"steps"`
	ApprovalsRaised   int                `json:"approvals_raised"`
	TotalCostMicroUSD int64              `json:"total_cost_micro_usd"`
	Verification      chain.Verification `json:"verification"`
}

type runState struct {
	req    RunRequest
	c      *soc.Case
	result *RunResult

	// summary holds the source lookup from enrichment, reused when the
	// completed case is indexed.
	summary *soc.CaseSummary
}

// Run drives the case from its persisted position toward completion.
// Semantic halts (denied or expired approvals, budget and depth
// bounds) are reported through the returned result's case status, not
// as errors; infrastructure and stage failures return both.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if _, err := soc.ParseAutonomyLevel(string(req.Autonomy)); err != nil {
		return nil, err
	}

	lock := o.caseLock(req.CaseID)
	lock.Lock()
	defer lock.Unlock()

	c, err := o.loadOrCreateCase(ctx, req)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, fmt.Errorf("%w: case %s is %s", ErrCaseTerminal, c.ID, c.Status)
	}

	run := &runState{req: req, c: c, result: &RunResult{Case: c}}

	c.Status = soc.CaseRunning
	if err := o.updateCase(ctx, c); err != nil {
		return nil, err
	}
	o.logger.Info("run started",
		"case_id", c.ID,
		"rule_id", c.RuleID,
		"autonomy", req.Autonomy,
		"position", c.Position)

	runErr := o.advance(ctx, run)

	if err := o.finishResult(ctx, run); err != nil {
		if runErr == nil {
			runErr = err
		}
		return run.result, runErr
	}
	if runErr == nil {
		runErr = run.result.Verification.Err(c.ID)
	}
	return run.result, runErr
}

// finishResult loads the final chain view into the result: step count,
// total cost, and a full hash walk.
func (o *Orchestrator) finishResult(ctx context.Context, run *runState) error {
	var steps []soc.AgentStep
	err := o.withRetry(ctx, func() error {
		got, err := o.steps.GetChain(ctx, run.c.ID)
		if err != nil {
			return err
		}
		steps = got
		return nil
	})
	if err != nil {
		return fmt.Errorf("load chain for verification: %w", err)
	}
	run.result.Steps = len(steps)
	run.result.Verification = chain.VerifyChain(steps)

	var total pricing.Money
	err = o.withRetry(ctx, func() error {
		got, err := o.steps.TotalCost(ctx, run.c.ID)
		if err != nil {
			return err
		}
		total = pricing.FromMicro(got)
		return nil
	})
	if err != nil {
		return fmt.Errorf("load total cost: %w", err)
	}
	run.result.TotalCostMicroUSD = total.Micro
	return nil
}

// advance loops the remaining stages in pipeline order, applying the
// depth bound, the budget bound, the investigation skip, and the
// approval gate before each execution.
func (o *Orchestrator) advance(ctx context.Context, run *runState) error {
	c := run.c
	for c.Position < len(soc.PipelineOrder) {
		stage := soc.PipelineOrder[c.Position]

		if depthBounded(stage) && run.req.MaxDepth > 0 && stage.Index() > run.req.MaxDepth {
			o.logger.Info("depth bound reached",
				"case_id", c.ID, "stage", stage, "max_depth", run.req.MaxDepth)
			return o.completeCase(ctx, run)
		}

		if run.req.BudgetMicroUSD > 0 {
			total, err := o.totalCost(ctx, c.ID)
			if err != nil {
				return err
			}
			if total > run.req.BudgetMicroUSD {
				o.logger.Warn("budget exceeded",
					"case_id", c.ID,
					"spent_micro_usd", total,
					"budget_micro_usd", run.req.BudgetMicroUSD)
				return o.failCase(ctx, c, ReasonBudgetExceeded)
			}
		}

		if stage == soc.StageInvestigation {
			kept, err := o.enrichmentKeptCases(ctx, c.ID)
			if err != nil {
				return err
			}
			if len(kept) == 0 {
				// Advance the position without a step; chain
				// sequence numbers stay contiguous.
				c.Position++
				if err := o.updateCase(ctx, c); err != nil {
					return err
				}
				o.logger.Info("investigation skipped",
					"case_id", c.ID, "reason", "no eligible related cases")
				continue
			}
		}

		decision, derr := o.policy.RequiresApproval(stage, run.req.Autonomy, c.RuleID)
		if derr != nil {
			o.logger.Error("policy evaluation failed, gating stage",
				"case_id", c.ID, "stage", stage, "error", derr)
		}
		if decision.RequiresApproval {
			outcome, err := o.awaitApproval(ctx, run, stage, decision)
			if err != nil {
				return err
			}
			if !outcome.Approved() {
				reason := ReasonApprovalDenied
				if outcome.Status == soc.ApprovalExpired {
					reason = ReasonApprovalExpired
				}
				return o.failCase(ctx, c, reason)
			}
			c.Status = soc.CaseRunning
			if err := o.updateCase(ctx, c); err != nil {
				return err
			}
			o.logger.Info("approval granted",
				"case_id", c.ID, "stage", stage, "decided_by", outcome.DecidedBy)
		}

		if err := o.runStage(ctx, run, stage); err != nil {
			return err
		}
	}
	return o.completeCase(ctx, run)
}

// runStage executes one stage end to end: assemble inputs, invoke the
// model under the stage timeout, price the usage, then hash, sign, and
// append exactly one step. The invocation itself is never retried; a
// provider failure is recorded as a failed step and fails the case.
func (o *Orchestrator) runStage(ctx context.Context, run *runState, stage soc.Stage) error {
	c := run.c
	if expected := soc.PipelineOrder[c.Position]; expected != stage {
		return &OutOfOrderError{Case: c.ID, Expected: expected, Got: stage}
	}

	model, ok := o.models[stage]
	if !ok {
		return fmt.Errorf("pipeline: no model routed for stage %s", stage)
	}
	if !o.accountant.Knows(model) {
		err := &pricing.UnknownModelError{Model: model}
		if ferr := o.failCase(ctx, c, err.Error()); ferr != nil {
			return ferr
		}
		return err
	}

	inputs, enrich, err := o.stageInputs(ctx, run, stage)
	if err != nil {
		if ferr := o.failCase(ctx, c, fmt.Sprintf("%s input assembly failed", stage)); ferr != nil {
			return ferr
		}
		return fmt.Errorf("%s inputs: %w", stage, err)
	}

	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	res, invokeErr := o.invoker.Invoke(stageCtx, stage, inputs, model)
	cancel()

	prevHash, seq, err := o.chainTail(ctx, c.ID)
	if err != nil {
		return err
	}

	step := &soc.AgentStep{
		CaseID:    c.ID,
		Seq:       seq,
		StepID:    soc.NewStepID(),
		Stage:     stage,
		Timestamp: o.clock().UTC(),
		Model:     model,
		Inputs:    inputs,
		Autonomy:  run.req.Autonomy,
		PrevHash:  prevHash,
		Status:    soc.StepSuccess,
	}

	if invokeErr == nil {
		outputs := res.Outputs
		if stage == soc.StageEnrichment {
			outputs, invokeErr = mergeEnrichmentOutputs(res.Outputs, enrich)
		}
		if invokeErr == nil {
			cost, cerr := o.accountant.CostOfUsage(model, res.Usage)
			if cerr != nil {
				invokeErr = fmt.Errorf("price usage: %w", cerr)
			} else {
				step.Outputs = outputs
				step.Usage = res.Usage
				step.CostMicroUSD = cost.Micro
			}
		}
	}
	if invokeErr != nil {
		step.Status = soc.StepFailed
		step.Error = invokeErr.Error()
		step.Outputs = nil
		step.Usage = soc.TokenUsage{}
		step.CostMicroUSD = 0
	}

	hash, err := chain.HashStep(step)
	if err != nil {
		return fmt.Errorf("hash step: %w", err)
	}
	step.Hash = hash
	if err := o.signer.SignStep(step); err != nil {
		return fmt.Errorf("sign step: %w", err)
	}

	// Appends are not retried. A failed append with an uncertain
	// outcome must surface, not risk a duplicate sequence.
	if err := o.steps.AppendStep(ctx, step); err != nil {
		if ferr := o.failCase(ctx, c, fmt.Sprintf("%s step append failed", stage)); ferr != nil {
			return ferr
		}
		return fmt.Errorf("append %s step: %w", stage, err)
	}

	if invokeErr != nil {
		serr := &StageExecutionError{Stage: stage, Cause: invokeErr}
		if ferr := o.failCase(ctx, c, serr.Error()); ferr != nil {
			return ferr
		}
		return serr
	}

	// The step is durable; only now does the case move past it.
	c.Position++
	c.LastStage = stage
	c.Status = soc.CaseRunning
	if err := o.updateCase(ctx, c); err != nil {
		return err
	}
	o.logger.Info("stage completed",
		"case_id", c.ID,
		"stage", stage,
		"seq", step.Seq,
		"model", model,
		"cost_micro_usd", step.CostMicroUSD)
	return nil
}

// awaitApproval parks the case in awaiting_approval, raises a request,
// and blocks until a decision, expiry, or context cancellation.
func (o *Orchestrator) awaitApproval(ctx context.Context, run *runState, stage soc.Stage, decision policy.Decision) (escalation.Outcome, error) {
	c := run.c
	c.Status = soc.CaseAwaitingApproval
	if err := o.updateCase(ctx, c); err != nil {
		return escalation.Outcome{}, err
	}

	ticket, err := o.approvals.Require(ctx, escalation.Request{
		CaseID:        c.ID,
		Stage:         stage,
		Action:        stageAction(stage),
		Justification: gateJustification(stage, run.req.Autonomy, decision),
		TTL:           run.req.ApprovalTTL,
	})
	if err != nil {
		return escalation.Outcome{}, fmt.Errorf("raise approval: %w", err)
	}
	run.result.ApprovalsRaised++
	o.logger.Info("awaiting approval",
		"case_id", c.ID,
		"stage", stage,
		"approval_id", ticket.ID,
		"autonomy", run.req.Autonomy)

	outcome, err := ticket.Await(ctx)
	if err != nil {
		// The request stays pending in the store; its TTL timer
		// still resolves it.
		if ferr := o.failCase(ctx, c, ReasonCanceled); ferr != nil {
			return escalation.Outcome{}, ferr
		}
		return escalation.Outcome{}, fmt.Errorf("await approval for %s: %w", stage, err)
	}
	return outcome, nil
}

func gateJustification(stage soc.Stage, level soc.AutonomyLevel, decision policy.Decision) string {
	if decision.Reason != "" {
		return decision.Reason
	}
	return fmt.Sprintf("%s stage requires approval at %s", stage, level)
}

// stageAction names the human-facing action an approver is granting.
func stageAction(stage soc.Stage) string {
	switch stage {
	case soc.StageTriage:
		return "classify_alert"
	case soc.StageEnrichment:
		return "query_external_intel"
	case soc.StageInvestigation:
		return "investigate_related_cases"
	case soc.StageCorrelation:
		return "correlate_findings"
	case soc.StageResponse:
		return "execute_response_actions"
	case soc.StageReporting:
		return "publish_report"
	default:
		return string(stage)
	}
}

// depthBounded reports whether MaxDepth may stop the run before this
// stage. Triage, enrichment, and investigation always run.
func depthBounded(stage soc.Stage) bool {
	switch stage {
	case soc.StageCorrelation, soc.StageResponse, soc.StageReporting:
		return true
	default:
		return false
	}
}

// stageInput is the JSON body handed to the model for one stage.
type stageInput struct {
	Prompt        string            `json:"prompt"`
	PromptVersion string            `json:"prompt_version"`
	CaseID        string            `json:"case_id"`
	RuleID        string            `json:"rule_id,omitempty"`
	Stage         soc.Stage         `json:"stage"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Entities      []string          `json:"entities,omitempty"`
	CaseSummary   *soc.CaseSummary  `json:"case_summary,omitempty"`
	RelatedCases  []soc.RelatedCase `json:"related_cases,omitempty"`
	Context       json.RawMessage   `json:"context,omitempty"`
}

// enrichmentData carries the fetch-and-filter result from input
// assembly to output composition, so the appended step records the
// full eligibility audit alongside the model's analysis.
type enrichmentData struct {
	filtered eligibility.Result
}

// enrichmentOutput is the outputs shape of an enrichment step.
type enrichmentOutput struct {
	Analysis     json.RawMessage  `json:"analysis"`
	RelatedCases eligibilityBlock `json:"related_cases"`
}

type eligibilityBlock struct {
	Kept    []soc.RelatedCase   `json:"kept"`
	Skipped []soc.RelatedCase   `json:"skipped"`
	Summary eligibility.Summary `json:"summary"`
}

// stageInputs assembles the model input for a stage. Reads against the
// case source and the step store retry transient failures; nothing
// here appends state.
func (o *Orchestrator) stageInputs(ctx context.Context, run *runState, stage soc.Stage) (json.RawMessage, *enrichmentData, error) {
	prompt := o.prompts.Get(stage)
	in := stageInput{
		Prompt:        prompt.Text,
		PromptVersion: prompt.Version,
		CaseID:        run.c.ID,
		RuleID:        run.c.RuleID,
		Stage:         stage,
	}

	var enrich *enrichmentData
	switch stage {
	case soc.StageTriage:
		in.Payload = run.req.Payload
	case soc.StageEnrichment:
		summary, related, ferr := o.fetchCaseContext(ctx, run)
		if ferr != nil {
			return nil, nil, ferr
		}
		in.CaseSummary = summary
		var seeds []string
		if summary != nil {
			seeds = summary.Entities
		}
		in.Entities = normalizeEntities(run.req.Entities, seeds)
		filtered := eligibility.Filter(related)
		in.RelatedCases = filtered.Kept
		in.Context, ferr = o.lastOutputs(ctx, run.c.ID)
		if ferr != nil {
			return nil, nil, ferr
		}
		enrich = &enrichmentData{filtered: filtered}
	case soc.StageInvestigation:
		kept, ferr := o.enrichmentKeptCases(ctx, run.c.ID)
		if ferr != nil {
			return nil, nil, ferr
		}
		in.RelatedCases = kept
		in.Context, ferr = o.lastOutputs(ctx, run.c.ID)
		if ferr != nil {
			return nil, nil, ferr
		}
	default:
		prior, ferr := o.lastOutputs(ctx, run.c.ID)
		if ferr != nil {
			return nil, nil, ferr
		}
		in.Context = prior
	}

	raw, err := json.Marshal(in)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal %s input: %w", stage, err)
	}
	return raw, enrich, nil
}

// mergeEnrichmentOutputs wraps the model's analysis with the kept and
// skipped related-case partitions so the audit trail shows exactly
// which rules were excluded and why the counts add up.
func mergeEnrichmentOutputs(analysis json.RawMessage, enrich *enrichmentData) (json.RawMessage, error) {
	if enrich == nil {
		return analysis, nil
	}
	out := enrichmentOutput{
		Analysis: analysis,
		RelatedCases: eligibilityBlock{
			Kept:    enrich.filtered.Kept,
			Skipped: enrich.filtered.Skipped,
			Summary: enrich.filtered.Summarize(),
		},
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal enrichment output: %w", err)
	}
	return raw, nil
}

// fetchCaseContext pulls the case summary and similarity neighbors
// from the external source.
func (o *Orchestrator) fetchCaseContext(ctx context.Context, run *runState) (*soc.CaseSummary, []soc.RelatedCase, error) {
	var summary *soc.CaseSummary
	err := o.withRetry(ctx, func() error {
		got, err := o.source.FetchCase(ctx, run.c.ID)
		if err != nil {
			return err
		}
		summary = got
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetch case summary: %w", err)
	}
	run.summary = summary

	entities := normalizeEntities(run.req.Entities, entitiesOf(summary))
	var related []soc.RelatedCase
	err = o.withRetry(ctx, func() error {
		got, err := o.source.FetchRelatedCases(ctx, entities)
		if err != nil {
			return err
		}
		related = got
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetch related cases: %w", err)
	}

	// The index scores the case against its own entities too.
	neighbors := make([]soc.RelatedCase, 0, len(related))
	for _, rc := range related {
		if rc.CaseID == run.c.ID {
			continue
		}
		neighbors = append(neighbors, rc)
	}
	return summary, neighbors, nil
}

func entitiesOf(summary *soc.CaseSummary) []string {
	if summary == nil {
		return nil
	}
	return summary.Entities
}

// enrichmentKeptCases reads the kept partition back out of the last
// successful enrichment step. The skip decision is always derived from
// the persisted chain, never from in-memory run state, so resumed runs
// decide identically.
func (o *Orchestrator) enrichmentKeptCases(ctx context.Context, caseID string) ([]soc.RelatedCase, error) {
	var steps []soc.AgentStep
	err := o.withRetry(ctx, func() error {
		got, err := o.steps.GetChain(ctx, caseID)
		if err != nil {
			return err
		}
		steps = got
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load chain: %w", err)
	}

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Stage != soc.StageEnrichment || step.Status != soc.StepSuccess {
			continue
		}
		var out enrichmentOutput
		if err := json.Unmarshal(step.Outputs, &out); err != nil {
			o.logger.Warn("unreadable enrichment outputs, skipping investigation",
				"case_id", caseID, "seq", step.Seq, "error", err)
			return nil, nil
		}
		return out.RelatedCases.Kept, nil
	}
	return nil, nil
}

// chainTail returns the link point for the next step: the last hash
// (or the genesis sentinel) and the next sequence number.
func (o *Orchestrator) chainTail(ctx context.Context, caseID string) (string, int64, error) {
	var last *soc.AgentStep
	err := o.withRetry(ctx, func() error {
		got, err := o.steps.LastStep(ctx, caseID)
		if err != nil {
			return err
		}
		last = got
		return nil
	})
	if err != nil {
		return "", 0, fmt.Errorf("load chain tail: %w", err)
	}
	if last == nil {
		return chain.Genesis, 1, nil
	}
	return last.Hash, last.Seq + 1, nil
}

// lastOutputs returns the outputs of the most recent step, or nil for
// a fresh chain. Later stages receive them as running context.
func (o *Orchestrator) lastOutputs(ctx context.Context, caseID string) (json.RawMessage, error) {
	var last *soc.AgentStep
	err := o.withRetry(ctx, func() error {
		got, err := o.steps.LastStep(ctx, caseID)
		if err != nil {
			return err
		}
		last = got
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load previous step: %w", err)
	}
	if last == nil {
		return nil, nil
	}
	return last.Outputs, nil
}

func (o *Orchestrator) totalCost(ctx context.Context, caseID string) (int64, error) {
	var total int64
	err := o.withRetry(ctx, func() error {
		got, err := o.steps.TotalCost(ctx, caseID)
		if err != nil {
			return err
		}
		total = got
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("load total cost: %w", err)
	}
	return total, nil
}

// loadOrCreateCase fetches the case, creating it open at position zero
// on first sight.
func (o *Orchestrator) loadOrCreateCase(ctx context.Context, req RunRequest) (*soc.Case, error) {
	var (
		c     *soc.Case
		found bool
	)
	err := o.withRetry(ctx, func() error {
		got, err := o.cases.GetCase(ctx, req.CaseID)
		if errors.Is(err, store.ErrCaseNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		c, found = got, true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load case: %w", err)
	}
	if found {
		return c, nil
	}

	now := o.clock().UTC()
	c = &soc.Case{
		ID:        req.CaseID,
		RuleID:    req.RuleID,
		Status:    soc.CaseOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.cases.SaveCase(ctx, c); err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}
	o.logger.Info("case created", "case_id", c.ID, "rule_id", c.RuleID)
	return c, nil
}

func (o *Orchestrator) completeCase(ctx context.Context, run *runState) error {
	c := run.c
	c.Status = soc.CaseCompleted
	c.FailureReason = ""
	if err := o.updateCase(ctx, c); err != nil {
		return err
	}
	o.indexCompleted(ctx, run)
	o.logger.Info("case completed", "case_id", c.ID, "last_stage", c.LastStage)
	return nil
}

// indexCompleted adds the finished case to the correlation index. Index
// write failures are logged and never fail the completed run.
func (o *Orchestrator) indexCompleted(ctx context.Context, run *runState) {
	if o.indexer == nil {
		return
	}
	summary := soc.CaseSummary{
		CaseID:   run.c.ID,
		RuleID:   run.c.RuleID,
		Entities: normalizeEntities(run.req.Entities, entitiesOf(run.summary)),
	}
	if run.summary != nil {
		summary.Title = run.summary.Title
		summary.Severity = run.summary.Severity
	}
	if err := o.indexer.IndexCase(ctx, &summary); err != nil {
		o.logger.Warn("case indexing failed", "case_id", run.c.ID, "error", err)
	}
}

// failCase marks the case failed with a reason. Semantic halts return
// nil from the caller; infrastructure callers wrap their own error on
// top.
func (o *Orchestrator) failCase(ctx context.Context, c *soc.Case, reason string) error {
	c.Status = soc.CaseFailed
	c.FailureReason = reason
	if err := o.updateCase(ctx, c); err != nil {
		return err
	}
	o.logger.Warn("case failed", "case_id", c.ID, "reason", reason)
	return nil
}

func (o *Orchestrator) updateCase(ctx context.Context, c *soc.Case) error {
	c.UpdatedAt = o.clock().UTC()
	if err := o.cases.UpdateCase(ctx, c); err != nil {
		return fmt.Errorf("update case %s: %w", c.ID, err)
	}
	return nil
}

func (o *Orchestrator) caseLock(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.caseLocks[id]
	if !ok {
		l = &sync.Mutex{}
		o.caseLocks[id] = l
	}
	return l
}

// withRetry wraps transient reads with a short exponential backoff.
// Stage invocations and step appends never go through here.
func (o *Orchestrator) withRetry(ctx context.Context, fn func() error) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(3),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return retry.BackOffDelay(n, err, config)
		}),
	)
	return r.Do(fn)
}

// normalizeEntities NFC-normalizes, trims, dedups, and sorts entity
// keys from any number of sources so lookups and cache keys are
// stable regardless of input encoding.
func normalizeEntities(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, e := range list {
			key := norm.NFC.String(strings.TrimSpace(e))
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}
