// Package store persists cases, the append-only agent step ledger,
// and approval requests. Three backends share one contract: in-memory
// for tests and dev, SQLite for single-node deployments, Postgres for
// shared ones. The step ledger is append-only; nothing in this
// package ever rewrites a stored step.
package store

import (
	"context"
	"errors"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/escalation"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

var (
	ErrCaseNotFound = errors.New("store: case not found")
	ErrCaseExists   = errors.New("store: case already exists")
	// ErrNonContiguousSeq rejects a step append whose Seq is not
	// exactly one past the last stored step for the case.
	ErrNonContiguousSeq = errors.New("store: step sequence not contiguous")
)

// CaseStore persists case state.
type CaseStore interface {
	SaveCase(ctx context.Context, c *soc.Case) error
	GetCase(ctx context.Context, id string) (*soc.Case, error)
	UpdateCase(ctx context.Context, c *soc.Case) error
	ListCases(ctx context.Context) ([]*soc.Case, error)
}

// StepStore is the append-only ledger of agent steps, keyed
// (case_id, seq). Appends are durable before they return; the
// orchestrator advances case state only afterwards.
type StepStore interface {
	AppendStep(ctx context.Context, step *soc.AgentStep) error
	// GetChain returns the case's steps ordered by Seq. Repeated
	// calls with no intervening appends return identical content.
	GetChain(ctx context.Context, caseID string) ([]soc.AgentStep, error)
	// LastStep returns the highest-Seq step, or (nil, nil) for an
	// empty chain.
	LastStep(ctx context.Context, caseID string) (*soc.AgentStep, error)
	// TotalCost sums the stored per-step costs in micro-USD. An
	// empty chain sums to zero.
	TotalCost(ctx context.Context, caseID string) (int64, error)
	UsageByStage(ctx context.Context, caseID string) ([]StageUsage, error)
}

// StageUsage is one ledger row's billing view.
type StageUsage struct {
	Seq          int64          `json:"seq"`
	Stage        soc.Stage      `json:"stage"`
	Model        string         `json:"model"`
	Usage        soc.TokenUsage `json:"usage"`
	CostMicroUSD int64          `json:"cost_micro_usd"`
}

// Backend bundles the three stores a deployment needs plus lifecycle.
type Backend interface {
	CaseStore
	StepStore
	escalation.Store

	Ping(ctx context.Context) error
	Close() error
}
