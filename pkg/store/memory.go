package store

import (
	"context"
	"sort"
	"sync"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/escalation"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

// Memory is the in-process backend. Approvals are delegated to the
// escalation package's own memory store; cases and steps live here.
// All reads return copies so callers cannot mutate stored state.
type Memory struct {
	*escalation.MemoryStore

	mu    sync.RWMutex
	cases map[string]soc.Case
	steps map[string][]soc.AgentStep
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		MemoryStore: escalation.NewMemoryStore(),
		cases:       make(map[string]soc.Case),
		steps:       make(map[string][]soc.AgentStep),
	}
}

func (m *Memory) SaveCase(ctx context.Context, c *soc.Case) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[c.ID]; ok {
		return ErrCaseExists
	}
	m.cases[c.ID] = *c
	return nil
}

func (m *Memory) GetCase(ctx context.Context, id string) (*soc.Case, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, ErrCaseNotFound
	}
	out := c
	return &out, nil
}

func (m *Memory) UpdateCase(ctx context.Context, c *soc.Case) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[c.ID]; !ok {
		return ErrCaseNotFound
	}
	m.cases[c.ID] = *c
	return nil
}

func (m *Memory) ListCases(ctx context.Context) ([]*soc.Case, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*soc.Case, 0, len(m.cases))
	for _, c := range m.cases {
		cp := c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) AppendStep(ctx context.Context, step *soc.AgentStep) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.steps[step.CaseID]
	if step.Seq != int64(len(chain))+1 {
		return ErrNonContiguousSeq
	}
	m.steps[step.CaseID] = append(chain, *step)
	return nil
}

func (m *Memory) GetChain(ctx context.Context, caseID string) ([]soc.AgentStep, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.steps[caseID]
	out := make([]soc.AgentStep, len(chain))
	copy(out, chain)
	return out, nil
}

func (m *Memory) LastStep(ctx context.Context, caseID string) (*soc.AgentStep, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.steps[caseID]
	if len(chain) == 0 {
		return nil, nil
	}
	out := chain[len(chain)-1]
	return &out, nil
}

func (m *Memory) TotalCost(ctx context.Context, caseID string) (int64, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, step := range m.steps[caseID] {
		total += step.CostMicroUSD
	}
	return total, nil
}

func (m *Memory) UsageByStage(ctx context.Context, caseID string) ([]StageUsage, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.steps[caseID]
	out := make([]StageUsage, 0, len(chain))
	for _, step := range chain {
		out = append(out, StageUsage{
			Seq:          step.Seq,
			Stage:        step.Stage,
			Model:        step.Model,
			Usage:        step.Usage,
			CostMicroUSD: step.CostMicroUSD,
		})
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	_ = ctx
	return nil
}

func (m *Memory) Close() error {
	return nil
}
