package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

var _ Backend = (*Memory)(nil)

func testCase(id string) *soc.Case {
	now := time.Now().UTC()
	return &soc.Case{
		ID:        id,
		RuleID:    "fact_suspicious_login",
		Status:    soc.CaseOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testStep(caseID string, seq int64, prevHash string) *soc.AgentStep {
	return &soc.AgentStep{
		CaseID:    caseID,
		Seq:       seq,
		StepID:    soc.NewStepID(),
		Stage:     soc.StageTriage,
		Timestamp: time.Now().UTC(),
		Model:     "gemini-2.5-flash",
		Inputs:    json.RawMessage(`{"prompt":"triage v1"}`),
		Outputs:   json.RawMessage(`{"severity":"high"}`),
		Usage:     soc.TokenUsage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
		CostMicroUSD: 1234,
		Autonomy:     soc.AutonomyFullAuto,
		PrevHash:     prevHash,
		Hash:         "sha256:stub-" + soc.NewStepID(),
		Status:       soc.StepSuccess,
	}
}

func TestMemoryCaseLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	c := testCase("case-1")
	if err := m.SaveCase(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveCase(ctx, c); !errors.Is(err, ErrCaseExists) {
		t.Fatalf("expected ErrCaseExists, got %v", err)
	}

	got, err := m.GetCase(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	// Mutating the returned copy must not leak into the store.
	got.Status = soc.CaseFailed
	again, _ := m.GetCase(ctx, "case-1")
	if again.Status != soc.CaseOpen {
		t.Fatalf("stored case mutated through a read: %s", again.Status)
	}

	c.Status = soc.CaseRunning
	if err := m.UpdateCase(ctx, c); err != nil {
		t.Fatal(err)
	}
	updated, _ := m.GetCase(ctx, "case-1")
	if updated.Status != soc.CaseRunning {
		t.Fatalf("expected running, got %s", updated.Status)
	}

	if err := m.UpdateCase(ctx, testCase("ghost")); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("expected ErrCaseNotFound, got %v", err)
	}
	if _, err := m.GetCase(ctx, "ghost"); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("expected ErrCaseNotFound, got %v", err)
	}
}

func TestMemoryAppendContiguity(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.AppendStep(ctx, testStep("case-1", 2, "genesis")); !errors.Is(err, ErrNonContiguousSeq) {
		t.Fatalf("expected ErrNonContiguousSeq for first seq 2, got %v", err)
	}
	if err := m.AppendStep(ctx, testStep("case-1", 1, "genesis")); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendStep(ctx, testStep("case-1", 1, "genesis")); !errors.Is(err, ErrNonContiguousSeq) {
		t.Fatalf("expected ErrNonContiguousSeq for duplicate seq, got %v", err)
	}
	if err := m.AppendStep(ctx, testStep("case-1", 3, "x")); !errors.Is(err, ErrNonContiguousSeq) {
		t.Fatalf("expected ErrNonContiguousSeq for gap, got %v", err)
	}
	if err := m.AppendStep(ctx, testStep("case-1", 2, "x")); err != nil {
		t.Fatal(err)
	}

	chain, err := m.GetChain(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 2 || chain[0].Seq != 1 || chain[1].Seq != 2 {
		t.Fatalf("unexpected chain: %+v", chain)
	}

	last, err := m.LastStep(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if last.Seq != 2 {
		t.Fatalf("expected last seq 2, got %d", last.Seq)
	}

	none, err := m.LastStep(ctx, "empty-case")
	if err != nil {
		t.Fatal(err)
	}
	if none != nil {
		t.Fatalf("expected nil last step for empty chain, got %+v", none)
	}
}

func TestMemoryChainSerializationStable(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	s1 := testStep("case-1", 1, "genesis")
	s1.Inputs = json.RawMessage(`{"zeta":1,"alpha":{"nested":true}}`)
	if err := m.AppendStep(ctx, s1); err != nil {
		t.Fatal(err)
	}
	s2 := testStep("case-1", 2, s1.Hash)
	if err := m.AppendStep(ctx, s2); err != nil {
		t.Fatal(err)
	}

	first, err := m.GetChain(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.GetChain(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}

	a, err := json.Marshal(first)
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("repeated chain reads serialized differently")
	}
	if !bytes.Contains(a, []byte(`{"zeta":1,"alpha":{"nested":true}}`)) {
		t.Fatal("stored input bytes were rewritten")
	}
}

func TestMemoryTotalCost(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	total, err := m.TotalCost(ctx, "no-steps")
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Fatalf("expected empty case cost 0, got %d", total)
	}

	s1 := testStep("case-1", 1, "genesis")
	s1.CostMicroUSD = 60_000
	s2 := testStep("case-1", 2, s1.Hash)
	s2.CostMicroUSD = 525
	if err := m.AppendStep(ctx, s1); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendStep(ctx, s2); err != nil {
		t.Fatal(err)
	}

	total, err = m.TotalCost(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if total != 60_525 {
		t.Fatalf("expected 60525, got %d", total)
	}
}

func TestMemoryUsageByStage(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	s1 := testStep("case-1", 1, "genesis")
	s2 := testStep("case-1", 2, s1.Hash)
	s2.Stage = soc.StageEnrichment
	s2.Model = "gemini-2.5-pro"
	s2.Usage = soc.TokenUsage{InputTokens: 900, OutputTokens: 300, TotalTokens: 1200}
	for _, s := range []*soc.AgentStep{s1, s2} {
		if err := m.AppendStep(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	usage, err := m.UsageByStage(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(usage) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(usage))
	}
	if usage[1].Stage != soc.StageEnrichment || usage[1].Usage.TotalTokens != 1200 {
		t.Fatalf("unexpected usage row: %+v", usage[1])
	}
}
