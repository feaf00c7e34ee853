package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/escalation"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

var _ Backend = (*SQLite)(nil)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "soc.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteCaseRoundTrip(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	c := testCase("case-1")
	if err := s.SaveCase(ctx, c); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCase(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RuleID != c.RuleID || got.Status != soc.CaseOpen {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(c.CreatedAt) {
		t.Fatalf("created_at drifted: stored %s, got %s", c.CreatedAt, got.CreatedAt)
	}

	c.Status = soc.CaseCompleted
	c.Position = 6
	c.LastStage = soc.StageReporting
	c.UpdatedAt = time.Now().UTC()
	if err := s.UpdateCase(ctx, c); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetCase(ctx, "case-1")
	if got.Status != soc.CaseCompleted || got.Position != 6 || got.LastStage != soc.StageReporting {
		t.Fatalf("update not applied: %+v", got)
	}

	if _, err := s.GetCase(ctx, "ghost"); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("expected ErrCaseNotFound, got %v", err)
	}
	if err := s.UpdateCase(ctx, testCase("ghost")); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("expected ErrCaseNotFound, got %v", err)
	}

	cases, err := s.ListCases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cases) != 1 {
		t.Fatalf("expected 1 case, got %d", len(cases))
	}
}

func TestSQLiteStepLedger(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	s1 := testStep("case-1", 1, "genesis")
	s1.Inputs = json.RawMessage(`{"zeta":1,"alpha":2}`)
	s1.Error = ""
	if err := s.AppendStep(ctx, s1); err != nil {
		t.Fatal(err)
	}

	// Appends must stay contiguous per case.
	if err := s.AppendStep(ctx, testStep("case-1", 3, s1.Hash)); !errors.Is(err, ErrNonContiguousSeq) {
		t.Fatalf("expected ErrNonContiguousSeq, got %v", err)
	}
	if err := s.AppendStep(ctx, testStep("case-1", 1, "genesis")); !errors.Is(err, ErrNonContiguousSeq) {
		t.Fatalf("expected ErrNonContiguousSeq for replay, got %v", err)
	}

	s2 := testStep("case-1", 2, s1.Hash)
	s2.Status = soc.StepFailed
	s2.Error = "model timeout"
	s2.Outputs = nil
	if err := s.AppendStep(ctx, s2); err != nil {
		t.Fatal(err)
	}

	// A second case starts its own sequence.
	if err := s.AppendStep(ctx, testStep("case-2", 1, "genesis")); err != nil {
		t.Fatal(err)
	}

	chain, err := s.GetChain(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(chain))
	}
	if !bytes.Equal(chain[0].Inputs, s1.Inputs) {
		t.Fatalf("input bytes rewritten: %s", chain[0].Inputs)
	}
	if chain[1].Outputs != nil {
		t.Fatalf("expected nil outputs for failed step, got %s", chain[1].Outputs)
	}
	if chain[1].Error != "model timeout" {
		t.Fatalf("error not persisted: %q", chain[1].Error)
	}
	if !chain[0].Timestamp.Equal(s1.Timestamp) {
		t.Fatalf("timestamp drifted: %s vs %s", chain[0].Timestamp, s1.Timestamp)
	}

	// Byte-identical reads.
	again, _ := s.GetChain(ctx, "case-1")
	a, _ := json.Marshal(chain)
	b, _ := json.Marshal(again)
	if !bytes.Equal(a, b) {
		t.Fatal("repeated chain reads serialized differently")
	}

	last, err := s.LastStep(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if last.Seq != 2 {
		t.Fatalf("expected last seq 2, got %d", last.Seq)
	}
	none, err := s.LastStep(ctx, "empty")
	if err != nil {
		t.Fatal(err)
	}
	if none != nil {
		t.Fatal("expected nil for empty chain")
	}

	total, err := s.TotalCost(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if total != s1.CostMicroUSD+s2.CostMicroUSD {
		t.Fatalf("expected %d, got %d", s1.CostMicroUSD+s2.CostMicroUSD, total)
	}
	empty, _ := s.TotalCost(ctx, "empty")
	if empty != 0 {
		t.Fatalf("expected 0 for empty case, got %d", empty)
	}

	usage, err := s.UsageByStage(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(usage) != 2 || usage[0].Usage.InputTokens != 100 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestSQLiteApprovals(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	now := time.Now().UTC()
	a := &soc.ApprovalRequest{
		ID:            "appr-1",
		CaseID:        "case-1",
		Stage:         soc.StageResponse,
		Action:        "isolate_host",
		Justification: "containment",
		CreatedAt:     now,
		ExpiresAt:     now.Add(5 * time.Minute),
		Status:        soc.ApprovalPending,
	}
	if err := s.Save(ctx, a); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "appr-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != soc.ApprovalPending || got.DecidedAt != nil {
		t.Fatalf("unexpected pending record: %+v", got)
	}

	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending, got %d", len(pending))
	}

	decidedAt := now.Add(time.Minute)
	a.Status = soc.ApprovalApproved
	a.DecidedBy = "analyst-1"
	a.Reason = "verified"
	a.DecidedAt = &decidedAt
	if err := s.Update(ctx, a); err != nil {
		t.Fatal(err)
	}

	got, _ = s.Get(ctx, "appr-1")
	if got.Status != soc.ApprovalApproved || got.DecidedBy != "analyst-1" {
		t.Fatalf("update not applied: %+v", got)
	}
	if got.DecidedAt == nil || !got.DecidedAt.Equal(decidedAt) {
		t.Fatalf("decided_at round trip failed: %v", got.DecidedAt)
	}

	pending, _ = s.ListPending(ctx)
	if len(pending) != 0 {
		t.Fatalf("expected 0 pending after decision, got %d", len(pending))
	}

	byCase, err := s.ListByCase(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(byCase) != 1 {
		t.Fatalf("expected 1 for case-1, got %d", len(byCase))
	}

	if _, err := s.Get(ctx, "ghost"); !errors.Is(err, escalation.ErrNotFound) {
		t.Fatalf("expected escalation.ErrNotFound, got %v", err)
	}
	ghost := *a
	ghost.ID = "ghost"
	if err := s.Update(ctx, &ghost); !errors.Is(err, escalation.ErrNotFound) {
		t.Fatalf("expected escalation.ErrNotFound, got %v", err)
	}
}

func TestSQLiteBackedManager(t *testing.T) {
	s := openTestSQLite(t)

	mgr := escalation.NewManager(s)
	ticket, err := mgr.Require(context.Background(), escalation.Request{
		CaseID: "case-1",
		Stage:  soc.StageResponse,
		Action: "isolate_host",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Decide(context.Background(), ticket.ID, true, "analyst-1", "ok"); err != nil {
		t.Fatal(err)
	}
	out, err := ticket.Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !out.Approved() {
		t.Fatalf("expected approved, got %s", out.Status)
	}
}
