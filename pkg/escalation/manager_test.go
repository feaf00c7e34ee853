package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

func testRequest() Request {
	return Request{
		CaseID:        "case-001",
		Stage:         soc.StageResponse,
		Action:        "isolate_host",
		Justification: "containment of lateral movement",
	}
}

func TestRequirePersistsPending(t *testing.T) {
	mgr := NewManager(nil)

	ticket, err := mgr.Require(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if ticket.ID == "" {
		t.Fatal("expected approval ID")
	}
	if ticket.Request.Status != soc.ApprovalPending {
		t.Fatalf("expected pending, got %s", ticket.Request.Status)
	}
	if !ticket.Request.ExpiresAt.Equal(ticket.Request.CreatedAt.Add(DefaultTTL)) {
		t.Fatalf("expected default TTL expiry, got %s", ticket.Request.ExpiresAt)
	}

	n, err := mgr.PendingCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pending, got %d", n)
	}
}

func TestApproveWakesWaiter(t *testing.T) {
	mgr := NewManager(nil)

	ticket, err := mgr.Require(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan Outcome, 1)
	go func() {
		out, err := ticket.Await(context.Background())
		if err != nil {
			t.Error(err)
		}
		done <- out
	}()

	approval, err := mgr.Decide(context.Background(), ticket.ID, true, "analyst-1", "looks contained")
	if err != nil {
		t.Fatal(err)
	}
	if approval.Status != soc.ApprovalApproved {
		t.Fatalf("expected approved, got %s", approval.Status)
	}
	if approval.DecidedAt == nil {
		t.Fatal("expected decided_at to be set")
	}

	select {
	case out := <-done:
		if !out.Approved() {
			t.Fatalf("expected approved outcome, got %s", out.Status)
		}
		if out.DecidedBy != "analyst-1" {
			t.Fatalf("expected analyst-1, got %q", out.DecidedBy)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke up")
	}

	n, _ := mgr.PendingCount(context.Background())
	if n != 0 {
		t.Fatalf("expected 0 pending, got %d", n)
	}
}

func TestDenyWakesWaiter(t *testing.T) {
	mgr := NewManager(nil)

	ticket, err := mgr.Require(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.Decide(context.Background(), ticket.ID, false, "analyst-2", "too risky"); err != nil {
		t.Fatal(err)
	}

	out, err := ticket.Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Approved() {
		t.Fatal("denied outcome reported as approved")
	}
	if out.Status != soc.ApprovalDenied {
		t.Fatalf("expected denied, got %s", out.Status)
	}
	if out.Reason != "too risky" {
		t.Fatalf("expected reason, got %q", out.Reason)
	}

	stored, _ := mgr.Get(context.Background(), ticket.ID)
	if stored.Status != soc.ApprovalDenied || stored.DecidedBy != "analyst-2" {
		t.Fatalf("stored record not denied by analyst-2: %+v", stored)
	}
}

func TestSecondDecisionRejected(t *testing.T) {
	mgr := NewManager(nil)

	ticket, err := mgr.Require(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.Decide(context.Background(), ticket.ID, true, "analyst-1", "ok"); err != nil {
		t.Fatal(err)
	}

	// A conflicting second decision must not alter the outcome.
	_, err = mgr.Decide(context.Background(), ticket.ID, false, "analyst-2", "changed my mind")
	var resolved *AlreadyResolvedError
	if !errors.As(err, &resolved) {
		t.Fatalf("expected AlreadyResolvedError, got %v", err)
	}
	if resolved.Status != soc.ApprovalApproved {
		t.Fatalf("expected conflict to report approved, got %s", resolved.Status)
	}

	stored, _ := mgr.Get(context.Background(), ticket.ID)
	if stored.Status != soc.ApprovalApproved {
		t.Fatalf("outcome changed after second decision: %s", stored.Status)
	}
	if stored.DecidedBy != "analyst-1" {
		t.Fatalf("decider changed after second decision: %q", stored.DecidedBy)
	}
}

func TestTimerExpiryWakesWaiter(t *testing.T) {
	mgr := NewManager(nil)

	req := testRequest()
	req.TTL = 50 * time.Millisecond
	ticket, err := mgr.Require(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := ticket.Await(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != soc.ApprovalExpired {
		t.Fatalf("expected expired, got %s", out.Status)
	}
	if out.Approved() {
		t.Fatal("expired outcome reported as approved")
	}

	stored, _ := mgr.Get(context.Background(), ticket.ID)
	if stored.Status != soc.ApprovalExpired {
		t.Fatalf("expected stored expired, got %s", stored.Status)
	}
	if stored.DecidedAt == nil {
		t.Fatal("expected decided_at on expiry")
	}
}

func TestDecideAfterWallExpiry(t *testing.T) {
	now := time.Now()
	elapsed := int64(0)
	mgr := NewManager(nil).WithClock(func() time.Time {
		return now.Add(time.Duration(elapsed) * time.Second)
	})

	ticket, err := mgr.Require(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}

	// TTL elapsed on the wall clock; the real timer has not fired.
	elapsed = 301

	_, err = mgr.Decide(context.Background(), ticket.ID, true, "analyst-1", "late")
	var resolved *AlreadyResolvedError
	if !errors.As(err, &resolved) {
		t.Fatalf("expected AlreadyResolvedError, got %v", err)
	}
	if resolved.Status != soc.ApprovalExpired {
		t.Fatalf("expected expired, got %s", resolved.Status)
	}

	// The late decision performed the expiry, so the waiter is woken.
	out, err := ticket.Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != soc.ApprovalExpired {
		t.Fatalf("expected expired outcome, got %s", out.Status)
	}
}

func TestConcurrentDecidesResolveOnce(t *testing.T) {
	mgr := NewManager(nil)

	ticket, err := mgr.Require(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, conflicts int

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := mgr.Decide(context.Background(), ticket.ID, n%2 == 0, fmt.Sprintf("analyst-%d", n), "race")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			var resolved *AlreadyResolvedError
			if errors.As(err, &resolved) {
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly 1 winning decision, got %d", wins)
	}
	if conflicts != racers-1 {
		t.Fatalf("expected %d conflicts, got %d", racers-1, conflicts)
	}

	// The waiter saw exactly one outcome and it matches the store.
	out, err := ticket.Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	stored, _ := mgr.Get(context.Background(), ticket.ID)
	if out.Status != stored.Status || out.DecidedBy != stored.DecidedBy {
		t.Fatalf("waiter outcome %+v diverges from stored %+v", out, stored)
	}
}

func TestAwaitCancellation(t *testing.T) {
	mgr := NewManager(nil)

	ticket, err := mgr.Require(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ticket.Await(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// Abandoning the wait does not resolve the request.
	stored, _ := mgr.Get(context.Background(), ticket.ID)
	if stored.Status != soc.ApprovalPending {
		t.Fatalf("expected still pending, got %s", stored.Status)
	}
}

func TestCheckTimeoutsSweepsRestartOrphans(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	elapsed := int64(0)
	mgr := NewManager(store).WithClock(func() time.Time {
		return now.Add(time.Duration(elapsed) * time.Second)
	})

	// Persisted before a restart: pending in the store, no timer armed.
	orphan := &soc.ApprovalRequest{
		ID:        "orphan-1",
		CaseID:    "case-old",
		Stage:     soc.StageResponse,
		Action:    "isolate_host",
		CreatedAt: now.Add(-10 * time.Minute),
		ExpiresAt: now.Add(-5 * time.Minute),
		Status:    soc.ApprovalPending,
	}
	if err := store.Save(context.Background(), orphan); err != nil {
		t.Fatal(err)
	}

	// A live request that has not expired yet.
	fresh, err := mgr.Require(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}

	expired, err := mgr.CheckTimeouts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != "orphan-1" {
		t.Fatalf("expected only the orphan to expire, got %+v", expired)
	}

	stored, _ := mgr.Get(context.Background(), "orphan-1")
	if stored.Status != soc.ApprovalExpired {
		t.Fatalf("expected orphan expired, got %s", stored.Status)
	}
	live, _ := mgr.Get(context.Background(), fresh.ID)
	if live.Status != soc.ApprovalPending {
		t.Fatalf("fresh request swept too early: %s", live.Status)
	}
}

func TestListByCase(t *testing.T) {
	mgr := NewManager(nil)
	ctx := context.Background()

	a, _ := mgr.Require(ctx, Request{CaseID: "case-a", Stage: soc.StageEnrichment, Action: "query_intel"})
	time.Sleep(2 * time.Millisecond)
	b, _ := mgr.Require(ctx, Request{CaseID: "case-a", Stage: soc.StageResponse, Action: "isolate_host"})
	mgr.Require(ctx, Request{CaseID: "case-b", Stage: soc.StageResponse, Action: "isolate_host"})

	got, err := mgr.ListByCase(ctx, "case-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 approvals for case-a, got %d", len(got))
	}
	if got[0].ID != b.ID || got[1].ID != a.ID {
		t.Fatal("expected newest-first ordering")
	}
}

func TestGetUnknownID(t *testing.T) {
	mgr := NewManager(nil)
	_, err := mgr.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithDefaultTTLOverridesWindow(t *testing.T) {
	mgr := NewManager(nil).WithDefaultTTL(42 * time.Second)

	ticket, err := mgr.Require(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	want := ticket.Request.CreatedAt.Add(42 * time.Second)
	if !ticket.Request.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, ticket.Request.ExpiresAt)
	}

	// Per-request TTL still wins over the instance default.
	req := testRequest()
	req.TTL = 5 * time.Second
	ticket, err = mgr.Require(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	want = ticket.Request.CreatedAt.Add(5 * time.Second)
	if !ticket.Request.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, ticket.Request.ExpiresAt)
	}
}
