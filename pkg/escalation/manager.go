// Package escalation provides the approval gate: the suspend/resume
// primitive that pauses a pipeline stage until a human decision
// arrives or a timeout elapses.
//
// Every request is resolved exactly once. The first of {decision,
// timeout} wins; the loser observes AlreadyResolvedError and the
// stored outcome never changes afterwards.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

// DefaultTTL bounds how long a request may stay pending when the
// caller does not specify a timeout.
const DefaultTTL = 300 * time.Second

// AlreadyResolvedError rejects a second resolution attempt. The
// original outcome stands.
type AlreadyResolvedError struct {
	ID     string
	Status soc.ApprovalStatus
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("approval %s already resolved (status=%s)", e.ID, e.Status)
}

// Outcome is what a suspended stage wakes up to.
type Outcome struct {
	Status    soc.ApprovalStatus
	DecidedBy string
	Reason    string
}

// Approved reports whether the stage may proceed. Denial and expiry
// are observed identically by the pipeline: the stage never runs.
func (o Outcome) Approved() bool {
	return o.Status == soc.ApprovalApproved
}

// Request describes the gated action.
type Request struct {
	CaseID        string
	Stage         soc.Stage
	Action        string
	Justification string
	TTL           time.Duration
}

// Ticket is the caller's handle on one pending request. Await blocks
// until the request resolves; the channel receives exactly one
// outcome ever.
type Ticket struct {
	ID      string
	Request *soc.ApprovalRequest
	ch      chan Outcome
}

// Await suspends the caller until a decision, expiry, or ctx
// cancellation. Cancellation abandons the wait; the request itself is
// left to the expiry timer.
func (t *Ticket) Await(ctx context.Context) (Outcome, error) {
	select {
	case out := <-t.ch:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Manager owns the lifecycle of approval requests.
type Manager struct {
	mu         sync.Mutex
	store      Store
	waiters    map[string]*Ticket
	timers     map[string]*time.Timer
	defaultTTL time.Duration
	clock      func() time.Time
	logger     *slog.Logger
}

// NewManager creates a manager backed by the given store.
func NewManager(store Store) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Manager{
		store:      store,
		waiters:    make(map[string]*Ticket),
		timers:     make(map[string]*time.Timer),
		defaultTTL: DefaultTTL,
		clock:      time.Now,
		logger:     slog.Default().With("component", "escalation"),
	}
}

// WithDefaultTTL sets the expiry window used when a request carries no
// TTL of its own. Non-positive values keep DefaultTTL.
func (m *Manager) WithDefaultTTL(d time.Duration) *Manager {
	if d > 0 {
		m.defaultTTL = d
	}
	return m
}

// WithClock overrides the clock for deterministic testing. Timestamps
// come from the clock; expiry firing still uses real timers.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Require creates a pending approval request and returns the ticket
// the calling stage blocks on. The expiry timer is armed before the
// ticket is returned, so the timeout fires whether or not anyone ever
// decides.
func (m *Manager) Require(ctx context.Context, req Request) (*Ticket, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := m.clock()

	approval := &soc.ApprovalRequest{
		ID:            uuid.New().String(),
		CaseID:        req.CaseID,
		Stage:         req.Stage,
		Action:        req.Action,
		Justification: req.Justification,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		Status:        soc.ApprovalPending,
	}

	if err := m.store.Save(ctx, approval); err != nil {
		return nil, fmt.Errorf("persist approval request: %w", err)
	}

	ticket := &Ticket{
		ID:      approval.ID,
		Request: approval,
		ch:      make(chan Outcome, 1),
	}

	m.mu.Lock()
	m.waiters[approval.ID] = ticket
	m.timers[approval.ID] = time.AfterFunc(ttl, func() { m.expire(approval.ID) })
	m.mu.Unlock()

	m.logger.Info("approval required",
		"approval_id", approval.ID,
		"case_id", req.CaseID,
		"stage", req.Stage,
		"expires_at", approval.ExpiresAt)

	return ticket, nil
}

// Decide resolves a pending request to approved or denied. A request
// that is no longer pending, including one whose TTL has already
// elapsed on the wall clock, is rejected with AlreadyResolvedError.
func (m *Manager) Decide(ctx context.Context, id string, approve bool, decidedBy, reason string) (*soc.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	approval, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if approval.Status != soc.ApprovalPending {
		return nil, &AlreadyResolvedError{ID: id, Status: approval.Status}
	}

	now := m.clock()
	if !now.Before(approval.ExpiresAt) {
		// The timeout owns this request even if its timer has not
		// fired yet.
		if err := m.resolveLocked(ctx, approval, soc.ApprovalExpired, "", "ttl elapsed", now); err != nil {
			return nil, err
		}
		return nil, &AlreadyResolvedError{ID: id, Status: soc.ApprovalExpired}
	}

	status := soc.ApprovalDenied
	if approve {
		status = soc.ApprovalApproved
	}
	if err := m.resolveLocked(ctx, approval, status, decidedBy, reason, now); err != nil {
		return nil, err
	}
	return approval, nil
}

// expire transitions a still-pending request to expired. Invoked by
// the TTL timer exactly once; a lost race against Decide is a no-op.
func (m *Manager) expire(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx := context.Background()
	approval, err := m.store.Get(ctx, id)
	if err != nil {
		m.logger.Error("expire lookup failed", "approval_id", id, "error", err)
		return
	}
	if approval.Status != soc.ApprovalPending {
		return
	}
	if err := m.resolveLocked(ctx, approval, soc.ApprovalExpired, "", "ttl elapsed", m.clock()); err != nil {
		m.logger.Error("expire failed", "approval_id", id, "error", err)
	}
}

// resolveLocked performs the single pending→terminal transition:
// persists the outcome, wakes the waiter, and disarms the timer.
// Callers hold m.mu and have verified the request is pending.
func (m *Manager) resolveLocked(ctx context.Context, approval *soc.ApprovalRequest, status soc.ApprovalStatus, decidedBy, reason string, now time.Time) error {
	approval.Status = status
	approval.DecidedBy = decidedBy
	approval.Reason = reason
	approval.DecidedAt = &now

	if err := m.store.Update(ctx, approval); err != nil {
		return fmt.Errorf("persist approval resolution: %w", err)
	}

	if timer, ok := m.timers[approval.ID]; ok {
		timer.Stop()
		delete(m.timers, approval.ID)
	}
	if ticket, ok := m.waiters[approval.ID]; ok {
		ticket.ch <- Outcome{Status: status, DecidedBy: decidedBy, Reason: reason}
		delete(m.waiters, approval.ID)
	}

	m.logger.Info("approval resolved",
		"approval_id", approval.ID,
		"case_id", approval.CaseID,
		"status", status)
	return nil
}

// CheckTimeouts sweeps wall-expired pending requests. The per-request
// timers make this redundant in steady state; it exists for recovery
// after a restart, when persisted pendings have no timers armed.
func (m *Manager) CheckTimeouts(ctx context.Context) ([]*soc.ApprovalRequest, error) {
	pending, err := m.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	var expired []*soc.ApprovalRequest
	for _, approval := range pending {
		if approval.Status != soc.ApprovalPending || now.Before(approval.ExpiresAt) {
			continue
		}
		if err := m.resolveLocked(ctx, approval, soc.ApprovalExpired, "", "ttl elapsed", now); err != nil {
			return expired, err
		}
		expired = append(expired, approval)
	}
	return expired, nil
}

// Get returns an approval request by ID.
func (m *Manager) Get(ctx context.Context, id string) (*soc.ApprovalRequest, error) {
	return m.store.Get(ctx, id)
}

// ListPending returns all unresolved requests.
func (m *Manager) ListPending(ctx context.Context) ([]*soc.ApprovalRequest, error) {
	return m.store.ListPending(ctx)
}

// ListByCase returns every request raised for a case, newest first.
func (m *Manager) ListByCase(ctx context.Context, caseID string) ([]*soc.ApprovalRequest, error) {
	return m.store.ListByCase(ctx, caseID)
}

// PendingCount returns the number of pending requests.
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	pending, err := m.store.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}
