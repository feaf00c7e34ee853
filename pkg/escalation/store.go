package escalation

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

// ErrNotFound is returned for lookups of unknown approval IDs.
var ErrNotFound = errors.New("escalation: approval not found")

// Store persists approval requests. Implementations must be safe for
// concurrent use; the manager serializes resolutions itself but reads
// may come from any goroutine.
type Store interface {
	Save(ctx context.Context, approval *soc.ApprovalRequest) error
	Update(ctx context.Context, approval *soc.ApprovalRequest) error
	Get(ctx context.Context, id string) (*soc.ApprovalRequest, error)
	ListPending(ctx context.Context) ([]*soc.ApprovalRequest, error)
	ListByCase(ctx context.Context, caseID string) ([]*soc.ApprovalRequest, error)
}

// MemoryStore is the in-process Store used by tests and single-node
// deployments. All accessors copy records on the way in and out, so a
// caller can never mutate stored state without going through Update.
type MemoryStore struct {
	mu        sync.RWMutex
	approvals map[string]soc.ApprovalRequest
}

// NewMemoryStore creates an empty in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		approvals: make(map[string]soc.ApprovalRequest),
	}
}

func (s *MemoryStore) Save(ctx context.Context, approval *soc.ApprovalRequest) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[approval.ID] = *approval
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, approval *soc.ApprovalRequest) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[approval.ID]; !ok {
		return ErrNotFound
	}
	s.approvals[approval.ID] = *approval
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*soc.ApprovalRequest, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	approval, ok := s.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := approval
	return &out, nil
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]*soc.ApprovalRequest, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*soc.ApprovalRequest
	for _, approval := range s.approvals {
		if approval.Status == soc.ApprovalPending {
			out := approval
			pending = append(pending, &out)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

func (s *MemoryStore) ListByCase(ctx context.Context, caseID string) ([]*soc.ApprovalRequest, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*soc.ApprovalRequest
	for _, approval := range s.approvals {
		if approval.CaseID == caseID {
			cp := approval
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
