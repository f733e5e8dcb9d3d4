package risk

import (
	"context"
	"maps"
	"sync"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{assessments: make(map[string][]*Assessment)}
}

func (s *MemoryStore) Record(_ context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assessments[a.TransactionID] = append(s.assessments[a.TransactionID], clone(a))
	return nil
}

// ListByTransaction returns the most recent assessments first.
func (s *MemoryStore) ListByTransaction(_ context.Context, transactionID string, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[transactionID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]*Assessment, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, clone(all[i]))
	}
	return out, nil
}

func clone(a *Assessment) *Assessment {
	cp := *a
	cp.Factors = maps.Clone(a.Factors)
	cp.Indicators = append(Indicators(nil), a.Indicators...)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
