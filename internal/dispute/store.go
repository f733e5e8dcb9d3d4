package dispute

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error)
	ListNegotiationExpired(ctx context.Context, now time.Time, limit int) ([]*Dispute, error)
	// CountAgainst counts disputes whose respondent is userID created at or
	// after since.
	CountAgainst(ctx context.Context, userID string, since time.Time) (int, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[d.ID] = d.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[d.ID]; !ok {
		return ErrNotFound
	}
	m.disputes[d.ID] = d.clone()
	return nil
}

func (m *MemoryStore) ListByTransaction(_ context.Context, transactionID string) ([]*Dispute, error) {
	return m.filter(0, func(d *Dispute) bool { return d.TransactionID == transactionID }), nil
}

func (m *MemoryStore) ListNegotiationExpired(_ context.Context, now time.Time, limit int) ([]*Dispute, error) {
	return m.filter(limit, func(d *Dispute) bool { return d.NegotiationExpired(now) }), nil
}

func (m *MemoryStore) CountAgainst(_ context.Context, userID string, since time.Time) (int, error) {
	return len(m.filter(0, func(d *Dispute) bool {
		return d.RespondentID == userID && !d.CreatedAt.Before(since)
	})), nil
}

func (m *MemoryStore) filter(limit int, match func(*Dispute) bool) []*Dispute {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if match(d) {
			result = append(result, d.clone())
		}
	}
	slices.SortFunc(result, func(a, b *Dispute) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
