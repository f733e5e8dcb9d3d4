package sanctions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists sanctions.
type Store interface {
	// CreateIfAbsent inserts s unless the user already has an active,
	// unexpired sanction of the same type and trigger, or a revoked one
	// with the same evidence. It reports whether s was inserted.
	CreateIfAbsent(ctx context.Context, s *Sanction, now time.Time) (bool, error)
	Create(ctx context.Context, s *Sanction) error
	Get(ctx context.Context, id string) (*Sanction, error)
	Update(ctx context.Context, s *Sanction) error
	ListByUser(ctx context.Context, userID string) ([]*Sanction, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Sanction, error)
}

// MemoryStore is an in-memory sanction store for demo/development mode.
type MemoryStore struct {
	mu        sync.RWMutex
	sanctions map[string]*Sanction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sanctions: make(map[string]*Sanction)}
}

func (m *MemoryStore) CreateIfAbsent(_ context.Context, s *Sanction, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sanctions {
		if existing.UserID != s.UserID || existing.Type != s.Type || existing.TriggeredBy != s.TriggeredBy {
			continue
		}
		if existing.ActiveAt(now) {
			return false, nil
		}
		if existing.AutomaticSanction && existing.RevokedAt != nil && existing.Evidence == s.Evidence {
			return false, nil
		}
	}
	cp := *s
	m.sanctions[s.ID] = &cp
	return true, nil
}

func (m *MemoryStore) Create(_ context.Context, s *Sanction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sanctions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Sanction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sanctions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, s *Sanction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sanctions[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.sanctions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Sanction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Sanction
	for _, s := range m.sanctions {
		if s.UserID == userID {
			cp := *s
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*Sanction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Sanction
	for _, s := range m.sanctions {
		if s.IsActive && s.ExpiresAt != nil && !now.Before(*s.ExpiresAt) {
			cp := *s
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(*result[j].ExpiresAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
