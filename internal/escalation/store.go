package escalation

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Store persists escalation entries.
type Store interface {
	// NextPosition returns the next position in queue. Positions never repeat.
	NextPosition(ctx context.Context, queue QueueType) (int64, error)
	// Create fails with ErrDuplicate while an open entry of the same kind
	// exists for the same subject.
	Create(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	FindOpen(ctx context.Context, kind Kind, subject string) (*Entry, error)
	Update(ctx context.Context, e *Entry) error
	// List returns entries in claim order. An empty status lists open entries.
	List(ctx context.Context, status Status, limit int) ([]*Entry, error)
	// ClaimNext assigns the first waiting entry in claim order to agent.
	ClaimNext(ctx context.Context, agent string, now time.Time) (*Entry, error)
	// ClaimEntry assigns a specific waiting entry to agent.
	ClaimEntry(ctx context.Context, id, agent string, now time.Time) (*Entry, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Entry, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	positions map[QueueType]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:   make(map[string]*Entry),
		positions: make(map[QueueType]int64),
	}
}

func (m *MemoryStore) NextPosition(_ context.Context, queue QueueType) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[queue]++
	return m.positions[queue], nil
}

func (m *MemoryStore) Create(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findOpen(e.Kind, e.Subject()) != nil {
		return ErrDuplicate
	}
	m.entries[e.ID] = e.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

func (m *MemoryStore) FindOpen(_ context.Context, kind Kind, subject string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.findOpen(kind, subject)
	if e == nil {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

func (m *MemoryStore) findOpen(kind Kind, subject string) *Entry {
	for _, e := range m.entries {
		if e.Kind == kind && e.Subject() == subject && e.Status != StatusDone {
			return e
		}
	}
	return nil
}

func (m *MemoryStore) Update(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.ID]; !ok {
		return ErrNotFound
	}
	m.entries[e.ID] = e.clone()
	return nil
}

func (m *MemoryStore) List(_ context.Context, status Status, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sorted(limit, func(e *Entry) bool {
		if status == "" {
			return e.Status != StatusDone
		}
		return e.Status == status
	}), nil
}

func (m *MemoryStore) ClaimNext(_ context.Context, agent string, now time.Time) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	waiting := m.sorted(1, func(e *Entry) bool { return e.Status == StatusWaiting })
	if len(waiting) == 0 {
		return nil, ErrQueueEmpty
	}
	return m.assign(m.entries[waiting[0].ID], agent, now), nil
}

func (m *MemoryStore) ClaimEntry(_ context.Context, id, agent string, now time.Time) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Status != StatusWaiting {
		return nil, ErrAlreadyAssigned
	}
	return m.assign(e, agent, now), nil
}

func (m *MemoryStore) assign(e *Entry, agent string, now time.Time) *Entry {
	e.Status = StatusAssigned
	e.AssignedAgent = agent
	e.AssignedAt = &now
	return e.clone()
}

func (m *MemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sorted(limit, func(e *Entry) bool { return e.Overdue(now) }), nil
}

// sorted returns copies of matching entries in claim order. Caller holds mu.
func (m *MemoryStore) sorted(limit int, match func(*Entry) bool) []*Entry {
	var result []*Entry
	for _, e := range m.entries {
		if match(e) {
			result = append(result, e.clone())
		}
	}
	slices.SortFunc(result, func(a, b *Entry) int {
		switch {
		case Less(a, b):
			return -1
		case Less(b, a):
			return 1
		}
		return 0
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
