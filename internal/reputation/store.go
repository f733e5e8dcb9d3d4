package reputation

import (
	"context"
	"sort"
	"sync"
)

// Store persists snapshots and the IDs of events already applied.
type Store interface {
	Get(ctx context.Context, userID string) (*Snapshot, error)
	// Apply atomically runs fn on the user's snapshot (New(userID) when none
	// exists) unless eventID was applied before. It reports whether fn ran.
	Apply(ctx context.Context, userID, eventID string, fn func(Snapshot) Snapshot) (bool, error)
	List(ctx context.Context, limit int) ([]*Snapshot, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	applied   map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]*Snapshot),
		applied:   make(map[string]struct{}),
	}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Apply(_ context.Context, userID, eventID string, fn func(Snapshot) Snapshot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.applied[eventID]; seen {
		return false, nil
	}
	cur := New(userID)
	if s, ok := m.snapshots[userID]; ok {
		cur = *s
	}
	next := fn(cur)
	m.snapshots[userID] = &next
	m.applied[eventID] = struct{}{}
	return true, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Snapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
