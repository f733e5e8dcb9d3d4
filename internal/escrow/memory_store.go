package escrow

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/syncutil"
)

// MemoryStore is an in-memory transaction store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	txs   map[string]*Transaction
	locks *syncutil.KeyedMutex
	now   func() time.Time
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:   make(map[string]*Transaction),
		locks: syncutil.NewKeyedMutex(),
		now:   time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txs[t.ID]; ok {
		return fmt.Errorf("transaction %s already exists", t.ID)
	}
	m.txs[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*Transaction, error) {
	unlock, err := m.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := applyMutation(current, fn, m.now())
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.txs[id] = next.Clone()
	m.mu.Unlock()
	return next, nil
}

func (m *MemoryStore) ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	return m.filter(limit, func(t *Transaction) bool {
		return t.ReleaseDueAt(now) && t.OperationFailedAt == nil
	}), nil
}

func (m *MemoryStore) ListStalledOperations(ctx context.Context, claimedBefore time.Time, limit int) ([]*Transaction, error) {
	return m.filter(limit, func(t *Transaction) bool {
		return t.PendingOperation != "" && t.OperationFailedAt == nil &&
			t.OperationClaimedAt != nil && t.OperationClaimedAt.Before(claimedBefore)
	}), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	result := m.filter(0, func(t *Transaction) bool {
		return (t.BuyerID == userID || t.SellerID == userID) && after.Admits(t.CreatedAt, t.ID)
	})
	slices.Reverse(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	return m.filter(limit, func(t *Transaction) bool {
		return t.Status == status
	}), nil
}

// filter returns matching copies, oldest first.
func (m *MemoryStore) filter(limit int, match func(*Transaction) bool) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txs {
		if match(t) {
			result = append(result, t.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

var _ Store = (*MemoryStore)(nil)

// WithClock overrides the time source used for UpdatedAt.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}
