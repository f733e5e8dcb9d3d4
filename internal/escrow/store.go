package escrow

import (
	"context"
	"time"

	"github.com/mbd888/escrowd/internal/pagination"
)

// MutateFunc changes a transaction under its lock. It must not do I/O.
// Returning an error aborts the write.
type MutateFunc func(t *Transaction) error

// Store persists transactions.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)

	// Mutate locks the transaction, runs fn on a copy, validates the result
	// and persists it. The returned transaction is the committed state.
	Mutate(ctx context.Context, id string, fn MutateFunc) (*Transaction, error)

	// ListDueForRelease returns buffer_period transactions whose buffer ended
	// at or before now, with no open dispute and no failed operation.
	ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)

	// ListStalledOperations returns transactions with a claimed operation
	// older than claimedBefore that has not been marked failed.
	ListStalledOperations(ctx context.Context, claimedBefore time.Time, limit int) ([]*Transaction, error)

	// ListByUser returns transactions where userID is buyer or seller,
	// newest first, starting after the cursor when one is given.
	ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Transaction, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error)
}

// applyMutation runs fn against a copy of current and returns the new
// version ready to persist.
func applyMutation(current *Transaction, fn MutateFunc, now time.Time) (*Transaction, error) {
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = now
	return next, nil
}
