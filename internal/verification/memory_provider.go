package verification

import (
	"context"
	"sync"
	"time"
)

// MemoryProvider answers checks from a configurable table. Unconfigured
// checks clear.
type MemoryProvider struct {
	mu       sync.RWMutex
	outcomes map[string]Outcome
	calls    int
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{outcomes: make(map[string]Outcome)}
}

// Set fixes the outcome of check for userID. A check on a transaction takes
// the most severe outcome configured for either party.
func (p *MemoryProvider) Set(userID string, check CheckType, o Outcome) {
	p.mu.Lock()
	p.outcomes[key(userID, check)] = o
	p.mu.Unlock()
}

// Calls returns how many checks have been run.
func (p *MemoryProvider) Calls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.calls
}

func (p *MemoryProvider) Check(ctx context.Context, check CheckType, s Subject) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	p.mu.RLock()
	defer p.mu.RUnlock()

	outcome := OutcomeClear
	for _, user := range []string{s.BuyerID, s.SellerID} {
		o, ok := p.outcomes[key(user, check)]
		if !ok {
			continue
		}
		if severity(o) > severity(outcome) {
			outcome = o
		}
	}
	return Result{
		TransactionID: s.TransactionID,
		CheckType:     check,
		Outcome:       outcome,
		ReceivedAt:    time.Now().UTC(),
	}, nil
}

func key(userID string, check CheckType) string {
	return userID + "/" + string(check)
}

func severity(o Outcome) int {
	switch o {
	case OutcomeBlocked:
		return 3
	case OutcomeFlagged:
		return 2
	case OutcomePending:
		return 1
	default:
		return 0
	}
}

var _ Provider = (*MemoryProvider)(nil)
