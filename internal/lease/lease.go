// Package lease elects a single holder for background work shared by
// several replicas. A holder keeps its lease by re-acquiring it before the
// TTL runs out; a crashed holder loses it when the TTL expires.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Local is an in-process lease. Every Local created from the same Group
// competes for the same name, which is enough for a single binary and for
// tests that simulate replicas.
type Local struct {
	group *Group
	name  string
	token string
}

// Group holds the in-process lease table.
type Group struct {
	mu     sync.Mutex
	now    func() time.Time
	owners map[string]holder
}

type holder struct {
	token   string
	expires time.Time
}

// NewGroup creates an empty lease table.
func NewGroup() *Group {
	return &Group{now: time.Now, owners: make(map[string]holder)}
}

// WithClock overrides the time source.
func (g *Group) WithClock(now func() time.Time) *Group {
	g.now = now
	return g
}

// Lease returns a new contender for name.
func (g *Group) Lease(name string) *Local {
	return &Local{group: g, name: name, token: uuid.NewString()}
}

// Acquire takes or renews the lease for ttl.
func (l *Local) Acquire(_ context.Context, ttl time.Duration) (bool, error) {
	g := l.group
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if h, ok := g.owners[l.name]; ok && h.token != l.token && now.Before(h.expires) {
		return false, nil
	}
	g.owners[l.name] = holder{token: l.token, expires: now.Add(ttl)}
	return true, nil
}

// Release gives the lease up if this contender holds it.
func (l *Local) Release(_ context.Context) error {
	g := l.group
	g.mu.Lock()
	defer g.mu.Unlock()
	if h, ok := g.owners[l.name]; ok && h.token == l.token {
		delete(g.owners, l.name)
	}
	return nil
}
