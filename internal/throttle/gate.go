// Package throttle provides a keyed rate gate: an action guarded by a key
// runs at most once per interval. Used to keep approval-flag rewrites and
// repeat alerts from hammering external services. State is process-local;
// duplicate suppression across processes is an accepted tradeoff.
package throttle

import (
	"sync"
	"time"
)

// maxTrackedKeys caps the number of tracked keys to prevent memory
// exhaustion from unbounded key cardinality.
const maxTrackedKeys = 4096

// Gate admits the first caller per key per interval.
// Safe for concurrent use.
type Gate struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	now      func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock substitutes the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New creates a Gate with the given minimum interval between admissions
// for any single key.
func New(interval time.Duration, opts ...Option) *Gate {
	g := &Gate{
		interval: interval,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TryAcquire returns true if no admission for key happened within the
// interval, recording this one. Returns false otherwise.
func (g *Gate) TryAcquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if len(g.last) >= maxTrackedKeys {
		g.pruneLocked(now)
	}

	if t, ok := g.last[key]; ok && now.Sub(t) < g.interval {
		return false
	}
	g.last[key] = now
	return true
}

// Remaining reports how long until key is admissible again; zero if now.
func (g *Gate) Remaining(key string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.last[key]
	if !ok {
		return 0
	}
	if d := g.interval - g.now().Sub(t); d > 0 {
		return d
	}
	return 0
}

// pruneLocked drops expired entries, then hard-evicts if still at the cap.
func (g *Gate) pruneLocked(now time.Time) {
	for k, t := range g.last {
		if now.Sub(t) >= g.interval {
			delete(g.last, k)
		}
	}
	for len(g.last) >= maxTrackedKeys {
		for k := range g.last {
			delete(g.last, k)
			break
		}
	}
}
