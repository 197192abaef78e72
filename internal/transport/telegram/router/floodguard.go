package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const floodIdleTTL = 10 * time.Minute

// FloodGuard rate limits incoming messages per user with a token bucket.
// Idle buckets are evicted lazily.
type FloodGuard struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	users   map[int64]*floodEntry
	now     func() time.Time
	lastGC  time.Time
	warnGap time.Duration
}

type floodEntry struct {
	lim      *rate.Limiter
	seen     time.Time
	lastWarn time.Time
}

// NewFloodGuard returns nil when perSec <= 0 (disabled).
func NewFloodGuard(perSec float64, burst int) *FloodGuard {
	if perSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 3
	}
	return &FloodGuard{
		limit:   rate.Limit(perSec),
		burst:   burst,
		users:   map[int64]*floodEntry{},
		now:     time.Now,
		warnGap: 30 * time.Second,
	}
}

func (g *FloodGuard) entry(id int64, now time.Time) *floodEntry {
	if now.Sub(g.lastGC) > floodIdleTTL {
		for k, e := range g.users {
			if now.Sub(e.seen) > floodIdleTTL {
				delete(g.users, k)
			}
		}
		g.lastGC = now
	}
	e, ok := g.users[id]
	if !ok {
		e = &floodEntry{lim: rate.NewLimiter(g.limit, g.burst)}
		g.users[id] = e
	}
	e.seen = now
	return e
}

// Allow reports whether a message from id may be processed now.
func (g *FloodGuard) Allow(id int64) bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	return g.entry(id, now).lim.AllowN(now, 1)
}

// ShouldWarn reports whether a throttled user should be told about it.
// At most one warning per user every 30 seconds.
func (g *FloodGuard) ShouldWarn(id int64) bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	e := g.entry(id, now)
	if now.Sub(e.lastWarn) < g.warnGap {
		return false
	}
	e.lastWarn = now
	return true
}

// Len is the number of tracked users.
func (g *FloodGuard) Len() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.users)
}
