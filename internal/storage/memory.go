package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type request struct {
	userID  int64
	locator string
	at      time.Time
}

// Memory is an in-process Store. Safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	users    map[int64]*User
	cache    map[string]CacheEntry
	requests []request
	activity []ActivityEntry
	nextID   int64
}

func NewMemory() *Memory {
	return &Memory{users: map[int64]*User{}, cache: map[string]CacheEntry{}}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) user(id int64) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return u, nil
}

func (m *Memory) GetUser(_ context.Context, id int64) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(id)
	if err != nil {
		return User{}, err
	}
	return *u, nil
}

func (m *Memory) TouchActivity(_ context.Context, id int64, username string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		u = &User{ID: id, CreatedAt: at}
		m.users[id] = u
	}
	if username != "" {
		u.Username = username
	}
	u.LastActivity = at
	return nil
}

func (m *Memory) ResetDailyLimitIfNeeded(_ context.Context, id int64, day string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.QuotaDay == day {
		return false, nil
	}
	u.UsedToday = 0
	u.QuotaDay = day
	return true, nil
}

func (m *Memory) RecordDownload(_ context.Context, id int64, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(id)
	if err != nil {
		return err
	}
	if u.QuotaDay != day {
		u.QuotaDay = day
		u.UsedToday = 0
	}
	u.UsedToday++
	u.TotalDownloads++
	return nil
}

func (m *Memory) ClaimBonus(_ context.Context, id int64, day string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.BonusDay == day {
		return false, nil
	}
	u.BonusDay = day
	return true, nil
}

func (m *Memory) SetPremium(_ context.Context, id int64, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(id)
	if err != nil {
		return err
	}
	u.PremiumUntil = until
	return nil
}

func (m *Memory) ResetAllDaily(_ context.Context, day string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, u := range m.users {
		if u.QuotaDay != day {
			u.UsedToday = 0
			u.QuotaDay = day
			n++
		}
	}
	return n, nil
}

func (m *Memory) CacheLookup(_ context.Context, locator string) (CacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[locator]
	return e, ok, nil
}

func (m *Memory) CacheStore(_ context.Context, e CacheEntry) error {
	if strings.TrimSpace(e.Locator) == "" || strings.TrimSpace(e.Handle) == "" {
		return errors.New("cache entry needs locator and handle")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.cache[e.Locator] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) LogRequest(_ context.Context, userID int64, locator string, at time.Time) error {
	m.mu.Lock()
	m.requests = append(m.requests, request{userID: userID, locator: locator, at: at})
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecentCandidates(_ context.Context, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}
	since := time.Now().Add(-CandidateWindow)
	m.mu.Lock()
	byLoc := map[string]*Candidate{}
	for _, r := range m.requests {
		if r.at.Before(since) {
			continue
		}
		if _, cached := m.cache[r.locator]; cached {
			continue
		}
		c, ok := byLoc[r.locator]
		if !ok {
			c = &Candidate{Locator: r.locator}
			byLoc[r.locator] = c
		}
		c.Requests++
		if r.at.After(c.LastSeen) {
			c.LastSeen = r.at
		}
	}
	m.mu.Unlock()

	out := make([]Candidate, 0, len(byLoc))
	for _, c := range byLoc {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Requests != out[j].Requests {
			return out[i].Requests > out[j].Requests
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AppendActivity(_ context.Context, at time.Time, message string) error {
	if at.IsZero() {
		at = time.Now()
	}
	m.mu.Lock()
	m.nextID++
	m.activity = append(m.activity, ActivityEntry{ID: m.nextID, At: at, Message: message})
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecentActivity(_ context.Context, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ActivityEntry, 0, limit)
	for i := len(m.activity) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.activity[i])
	}
	return out, nil
}

func (m *Memory) PruneActivity(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.activity[:0]
	var n int64
	for _, e := range m.activity {
		if e.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.activity = kept
	return n, nil
}
