package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": process-local maps, lost on restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// CandidateWindow bounds how far back RecentCandidates looks.
const CandidateWindow = 7 * 24 * time.Hour

// User is a requester with daily quota bookkeeping. Day fields hold the
// calendar day ("2006-01-02") in the quota timezone.
type User struct {
	ID             int64
	Username       string
	UsedToday      int
	TotalDownloads int
	QuotaDay       string
	BonusDay       string
	PremiumUntil   time.Time
	LastActivity   time.Time
	CreatedAt      time.Time
}

func (u User) Premium(now time.Time) bool { return now.Before(u.PremiumUntil) }

// BonusClaimed reports whether the bonus was claimed on day.
func (u User) BonusClaimed(day string) bool { return u.BonusDay != "" && u.BonusDay == day }

// CacheEntry maps a canonical locator to a reusable delivery handle
// (Telegram file id or durable URL).
type CacheEntry struct {
	Locator   string
	Handle    string
	Kind      string
	Title     string
	CreatedAt time.Time
}

// Candidate is a locator worth pre-fetching, ranked by request count.
type Candidate struct {
	Locator  string
	Requests int
	LastSeen time.Time
}

type ActivityEntry struct {
	ID      int64
	At      time.Time
	Message string
}

// Users is quota and activity bookkeeping per requester.
type Users interface {
	GetUser(ctx context.Context, id int64) (User, error)
	// TouchActivity creates the user on first contact and stamps LastActivity.
	TouchActivity(ctx context.Context, id int64, username string, at time.Time) error
	// ResetDailyLimitIfNeeded zeroes UsedToday when day differs from the
	// stored quota day. It reports whether a reset happened.
	ResetDailyLimitIfNeeded(ctx context.Context, id int64, day string) (bool, error)
	// RecordDownload charges one successful delivery against the quota of
	// day. A stored quota day other than day is rolled over first.
	RecordDownload(ctx context.Context, id int64, day string) error
	// ClaimBonus marks the bonus claimed for day. It reports false when it
	// was already claimed that day.
	ClaimBonus(ctx context.Context, id int64, day string) (bool, error)
	SetPremium(ctx context.Context, id int64, until time.Time) error
	// ResetAllDaily zeroes counters for every user whose quota day is not day.
	ResetAllDaily(ctx context.Context, day string) (int64, error)
}

// Cache is the locator -> handle mapping used for instant re-delivery.
type Cache interface {
	CacheLookup(ctx context.Context, locator string) (CacheEntry, bool, error)
	CacheStore(ctx context.Context, e CacheEntry) error
}

// RequestLog feeds background discovery.
type RequestLog interface {
	LogRequest(ctx context.Context, userID int64, locator string, at time.Time) error
	// RecentCandidates returns up to limit requested locators that have no
	// cache entry, most requested first.
	RecentCandidates(ctx context.Context, limit int) ([]Candidate, error)
}

type Activity interface {
	AppendActivity(ctx context.Context, at time.Time, message string) error
	RecentActivity(ctx context.Context, limit int) ([]ActivityEntry, error)
	PruneActivity(ctx context.Context, before time.Time) (int64, error)
}

// Store is the full persistence API.
type Store interface {
	Users
	Cache
	RequestLog
	Activity
	Close() error
}
