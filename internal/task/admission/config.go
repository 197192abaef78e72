package admission

import (
	"time"

	"mediabot/internal/storage"
)

// Config holds the daily allowances.
type Config struct {
	DailyLimit   int
	PremiumLimit int
	Bonus        int
	// Location decides when the calendar day rolls over. Nil means UTC.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.PremiumLimit <= 0 {
		c.PremiumLimit = c.DailyLimit
	}
	return c
}

// Day is the quota day key for t.
func (c Config) Day(t time.Time) string {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}

func (c Config) quotaFor(u storage.User, now time.Time, day string) Quota {
	q := Quota{Used: u.UsedToday, Premium: u.Premium(now), BonusClaimed: u.BonusClaimed(day), Day: day}
	q.Limit = c.DailyLimit
	if q.Premium {
		q.Limit = c.PremiumLimit
	}
	if q.BonusClaimed {
		q.Limit += c.Bonus
	}
	q.Remaining = q.Limit - q.Used
	if q.Remaining < 0 {
		q.Remaining = 0
	}
	return q
}
