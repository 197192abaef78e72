package indexer

import (
	"context"
	"time"

	"mediabot/internal/blob"
	"mediabot/internal/eventbus"
	"mediabot/internal/fetch"
	"mediabot/internal/storage"
	"mediabot/internal/task/queue"
	logx "mediabot/pkg/logx"
)

type State string

const (
	StateIdle         State = "idle"
	StateScanning     State = "scanning"
	StateThrottled    State = "throttled"
	StateShuttingDown State = "shutting_down"
)

// Config controls pacing. Zero values take the defaults in withDefaults.
type Config struct {
	Interval     time.Duration
	BusyBackoff  time.Duration
	EmptyBackoff time.Duration
	ErrorBackoff time.Duration
	BatchSize    int
	SubBatch     int
	ItemDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.BusyBackoff <= 0 {
		c.BusyBackoff = 30 * time.Second
	}
	if c.EmptyBackoff <= 0 {
		c.EmptyBackoff = 30 * time.Minute
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 15 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.SubBatch <= 0 {
		c.SubBatch = 2
	}
	if c.ItemDelay < 0 {
		c.ItemDelay = 0
	}
	return c
}

// Queue is the part of the task queue the indexer uses.
type Queue interface {
	Active() int
	Submit(t queue.Task) error
}

type Candidates interface {
	RecentCandidates(ctx context.Context, limit int) ([]storage.Candidate, error)
}

type Deps struct {
	Queue      Queue
	Candidates Candidates
	Cache      storage.Cache
	Extractor  fetch.Extractor
	Workspaces *fetch.Workspaces
	Uploader   blob.Uploader
	Bus        eventbus.Bus // optional
	Log        logx.Logger
}

// StateEvent is published on every state transition.
type StateEvent struct {
	From   State         `json:"from"`
	To     State         `json:"to"`
	Reason string        `json:"reason,omitempty"`
	Next   time.Duration `json:"next,omitempty"`
}

// IndexedEvent is published when a locator lands in the cache.
type IndexedEvent struct {
	Locator string `json:"locator"`
	Title   string `json:"title,omitempty"`
	Handle  string `json:"handle"`
}

type Snapshot struct {
	State     State
	NextRunAt time.Time
	Cycles    uint64
	Submitted uint64
	Indexed   uint64
	Skipped   uint64
	Failed    uint64
	// InFlight is the number of items left in the running batch.
	InFlight  int
	LastError string
}
