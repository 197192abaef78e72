package queue

import (
	"context"
	"time"

	kit "mediabot/internal/transport"
)

// Priority tiers used by admission and the indexer. Any value in
// [0, MaxPriority] is accepted; higher runs first.
const (
	PriorityBackground = 1
	PriorityStandard   = 10
	PriorityPremium    = 100
	MaxPriority        = 1000
)

// Config controls the task queue.
type Config struct {
	// MaxConcurrent is the number of capacity slots (in-flight executors).
	MaxConcurrent int

	// TaskTimeout is the watchdog limit for a single execution. When it
	// expires the slot is force-released and the task is marked failed.
	// 0 applies the default.
	TaskTimeout time.Duration

	HistorySize int
}

// Executor performs one task. It must honor ctx cancellation; the watchdog
// reclaims the slot even when it does not.
type Executor func(ctx context.Context, t Task) error

// Task is one requested unit of work. The queue stores tasks by value and
// never mutates a pending task; DispatchSeq and DispatchedAt are stamped on
// the copy handed to the executor.
type Task struct {
	ID          string
	Name        string
	Chat        kit.ChatTarget
	RequesterID int64
	Target      string
	Priority    int
	CreatedAt   time.Time

	// Run overrides the queue's executor for this task (used by background work).
	Run func(ctx context.Context) error

	DispatchSeq  uint64
	DispatchedAt time.Time

	seq uint64
}

// Background reports whether the task carries its own body.
func (t Task) Background() bool { return t.Run != nil }

// TaskEvent is published on the event bus for lifecycle transitions.
type TaskEvent struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	RequesterID int64         `json:"requester_id,omitempty"`
	Target      string        `json:"target,omitempty"`
	Priority    int           `json:"priority"`
	QueueDelay  time.Duration `json:"queue_delay,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
}

type HistoryItem struct {
	ID         string
	Name       string
	Priority   int
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// Snapshot is a read-only view for status reporting.
type Snapshot struct {
	Pending       int
	Active        int
	MaxConcurrent int
	Paused        bool
	Closed        bool

	Added        uint64
	Completed    uint64
	Failed       uint64
	TimedOut     uint64
	Discarded    uint64
	DispatchRuns uint64

	TaskTimeout time.Duration
	History     []HistoryItem
}

func (t Task) event() TaskEvent {
	return TaskEvent{ID: t.ID, Name: t.Name, RequesterID: t.RequesterID, Target: t.Target, Priority: t.Priority}
}
