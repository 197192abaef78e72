package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "mediabot/pkg/logx"
)

type Config struct {
	Timezone    string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
	HistorySize int
}

// JobFunc is one scheduled unit of work.
type JobFunc func(ctx context.Context) error

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           JobFunc
	entryID       cron.EntryID
	startupSpread time.Duration
	running       *atomic.Bool
	runs          *atomic.Uint64
	skips         *atomic.Uint64
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	hmu     sync.Mutex
	history []RunRecord
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
	Runs    uint64
	Skips   uint64
	Running bool
}

type RunRecord struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type Snapshot struct {
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
	History   []RunRecord
}
