package scheduler

import (
	"context"
	"time"

	"mediabot/internal/task/queue"
	logx "mediabot/pkg/logx"
)

// Job names registered by RegisterMaintenance.
const (
	JobDailySweep    = "daily_sweep"
	JobStatusLog     = "status_log"
	JobActivityPrune = "activity_prune"
)

type DailyResetter interface {
	ResetAllDaily(ctx context.Context, day string) (int64, error)
}

type ActivityPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type QueueSnapshotter interface {
	Snapshot() queue.Snapshot
}

// Maintenance wires the bookkeeping jobs. Empty specs skip a job.
type Maintenance struct {
	DailySweep    string
	StatusLog     string
	ActivityPrune string
	Retention     time.Duration

	Users    DailyResetter
	Day      func(time.Time) string
	Activity ActivityPruner
	Queue    QueueSnapshotter
	// Extra adds fields to the status line (e.g. indexer state).
	Extra func() []logx.Field
	Log   logx.Logger
	Now   func() time.Time
}

func RegisterMaintenance(s *Service, m Maintenance) error {
	if m.Now == nil {
		m.Now = time.Now
	}
	if m.Retention <= 0 {
		m.Retention = 30 * 24 * time.Hour
	}
	log := m.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	if m.DailySweep != "" && m.Users != nil && m.Day != nil {
		err := s.Add(JobDailySweep, m.DailySweep, time.Minute, func(ctx context.Context) error {
			day := m.Day(m.Now())
			n, err := m.Users.ResetAllDaily(ctx, day)
			if err != nil {
				return err
			}
			log.Info("daily quota sweep", logx.String("day", day), logx.Int64("users", n))
			return nil
		})
		if err != nil {
			return err
		}
	}
	if m.StatusLog != "" && m.Queue != nil {
		err := s.Add(JobStatusLog, m.StatusLog, 10*time.Second, func(context.Context) error {
			snap := m.Queue.Snapshot()
			fields := []logx.Field{
				logx.Int("pending", snap.Pending),
				logx.Int("active", snap.Active),
				logx.Int("max", snap.MaxConcurrent),
				logx.Bool("paused", snap.Paused),
				logx.Uint64("completed", snap.Completed),
				logx.Uint64("failed", snap.Failed),
				logx.Uint64("timed_out", snap.TimedOut),
			}
			if m.Extra != nil {
				fields = append(fields, m.Extra()...)
			}
			log.Info("queue status", fields...)
			return nil
		})
		if err != nil {
			return err
		}
	}
	if m.ActivityPrune != "" && m.Activity != nil {
		err := s.Add(JobActivityPrune, m.ActivityPrune, time.Minute, func(ctx context.Context) error {
			n, err := m.Activity.Prune(ctx, m.Now().Add(-m.Retention))
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info("activity pruned", logx.Int64("rows", n))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
