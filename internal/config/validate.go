package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"mediabot/internal/task/scheduler"
)

// structValidator checks the `validate` tags on Config. Field errors are
// reported by their JSON path.
var structValidator = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

func tagErrors(cfg *Config) []error {
	err := structValidator.Struct(cfg)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return []error{err}
	}
	out := make([]error, 0, len(ves))
	for _, fe := range ves {
		path := fe.Namespace()
		if _, rest, ok := strings.Cut(path, "."); ok {
			path = rest
		}
		if fe.Param() != "" {
			out = append(out, fmt.Errorf("%s: must satisfy %s=%s (got %v)", path, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			out = append(out, fmt.Errorf("%s: must satisfy %s (got %v)", path, fe.Tag(), fe.Value()))
		}
	}
	return out
}

// Validate checks the fields a running process depends on. It does not
// mutate cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is empty (set it or MEDIABOT_TELEGRAM_TOKEN)"))
	}
	for path, raw := range map[string]string{
		"telegram.poll_timeout":       cfg.Telegram.PollTimeout,
		"queue.task_timeout":          cfg.Queue.TaskTimeout,
		"indexer.interval":            cfg.Indexer.Interval,
		"indexer.busy_backoff":        cfg.Indexer.BusyBackoff,
		"indexer.empty_backoff":       cfg.Indexer.EmptyBackoff,
		"indexer.error_backoff":       cfg.Indexer.ErrorBackoff,
		"indexer.item_delay":          cfg.Indexer.ItemDelay,
		"extractor.timeout":           cfg.Extractor.Timeout,
		"extractor.resolve_timeout":   cfg.Extractor.ResolveTimeout,
		"storage.busy_timeout":        cfg.Storage.BusyTimeout,
		"cache.redis.ttl":             cfg.Cache.Redis.TTL,
		"schedule.activity_retention": cfg.Schedule.ActivityRetention,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	errs = append(errs, tagErrors(cfg)...)
	if tz := strings.TrimSpace(cfg.Quota.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("quota.timezone: %w", err))
		}
	}

	if cfg.Cache.Driver == "redis" && strings.TrimSpace(cfg.Cache.Redis.Addr) == "" {
		add(errors.New("cache.redis.addr is required for the redis cache"))
	}
	switch cfg.Blob.Driver {
	case "telegram":
		if cfg.Blob.Telegram.ChatID == 0 {
			add(errors.New("blob.telegram.chat_id is required"))
		}
	case "s3":
		if strings.TrimSpace(cfg.Blob.S3.Bucket) == "" {
			add(errors.New("blob.s3.bucket is required"))
		}
	}

	if cfg.Schedule.Enabled {
		parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		for path, spec := range map[string]string{
			"schedule.daily_sweep":    cfg.Schedule.DailySweep,
			"schedule.status_log":     cfg.Schedule.StatusLog,
			"schedule.activity_prune": cfg.Schedule.ActivityPrune,
		} {
			if strings.TrimSpace(spec) == "" {
				continue
			}
			ps, err := scheduler.ParseSchedule(spec)
			if err == nil && ps.Kind == scheduler.SpecCron {
				_, err = parser.Parse(ps.Cron)
			}
			if err != nil {
				add(fmt.Errorf("%s: %w", path, err))
			}
		}
	}
	return errors.Join(errs...)
}
