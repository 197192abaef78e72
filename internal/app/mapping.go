package app

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"mediabot/internal/blob"
	"mediabot/internal/config"
	"mediabot/internal/delivery"
	"mediabot/internal/fetch"
	"mediabot/internal/statusapi"
	"mediabot/internal/storage"
	"mediabot/internal/storage/rediscache"
	"mediabot/internal/task/admission"
	"mediabot/internal/task/indexer"
	"mediabot/internal/task/queue"
	"mediabot/internal/task/scheduler"
	logx "mediabot/pkg/logx"
)

// settings is the config translated into component configs, with every
// duration parsed once.
type settings struct {
	PollTimeout time.Duration
	Storage     storage.Config
	Redis       *rediscache.Config
	Queue       queue.Config
	Admission   admission.Config
	Indexer     indexer.Config
	IndexerOn   bool
	Resolver    fetch.ResolverConfig
	Extractor   fetch.ExtractorConfig
	WorkDir     string
	Delivery    delivery.Config
	Blob        blob.Config
	Scheduler   scheduler.Config
	ScheduleOn  bool
	Maintenance scheduler.Maintenance
	Status      statusapi.Config
}

func mapConfig(cfg *config.Config) (settings, error) {
	var s settings
	var errs []string
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := config.ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return d
	}

	s.PollTimeout = dur("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)

	s.Storage = storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: dur("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second),
	}
	if s.Storage.Driver != "memory" && s.Storage.Path == "" {
		s.Storage.Path = "./data/mediabot.db"
	}
	if cfg.Cache.Driver == "redis" {
		s.Redis = &rediscache.Config{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
			TTL:      dur("cache.redis.ttl", cfg.Cache.Redis.TTL, 0),
		}
	}

	s.Queue = queue.Config{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		TaskTimeout:   dur("queue.task_timeout", cfg.Queue.TaskTimeout, 10*time.Minute),
		HistorySize:   cfg.Queue.HistorySize,
	}

	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Quota.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Sprintf("quota.timezone: %v", err))
		} else {
			loc = l
		}
	}
	daily := cfg.Quota.DailyLimit
	if daily <= 0 {
		daily = 5
	}
	premium := cfg.Quota.PremiumLimit
	if premium <= 0 {
		premium = 50
	}
	s.Admission = admission.Config{DailyLimit: daily, PremiumLimit: premium, Bonus: cfg.Quota.Bonus, Location: loc}

	s.IndexerOn = cfg.Indexer.Enabled
	s.Indexer = indexer.Config{
		Interval:     dur("indexer.interval", cfg.Indexer.Interval, 0),
		BusyBackoff:  dur("indexer.busy_backoff", cfg.Indexer.BusyBackoff, 0),
		EmptyBackoff: dur("indexer.empty_backoff", cfg.Indexer.EmptyBackoff, 0),
		ErrorBackoff: dur("indexer.error_backoff", cfg.Indexer.ErrorBackoff, 0),
		BatchSize:    cfg.Indexer.BatchSize,
		SubBatch:     cfg.Indexer.SubBatch,
		ItemDelay:    dur("indexer.item_delay", cfg.Indexer.ItemDelay, 0),
	}

	s.Resolver = fetch.ResolverConfig{
		Timeout:      dur("extractor.resolve_timeout", cfg.Extractor.ResolveTimeout, 0),
		MaxRedirects: cfg.Extractor.MaxRedirects,
		MaxURLLength: cfg.Extractor.MaxURLLength,
		AllowedHosts: cfg.Extractor.AllowedHosts,
	}
	s.Extractor = fetch.ExtractorConfig{
		Binary:      cfg.Extractor.Binary,
		Format:      cfg.Extractor.Format,
		MaxFileSize: cfg.Extractor.MaxFileSize,
		Timeout:     dur("extractor.timeout", cfg.Extractor.Timeout, 0),
	}
	s.WorkDir = cfg.Extractor.WorkDir

	s.Blob = blob.Config{
		Driver:   cfg.Blob.Driver,
		Telegram: blob.TelegramConfig{ChatID: cfg.Blob.Telegram.ChatID},
		S3: blob.S3Config{
			Bucket:       cfg.Blob.S3.Bucket,
			Region:       cfg.Blob.S3.Region,
			Endpoint:     cfg.Blob.S3.Endpoint,
			AccessKey:    cfg.Blob.S3.AccessKey,
			SecretKey:    cfg.Blob.S3.SecretKey,
			Prefix:       cfg.Blob.S3.Prefix,
			PublicURL:    cfg.Blob.S3.PublicURL,
			UsePathStyle: cfg.Blob.S3.UsePathStyle,
		},
	}

	s.ScheduleOn = cfg.Schedule.Enabled
	s.Scheduler = scheduler.Config{Timezone: cfg.Schedule.Timezone}
	if s.Scheduler.Timezone == "" {
		s.Scheduler.Timezone = loc.String()
	}
	s.Maintenance = scheduler.Maintenance{
		DailySweep:    orDefault(cfg.Schedule.DailySweep, "0 0 * * *"),
		StatusLog:     orDefault(cfg.Schedule.StatusLog, "@hourly"),
		ActivityPrune: orDefault(cfg.Schedule.ActivityPrune, "30 3 * * *"),
		Retention:     dur("schedule.activity_retention", cfg.Schedule.ActivityRetention, 30*24*time.Hour),
		Day:           s.Admission.Day,
	}

	s.Status = statusapi.Config{Enabled: cfg.Status.Enabled, Addr: cfg.Status.Addr, Token: cfg.Status.Token, Pprof: cfg.Status.Pprof}

	if len(errs) > 0 {
		return settings{}, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return s, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// restartSections are config sections whose changes only take effect
// after a restart.
var restartSections = map[string]bool{
	"queue":     true,
	"quota":     true,
	"indexer":   true,
	"extractor": true,
	"storage":   true,
	"cache":     true,
	"blob":      true,
}
