package config

import (
	"reflect"

	logx "mediabot/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and returns safe
// log fields for them. Secrets (tokens, keys, passwords) are never logged.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	ot.Token, nt.Token = "", ""
	if !reflect.DeepEqual(ot, nt) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.String("telegram.poll_timeout", nt.PollTimeout),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.max_concurrent", newCfg.Queue.MaxConcurrent),
			logx.String("queue.task_timeout", newCfg.Queue.TaskTimeout),
		)
	}
	if oldCfg.Quota != newCfg.Quota {
		changed = append(changed, "quota")
		attrs = append(attrs,
			logx.Int("quota.daily_limit", newCfg.Quota.DailyLimit),
			logx.Int("quota.premium_limit", newCfg.Quota.PremiumLimit),
			logx.Int("quota.bonus", newCfg.Quota.Bonus),
		)
	}
	if oldCfg.Indexer != newCfg.Indexer {
		changed = append(changed, "indexer")
		attrs = append(attrs,
			logx.Bool("indexer.enabled", newCfg.Indexer.Enabled),
			logx.String("indexer.interval", newCfg.Indexer.Interval),
		)
	}
	if !reflect.DeepEqual(oldCfg.Extractor, newCfg.Extractor) {
		changed = append(changed, "extractor")
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	oc, nc := oldCfg.Cache, newCfg.Cache
	oc.Redis.Password, nc.Redis.Password = "", ""
	if oc != nc {
		changed = append(changed, "cache")
		attrs = append(attrs, logx.String("cache.driver", nc.Driver))
	}
	ob, nb := oldCfg.Blob, newCfg.Blob
	ob.S3.AccessKey, ob.S3.SecretKey = "", ""
	nb.S3.AccessKey, nb.S3.SecretKey = "", ""
	if ob != nb {
		changed = append(changed, "blob")
		attrs = append(attrs, logx.String("blob.driver", nb.Driver))
	}
	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs, logx.Bool("schedule.enabled", newCfg.Schedule.Enabled))
	}
	os, ns := oldCfg.Status, newCfg.Status
	os.Token, ns.Token = "", ""
	if os != ns || oldCfg.Status.Token != newCfg.Status.Token {
		changed = append(changed, "status")
		attrs = append(attrs, logx.Bool("status.enabled", ns.Enabled), logx.String("status.addr", ns.Addr), logx.Bool("status.pprof", ns.Pprof))
	}
	return changed, attrs
}
