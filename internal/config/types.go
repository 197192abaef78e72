package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("500ms", "10s", "1m"); empty means default.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Queue     QueueConfig     `json:"queue"`
	Quota     QuotaConfig     `json:"quota"`
	Indexer   IndexerConfig   `json:"indexer"`
	Extractor ExtractorConfig `json:"extractor"`
	Storage   StorageConfig   `json:"storage"`
	Cache     CacheConfig     `json:"cache"`
	Blob      BlobConfig      `json:"blob"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Status    StatusConfig    `json:"status"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via MEDIABOT_TELEGRAM_TOKEN.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout"`

	// Per-user flood guard for incoming messages.
	UserRatePerSec float64 `json:"user_rate_per_sec,omitempty" validate:"gte=0"`
	UserBurst      int     `json:"user_burst,omitempty" validate:"gte=0"`
}

type LoggingConfig struct {
	Level    string          `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors warnings and errors into an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level" validate:"omitempty,oneof=debug info warn error"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// QueueConfig sizes the process-wide task queue.
//
// Defaults: max_concurrent 2, task_timeout "10m", history_size 200.
type QueueConfig struct {
	MaxConcurrent int    `json:"max_concurrent" validate:"gte=0"`
	TaskTimeout   string `json:"task_timeout"`
	HistorySize   int    `json:"history_size,omitempty" validate:"gte=0"`
}

// QuotaConfig controls daily download allowances.
//
// Defaults: daily_limit 5, premium_limit 50, bonus 3, timezone "UTC".
type QuotaConfig struct {
	DailyLimit   int    `json:"daily_limit" validate:"gte=0"`
	PremiumLimit int    `json:"premium_limit" validate:"gte=0"`
	Bonus        int    `json:"bonus" validate:"gte=0"`
	Timezone     string `json:"timezone,omitempty"`
}

// IndexerConfig controls the cooperative background indexer.
//
// Defaults: interval "10m", busy_backoff "30s", empty_backoff "30m",
// error_backoff "15m", batch_size 20, sub_batch 5, item_delay "5s".
type IndexerConfig struct {
	Enabled      bool   `json:"enabled"`
	Interval     string `json:"interval"`
	BusyBackoff  string `json:"busy_backoff"`
	EmptyBackoff string `json:"empty_backoff"`
	ErrorBackoff string `json:"error_backoff"`
	BatchSize    int    `json:"batch_size" validate:"gte=0"`
	SubBatch     int    `json:"sub_batch" validate:"gte=0"`
	ItemDelay    string `json:"item_delay"`
}

// ExtractorConfig controls locator resolution and the yt-dlp extractor.
type ExtractorConfig struct {
	Binary         string   `json:"binary,omitempty"`   // default: "yt-dlp" from PATH
	WorkDir        string   `json:"work_dir,omitempty"` // default: os.TempDir()/mediabot
	Format         string   `json:"format,omitempty"`
	MaxFileSize    string   `json:"max_filesize,omitempty"` // yt-dlp size string, e.g. "50M"
	Timeout        string   `json:"timeout,omitempty"`
	ResolveTimeout string   `json:"resolve_timeout,omitempty"`
	MaxRedirects   int      `json:"max_redirects,omitempty" validate:"gte=0"`
	MaxURLLength   int      `json:"max_url_length,omitempty" validate:"gte=0"`
	AllowedHosts   []string `json:"allowed_hosts,omitempty" validate:"dive,hostname_rfc1123"`
}

// StorageConfig selects the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/mediabot.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=sqlite sqlite3 memory"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// CacheConfig selects where locator -> handle mappings live. "store" keeps
// them in the storage driver, "redis" uses Redis.
type CacheConfig struct {
	Driver string      `json:"driver,omitempty" validate:"omitempty,oneof=store redis"`
	Redis  RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty" validate:"gte=0"`
	Prefix   string `json:"prefix,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}

// BlobConfig selects the durable storage used by the indexer:
// "telegram" (upload to a storage channel), "s3", or "" (disabled).
type BlobConfig struct {
	Driver   string           `json:"driver,omitempty" validate:"omitempty,oneof=none telegram s3"`
	Telegram BlobTelegramConf `json:"telegram,omitempty"`
	S3       S3Config         `json:"s3,omitempty"`
}

type BlobTelegramConf struct {
	ChatID int64 `json:"chat_id"`
}

type S3Config struct {
	Bucket       string `json:"bucket"`
	Region       string `json:"region"`
	Endpoint     string `json:"endpoint,omitempty"`
	AccessKey    string `json:"access_key,omitempty"`
	SecretKey    string `json:"secret_key,omitempty"`
	Prefix       string `json:"prefix,omitempty"`
	PublicURL    string `json:"public_url,omitempty"`
	UsePathStyle bool   `json:"use_path_style,omitempty"`
}

// ScheduleConfig holds cron specs (robfig/cron syntax, with optional seconds).
type ScheduleConfig struct {
	Enabled           bool   `json:"enabled"`
	Timezone          string `json:"timezone,omitempty"`
	DailySweep        string `json:"daily_sweep,omitempty"`
	StatusLog         string `json:"status_log,omitempty"`
	ActivityPrune     string `json:"activity_prune,omitempty"`
	ActivityRetention string `json:"activity_retention,omitempty"`
}

// StatusConfig controls the read-only HTTP status endpoint.
//
// Prefer binding to localhost. Set a token when exposing it.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}
