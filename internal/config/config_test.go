package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  poll_timeout: 10s
logging:
  level: debug
  console: true
queue:
  max_concurrent: 3
  task_timeout: 5m
quota:
  daily_limit: 5
  premium_limit: 50
  bonus: 2
storage:
  driver: memory
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := decode("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, []int64{42}, cfg.Telegram.OwnerUserIDs)
	assert.Equal(t, 3, cfg.Queue.MaxConcurrent)
	assert.Equal(t, 2, cfg.Quota.Bonus)
	require.NoError(t, Validate(cfg))
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := decode("config.json", []byte(`{"telegram":{"token":"x"},"nope":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	_, err := decode("config.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("MEDIABOT_TELEGRAM_TOKEN", "from-env")
	t.Setenv("MEDIABOT_S3_SECRET_KEY", "shh")

	cfg, err := decode("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Telegram.Token)
	assert.Equal(t, "shh", cfg.Blob.S3.SecretKey)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "t"}}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"missing token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"bad duration", func(c *Config) { c.Indexer.Interval = "soon" }, "indexer.interval"},
		{"negative duration", func(c *Config) { c.Queue.TaskTimeout = "-1s" }, "queue.task_timeout"},
		{"unknown storage", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"redis without addr", func(c *Config) { c.Cache.Driver = "redis" }, "cache.redis.addr"},
		{"s3 without bucket", func(c *Config) { c.Blob.Driver = "s3" }, "blob.s3.bucket"},
		{"bad cron", func(c *Config) {
			c.Schedule.Enabled = true
			c.Schedule.DailySweep = "every day"
		}, "schedule.daily_sweep"},
		{"interval schedule ok", func(c *Config) {
			c.Schedule.Enabled = true
			c.Schedule.StatusLog = "30m"
			c.Schedule.DailySweep = "cron:0 0 * * *"
		}, ""},
		{"bad timezone", func(c *Config) { c.Quota.Timezone = "Mars/Olympus" }, "quota.timezone"},
		{"negative concurrency", func(c *Config) { c.Queue.MaxConcurrent = -1 }, "queue.max_concurrent"},
		{"unknown log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad status addr", func(c *Config) {
			c.Status.Enabled = true
			c.Status.Addr = "localhost"
		}, "status.addr"},
		{"bad allowed host", func(c *Config) { c.Extractor.AllowedHosts = []string{"you tube"} }, "extractor.allowed_hosts[0]"},
		{"status addr ok", func(c *Config) { c.Status.Addr = "127.0.0.1:8088" }, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}, Queue: QueueConfig{MaxConcurrent: 2}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "b"}, Queue: QueueConfig{MaxConcurrent: 4}}

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"queue"}, changed, "token-only change must not surface")
}

func TestSummarizeConfigChangeStatusToken(t *testing.T) {
	oldCfg := &Config{Status: StatusConfig{Enabled: true, Token: "old-secret"}}
	newCfg := &Config{Status: StatusConfig{Enabled: true, Token: "new-secret"}}

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"status"}, changed, "token rotation must reach the status server")
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationOrDefault("x", "250ms", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestParseDurationFieldDays(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "30d", want: 30 * 24 * time.Hour},
		{raw: " 1d ", want: 24 * time.Hour},
		{raw: "0d", want: 0},
		{raw: "1.5d", wantErr: true},
		{raw: "-2d", wantErr: true},
		{raw: "d", wantErr: true},
	}
	for _, tt := range tests {
		d, err := ParseDurationField("schedule.activity_retention", tt.raw)
		if tt.wantErr {
			require.Error(t, err, tt.raw)
			assert.Contains(t, err.Error(), "schedule.activity_retention")
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, d, tt.raw)
	}
}

func TestToJSON(t *testing.T) {
	j, err := toJSON("c.json", append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"queue":{}}`)...))
	require.NoError(t, err)
	assert.Equal(t, `{"queue":{}}`, string(j))

	j, err = toJSON("c.yml", nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(j))

	j, err = toJSON("c.YAML", []byte("quota:\n  daily_limit: 3\n"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"quota":{"daily_limit":3}}`, string(j))

	_, err = toJSON("c.yaml", []byte("quota: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "c.yaml")
}

func TestWatchPublishesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	updated := strings.Replace(sampleYAML, "max_concurrent: 3", "max_concurrent: 7", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-sub:
		assert.Equal(t, 7, cfg.Queue.MaxConcurrent)
		assert.Equal(t, 7, m.Get().Queue.MaxConcurrent)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
}
