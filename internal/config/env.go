package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides are secrets and knobs that may come from the environment
// (or a .env file loaded by the binary) instead of the config file.
type envOverrides struct {
	TelegramToken string `env:"MEDIABOT_TELEGRAM_TOKEN"`
	LogLevel      string `env:"MEDIABOT_LOG_LEVEL"`
	StoragePath   string `env:"MEDIABOT_STORAGE_PATH"`
	RedisAddr     string `env:"MEDIABOT_REDIS_ADDR"`
	RedisPassword string `env:"MEDIABOT_REDIS_PASSWORD"`
	S3AccessKey   string `env:"MEDIABOT_S3_ACCESS_KEY"`
	S3SecretKey   string `env:"MEDIABOT_S3_SECRET_KEY"`
	StatusToken   string `env:"MEDIABOT_STATUS_TOKEN"`
}

// ApplyEnv overlays non-empty environment values onto cfg.
func ApplyEnv(cfg *Config) error {
	o, err := env.ParseAs[envOverrides]()
	if err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, o.TelegramToken)
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Storage.Path, o.StoragePath)
	set(&cfg.Cache.Redis.Addr, o.RedisAddr)
	set(&cfg.Cache.Redis.Password, o.RedisPassword)
	set(&cfg.Blob.S3.AccessKey, o.S3AccessKey)
	set(&cfg.Blob.S3.SecretKey, o.S3SecretKey)
	set(&cfg.Status.Token, o.StatusToken)
	return nil
}
