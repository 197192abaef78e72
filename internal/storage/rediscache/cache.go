// Package rediscache keeps the media cache in Redis so several bot
// instances can share delivered file handles.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mediabot/internal/storage"
	logx "mediabot/pkg/logx"
)

var (
	ErrNotReady   = errors.New("redis did not become ready in time")
	ErrEmptyAddr  = errors.New("redis address is empty")
	ErrBadAddress = errors.New("failed to parse redis address")
)

type Config struct {
	// Addr is "host:port" or a redis:// URL.
	Addr           string
	Password       string
	DB             int
	Prefix         string
	TTL            time.Duration // 0 keeps entries forever
	RetryAttempts  int
	RetryInterval  time.Duration
	ConnectTimeout time.Duration
}

func options(cfg Config) (*redis.Options, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, ErrEmptyAddr
	}
	if strings.Contains(addr, "://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, errors.Join(ErrBadAddress, err)
		}
		if cfg.Password != "" {
			opt.Password = cfg.Password
		}
		return opt, nil
	}
	return &redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB}, nil
}

// Connect dials Redis and pings it, retrying until ConnectTimeout.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	opt, err := options(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	for range cfg.RetryAttempts {
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, ErrNotReady
}

// Cache implements storage.Cache on a Redis hash per locator.
type Cache struct {
	db     redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    logx.Logger
}

var _ storage.Cache = (*Cache)(nil)

func New(db redis.UniversalClient, cfg Config, log logx.Logger) *Cache {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "mediabot:"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{db: db, prefix: prefix, ttl: cfg.TTL, log: log}
}

func (c *Cache) key(locator string) string { return c.prefix + "media:" + locator }

func (c *Cache) CacheLookup(ctx context.Context, locator string) (storage.CacheEntry, bool, error) {
	vals, err := c.db.HGetAll(ctx, c.key(locator)).Result()
	if errors.Is(err, redis.Nil) {
		return storage.CacheEntry{}, false, nil
	}
	if err != nil {
		return storage.CacheEntry{}, false, fmt.Errorf("redis cache lookup: %w", err)
	}
	return decodeEntry(locator, vals)
}

func decodeEntry(locator string, vals map[string]string) (storage.CacheEntry, bool, error) {
	if len(vals) == 0 || vals["handle"] == "" {
		return storage.CacheEntry{}, false, nil
	}
	e := storage.CacheEntry{Locator: locator, Handle: vals["handle"], Kind: vals["kind"], Title: vals["title"]}
	if ms, err := strconv.ParseInt(vals["created_at"], 10, 64); err == nil && ms > 0 {
		e.CreatedAt = time.UnixMilli(ms)
	}
	return e, true, nil
}

func (c *Cache) CacheStore(ctx context.Context, e storage.CacheEntry) error {
	if strings.TrimSpace(e.Locator) == "" || strings.TrimSpace(e.Handle) == "" {
		return errors.New("cache entry needs locator and handle")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	key := c.key(e.Locator)
	_, err := c.db.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"handle", e.Handle,
			"kind", e.Kind,
			"title", e.Title,
			"created_at", strconv.FormatInt(e.CreatedAt.UnixMilli(), 10),
		)
		if c.ttl > 0 {
			p.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis cache store: %w", err)
	}
	return nil
}

// Healthcheck pings Redis.
func (c *Cache) Healthcheck(ctx context.Context) error {
	return c.db.Ping(ctx).Err()
}

func (c *Cache) Close() error { return c.db.Close() }
