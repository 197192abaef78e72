// Package blob uploads indexed media to durable storage so later requests
// can be served from the cache without running the extractor.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mediabot/internal/fetch"
	kit "mediabot/internal/transport"
	logx "mediabot/pkg/logx"
)

var (
	ErrDisabled      = errors.New("durable storage disabled")
	ErrInvalidConfig = errors.New("invalid blob configuration")
)

// Stored is a durable reference to an uploaded file. Handle is either a
// Telegram file id or an absolute URL.
type Stored struct {
	Handle string
	Kind   kit.MediaKind
	Title  string
}

type Uploader interface {
	Upload(ctx context.Context, locator string, f fetch.File) (Stored, error)
	Name() string
}

type Config struct {
	Driver   string
	Telegram TelegramConfig
	S3       S3Config
}

// Open builds the configured uploader. An empty driver or "none" returns
// ErrDisabled.
func Open(ctx context.Context, cfg Config, sender MediaSender, log logx.Logger) (Uploader, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, ErrDisabled
	case "telegram":
		return NewTelegram(cfg.Telegram, sender, log)
	case "s3":
		return NewS3(ctx, cfg.S3, log)
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// Media converts a stored handle back into something the transport can
// send.
func Media(handle string, kind kit.MediaKind, caption string) kit.Media {
	m := kit.Media{Kind: kind, Caption: caption}
	if strings.HasPrefix(handle, "http://") || strings.HasPrefix(handle, "https://") {
		m.URL = handle
	} else {
		m.FileID = handle
	}
	if m.Kind == "" {
		m.Kind = kit.MediaDocument
	}
	return m
}
