// Package delivery executes admitted fetch tasks: it serves cached media
// when possible and otherwise downloads, sends and caches it.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mediabot/internal/blob"
	"mediabot/internal/fetch"
	"mediabot/internal/storage"
	"mediabot/internal/task/queue"
	kit "mediabot/internal/transport"
	logx "mediabot/pkg/logx"
)

// Telegram bots cannot upload files larger than this.
const defaultMaxUpload = 50 << 20

const followUpTimeout = 10 * time.Second

// Sender is the outbound part of the transport.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	SendMedia(ctx context.Context, to kit.ChatTarget, m kit.Media) (kit.MediaRef, error)
}

type Recorder interface {
	Record(message string)
}

type Config struct {
	MaxUploadBytes int64
}

type Deps struct {
	Cache      storage.Cache
	Users      storage.Users
	Extractor  fetch.Extractor
	Workspaces *fetch.Workspaces
	Sender     Sender
	Activity   Recorder // optional
	Log        logx.Logger
	Now        func() time.Time
	// Day maps a time to its quota day. Defaults to the UTC date.
	Day func(time.Time) string
}

type Processor struct {
	cfg  Config
	deps Deps
	log  logx.Logger
}

func New(cfg Config, deps Deps) *Processor {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUpload
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Day == nil {
		deps.Day = func(t time.Time) string { return t.UTC().Format("2006-01-02") }
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Processor{cfg: cfg, deps: deps, log: log}
}

// Process delivers t.Target to t.Chat. It is a queue.Executor. On failure
// the requester gets a best-effort follow-up message and the error is
// returned to the queue.
func (p *Processor) Process(ctx context.Context, t queue.Task) error {
	err := p.process(ctx, t)
	if err == nil {
		if rerr := p.deps.Users.RecordDownload(ctx, t.RequesterID, p.deps.Day(p.deps.Now())); rerr != nil {
			p.log.Warn("record download failed", logx.Int64("user_id", t.RequesterID), logx.Err(rerr))
		}
		return nil
	}
	p.followUp(ctx, t, err)
	return err
}

func (p *Processor) process(ctx context.Context, t queue.Task) error {
	log := p.log.With(logx.String("task", t.ID), logx.String("locator", t.Target))

	entry, hit, err := p.deps.Cache.CacheLookup(ctx, t.Target)
	if err != nil {
		log.Warn("cache lookup failed; fetching", logx.Err(err))
	}
	if hit {
		_, err := p.deps.Sender.SendMedia(ctx, t.Chat, blob.Media(entry.Handle, kit.MediaKind(entry.Kind), entry.Title))
		if err == nil {
			log.Debug("served from cache")
			p.record(fmt.Sprintf("cache hit %s user=%d", t.Target, t.RequesterID))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Stale handles (deleted storage message, expired URL) fall back
		// to a fresh fetch.
		log.Warn("cached handle rejected; fetching", logx.Err(err))
	}

	ws, err := p.deps.Workspaces.Acquire("task")
	if err != nil {
		return err
	}
	defer func() { _ = ws.Release() }()

	f, err := p.deps.Extractor.Download(ctx, t.Target, ws.Dir)
	if err != nil {
		if errors.Is(err, fetch.ErrNoMedia) {
			return Permanent(err)
		}
		return err
	}
	if f.Size > p.cfg.MaxUploadBytes {
		return Permanent(fmt.Errorf("%w: %d bytes", ErrTooLarge, f.Size))
	}

	ref, err := p.deps.Sender.SendMedia(ctx, t.Chat, kit.Media{
		Kind:     f.Kind,
		Path:     f.Path,
		FileName: f.Name,
		Caption:  f.Title,
	})
	if err != nil {
		return fmt.Errorf("send media: %w", err)
	}
	if ref.FileID != "" {
		e := storage.CacheEntry{Locator: t.Target, Handle: ref.FileID, Kind: string(f.Kind), Title: f.Title, CreatedAt: p.deps.Now()}
		if err := p.deps.Cache.CacheStore(ctx, e); err != nil {
			log.Warn("cache store failed", logx.Err(err))
		}
	}
	p.record(fmt.Sprintf("delivered %s user=%d (%d bytes)", t.Target, t.RequesterID, f.Size))
	return nil
}

func (p *Processor) followUp(ctx context.Context, t queue.Task, cause error) {
	if t.Chat.ChatID == 0 {
		return
	}
	// The task context may already be expired by the watchdog.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), followUpTimeout)
	defer cancel()
	if _, err := p.deps.Sender.SendText(fctx, t.Chat, UserMessage(cause), nil); err != nil {
		p.log.Debug("failure follow-up not sent", logx.Int64("chat_id", t.Chat.ChatID), logx.Err(err))
	}
}

func (p *Processor) record(msg string) {
	if p.deps.Activity != nil {
		p.deps.Activity.Record(msg)
	}
}
