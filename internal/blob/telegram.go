package blob

import (
	"context"
	"fmt"

	"mediabot/internal/fetch"
	kit "mediabot/internal/transport"
	logx "mediabot/pkg/logx"
)

// MediaSender is the part of the transport adapter the telegram uploader
// needs.
type MediaSender interface {
	SendMedia(ctx context.Context, to kit.ChatTarget, m kit.Media) (kit.MediaRef, error)
}

type TelegramConfig struct {
	// ChatID is a private channel or group the bot can post to.
	ChatID int64
}

// Telegram stores files by posting them to a storage chat and keeping the
// returned file id.
type Telegram struct {
	chat   kit.ChatTarget
	sender MediaSender
	log    logx.Logger
}

func NewTelegram(cfg TelegramConfig, sender MediaSender, log logx.Logger) (*Telegram, error) {
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("%w: telegram chat id is required", ErrInvalidConfig)
	}
	if sender == nil {
		return nil, fmt.Errorf("%w: telegram sender is nil", ErrInvalidConfig)
	}
	return &Telegram{chat: kit.ChatTarget{ChatID: cfg.ChatID}, sender: sender, log: log}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Upload(ctx context.Context, locator string, f fetch.File) (Stored, error) {
	ref, err := t.sender.SendMedia(ctx, t.chat, kit.Media{
		Kind:     f.Kind,
		Path:     f.Path,
		FileName: f.Name,
		Caption:  locator,
	})
	if err != nil {
		return Stored{}, fmt.Errorf("telegram upload: %w", err)
	}
	if ref.FileID == "" {
		return Stored{}, fmt.Errorf("telegram upload: no file id returned for %s", f.Name)
	}
	t.log.Debug("stored in telegram", logx.String("locator", locator), logx.Int64("chat_id", t.chat.ChatID), logx.Int("message_id", ref.MessageID))
	return Stored{Handle: ref.FileID, Kind: f.Kind, Title: f.Title}, nil
}
