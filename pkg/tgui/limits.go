package tgui

import "errors"

const (
	// MaxCallbackDataLen is Telegram's callback_data size limit in bytes,
	// counted over the full "ns:action:payload" string.
	MaxCallbackDataLen = 64

	// MaxMessageRunes is the longest text a single message may carry.
	MaxMessageRunes = 4096
)

var ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")
