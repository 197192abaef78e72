// Package tgui holds small helpers for Telegram-facing text: HTML
// escaping for ParseMode="HTML", callback data in "ns:action:payload"
// form, and rune-safe truncation within Telegram's limits.
package tgui
