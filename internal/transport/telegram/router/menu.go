package router

import (
	"sort"
	"strings"
	"unicode"

	kit "mediabot/internal/transport"
)

// sanitizeTelegramCommand converts a route or alias into a Telegram-safe
// command name: [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "/")))
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}

	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = strings.TrimRight(("cmd_" + out)[:min(32, len(out)+4)], "_")
	}
	return out
}

// buildMenuCommands lists public commands first, then owner-only ones
// marked with a lock, each group sorted by name. Telegram caps the menu
// at 100 entries.
func buildMenuCommands(cmds map[string]Command) []kit.BotCommand {
	list := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		list = append(list, c)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Access != list[j].Access {
			return list[i].Access < list[j].Access
		}
		return list[i].Route < list[j].Route
	})

	out := make([]kit.BotCommand, 0, len(list))
	for _, c := range list {
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = c.Route
		}
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		out = append(out, kit.BotCommand{Command: c.Route, Description: desc})
		if len(out) >= 100 {
			break
		}
	}
	return out
}
