package router

import (
	"html"
	"sort"
	"strings"
)

// HelpText renders help in Telegram HTML parse mode. Owner-only commands
// are listed only for owners.
func (m *Router) HelpText(args []string, owner bool) string {
	if len(args) > 0 {
		c, ok := m.lookup(sanitizeTelegramCommand(args[0]))
		if !ok || (c.Access == AccessOwnerOnly && !owner) {
			return "❓ <b>Unknown command</b>\nType <code>/help</code> to see what I can do."
		}
		return commandHelpHTML(c)
	}

	m.mu.RLock()
	cmds := make([]Command, 0, len(m.commands))
	for _, c := range m.commands {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		cmds = append(cmds, c)
	}
	m.mu.RUnlock()
	sort.SliceStable(cmds, func(i, j int) bool {
		if cmds[i].Access != cmds[j].Access {
			return cmds[i].Access < cmds[j].Access
		}
		return cmds[i].Route < cmds[j].Route
	})

	lines := []string{
		"📚 <b>Commands</b>",
		"Send me a link and I will fetch the media for you.",
		"",
	}
	for _, c := range cmds {
		prefix := "• "
		if c.Access == AccessOwnerOnly {
			prefix = "• 🔒 "
		}
		line := prefix + "<code>/" + html.EscapeString(c.Route) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func commandHelpHTML(c Command) string {
	lines := []string{"📚 <b>Help</b> <code>/" + html.EscapeString(c.Route) + "</code>"}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, html.EscapeString(d))
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "🔒 <i>owner only</i>")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
	}
	if len(c.Aliases) > 0 {
		al := make([]string, 0, len(c.Aliases))
		for _, a := range c.Aliases {
			if sa := sanitizeTelegramCommand(a); sa != "" {
				al = append(al, "<code>/"+html.EscapeString(sa)+"</code>")
			}
		}
		if len(al) > 0 {
			lines = append(lines, "", "<b>Shortcut</b> "+strings.Join(al, ", "))
		}
	}
	return strings.Join(lines, "\n")
}
