package router

import (
	"html"
	"strings"

	kit "locatorbot/internal/transport"
)

// HelpText renders the command list in Telegram HTML. Admin-only commands
// are listed only when admin is true.
func HelpText(cmds []Command, admin bool) string {
	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, c := range cmds {
		if c.Access == AccessAdminOnly && !admin {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString("\n<code>")
		b.WriteString(html.EscapeString(usage))
		b.WriteString("</code>")
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(html.EscapeString(c.Description))
		}
		if c.Access == AccessAdminOnly {
			b.WriteString(" (admin)")
		}
	}
	return b.String()
}

func menuCommands(cmds []Command) []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(cmds))
	seen := map[string]bool{}
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || seen[name] || c.Access == AccessAdminOnly {
			continue
		}
		seen[name] = true
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		out = append(out, kit.BotCommand{Command: name, Description: desc})
	}
	return out
}

// sanitizeTelegramCommand maps a name onto Telegram's [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == ' ' || r == '/':
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
		out = strings.TrimRight(("cmd_" + out)[:min(len(out)+4, 32)], "_")
	}
	return out
}
