package providers

import "strings"

// SplitSystem separates system turns from the conversation. Multiple system
// messages are joined with a newline. Role matching is case-insensitive and
// "developer" is treated as system.
func SplitSystem(msgs []Message) (system string, rest []Message) {
	rest = make([]Message, 0, len(msgs))
	var parts []string
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case RoleSystem, "developer":
			parts = append(parts, m.Content)
		default:
			rest = append(rest, m)
		}
	}
	return strings.Join(parts, "\n"), rest
}

// Truncate shortens s for log fields and error messages.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
