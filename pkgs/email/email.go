// Package email provides mailrec transports: a live IMAP session and an
// offline mbox file.
package email

import (
	"strings"
)

// formatAddress renders one address as "Name <addr>" or just "addr".
func formatAddress(name, addr string) string {
	name = strings.TrimSpace(name)
	if name != "" && addr != "" {
		return name + " <" + addr + ">"
	}
	if addr != "" {
		return addr
	}
	return name
}

// formatMessageID wraps a bare message id in angle brackets.
func formatMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}

func formatMessageIDs(ids []string) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = formatMessageID(id); id != "" {
			parts = append(parts, id)
		}
	}
	return strings.Join(parts, " ")
}
