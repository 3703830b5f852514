package server

import (
	"log"
	"strings"

	"github.com/Desarso/chatstream/models"
)

// SanitizeHistory shapes stored messages into turns a model accepts.
//
// The result:
//   - starts with a user message (leading greetings are skipped)
//   - has no blank messages
//   - alternates roles; consecutive messages of one role are merged
//
// Consecutive user messages appear when a reply was aborted before it
// produced any content.
func SanitizeHistory(msgs []models.Message) []models.Message {
	start := -1
	for i, m := range msgs {
		if m.Role == models.RoleUser && strings.TrimSpace(m.Content) != "" {
			start = i
			break
		}
	}
	if start == -1 {
		if len(msgs) > 0 {
			log.Printf("[HISTORY_SANITIZER] No user message in %d messages, returning empty history", len(msgs))
		}
		return []models.Message{}
	}
	if start > 0 {
		log.Printf("[HISTORY_SANITIZER] Skipping first %d messages to find valid start", start)
	}

	out := make([]models.Message, 0, len(msgs)-start)
	merged := 0
	for _, m := range msgs[start:] {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			merged++
			continue
		}
		out = append(out, m)
	}
	if merged > 0 {
		log.Printf("[HISTORY_SANITIZER] Merged %d consecutive same-role messages", merged)
	}
	return out
}

// DetectCorruptedHistory lists problems SanitizeHistory would fix. An empty
// result means the history can be sent as is.
func DetectCorruptedHistory(msgs []models.Message) []string {
	issues := []string{}
	if len(msgs) == 0 {
		return issues
	}
	if msgs[0].Role != models.RoleUser {
		issues = append(issues, "History starts with a "+string(msgs[0].Role)+" message")
	}
	for i, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			issues = append(issues, "Blank message "+m.ID)
		}
		if i > 0 && msgs[i-1].Role == m.Role {
			issues = append(issues, "Two consecutive "+string(m.Role)+" messages")
		}
	}
	return issues
}
