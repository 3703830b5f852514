package engine

import (
	"log"
	"sort"

	"github.com/Desarso/chatstream/models"
)

// SanitizeSnapshot prepares persisted history for the engine:
// - messages without an id are dropped
// - the first occurrence of a duplicate id wins
// - history is ordered by creation time, ascending, when every message
//   carries a timestamp; otherwise the server order is kept
func SanitizeSnapshot(msgs []models.Message) []models.Message {
	if len(msgs) == 0 {
		return []models.Message{}
	}

	out := make([]models.Message, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	stamped := true
	for _, m := range msgs {
		if m.ID == "" {
			log.Printf("[SNAPSHOT_SANITIZER] Dropping message without id (role %s)", m.Role)
			continue
		}
		if _, dup := seen[m.ID]; dup {
			log.Printf("[SNAPSHOT_SANITIZER] Dropping duplicate message %s", m.ID)
			continue
		}
		seen[m.ID] = struct{}{}
		m.Provisional = false
		if m.CreatedAt.IsZero() {
			stamped = false
		}
		out = append(out, m)
	}

	if stamped {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
	}
	return out
}
