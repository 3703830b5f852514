package stores

import (
	"encoding/json"
	"log"

	"github.com/Desarso/chatstream/models"
)

// toRecord converts a message into its database row. Sequence is filled in
// by the store.
func toRecord(m models.Message) (Message, error) {
	rec := Message{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Role:           string(m.Role),
		UserID:         m.UserID,
		Content:        m.Content,
	}
	if !m.CreatedAt.IsZero() {
		rec.CreatedAt = m.CreatedAt
	}
	if !m.UpdatedAt.IsZero() {
		rec.UpdatedAt = m.UpdatedAt
	}
	if len(m.ToolData) > 0 {
		rec.ToolDataJSON = string(m.ToolData)
	}
	if m.Transaction != nil {
		b, err := json.Marshal(m.Transaction)
		if err != nil {
			return rec, err
		}
		rec.TransactionJSON = string(b)
	}
	if len(m.Memories) > 0 {
		b, err := json.Marshal(m.Memories)
		if err != nil {
			return rec, err
		}
		rec.MemoriesJSON = string(b)
	}
	return rec, nil
}

// toModel converts a row back into a message. Undecodable attachments are
// logged and left empty.
func (rec Message) toModel() models.Message {
	m := models.Message{
		ID:             rec.MessageID,
		ConversationID: rec.ConversationID,
		UserID:         rec.UserID,
		Role:           models.ParseRole(rec.Role),
		Content:        rec.Content,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	if rec.ToolDataJSON != "" {
		m.ToolData = json.RawMessage(rec.ToolDataJSON)
	}
	if rec.TransactionJSON != "" {
		var tx models.Transaction
		if err := json.Unmarshal([]byte(rec.TransactionJSON), &tx); err != nil {
			log.Printf("Warning: bad transaction JSON on message %s: %v", rec.MessageID, err)
		} else {
			m.Transaction = &tx
		}
	}
	if rec.MemoriesJSON != "" {
		if err := json.Unmarshal([]byte(rec.MemoriesJSON), &m.Memories); err != nil {
			log.Printf("Warning: bad memories JSON on message %s: %v", rec.MessageID, err)
			m.Memories = nil
		}
	}
	return m
}

func (c Conversation) info() ConversationInfo {
	return ConversationInfo{
		ConversationID: c.ConversationID,
		UserID:         c.UserID,
		Title:          c.Title,
		MessageCount:   c.MessageCount,
		CreatedAt:      c.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:      c.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}
