package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole normalises the role values seen on the wire. The assistant has
// historically been sent as "lunark" or "model".
func ParseRole(raw string) Role {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "user":
		return RoleUser
	case "assistant", "lunark", "model":
		return RoleAssistant
	default:
		return Role(raw)
	}
}

// UnmarshalJSON accepts any of the wire spellings handled by ParseRole.
func (r *Role) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = ParseRole(raw)
	return nil
}

// Message is one turn in a conversation.
// Content grows while the message is streaming and is immutable afterwards.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"chatId"`
	UserID         string          `json:"userId"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	ToolData       json.RawMessage `json:"toolData,omitempty"`
	Transaction    *Transaction    `json:"transaction,omitempty"`
	Memories       []Memory        `json:"memories,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`

	// Provisional marks an optimistic entry whose id was assigned by the client.
	Provisional bool `json:"-"`
}

// Transaction is the on-chain transaction attached to an assistant message.
type Transaction struct {
	ID        string          `json:"id"`
	Hash      string          `json:"hash"`
	Status    string          `json:"status"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	UserID    string          `json:"userId"`
	MessageID string          `json:"messageId"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Memory is a long-term memory annotation derived from a message.
type Memory struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	UserID     string    `json:"userId"`
	ChatID     string    `json:"chatId,omitempty"`
	Importance float64   `json:"importance"`
	Timestamp  time.Time `json:"timestamp"`
	Metadata   string    `json:"metadata,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
