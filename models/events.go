package models

import (
	"encoding/json"
	"time"
)

// Transport events received from the server.
const (
	EventConnect        = "connect"
	EventDisconnect     = "disconnect"
	EventConnectError   = "connect_error"
	EventError          = "error"
	EventJoinedChat     = "joinedChat"
	EventStreamResponse = "streamResponse"
	EventStreamEnd      = "streamEnd"
	EventStreamStatus   = "streamStatus"
)

// Transport events sent by the client.
const (
	EventJoinChat    = "joinChat"
	EventLeaveChat   = "leaveChat"
	EventStreamStart = "streamStart"
	EventStopStream  = "stopStream"
	EventStreamAbort = "streamAbort"
)

type JoinChat struct {
	ChatID       string `json:"chatId"`
	UserID       string `json:"userId"`
	SessionToken string `json:"sessionToken"`
}

type JoinedChat struct {
	ChatID string `json:"chatId"`
}

type LeaveChat struct {
	ChatID string `json:"chatId"`
}

type StreamAbort struct {
	ChatID string `json:"chatId"`
}

type StreamStatus struct {
	Status string `json:"status"`
}

type StreamEnd struct{}

// ErrorEvent is the payload of "error" and "connect_error".
type ErrorEvent struct {
	Message string `json:"message"`
}

// DisconnectEvent carries the reason a connection went away.
type DisconnectEvent struct {
	Reason string `json:"reason"`
}

// StreamResponse is one cumulative content delta: Message holds the whole
// content of the message so far, not the increment since the last delta.
type StreamResponse struct {
	MessageID   string          `json:"messageId"`
	ChatID      string          `json:"chatId"`
	Role        Role            `json:"role"`
	Message     string          `json:"message"`
	Transaction *Transaction    `json:"transaction,omitempty"`
	ToolData    json.RawMessage `json:"toolData,omitempty"`
	Memories    []Memory        `json:"memories,omitempty"`
	UserID      string          `json:"userId"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ToMessage converts the delta into the message it describes.
func (r StreamResponse) ToMessage() Message {
	return Message{
		ID:             r.MessageID,
		ConversationID: r.ChatID,
		UserID:         r.UserID,
		Role:           r.Role,
		Content:        r.Message,
		ToolData:       r.ToolData,
		Transaction:    r.Transaction,
		Memories:       r.Memories,
		CreatedAt:      r.Timestamp,
		UpdatedAt:      r.Timestamp,
	}
}
