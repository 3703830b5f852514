package models

// ConversationSnapshot is the durable history of a conversation as returned by
// GET /chat/:chatId. Messages are ordered by creation time, oldest first.
type ConversationSnapshot struct {
	UserID   string    `json:"userId"`
	Title    string    `json:"title"`
	Messages []Message `json:"messages"`
}

// CreateConversationResponse is returned by POST /chat.
type CreateConversationResponse struct {
	ChatID string `json:"chatId"`
}
