package models

// SendMessageRequest is the body of POST /chat/:chatId/message.
type SendMessageRequest struct {
	Content string `json:"content"`
	ChainID int64  `json:"chainId"`
	UserID  string `json:"userId"`
}

// CreateConversationRequest is the body of POST /chat.
type CreateConversationRequest struct {
	Title string `json:"title,omitempty"`
}
