package stores

import (
	"errors"

	"github.com/Desarso/chatstream/models"
	"gorm.io/gorm"
)

// ErrConversationNotFound is returned when a conversation id is unknown.
var ErrConversationNotFound = errors.New("conversation not found")

// Message is one persisted turn of a conversation.
type Message struct {
	gorm.Model
	MessageID      string `gorm:"uniqueIndex;not null"`
	ConversationID string `gorm:"index;not null"`
	Sequence       int    `gorm:"not null"`
	Role           string `gorm:"not null"` // "user", "assistant"
	UserID         string `gorm:"index"`
	Content        string `gorm:"type:text"`
	// Optional attachments, stored as JSON. Empty means absent.
	ToolDataJSON    string `gorm:"type:text"`
	TransactionJSON string `gorm:"type:text"`
	MemoriesJSON    string `gorm:"type:text"`
}

// Conversation holds metadata for a chat conversation.
type Conversation struct {
	gorm.Model
	ConversationID string    `gorm:"uniqueIndex;not null"`
	UserID         string    `gorm:"index;not null"`
	Title          string    `gorm:"type:text"`
	MessageCount   int       `gorm:"default:0"`
	Messages       []Message `gorm:"foreignKey:ConversationID;references:ConversationID"`
}

// ConversationInfo holds basic conversation metadata for listing
type ConversationInfo struct {
	ConversationID string
	UserID         string
	Title          string
	MessageCount   int
	CreatedAt      string
	UpdatedAt      string
}

// MessageStore abstracts conversation persistence for the chat server.
type MessageStore interface {
	// Message operations
	SaveMessage(msg models.Message) error
	FetchHistory(conversationID string, limit int) ([]models.Message, error)

	// Conversation operations
	CreateConversation(conversationID, userID, title string) error
	GetConversation(conversationID string) (*ConversationInfo, error)
	ListConversationsForUser(userID string) ([]ConversationInfo, error)

	// Connection management
	Connect() error
	Close() error

	// Health check
	Ping() error
}

// StoreConfig holds configuration for database stores
type StoreConfig struct {
	Type       string            `json:"type"`       // "sqlite", "postgres", "memory"
	Connection string            `json:"connection"` // connection string
	Options    map[string]string `json:"options"`    // additional options
}

// NewStoreConfig creates a new store configuration
func NewStoreConfig(storeType, connection string) *StoreConfig {
	return &StoreConfig{
		Type:       storeType,
		Connection: connection,
		Options:    make(map[string]string),
	}
}

// WithOption adds an option to the store configuration
func (c *StoreConfig) WithOption(key, value string) *StoreConfig {
	c.Options[key] = value
	return c
}
