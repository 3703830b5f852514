package stores

import (
	"errors"
	"fmt"
	"log"

	"github.com/Desarso/chatstream/models"
	"gorm.io/gorm"
)

// gormStore holds the queries shared by the SQL-backed stores.
type gormStore struct {
	db *gorm.DB
}

func (s *gormStore) migrate() error {
	if err := s.db.AutoMigrate(&Conversation{}, &Message{}); err != nil {
		return fmt.Errorf("failed to migrate database schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *gormStore) Close() error {
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// Ping checks if the database connection is alive
func (s *gormStore) Ping() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Ping()
}

// SaveMessage appends msg to its conversation, creating the conversation
// record for msg.UserID if this is its first message.
func (s *gormStore) SaveMessage(msg models.Message) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	if msg.ID == "" || msg.ConversationID == "" {
		return fmt.Errorf("message id and conversation id are required")
	}

	rec, err := toRecord(msg)
	if err != nil {
		log.Printf("Error marshalling attachments for DB storage (ConvID: %s): %v", msg.ConversationID, err)
		return fmt.Errorf("failed to marshal attachments for database: %w", err)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		// Count() avoids "record not found" error logs
		var count int64
		if err := tx.Model(&Conversation{}).Where("conversation_id = ?", msg.ConversationID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check conversation: %w", err)
		}
		if count == 0 {
			conv := Conversation{ConversationID: msg.ConversationID, UserID: msg.UserID}
			if err := tx.Create(&conv).Error; err != nil {
				return fmt.Errorf("failed to create conversation record: %w", err)
			}
		}

		if err := tx.Model(&Message{}).Where("conversation_id = ?", msg.ConversationID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to count existing messages: %w", err)
		}
		rec.Sequence = int(count) + 1

		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("failed to create message record: %w", err)
		}
		if err := tx.Model(&Conversation{}).Where("conversation_id = ?", msg.ConversationID).Update("message_count", rec.Sequence).Error; err != nil {
			return fmt.Errorf("failed to update conversation message count: %w", err)
		}
		return nil
	})
}

// FetchHistory retrieves messages for a conversation in sequence order
// limit: maximum number of messages to retrieve (0 = return all messages)
func (s *gormStore) FetchHistory(conversationID string, limit int) ([]models.Message, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	var recs []Message
	query := s.db.Where("conversation_id = ?", conversationID).Order("sequence ASC")

	if limit > 0 {
		var count int64
		if err := s.db.Model(&Message{}).Where("conversation_id = ?", conversationID).Count(&count).Error; err != nil {
			return nil, fmt.Errorf("failed to count messages: %w", err)
		}
		// keep only the last N
		if count > int64(limit) {
			query = query.Offset(int(count) - limit)
		}
	}

	if err := query.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	msgs := make([]models.Message, len(recs))
	for i, rec := range recs {
		msgs[i] = rec.toModel()
	}
	return msgs, nil
}

// CreateConversation creates a new conversation record
func (s *gormStore) CreateConversation(conversationID, userID, title string) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	conv := Conversation{
		ConversationID: conversationID,
		UserID:         userID,
		Title:          title,
	}
	return s.db.Create(&conv).Error
}

func (s *gormStore) GetConversation(conversationID string) (*ConversationInfo, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	var conv Conversation
	err := s.db.Where("conversation_id = ?", conversationID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation: %w", err)
	}
	info := conv.info()
	return &info, nil
}

// ListConversationsForUser returns all conversations of a user, most
// recently updated first.
func (s *gormStore) ListConversationsForUser(userID string) ([]ConversationInfo, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	var convs []Conversation
	if err := s.db.Where("user_id = ?", userID).Order("updated_at DESC").Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch conversations: %w", err)
	}

	result := make([]ConversationInfo, len(convs))
	for i, c := range convs {
		result[i] = c.info()
	}
	return result, nil
}
