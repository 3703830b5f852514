package stores

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Desarso/chatstream/models"
)

// MemoryStore keeps conversations in process memory. Contents are lost on
// restart.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]models.Message
	ids           map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	_ = s.Connect()
	return s
}

func (s *MemoryStore) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversations == nil {
		s.conversations = make(map[string]*Conversation)
		s.messages = make(map[string][]models.Message)
		s.ids = make(map[string]struct{})
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Ping() error { return nil }

func (s *MemoryStore) SaveMessage(msg models.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return fmt.Errorf("message id and conversation id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.ids[msg.ID]; dup {
		return fmt.Errorf("failed to create message record: duplicate id %s", msg.ID)
	}

	now := time.Now()
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		conv = &Conversation{ConversationID: msg.ConversationID, UserID: msg.UserID}
		conv.CreatedAt = now
		s.conversations[msg.ConversationID] = conv
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	msg.Provisional = false

	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	s.ids[msg.ID] = struct{}{}
	conv.MessageCount = len(s.messages[msg.ConversationID])
	conv.UpdatedAt = now
	return nil
}

func (s *MemoryStore) FetchHistory(conversationID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) CreateConversation(conversationID, userID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; ok {
		return fmt.Errorf("conversation %s already exists", conversationID)
	}
	conv := &Conversation{ConversationID: conversationID, UserID: userID, Title: title}
	conv.CreatedAt = time.Now()
	conv.UpdatedAt = conv.CreatedAt
	s.conversations[conversationID] = conv
	return nil
}

func (s *MemoryStore) GetConversation(conversationID string) (*ConversationInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	info := conv.info()
	return &info, nil
}

func (s *MemoryStore) ListConversationsForUser(userID string) ([]ConversationInfo, error) {
	s.mu.RLock()
	var convs []Conversation
	for _, c := range s.conversations {
		if c.UserID == userID {
			convs = append(convs, *c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(convs, func(i, j int) bool { return convs[i].UpdatedAt.After(convs[j].UpdatedAt) })
	result := make([]ConversationInfo, len(convs))
	for i, c := range convs {
		result[i] = c.info()
	}
	return result, nil
}
