package stores

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/Desarso/chatstream/models"
)

func newSQLiteOrSkip(t *testing.T) MessageStore {
	t.Helper()
	s, err := NewSQLiteStoreSimple(filepath.Join(t.TempDir(), "chat.sqlite"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var storesUnderTest = map[string]func(t *testing.T) MessageStore{
	"memory": func(*testing.T) MessageStore { return NewMemoryStore() },
	"sqlite": newSQLiteOrSkip,
}

func TestStoreConversationLifecycle(t *testing.T) {
	for name, open := range storesUnderTest {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			if _, err := s.GetConversation("c1"); !errors.Is(err, ErrConversationNotFound) {
				t.Fatalf("expected ErrConversationNotFound, got %v", err)
			}
			if err := s.CreateConversation("c1", "alice", "Swaps"); err != nil {
				t.Fatalf("create: %v", err)
			}
			info, err := s.GetConversation("c1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if info.UserID != "alice" || info.Title != "Swaps" {
				t.Errorf("unexpected info %+v", info)
			}

			list, err := s.ListConversationsForUser("alice")
			if err != nil || len(list) != 1 || list[0].ConversationID != "c1" {
				t.Errorf("unexpected list %+v, %v", list, err)
			}
			if list, _ := s.ListConversationsForUser("bob"); len(list) != 0 {
				t.Errorf("bob should have no conversations, got %d", len(list))
			}
		})
	}
}

func TestStoreMessagesRoundTrip(t *testing.T) {
	for name, open := range storesUnderTest {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			if err := s.CreateConversation("c1", "alice", ""); err != nil {
				t.Fatalf("create: %v", err)
			}
			msgs := []models.Message{
				{ID: "m1", ConversationID: "c1", UserID: "alice", Role: models.RoleUser, Content: "swap 1 ETH"},
				{
					ID: "m2", ConversationID: "c1", Role: models.RoleAssistant, Content: "Done.",
					ToolData:    json.RawMessage(`{"tool":"swap"}`),
					Transaction: &models.Transaction{ID: "tx1", Hash: "0xabc", Status: "pending"},
					Memories:    []models.Memory{{ID: "mem1", Content: "trades ETH"}},
				},
				{ID: "m3", ConversationID: "c1", UserID: "alice", Role: models.RoleUser, Content: "thanks"},
			}
			for _, m := range msgs {
				if err := s.SaveMessage(m); err != nil {
					t.Fatalf("save %s: %v", m.ID, err)
				}
			}

			got, err := s.FetchHistory("c1", 0)
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			if len(got) != 3 || got[0].ID != "m1" || got[2].ID != "m3" {
				t.Fatalf("unexpected history %+v", got)
			}
			m2 := got[1]
			if m2.Role != models.RoleAssistant || m2.Transaction == nil || m2.Transaction.Hash != "0xabc" {
				t.Errorf("attachments lost: %+v", m2)
			}
			if len(m2.Memories) != 1 || string(m2.ToolData) != `{"tool":"swap"}` {
				t.Errorf("attachments lost: %+v", m2)
			}

			last, err := s.FetchHistory("c1", 2)
			if err != nil || len(last) != 2 || last[0].ID != "m2" {
				t.Errorf("limit should keep the last messages, got %+v, %v", last, err)
			}

			info, _ := s.GetConversation("c1")
			if info.MessageCount != 3 {
				t.Errorf("expected message count 3, got %d", info.MessageCount)
			}
		})
	}
}

func TestStoreSaveCreatesConversation(t *testing.T) {
	for name, open := range storesUnderTest {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			err := s.SaveMessage(models.Message{ID: "m1", ConversationID: "c9", UserID: "carol", Role: models.RoleUser, Content: "hi"})
			if err != nil {
				t.Fatalf("save: %v", err)
			}
			info, err := s.GetConversation("c9")
			if err != nil || info.UserID != "carol" {
				t.Errorf("expected conversation owned by carol, got %+v, %v", info, err)
			}
			if err := s.SaveMessage(models.Message{ConversationID: "c9", Content: "no id"}); err == nil {
				t.Error("message without id should be rejected")
			}
		})
	}
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(NewStoreConfig("memory", ""))
	if err != nil || s.Ping() != nil {
		t.Errorf("memory store: %v", err)
	}
	if _, err := NewStore(NewStoreConfig("mysql", "")); err == nil {
		t.Error("expected error for unsupported type")
	}
}
