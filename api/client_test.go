package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Desarso/chatstream/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/api", time.Second, func() string { return "tok" })
}

func TestFetchConversation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/c1" || r.URL.Query().Get("userId") != "alice" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewEncoder(w).Encode(models.ConversationSnapshot{
			UserID: "alice",
			Title:  "hello",
			Messages: []models.Message{
				{ID: "m1", Role: models.RoleUser, Content: "hi"},
			},
		})
	})

	snap, err := c.FetchConversation(context.Background(), "c1", "alice")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.UserID != "alice" || len(snap.Messages) != 1 || snap.Messages[0].Content != "hi" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestFetchConversationStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, models.ErrUnauthorized},
		{http.StatusForbidden, models.ErrUnauthorized},
		{http.StatusNotFound, models.ErrNotFound},
		{http.StatusInternalServerError, models.ErrTransient},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.status)
		})
		_, err := c.FetchConversation(context.Background(), "c1", "alice")
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: expected %v, got %v", tt.status, tt.want, err)
		}
	}
}

func TestFetchConversationNetworkErrorIsTransient(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 200*time.Millisecond, nil)
	_, err := c.FetchConversation(context.Background(), "c1", "alice")
	if !errors.Is(err, models.ErrTransient) {
		t.Errorf("expected transient error, got %v", err)
	}
	if models.IsTerminal(err) {
		t.Error("network error should not be terminal")
	}
}

func TestSendMessage(t *testing.T) {
	var got models.SendMessageRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chat/c1/message" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	})

	err := c.SendMessage(context.Background(), "c1", models.SendMessageRequest{Content: "hi", ChainID: 1, UserID: "alice"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Content != "hi" || got.ChainID != 1 || got.UserID != "alice" {
		t.Errorf("unexpected body %+v", got)
	}
}

func TestSendMessageFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	err := c.SendMessage(context.Background(), "c1", models.SendMessageRequest{Content: "hi", ChainID: 1})
	if !errors.Is(err, models.ErrSendFailure) {
		t.Fatalf("expected ErrSendFailure, got %v", err)
	}
	if err.Error() != "send message: send failure: status 409" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestCreateConversation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req models.CreateConversationRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Title != "first" {
			t.Errorf("unexpected title %q", req.Title)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(models.CreateConversationResponse{ChatID: "c9"})
	})
	id, err := c.CreateConversation(context.Background(), "first")
	if err != nil || id != "c9" {
		t.Errorf("expected c9, got %q, %v", id, err)
	}
}
