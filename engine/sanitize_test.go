package engine

import (
	"testing"
	"time"

	"github.com/Desarso/chatstream/models"
)

func TestSanitizeSnapshot_Empty(t *testing.T) {
	if got := SanitizeSnapshot(nil); got == nil || len(got) != 0 {
		t.Errorf("Expected empty non-nil result, got %v", got)
	}
}

func TestSanitizeSnapshot_DropsDuplicatesAndMissingIDs(t *testing.T) {
	msgs := []models.Message{
		{ID: "1", Content: "first"},
		{ID: "", Content: "no id"},
		{ID: "2", Content: "second"},
		{ID: "1", Content: "duplicate"},
	}
	result := SanitizeSnapshot(msgs)
	if len(result) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(result))
	}
	if result[0].Content != "first" || result[1].ID != "2" {
		t.Errorf("Unexpected result %+v", result)
	}
}

func TestSanitizeSnapshot_SortsByCreation(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	msgs := []models.Message{
		{ID: "b", CreatedAt: base.Add(time.Minute)},
		{ID: "a", CreatedAt: base},
		{ID: "c", CreatedAt: base.Add(time.Minute)},
	}
	result := SanitizeSnapshot(msgs)
	if result[0].ID != "a" || result[1].ID != "b" || result[2].ID != "c" {
		t.Errorf("Expected a, b, c got %v", ids(result))
	}
}

func TestSanitizeSnapshot_KeepsServerOrderWithoutTimestamps(t *testing.T) {
	msgs := []models.Message{
		{ID: "b", CreatedAt: time.Now()},
		{ID: "a"},
	}
	result := SanitizeSnapshot(msgs)
	if result[0].ID != "b" || result[1].ID != "a" {
		t.Errorf("Expected server order, got %v", ids(result))
	}
}

func TestSanitizeSnapshot_ClearsProvisional(t *testing.T) {
	result := SanitizeSnapshot([]models.Message{{ID: "1", Provisional: true}})
	if result[0].Provisional {
		t.Error("Persisted messages are never provisional")
	}
}
