package server

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenIssueAndVerify(t *testing.T) {
	ts, err := NewTokenService("secret", time.Hour)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tok, err := ts.Issue("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	user, err := ts.Verify(tok)
	if err != nil || user != "alice" {
		t.Errorf("expected alice, got %q, %v", user, err)
	}
}

func TestTokenRejections(t *testing.T) {
	ts, _ := NewTokenService("secret", time.Hour)
	other, _ := NewTokenService("other", time.Hour)
	foreign, _ := other.Issue("alice")
	if _, err := ts.Verify(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for foreign signature, got %v", err)
	}
	if _, err := ts.Verify("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}

	expired, _ := NewTokenService("secret", time.Nanosecond)
	tok, _ := expired.Issue("alice")
	time.Sleep(1100 * time.Millisecond)
	if _, err := ts.Verify(tok); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}

	if _, err := NewTokenService("", time.Hour); err == nil {
		t.Error("empty secret should be rejected")
	}
	if _, err := ts.Issue(""); err == nil {
		t.Error("empty user should be rejected")
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=q", nil)
	if got := bearerToken(r); got != "q" {
		t.Errorf("expected query token, got %q", got)
	}
	r.Header.Set("Authorization", "Bearer h")
	if got := bearerToken(r); got != "h" {
		t.Errorf("expected header token, got %q", got)
	}
}
