package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestChatErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("load: %w", NewError(KindUnauthorized, "snapshot", nil))
	if !errors.Is(err, ErrUnauthorized) {
		t.Error("expected wrapped error to match ErrUnauthorized")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("unauthorized should not match ErrNotFound")
	}
}

func TestEmptyAfterRetriesIsNotFound(t *testing.T) {
	err := NewError(KindEmptyAfterRetries, "snapshot", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Error("empty-after-retries should match ErrNotFound")
	}
	if !errors.Is(err, ErrEmptyAfterRetries) {
		t.Error("empty-after-retries should match itself")
	}
}

func TestIsTerminal(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{NewError(KindTransient, "fetch", errors.New("timeout")), false},
		{NewError(KindMalformedDelta, "delta", nil), false},
		{NewError(KindUnauthorized, "fetch", nil), true},
		{NewError(KindConnectionExhausted, "connect", nil), true},
		{errors.New("boom"), true},
	}
	for _, c := range cases {
		if got := IsTerminal(c.err); got != c.want {
			t.Errorf("IsTerminal(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestChatErrorMessage(t *testing.T) {
	err := &ChatError{Kind: KindSendFailure, Op: "submit", Err: errors.New("status 500")}
	if got := err.Error(); got != "submit: send failure: status 500" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestParseRole(t *testing.T) {
	for raw, want := range map[string]Role{
		"user":      RoleUser,
		"assistant": RoleAssistant,
		"lunark":    RoleAssistant,
		"model":     RoleAssistant,
		" USER ":    RoleUser,
	} {
		if got := ParseRole(raw); got != want {
			t.Errorf("ParseRole(%q) = %q, want %q", raw, got, want)
		}
	}
}
