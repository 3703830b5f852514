package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures crossing component boundaries.
type ErrorKind int

const (
	KindTransient ErrorKind = iota + 1
	KindUnauthorized
	KindNotFound
	KindEmptyAfterRetries
	KindConnectionExhausted
	KindSendFailure
	KindMalformedDelta
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient network failure"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not found"
	case KindEmptyAfterRetries:
		return "empty after retries"
	case KindConnectionExhausted:
		return "connection exhausted"
	case KindSendFailure:
		return "send failure"
	case KindMalformedDelta:
		return "malformed delta"
	default:
		return fmt.Sprintf("error kind %d", int(k))
	}
}

// ChatError is the error type shared by the client components.
type ChatError struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *ChatError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ChatError) Unwrap() error { return e.Err }

// Is matches on kind so wrapped errors compare equal to the sentinels below.
// An empty-after-retries failure is also a not-found failure.
func (e *ChatError) Is(target error) bool {
	t, ok := target.(*ChatError)
	if !ok {
		return false
	}
	if e.Kind == t.Kind {
		return true
	}
	return e.Kind == KindEmptyAfterRetries && t.Kind == KindNotFound
}

var (
	ErrTransient           = &ChatError{Kind: KindTransient}
	ErrUnauthorized        = &ChatError{Kind: KindUnauthorized}
	ErrNotFound            = &ChatError{Kind: KindNotFound}
	ErrEmptyAfterRetries   = &ChatError{Kind: KindEmptyAfterRetries}
	ErrConnectionExhausted = &ChatError{Kind: KindConnectionExhausted}
	ErrSendFailure         = &ChatError{Kind: KindSendFailure}
	ErrMalformedDelta      = &ChatError{Kind: KindMalformedDelta}
)

// NewError builds a ChatError of the given kind.
func NewError(kind ErrorKind, op string, err error) *ChatError {
	return &ChatError{Kind: kind, Op: op, Err: err}
}

// IsTerminal reports whether err must be surfaced to the UI rather than
// retried or swallowed locally.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	var ce *ChatError
	if !errors.As(err, &ce) {
		return true
	}
	return ce.Kind != KindTransient && ce.Kind != KindMalformedDelta
}
