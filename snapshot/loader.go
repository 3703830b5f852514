// Package snapshot loads the persisted history of a conversation.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Desarso/chatstream/metrics"
	"github.com/Desarso/chatstream/models"
)

// ErrInFlight is returned when a load for the same conversation is already
// running.
var ErrInFlight = errors.New("snapshot: load already in flight")

// Fetcher performs one snapshot request.
type Fetcher interface {
	FetchConversation(ctx context.Context, conversationID, owner string) (*models.ConversationSnapshot, error)
}

// Loader fetches a conversation with bounded retry and ownership checks.
type Loader struct {
	fetcher     Fetcher
	registry    *Registry
	maxAttempts int
	delay       time.Duration
	logger      *log.Logger
	metrics     *metrics.Client
}

// Option configures a Loader.
type Option func(*Loader)

func WithAttempts(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(l *Loader) {
		if d >= 0 {
			l.delay = d
		}
	}
}

func WithRegistry(r *Registry) Option {
	return func(l *Loader) { l.registry = r }
}

func WithLogger(logger *log.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

func WithMetrics(m *metrics.Client) Option {
	return func(l *Loader) { l.metrics = m }
}

func NewLoader(fetcher Fetcher, opts ...Option) *Loader {
	l := &Loader{
		fetcher:     fetcher,
		registry:    NewRegistry(),
		maxAttempts: 5,
		delay:       250 * time.Millisecond,
		logger:      log.New(os.Stdout, "[SNAPSHOT] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Registry returns the in-flight registry used by the loader.
func (l *Loader) Registry() *Registry { return l.registry }

// Load returns the ordered messages of conversationID as seen by owner.
//
// Empty responses and transient failures are retried up to the attempt
// bound. An owner mismatch or an authorization failure is terminal and
// matches models.ErrUnauthorized. A missing conversation matches
// models.ErrNotFound. Running out of attempts while the conversation keeps
// coming back empty matches models.ErrEmptyAfterRetries. A cancelled ctx
// returns ctx.Err().
func (l *Loader) Load(ctx context.Context, conversationID, owner string) ([]models.Message, error) {
	if conversationID == "" || owner == "" {
		return nil, models.NewError(models.KindUnauthorized, "load snapshot",
			errors.New("conversation id and owner are required"))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	token, ok := l.registry.acquire(conversationID, cancel)
	if !ok {
		return nil, ErrInFlight
	}
	defer l.registry.release(conversationID, token)

	var lastErr error
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		snap, err := l.fetcher.FetchConversation(ctx, conversationID, owner)
		switch {
		case err == nil:
			if snap.UserID != owner {
				l.metrics.SnapshotAttempt("unauthorized")
				l.logger.Printf("Conversation %s is owned by another user", conversationID)
				return nil, models.NewError(models.KindUnauthorized, "load snapshot",
					fmt.Errorf("conversation %s belongs to another user", conversationID))
			}
			if len(snap.Messages) > 0 {
				l.metrics.SnapshotAttempt("ok")
				return snap.Messages, nil
			}
			l.metrics.SnapshotAttempt("empty")
			lastErr = nil
			l.logger.Printf("Conversation %s returned no messages (attempt %d/%d)", conversationID, attempt, l.maxAttempts)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case models.IsTerminal(err):
			l.metrics.SnapshotAttempt("terminal")
			return nil, err
		default:
			l.metrics.SnapshotAttempt("transient")
			lastErr = err
			l.logger.Printf("Error fetching conversation %s (attempt %d/%d): %v", conversationID, attempt, l.maxAttempts, err)
		}

		if attempt == l.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.delay):
		}
	}

	if lastErr != nil {
		return nil, models.NewError(models.KindEmptyAfterRetries, "load snapshot",
			fmt.Errorf("%d attempts failed: %w", l.maxAttempts, lastErr))
	}
	return nil, models.NewError(models.KindEmptyAfterRetries, "load snapshot",
		fmt.Errorf("conversation %s has no messages after %d attempts", conversationID, l.maxAttempts))
}
