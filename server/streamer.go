package server

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Desarso/chatstream/metrics"
	"github.com/Desarso/chatstream/models"
	"github.com/Desarso/chatstream/stores"
	"github.com/Desarso/chatstream/transport"
	"github.com/google/uuid"
)

// ErrStreamInProgress is returned when a conversation already has a
// running reply.
var ErrStreamInProgress = errors.New("a reply is already streaming for this conversation")

// ThinkingStatus is published when a reply starts.
const ThinkingStatus = "Lunark is thinking..."

type activeStream struct {
	messageID string
	started   time.Time
	cancel    context.CancelCauseFunc
	done      chan struct{}
}

// Streamer runs at most one assistant reply per conversation and publishes
// its progress to the conversation's room.
type Streamer struct {
	store       stores.MessageStore
	responder   Responder
	broadcaster Broadcaster
	metrics     *metrics.Server
	logger      *log.Logger
	historySize int

	mu     sync.Mutex
	active map[string]*activeStream
}

func NewStreamer(store stores.MessageStore, responder Responder, broadcaster Broadcaster, m *metrics.Server, logger *log.Logger, historySize int) *Streamer {
	return &Streamer{
		store:       store,
		responder:   responder,
		broadcaster: broadcaster,
		metrics:     m,
		logger:      logger,
		historySize: historySize,
		active:      make(map[string]*activeStream),
	}
}

var (
	errAbortedByUser = errors.New("aborted by user")
	errStreamTimeout = errors.New("stream exceeded maximum duration")
)

// Start begins a reply for chatID. The reply runs in the background.
func (s *Streamer) Start(chatID, userID string) error {
	s.mu.Lock()
	if _, busy := s.active[chatID]; busy {
		s.mu.Unlock()
		return ErrStreamInProgress
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	st := &activeStream{
		messageID: uuid.New().String(),
		started:   time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.active[chatID] = st
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.StreamsStarted.Inc()
		s.metrics.ActiveStreams.Inc()
	}
	go s.run(ctx, chatID, userID, st)
	return nil
}

// Abort stops the running reply of chatID. It reports whether one was
// running.
func (s *Streamer) Abort(chatID string) bool {
	return s.abort(chatID, errAbortedByUser)
}

func (s *Streamer) abort(chatID string, cause error) bool {
	s.mu.Lock()
	st, ok := s.active[chatID]
	s.mu.Unlock()
	if ok {
		st.cancel(cause)
	}
	return ok
}

// AbortOlderThan stops every reply that has been running longer than max.
func (s *Streamer) AbortOlderThan(max time.Duration) int {
	cutoff := time.Now().Add(-max)
	var stale []string
	s.mu.Lock()
	for chatID, st := range s.active {
		if st.started.Before(cutoff) {
			stale = append(stale, chatID)
		}
	}
	s.mu.Unlock()

	for _, chatID := range stale {
		s.logger.Printf("Aborting stale stream for %s", chatID)
		s.abort(chatID, errStreamTimeout)
	}
	return len(stale)
}

// Active reports whether chatID has a running reply.
func (s *Streamer) Active(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[chatID]
	return ok
}

// Wait blocks until the reply of chatID, if any, has finished.
func (s *Streamer) Wait(ctx context.Context, chatID string) error {
	s.mu.Lock()
	st, ok := s.active[chatID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-st.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown aborts all running replies and waits for them to finish.
func (s *Streamer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	streams := make([]*activeStream, 0, len(s.active))
	for _, st := range s.active {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		st.cancel(errors.New("server shutting down"))
	}
	for _, st := range streams {
		select {
		case <-st.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Streamer) run(ctx context.Context, chatID, userID string, st *activeStream) {
	defer func() {
		s.mu.Lock()
		delete(s.active, chatID)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.ActiveStreams.Dec()
		}
		close(st.done)
	}()

	s.publish(chatID, models.EventStreamStatus, models.StreamStatus{Status: ThinkingStatus})

	history, err := s.store.FetchHistory(chatID, s.historySize)
	if err != nil {
		s.logger.Printf("Error fetching history for %s: %v", chatID, err)
		s.publish(chatID, models.EventError, models.ErrorEvent{Message: "Failed to fetch history"})
		s.publish(chatID, models.EventStreamEnd, models.StreamEnd{})
		return
	}

	chunks, errCh := s.responder.Respond(ctx, SanitizeHistory(history))
	var content strings.Builder
	var streamErr error

loop:
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			content.WriteString(chunk)
			if strings.TrimSpace(content.String()) == "" {
				continue
			}
			s.publish(chatID, models.EventStreamResponse, models.StreamResponse{
				MessageID: st.messageID,
				ChatID:    chatID,
				Role:      models.RoleAssistant,
				Message:   content.String(),
				UserID:    userID,
				Timestamp: time.Now(),
			})
		case <-ctx.Done():
			break loop
		}
	}

	if err := context.Cause(ctx); err != nil {
		s.logger.Printf("Stream for %s stopped: %v", chatID, err)
		if s.metrics != nil {
			cause := "shutdown"
			switch {
			case errors.Is(err, errAbortedByUser):
				cause = "user"
			case errors.Is(err, errStreamTimeout):
				cause = "timeout"
			}
			s.metrics.StreamsAborted.WithLabelValues(cause).Inc()
		}
	} else {
		select {
		case streamErr = <-errCh:
		default:
		}
	}
	if streamErr != nil {
		s.logger.Printf("Responder error for %s: %v", chatID, streamErr)
		s.publish(chatID, models.EventError, models.ErrorEvent{Message: "Assistant stream error"})
	}

	if text := content.String(); strings.TrimSpace(text) != "" {
		reply := models.Message{
			ID:             st.messageID,
			ConversationID: chatID,
			UserID:         userID,
			Role:           models.RoleAssistant,
			Content:        text,
			CreatedAt:      st.started,
			UpdatedAt:      time.Now(),
		}
		if err := s.store.SaveMessage(reply); err != nil {
			s.logger.Printf("Error saving reply for %s: %v", chatID, err)
		}
	}

	s.publish(chatID, models.EventStreamEnd, models.StreamEnd{})
}

func (s *Streamer) publish(chatID, event string, payload any) {
	f, err := transport.NewFrame(event, payload)
	if err != nil {
		s.logger.Printf("Error building %s frame: %v", event, err)
		return
	}
	if err := s.broadcaster.Publish(context.Background(), chatID, f); err != nil {
		s.logger.Printf("Error publishing %s to %s: %v", event, chatID, err)
	}
}
