// Package submit sends user turns with an optimistic local echo.
package submit

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/Desarso/chatstream/metrics"
	"github.com/Desarso/chatstream/models"
	"github.com/google/uuid"
)

// Rejections. A rejected Submit has no side effects.
var (
	ErrEmptyMessage     = errors.New("submit: message is empty")
	ErrNoChain          = errors.New("submit: no active chain")
	ErrNotConnected     = errors.New("submit: not connected")
	ErrSendPending      = errors.New("submit: a send is already pending")
	ErrStreamInProgress = errors.New("submit: a reply is still streaming")
	ErrInactive         = errors.New("submit: conversation is not active")
)

// FailureMessage is the user-visible text reported when a send fails.
const FailureMessage = "Failed to send message"

// Sender issues the request/response send call.
type Sender interface {
	SendMessage(ctx context.Context, conversationID string, msg models.SendMessageRequest) error
}

// Timeline is the subset of the reconciliation engine the controller may
// touch: append and roll back its own message, and read the turn state.
type Timeline interface {
	AppendOptimistic(conversationID string, m models.Message) bool
	RemoveMessage(id string) bool
	Streaming() bool
	AwaitingResponse() bool
}

// Notifier surfaces failures to the user.
type Notifier interface {
	NotifyError(message string, err error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(message string, err error)

func (f NotifierFunc) NotifyError(message string, err error) { f(message, err) }

// StreamStarter announces a new turn on the transport.
type StreamStarter interface {
	StartStream() error
}

// Options wires a Controller. Sender, Timeline and ChainID are required.
type Options struct {
	Sender    Sender
	Timeline  Timeline
	ChainID   func() int64
	Connected func() bool
	Starter   StreamStarter
	Notifier  Notifier
	Logger    *log.Logger
	Metrics   *metrics.Client
	NewID     func() string
}

// Controller serializes submissions: one turn in flight at a time.
type Controller struct {
	opts Options

	mu      sync.Mutex
	pending bool
	draft   string
}

func NewController(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stdout, "[SUBMIT] ", log.LstdFlags)
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.ChainID == nil {
		opts.ChainID = func() int64 { return 0 }
	}
	return &Controller{opts: opts}
}

// Submission tracks one accepted send.
type Submission struct {
	// ID is the provisional id of the optimistic message.
	ID   string
	done chan struct{}
	err  error
}

// Done is closed when the send has resolved.
func (s *Submission) Done() <-chan struct{} { return s.done }

// Err returns the send error once Done is closed.
func (s *Submission) Err() error {
	<-s.done
	return s.err
}

// Wait blocks until the send resolves or ctx ends.
func (s *Submission) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetDraft records the current input text.
func (c *Controller) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

func (c *Controller) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Pending reports whether a send is in flight.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Submit appends text to conversationID as a provisional user message and
// sends it in the background. If the send fails the provisional message is
// removed by id and the Notifier is told. The assistant reply is not
// handled here; it arrives as streamed deltas.
func (c *Controller) Submit(ctx context.Context, text, conversationID, author string) (*Submission, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	chainID := c.opts.ChainID()
	if chainID == 0 {
		return nil, ErrNoChain
	}
	if c.opts.Connected != nil && !c.opts.Connected() {
		return nil, ErrNotConnected
	}

	c.mu.Lock()
	if c.pending || c.opts.Timeline.AwaitingResponse() {
		c.mu.Unlock()
		return nil, ErrSendPending
	}
	if c.opts.Timeline.Streaming() {
		c.mu.Unlock()
		return nil, ErrStreamInProgress
	}
	c.pending = true
	draft := c.draft
	c.draft = ""
	c.mu.Unlock()

	sub := &Submission{ID: c.opts.NewID(), done: make(chan struct{})}
	optimistic := models.Message{
		ID:      sub.ID,
		UserID:  author,
		Role:    models.RoleUser,
		Content: content,
	}
	// subscribers run inside AppendOptimistic and may call back into c
	if !c.opts.Timeline.AppendOptimistic(conversationID, optimistic) {
		c.mu.Lock()
		c.pending = false
		c.draft = draft
		c.mu.Unlock()
		return nil, ErrInactive
	}

	if c.opts.Starter != nil {
		if err := c.opts.Starter.StartStream(); err != nil {
			c.opts.Logger.Printf("Error announcing stream start: %v", err)
		}
	}

	req := models.SendMessageRequest{Content: content, ChainID: chainID, UserID: author}
	go c.send(ctx, conversationID, req, sub)
	return sub, nil
}

func (c *Controller) send(ctx context.Context, conversationID string, req models.SendMessageRequest, sub *Submission) {
	err := c.opts.Sender.SendMessage(ctx, conversationID, req)
	if err != nil {
		if !errors.Is(err, models.ErrSendFailure) {
			err = models.NewError(models.KindSendFailure, "submit", err)
		}
		c.opts.Logger.Printf("Error sending message %s: %v", sub.ID, err)
		c.opts.Timeline.RemoveMessage(sub.ID)
		if c.opts.Notifier != nil {
			c.opts.Notifier.NotifyError(FailureMessage, err)
		}
		c.opts.Metrics.Submission("failed")
	} else {
		c.opts.Metrics.Submission("ok")
	}

	c.mu.Lock()
	c.pending = false
	c.mu.Unlock()

	sub.err = err
	close(sub.done)
}
