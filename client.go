// Package chatstream is a client for wallet-authenticated streaming chat.
// It keeps one live connection per signed-in user, loads a conversation
// snapshot, joins its room and folds streamed replies into a view the UI
// can render.
package chatstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/Desarso/chatstream/api"
	"github.com/Desarso/chatstream/engine"
	"github.com/Desarso/chatstream/metrics"
	"github.com/Desarso/chatstream/models"
	"github.com/Desarso/chatstream/rooms"
	"github.com/Desarso/chatstream/snapshot"
	"github.com/Desarso/chatstream/submit"
	"github.com/Desarso/chatstream/transport"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrNoConversation is returned when an operation needs an open conversation.
var ErrNoConversation = errors.New("chatstream: no conversation is open")

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger shared by all components.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRegisterer registers the client metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) { c.registerer = reg }
}

// WithNotifier sets where send failures are reported.
func WithNotifier(n submit.Notifier) Option {
	return func(c *Client) { c.notifier = n }
}

// Client wires the transport session, room membership, snapshot loading,
// stream reconciliation and submission into one conversation view.
type Client struct {
	cfg        Config
	logger     *log.Logger
	registerer prometheus.Registerer
	notifier   submit.Notifier
	metrics    *metrics.Client

	transport *transport.Manager
	rooms     *rooms.Controller
	api       *api.Client
	loader    *snapshot.Loader
	engine    *engine.Engine
	submit    *submit.Controller

	mu         sync.Mutex
	chainID    int64
	openCancel context.CancelFunc
	openDone   chan struct{}
	openID     string
	openGen    uint64
	offs       []func()
}

// New creates a client. Nothing is dialed until Login.
func New(cfg *Config, opts ...Option) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Client{cfg: *cfg, chainID: cfg.ChainID}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.New(os.Stdout, "[CHATSTREAM] ", log.LstdFlags)
	}
	if c.notifier == nil {
		c.notifier = submit.NotifierFunc(func(message string, err error) {
			c.logger.Printf("%s: %v", message, err)
		})
	}
	c.metrics = metrics.NewClient(c.registerer)

	c.transport = transport.NewManager(transport.Options{
		URL:              c.cfg.socketURL(),
		MaxAttempts:      c.cfg.ConnectAttempts,
		RetryDelay:       c.cfg.ConnectRetryDelay,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		Logger:           c.logger,
		Metrics:          c.metrics,
	})
	c.rooms = rooms.NewController(c.transport, c.logger)
	c.api = api.NewClient(c.cfg.apiURL(), c.cfg.RequestTimeout, c.token)
	c.loader = snapshot.NewLoader(c.api,
		snapshot.WithAttempts(c.cfg.SnapshotAttempts),
		snapshot.WithRetryDelay(c.cfg.SnapshotRetryDelay),
		snapshot.WithLogger(c.logger),
		snapshot.WithMetrics(c.metrics),
	)

	engineOpts := []engine.Option{
		engine.WithAborter(c.rooms),
		engine.WithLogger(c.logger),
		engine.WithMetrics(c.metrics),
		engine.WithAbandonAfter(c.cfg.AbandonAfter),
	}
	if c.cfg.IdleStatus != "" {
		engineOpts = append(engineOpts, engine.WithIdleStatus(c.cfg.IdleStatus))
	}
	c.engine = engine.New(engineOpts...)

	c.submit = submit.NewController(submit.Options{
		Sender:    c.api,
		Timeline:  c.engine,
		ChainID:   c.ChainID,
		Connected: c.transport.Connected,
		Starter:   c.rooms,
		Notifier:  c.notifier,
		Logger:    c.logger,
		Metrics:   c.metrics,
	})

	c.offs = []func(){
		c.transport.On(models.EventStreamResponse, c.handleStreamResponse),
		c.transport.On(models.EventStreamEnd, func(transport.Frame) { c.engine.ApplyStreamEnd() }),
		c.transport.On(models.EventStreamStatus, c.handleStreamStatus),
	}
	return c
}

func (c *Client) token() string {
	return c.transport.Credentials().SessionToken
}

// Login connects as userID. Signing in as a different user closes the open
// conversation first. Missing identity or token returns transport.ErrNotReady
// without dialing.
func (c *Client) Login(ctx context.Context, userID, sessionToken string) error {
	creds := transport.Credentials{UserID: userID, SessionToken: sessionToken}
	if !creds.Ready() {
		return transport.ErrNotReady
	}
	if current := c.transport.Credentials(); current.UserID != "" && current.UserID != userID {
		c.Close()
	}
	return c.transport.Connect(ctx, creds)
}

// Logout closes the open conversation and drops the connection and
// credentials.
func (c *Client) Logout() {
	c.Close()
	c.transport.Disconnect()
}

// CreateConversation asks the server for a new conversation and returns its id.
func (c *Client) CreateConversation(ctx context.Context, title string) (string, error) {
	if !c.transport.Credentials().Ready() {
		return "", transport.ErrNotReady
	}
	return c.api.CreateConversation(ctx, title)
}

// Open makes conversationID the active conversation: it loads the snapshot,
// applies it and then joins the room so no delta is folded before the
// snapshot. Opening another conversation, or Close, cancels a load still in
// progress; a cancelled Open leaves no state behind for its conversation.
func (c *Client) Open(ctx context.Context, conversationID string) error {
	owner := c.transport.Credentials().UserID
	if conversationID == "" || owner == "" {
		return rooms.ErrInvalidJoin
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	prevCancel, prevDone, prevID := c.openCancel, c.openDone, c.openID
	c.openCancel, c.openDone, c.openID = cancel, done, conversationID
	c.openGen++
	gen := c.openGen
	c.mu.Unlock()
	defer c.clearOpen(gen, cancel, done)

	if prevCancel != nil {
		prevCancel()
		c.loader.Registry().Cancel(prevID)
	}
	if prevDone != nil {
		// the previous Open must not apply its snapshot after ours
		select {
		case <-prevDone:
		case <-ctx.Done():
			return fmt.Errorf("open %s: %w", conversationID, ctx.Err())
		}
	}

	c.rooms.Leave()
	c.engine.Activate(conversationID)

	msgs, err := c.loader.Load(ctx, conversationID, owner)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Printf("Failed to load conversation %s: %v", conversationID, err)
		}
		return fmt.Errorf("open %s: %w", conversationID, err)
	}
	if ctx.Err() != nil || c.engine.ConversationID() != conversationID {
		return fmt.Errorf("open %s: %w", conversationID, context.Canceled)
	}

	c.engine.ApplySnapshot(conversationID, msgs)
	if err := c.rooms.Join(conversationID); err != nil {
		return fmt.Errorf("open %s: %w", conversationID, err)
	}
	return nil
}

func (c *Client) clearOpen(gen uint64, cancel context.CancelFunc, done chan struct{}) {
	cancel()
	c.mu.Lock()
	// a newer Open may already own the slot
	if c.openGen == gen {
		c.openCancel, c.openDone, c.openID = nil, nil, ""
	}
	c.mu.Unlock()
	close(done)
}

// Close leaves the room and tears down the conversation view.
func (c *Client) Close() {
	c.mu.Lock()
	cancel, id := c.openCancel, c.openID
	c.openCancel, c.openID = nil, ""
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.loader.Registry().Cancel(id)
	}
	c.rooms.Leave()
	c.engine.Deactivate()
}

// Submit sends text as a user message in the open conversation.
func (c *Client) Submit(ctx context.Context, text string) (*submit.Submission, error) {
	id := c.engine.ConversationID()
	if id == "" {
		return nil, ErrNoConversation
	}
	return c.submit.Submit(ctx, text, id, c.transport.Credentials().UserID)
}

// Cancel stops the reply currently streaming. It reports false when nothing
// was streaming.
func (c *Client) Cancel() bool {
	return c.engine.CancelStream(c.engine.ConversationID())
}

// SetDraft stores unsent input text.
func (c *Client) SetDraft(text string) { c.submit.SetDraft(text) }

// Draft returns the unsent input text.
func (c *Client) Draft() string { return c.submit.Draft() }

// SetChainID changes the chain sent with each message. Zero disables sending.
func (c *Client) SetChainID(id int64) {
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
}

// ChainID returns the active chain.
func (c *Client) ChainID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chainID
}

// View returns a copy of the conversation view.
func (c *Client) View() engine.View { return c.engine.View() }

// Subscribe calls fn with every new view until the returned func is called.
func (c *Client) Subscribe(fn func(engine.View)) func() { return c.engine.Subscribe(fn) }

// State returns the transport connection state.
func (c *Client) State() transport.State { return c.transport.State() }

// Room returns the conversation whose room join the server acknowledged.
func (c *Client) Room() string { return c.rooms.Current() }

// Shutdown releases everything the client holds.
func (c *Client) Shutdown() {
	c.Close()
	for _, off := range c.offs {
		off()
	}
	c.rooms.Close()
	c.transport.Disconnect()
}

func (c *Client) handleStreamResponse(f transport.Frame) {
	var d models.StreamResponse
	if err := f.Decode(&d); err != nil {
		c.metrics.DeltaDropped("malformed")
		c.logger.Printf("Dropping undecodable stream delta: %v", err)
		return
	}
	c.engine.ApplyDelta(d)
}

func (c *Client) handleStreamStatus(f transport.Frame) {
	var s models.StreamStatus
	if err := f.Decode(&s); err != nil {
		c.logger.Printf("Dropping undecodable status: %v", err)
		return
	}
	c.engine.ApplyStatus(s.Status)
}
