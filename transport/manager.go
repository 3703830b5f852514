package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Desarso/chatstream/metrics"
	"github.com/Desarso/chatstream/models"
)

var (
	// ErrNotReady means identity or credential is missing; no connection was attempted.
	ErrNotReady = errors.New("transport: identity or credential missing")
	// ErrNotConnected is returned by Emit when there is no live connection.
	ErrNotConnected = errors.New("transport: not connected")

	errSuperseded = errors.New("transport: connection attempt superseded")
)

// Credentials identify the user a connection is opened for.
type Credentials struct {
	UserID       string
	SessionToken string
}

// Ready reports whether both identity and credential are present.
func (c Credentials) Ready() bool {
	return strings.TrimSpace(c.UserID) != "" && strings.TrimSpace(c.SessionToken) != ""
}

// Handler receives frames for one event. Lifecycle events (connect,
// disconnect, connect_error) are delivered through the same mechanism.
type Handler func(Frame)

// Options configures a Manager.
type Options struct {
	URL              string
	MaxAttempts      int
	RetryDelay       time.Duration
	HandshakeTimeout time.Duration
	Logger           *log.Logger
	Metrics          *metrics.Client
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stdout, "[TRANSPORT] ", log.LstdFlags)
	}
	return o
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Manager owns the single logical connection of one authenticated user.
// At most one Conn is alive at a time; replacing it closes the previous one
// and bumps a generation counter so nothing from the old connection is
// dispatched afterwards.
type Manager struct {
	opts   Options
	logger *log.Logger

	mu      sync.Mutex
	conn    *Conn
	creds   Credentials
	state   State
	gen     uint64
	loopCtx context.Context
	cancel  context.CancelFunc

	hmu      sync.Mutex
	handlers map[string][]handlerEntry
	nextID   uint64
}

// NewManager creates a disconnected manager.
func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:     opts,
		logger:   opts.Logger,
		state:    Disconnected{},
		handlers: make(map[string][]handlerEntry),
	}
}

// Connect opens a connection for creds, retrying up to MaxAttempts times.
// Missing credentials return ErrNotReady without dialing. Exceeding the
// attempt bound leaves the manager Exhausted and returns an error matching
// models.ErrConnectionExhausted. Connecting with a different identity first
// tears down the current connection.
func (m *Manager) Connect(ctx context.Context, creds Credentials) error {
	if !creds.Ready() {
		return ErrNotReady
	}

	m.mu.Lock()
	if _, ok := m.state.(Connected); ok && m.creds == creds {
		m.mu.Unlock()
		return nil
	}
	if m.creds.UserID != "" && m.creds.UserID != creds.UserID {
		m.logger.Printf("Identity changed from %s to %s, dropping previous session", m.creds.UserID, creds.UserID)
	}
	old, wasConnected := m.teardownLocked("reconnecting")
	m.creds = creds
	gen := m.gen
	m.loopCtx, m.cancel = context.WithCancel(context.Background())
	loopCtx := m.loopCtx
	m.mu.Unlock()

	m.finishTeardown(old, wasConnected, "reconnecting")

	dialCtx, cancelDial := context.WithCancel(ctx)
	defer cancelDial()
	stop := context.AfterFunc(loopCtx, cancelDial)
	defer stop()

	return m.dialWithRetry(dialCtx, gen, creds)
}

// Disconnect closes the connection and forgets the credentials. It never
// resumes on its own; a new Connect is required.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	old, wasConnected := m.teardownLocked("client disconnect")
	m.creds = Credentials{}
	m.mu.Unlock()

	m.finishTeardown(old, wasConnected, "client disconnect")
}

// Emit sends an event on the live connection.
func (m *Manager) Emit(event string, payload any) error {
	f, err := NewFrame(event, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	_, connected := m.state.(Connected)
	m.mu.Unlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	return conn.Send(ctx, f)
}

// On registers h for event and returns a function that removes it.
func (m *Manager) On(event string, h Handler) func() {
	m.hmu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, fn: h})
	m.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.hmu.Lock()
			defer m.hmu.Unlock()
			entries := m.handlers[event]
			for i, e := range entries {
				if e.id == id {
					m.handlers[event] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
		})
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether a connection is live.
func (m *Manager) Connected() bool {
	_, ok := m.State().(Connected)
	return ok
}

// Credentials returns the credentials of the current session, if any.
func (m *Manager) Credentials() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

func (m *Manager) teardownLocked(reason string) (*Conn, bool) {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	_, wasConnected := m.state.(Connected)
	old := m.conn
	m.conn = nil
	m.state = Disconnected{Reason: reason}
	return old, wasConnected
}

func (m *Manager) finishTeardown(old *Conn, wasConnected bool, reason string) {
	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Printf("Error closing previous connection: %v", err)
		}
	}
	if wasConnected {
		m.dispatchEvent(models.EventDisconnect, models.DisconnectEvent{Reason: reason})
	}
}

func (m *Manager) dialWithRetry(ctx context.Context, gen uint64, creds Credentials) error {
	var lastErr error
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		if !m.setStateIfCurrent(gen, Connecting{Attempt: attempt}) {
			return errSuperseded
		}

		conn, err := Dial(ctx, m.opts.URL, m.headers(creds), m.opts.HandshakeTimeout)
		if err == nil {
			if !m.install(gen, conn, creds) {
				conn.Close()
				return errSuperseded
			}
			m.opts.Metrics.ConnectAttempt("ok")
			m.logger.Printf("Connected as %s", creds.UserID)
			m.dispatchEvent(models.EventConnect, nil)
			go m.watch(gen, conn)
			return nil
		}

		lastErr = err
		m.opts.Metrics.ConnectAttempt("error")
		m.logger.Printf("Connection attempt %d/%d failed: %v", attempt, m.opts.MaxAttempts, err)
		m.dispatchEvent(models.EventConnectError, models.ErrorEvent{Message: err.Error()})

		if attempt == m.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			m.setStateIfCurrent(gen, Disconnected{Reason: "cancelled"})
			return ctx.Err()
		case <-time.After(m.opts.RetryDelay):
		}
	}

	if ctx.Err() != nil {
		m.setStateIfCurrent(gen, Disconnected{Reason: "cancelled"})
		return ctx.Err()
	}
	exhausted := models.NewError(models.KindConnectionExhausted, "connect",
		fmt.Errorf("%d attempts failed: %w", m.opts.MaxAttempts, lastErr))
	m.setStateIfCurrent(gen, Exhausted{Attempts: m.opts.MaxAttempts, Err: exhausted})
	return exhausted
}

func (m *Manager) install(gen uint64, conn *Conn, creds Credentials) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.conn = conn
	m.state = Connected{UserID: creds.UserID, Since: time.Now()}
	return true
}

// watch delivers frames from conn until it ends, then reconnects if the
// connection was lost rather than torn down on purpose.
func (m *Manager) watch(gen uint64, conn *Conn) {
	for f := range conn.Frames() {
		if !m.isCurrent(gen) {
			continue
		}
		if f.Event == models.EventError {
			var e models.ErrorEvent
			_ = f.Decode(&e)
			m.logger.Printf("Server error: %s", e.Message)
		}
		m.dispatch(f)
	}

	m.mu.Lock()
	if m.gen != gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = Disconnected{Reason: "connection lost"}
	creds := m.creds
	loopCtx := m.loopCtx
	m.mu.Unlock()

	conn.Close()
	m.logger.Printf("Connection lost: %v; reconnecting", conn.Err())
	m.dispatchEvent(models.EventDisconnect, models.DisconnectEvent{Reason: "connection lost"})

	if err := m.dialWithRetry(loopCtx, gen, creds); err != nil && !errors.Is(err, errSuperseded) {
		m.logger.Printf("Reconnect failed: %v", err)
	}
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *Manager) setStateIfCurrent(gen uint64, s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.state = s
	return true
}

func (m *Manager) headers(creds Credentials) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+creds.SessionToken)
	h.Set("X-User-Id", creds.UserID)
	return h
}

func (m *Manager) dispatchEvent(event string, payload any) {
	f, err := NewFrame(event, payload)
	if err != nil {
		m.logger.Printf("Error building %s event: %v", event, err)
		return
	}
	m.dispatch(f)
}

func (m *Manager) dispatch(f Frame) {
	m.hmu.Lock()
	entries := append([]handlerEntry(nil), m.handlers[f.Event]...)
	m.hmu.Unlock()

	for _, e := range entries {
		e.fn(f)
	}
}
