// Package engine merges a conversation snapshot with streamed deltas into
// one ordered message list.
package engine

import (
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Desarso/chatstream/metrics"
	"github.com/Desarso/chatstream/models"
)

// DefaultIdleStatus is the status shown after a stream is cancelled.
const DefaultIdleStatus = "Lunark is thinking..."

// Aborter forwards a cancellation to the server.
type Aborter interface {
	Abort(conversationID string) error
}

// View is a consistent copy of the engine state.
type View struct {
	ConversationID string
	Messages       []models.Message
	Phase          Phase
	Status         string
	// Awaiting is true while the user's last message waits for the first
	// delta of a reply.
	Awaiting bool
}

// Streaming reports whether a reply is in progress.
func (v View) Streaming() bool {
	_, ok := v.Phase.(Streaming)
	return ok
}

// Option configures an Engine.
type Option func(*Engine)

func WithAborter(a Aborter) Option { return func(e *Engine) { e.aborter = a } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithLogger(l *log.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithMetrics(m *metrics.Client) Option { return func(e *Engine) { e.metrics = m } }

// WithAbandonAfter sets how old an unanswered user message may get before
// the engine stops reporting it as awaiting a reply.
func WithAbandonAfter(d time.Duration) Option { return func(e *Engine) { e.abandonAfter = d } }

func WithIdleStatus(s string) Option { return func(e *Engine) { e.idleStatus = s } }

// Engine owns the message state of the one active conversation. All
// methods are safe for concurrent use; state changes are serialized.
type Engine struct {
	aborter      Aborter
	now          func() time.Time
	logger       *log.Logger
	metrics      *metrics.Client
	abandonAfter time.Duration
	idleStatus   string

	mu             sync.Mutex
	conversationID string
	snapshotDone   bool
	messages       []models.Message
	index          map[string]int
	phase          Phase
	status         string
	lastSignature  string
	turn           []string
	cancelled      map[string]struct{}

	smu     sync.Mutex
	subs    map[uint64]func(View)
	nextSub uint64
}

func New(opts ...Option) *Engine {
	e := &Engine{
		now:          time.Now,
		logger:       log.New(os.Stdout, "[ENGINE] ", log.LstdFlags),
		abandonAfter: 5 * time.Minute,
		idleStatus:   DefaultIdleStatus,
		phase:        Idle{},
		index:        make(map[string]int),
		cancelled:    make(map[string]struct{}),
		subs:         make(map[uint64]func(View)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Activate makes conversationID the active conversation and discards all
// state of the previous one. The engine stays Idle until ApplySnapshot.
func (e *Engine) Activate(conversationID string) {
	e.mu.Lock()
	e.resetLocked(conversationID)
	v := e.viewLocked()
	e.mu.Unlock()
	e.notify(v)
}

// Deactivate tears down the active conversation.
func (e *Engine) Deactivate() {
	e.Activate("")
}

// ApplySnapshot replaces the state with msgs and moves to Loaded. A
// snapshot for a conversation other than the active one activates that
// conversation first. A second snapshot within the same activation is
// ignored and reported as false.
func (e *Engine) ApplySnapshot(conversationID string, msgs []models.Message) bool {
	if conversationID == "" {
		return false
	}

	e.mu.Lock()
	if conversationID != e.conversationID {
		e.resetLocked(conversationID)
	} else if e.snapshotDone {
		e.mu.Unlock()
		e.logger.Printf("Snapshot for %s already applied, ignoring", conversationID)
		return false
	}

	e.messages = SanitizeSnapshot(msgs)
	e.reindexLocked()
	e.snapshotDone = true
	e.phase = Loaded{}
	v := e.viewLocked()
	e.mu.Unlock()

	e.notify(v)
	return true
}

// ApplyDelta folds one cumulative content delta into the state. It reports
// whether the state changed. Deltas are dropped, never rejected with an
// error, when they are blank, malformed, for another conversation, arrive
// before the snapshot, or repeat the previous delta.
func (e *Engine) ApplyDelta(d models.StreamResponse) bool {
	e.mu.Lock()

	if reason := e.dropReasonLocked(d); reason != "" {
		e.mu.Unlock()
		e.metrics.DeltaDropped(reason)
		if reason != "empty" && reason != "duplicate" {
			e.logger.Printf("Dropping delta %q for %q: %s", d.MessageID, d.ChatID, reason)
		}
		return false
	}
	e.lastSignature = signature(d)

	now := e.now()
	if i, ok := e.index[d.MessageID]; ok {
		e.mergeLocked(&e.messages[i], d, now)
		e.enterStreamingLocked(d.MessageID, now)
	} else if i, ok := e.provisionalMatchLocked(d); ok {
		e.adoptLocked(i, d, now)
	} else {
		m := d.ToMessage()
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if m.UpdatedAt.IsZero() {
			m.UpdatedAt = m.CreatedAt
		}
		e.messages = append(e.messages, m)
		e.index[m.ID] = len(e.messages) - 1
		e.enterStreamingLocked(d.MessageID, now)
	}

	v := e.viewLocked()
	e.mu.Unlock()

	e.metrics.DeltaApplied()
	e.notify(v)
	return true
}

// ApplyStreamEnd finishes the current turn and clears the status text.
// Calling it when nothing is streaming only clears the status.
func (e *Engine) ApplyStreamEnd() {
	e.mu.Lock()
	if _, ok := e.phase.(Streaming); ok {
		e.phase = Loaded{}
	}
	e.status = ""
	e.lastSignature = ""
	e.turn = nil
	v := e.viewLocked()
	e.mu.Unlock()

	e.notify(v)
}

// ApplyStatus sets the status text. The message list is untouched.
func (e *Engine) ApplyStatus(text string) {
	e.mu.Lock()
	e.status = text
	v := e.viewLocked()
	e.mu.Unlock()

	e.notify(v)
}

// CancelStream stops the streaming turn of conversationID. The local state
// leaves Streaming immediately; the abort is then forwarded to the server
// and a delivery failure is only logged. It reports false, and does
// nothing, when conversationID is not streaming.
func (e *Engine) CancelStream(conversationID string) bool {
	e.mu.Lock()
	if _, ok := e.phase.(Streaming); !ok || conversationID == "" || conversationID != e.conversationID {
		e.mu.Unlock()
		return false
	}
	for _, id := range e.turn {
		e.cancelled[id] = struct{}{}
	}
	e.turn = nil
	e.phase = Loaded{}
	e.status = e.idleStatus
	e.lastSignature = ""
	v := e.viewLocked()
	e.mu.Unlock()

	e.metrics.StreamCancelled()
	e.notify(v)

	if e.aborter != nil {
		if err := e.aborter.Abort(conversationID); err != nil {
			e.logger.Printf("Error sending abort for %s: %v", conversationID, err)
		}
	}
	return true
}

// AppendOptimistic adds a provisional message to the end of the active
// conversation. It returns false if conversationID is not active and
// loaded, or the id is taken.
func (e *Engine) AppendOptimistic(conversationID string, m models.Message) bool {
	e.mu.Lock()
	if conversationID == "" || conversationID != e.conversationID || !e.snapshotDone || m.ID == "" {
		e.mu.Unlock()
		return false
	}
	if _, exists := e.index[m.ID]; exists {
		e.mu.Unlock()
		return false
	}
	now := e.now()
	m.ConversationID = conversationID
	m.Provisional = true
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	e.messages = append(e.messages, m)
	e.index[m.ID] = len(e.messages) - 1
	v := e.viewLocked()
	e.mu.Unlock()

	e.notify(v)
	return true
}

// RemoveMessage deletes the message with the given id wherever it is.
func (e *Engine) RemoveMessage(id string) bool {
	e.mu.Lock()
	i, ok := e.index[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	e.messages = append(e.messages[:i:i], e.messages[i+1:]...)
	e.reindexLocked()
	v := e.viewLocked()
	e.mu.Unlock()

	e.notify(v)
	return true
}

// View returns a copy of the current state.
func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

// Streaming reports whether a reply is in progress.
func (e *Engine) Streaming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.phase.(Streaming)
	return ok
}

// AwaitingResponse reports whether the last message is a user message that
// has not been answered yet and is younger than the abandon threshold.
func (e *Engine) AwaitingResponse() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.awaitingLocked()
}

// ConversationID returns the active conversation, or "".
func (e *Engine) ConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conversationID
}

// Subscribe registers fn to receive a View after every state change. The
// returned function unsubscribes.
func (e *Engine) Subscribe(fn func(View)) func() {
	e.smu.Lock()
	e.nextSub++
	id := e.nextSub
	e.subs[id] = fn
	e.smu.Unlock()

	return func() {
		e.smu.Lock()
		delete(e.subs, id)
		e.smu.Unlock()
	}
}

func (e *Engine) notify(v View) {
	e.smu.Lock()
	subs := make([]func(View), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.smu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
}

func (e *Engine) resetLocked(conversationID string) {
	e.conversationID = conversationID
	e.snapshotDone = false
	e.messages = nil
	e.index = make(map[string]int)
	e.phase = Idle{}
	e.status = ""
	e.lastSignature = ""
	e.turn = nil
	e.cancelled = make(map[string]struct{})
}

func (e *Engine) reindexLocked() {
	e.index = make(map[string]int, len(e.messages))
	for i, m := range e.messages {
		e.index[m.ID] = i
	}
}

func (e *Engine) dropReasonLocked(d models.StreamResponse) string {
	switch {
	case strings.TrimSpace(d.Message) == "":
		return "empty"
	case e.conversationID == "" || d.ChatID != e.conversationID:
		return "inactive"
	case !e.snapshotDone:
		return "before_snapshot"
	case d.MessageID == "":
		return "malformed"
	case signature(d) == e.lastSignature:
		return "duplicate"
	}
	return ""
}

func (e *Engine) mergeLocked(m *models.Message, d models.StreamResponse, now time.Time) {
	m.Content = d.Message
	if d.Memories != nil {
		m.Memories = d.Memories
	}
	if d.Transaction != nil {
		m.Transaction = d.Transaction
	}
	if len(d.ToolData) > 0 {
		m.ToolData = d.ToolData
	}
	if d.Timestamp.IsZero() {
		m.UpdatedAt = now
	} else {
		m.UpdatedAt = d.Timestamp
	}
}

// provisionalMatchLocked finds the optimistic message a user-role echo
// from the server stands for.
func (e *Engine) provisionalMatchLocked(d models.StreamResponse) (int, bool) {
	if d.Role != models.RoleUser {
		return 0, false
	}
	for i, m := range e.messages {
		if m.Provisional && m.Role == models.RoleUser && m.Content == d.Message {
			return i, true
		}
	}
	return 0, false
}

func (e *Engine) adoptLocked(i int, d models.StreamResponse, now time.Time) {
	m := &e.messages[i]
	delete(e.index, m.ID)
	m.ID = d.MessageID
	m.Provisional = false
	if d.UserID != "" {
		m.UserID = d.UserID
	}
	e.mergeLocked(m, d, now)
	e.index[m.ID] = i
}

func (e *Engine) enterStreamingLocked(id string, now time.Time) {
	if _, ok := e.cancelled[id]; ok {
		return
	}
	if _, ok := e.phase.(Streaming); !ok {
		e.phase = Streaming{MessageID: id, Since: now}
	}
	for _, t := range e.turn {
		if t == id {
			return
		}
	}
	e.turn = append(e.turn, id)
}

func (e *Engine) awaitingLocked() bool {
	if _, ok := e.phase.(Loaded); !ok {
		return false
	}
	n := len(e.messages)
	if n == 0 {
		return false
	}
	last := e.messages[n-1]
	if last.Role != models.RoleUser {
		return false
	}
	if n > 1 && e.messages[n-2].Role != models.RoleAssistant {
		return false
	}
	if last.CreatedAt.IsZero() {
		return true
	}
	return e.now().Sub(last.CreatedAt) < e.abandonAfter
}

func (e *Engine) viewLocked() View {
	msgs := make([]models.Message, len(e.messages))
	copy(msgs, e.messages)
	return View{
		ConversationID: e.conversationID,
		Messages:       msgs,
		Phase:          e.phase,
		Status:         e.status,
		Awaiting:       e.awaitingLocked(),
	}
}

func signature(d models.StreamResponse) string {
	var b strings.Builder
	b.WriteString(d.MessageID)
	b.WriteByte(0)
	b.WriteString(d.Message)
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(len(d.ToolData)))
	if d.Transaction != nil {
		b.WriteString("+tx:" + d.Transaction.Status)
	}
	b.WriteString("+mem:" + strconv.Itoa(len(d.Memories)))
	return b.String()
}
