package rooms

import (
	"errors"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/Desarso/chatstream/models"
	"github.com/Desarso/chatstream/transport"
)

type emitted struct {
	event   string
	payload any
}

type fakeSession struct {
	mu        sync.Mutex
	connected bool
	creds     transport.Credentials
	emits     []emitted
	emitErr   error
	handlers  map[string][]transport.Handler
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		creds:    transport.Credentials{UserID: "alice", SessionToken: "tok"},
		handlers: make(map[string][]transport.Handler),
	}
}

func (s *fakeSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) Credentials() transport.Credentials { return s.creds }

func (s *fakeSession) Emit(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return transport.ErrNotConnected
	}
	if s.emitErr != nil {
		return s.emitErr
	}
	s.emits = append(s.emits, emitted{event, payload})
	return nil
}

func (s *fakeSession) On(event string, h transport.Handler) func() {
	s.handlers[event] = append(s.handlers[event], h)
	return func() { delete(s.handlers, event) }
}

func (s *fakeSession) fire(event string, payload any) {
	f, _ := transport.NewFrame(event, payload)
	for _, h := range s.handlers[event] {
		h(f)
	}
}

func (s *fakeSession) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
	if v {
		s.fire(models.EventConnect, nil)
	} else {
		s.fire(models.EventDisconnect, models.DisconnectEvent{Reason: "test"})
	}
}

func (s *fakeSession) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.emits {
		if e.event == event {
			n++
		}
	}
	return n
}

func (s *fakeSession) last() emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.emits) == 0 {
		return emitted{}
	}
	return s.emits[len(s.emits)-1]
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestJoinRequiresIDAndIdentity(t *testing.T) {
	s := newFakeSession()
	c := NewController(s, quiet())
	if err := c.Join("  "); !errors.Is(err, ErrInvalidJoin) {
		t.Errorf("expected ErrInvalidJoin for blank id, got %v", err)
	}
	s.creds = transport.Credentials{}
	if err := c.Join("c1"); !errors.Is(err, ErrInvalidJoin) {
		t.Errorf("expected ErrInvalidJoin without identity, got %v", err)
	}
}

func TestJoinWhenConnected(t *testing.T) {
	s := newFakeSession()
	s.connected = true
	c := NewController(s, quiet())

	if err := c.Join("c1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	e := s.last()
	join, ok := e.payload.(models.JoinChat)
	if e.event != models.EventJoinChat || !ok {
		t.Fatalf("expected joinChat, got %+v", e)
	}
	if join.ChatID != "c1" || join.UserID != "alice" || join.SessionToken != "tok" {
		t.Errorf("unexpected join payload %+v", join)
	}

	if err := c.Join("c1"); err != nil {
		t.Fatalf("second join: %v", err)
	}
	if got := s.count(models.EventJoinChat); got != 1 {
		t.Errorf("expected 1 joinChat, got %d", got)
	}
}

func TestDeferredJoinSentOnceOnConnect(t *testing.T) {
	s := newFakeSession()
	c := NewController(s, quiet())

	if err := c.Join("c1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := s.count(models.EventJoinChat); got != 0 {
		t.Fatalf("join should be deferred, got %d emits", got)
	}

	s.setConnected(true)
	s.fire(models.EventConnect, nil)
	s.fire(models.EventConnect, nil)

	if got := s.count(models.EventJoinChat); got != 1 {
		t.Errorf("expected exactly 1 joinChat, got %d", got)
	}
}

func TestRejoinAfterDrop(t *testing.T) {
	s := newFakeSession()
	s.connected = true
	c := NewController(s, quiet())
	if err := c.Join("c1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	s.fire(models.EventJoinedChat, models.JoinedChat{ChatID: "c1"})
	if c.Current() != "c1" {
		t.Errorf("expected current c1, got %q", c.Current())
	}

	s.setConnected(false)
	if c.Current() != "" {
		t.Errorf("ack should be cleared on disconnect, got %q", c.Current())
	}
	s.setConnected(true)

	if got := s.count(models.EventJoinChat); got != 2 {
		t.Fatalf("expected rejoin, got %d joinChat", got)
	}
	if join := s.last().payload.(models.JoinChat); join.ChatID != "c1" {
		t.Errorf("rejoined wrong room %q", join.ChatID)
	}
}

func TestJoinNewRoomLeavesPrevious(t *testing.T) {
	s := newFakeSession()
	s.connected = true
	c := NewController(s, quiet())
	_ = c.Join("c1")
	_ = c.Join("c2")

	if got := s.count(models.EventLeaveChat); got != 1 {
		t.Fatalf("expected 1 leaveChat, got %d", got)
	}
	s.mu.Lock()
	leave := s.emits[1]
	s.mu.Unlock()
	if leave.event != models.EventLeaveChat || leave.payload.(models.LeaveChat).ChatID != "c1" {
		t.Errorf("expected leave of c1 before joining c2, got %+v", leave)
	}
	if c.Active() != "c2" {
		t.Errorf("expected active c2, got %q", c.Active())
	}
}

func TestLeaveIsIdempotentAndBestEffort(t *testing.T) {
	s := newFakeSession()
	c := NewController(s, quiet())
	c.Leave()

	_ = c.Join("c1")
	c.Leave()
	c.Leave()
	if c.Active() != "" {
		t.Errorf("expected no active room, got %q", c.Active())
	}

	s.connected = true
	s.fire(models.EventConnect, nil)
	if got := s.count(models.EventJoinChat); got != 0 {
		t.Errorf("left room must not be joined on connect, got %d", got)
	}

	_ = c.Join("c2")
	s.emitErr = errors.New("write failed")
	c.Leave()
	if c.Active() != "" {
		t.Error("leave must succeed even if the notification fails")
	}
}

func TestStaleAckIgnored(t *testing.T) {
	s := newFakeSession()
	s.connected = true
	c := NewController(s, quiet())
	_ = c.Join("c1")
	_ = c.Join("c2")
	s.fire(models.EventJoinedChat, models.JoinedChat{ChatID: "c1"})
	if c.Current() != "" {
		t.Errorf("ack for previous room should be ignored, got %q", c.Current())
	}
}

func TestAbortEmitsStopAndAbort(t *testing.T) {
	s := newFakeSession()
	c := NewController(s, quiet())
	if err := c.Abort("c1"); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	s.connected = true
	if err := c.Abort("c1"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if s.count(models.EventStopStream) != 1 || s.count(models.EventStreamAbort) != 1 {
		t.Errorf("expected stopStream and streamAbort, got %+v", s.emits)
	}
	if abort := s.last().payload.(models.StreamAbort); abort.ChatID != "c1" {
		t.Errorf("unexpected abort payload %+v", abort)
	}
}
