// Package rooms keeps the client joined to at most one conversation room
// on the transport session.
package rooms

import (
	"errors"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/Desarso/chatstream/models"
	"github.com/Desarso/chatstream/transport"
)

// ErrInvalidJoin is returned when Join is called without a conversation id
// or without an identity on the session.
var ErrInvalidJoin = errors.New("rooms: conversation id and identity are required")

// Session is the part of transport.Manager the controller needs.
type Session interface {
	Connected() bool
	Credentials() transport.Credentials
	Emit(event string, payload any) error
	On(event string, h transport.Handler) func()
}

// Controller issues joinChat/leaveChat on a Session. Only the controller
// sends room membership events.
type Controller struct {
	session Session
	logger  *log.Logger

	mu      sync.Mutex
	desired string // room the client wants to be in
	sent    bool   // joinChat for desired went out on the current connection
	acked   string // last joinedChat acknowledgement
	offs    []func()
}

// NewController subscribes to the session's lifecycle events. Close
// removes the subscriptions.
func NewController(session Session, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(os.Stdout, "[ROOMS] ", log.LstdFlags)
	}
	c := &Controller{session: session, logger: logger}
	c.offs = []func(){
		session.On(models.EventConnect, func(transport.Frame) { c.handleConnect() }),
		session.On(models.EventDisconnect, func(transport.Frame) { c.handleDisconnect() }),
		session.On(models.EventJoinedChat, c.handleJoined),
	}
	return c
}

// Join makes conversationID the active room. A different active room is
// left first. If the session is not connected the join is sent on the next
// connect event, once.
func (c *Controller) Join(conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" || !c.session.Credentials().Ready() {
		return ErrInvalidJoin
	}

	c.mu.Lock()
	if c.desired == conversationID && c.sent {
		c.mu.Unlock()
		return nil
	}
	previous := c.desired
	c.desired = conversationID
	c.sent = false
	c.acked = ""
	c.mu.Unlock()

	if previous != "" && previous != conversationID {
		c.emitLeave(previous)
	}

	if !c.session.Connected() {
		c.logger.Printf("Session not connected, deferring join of %s", conversationID)
		return nil
	}
	c.sendJoin(conversationID)
	return nil
}

// Leave releases the active room. Calling it when no room is active does
// nothing. The leaveChat notification is best effort.
func (c *Controller) Leave() {
	c.mu.Lock()
	previous := c.desired
	c.desired = ""
	c.sent = false
	c.acked = ""
	c.mu.Unlock()

	if previous != "" {
		c.emitLeave(previous)
	}
}

// Active returns the room the controller is joined to or trying to join.
func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desired
}

// Current returns the room acknowledged by the server with joinedChat.
func (c *Controller) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked
}

// StartStream tells the server a new turn is about to be submitted.
func (c *Controller) StartStream() error {
	return c.session.Emit(models.EventStreamStart, nil)
}

// Abort asks the server to stop the running stream of conversationID.
func (c *Controller) Abort(conversationID string) error {
	if err := c.session.Emit(models.EventStopStream, nil); err != nil {
		return err
	}
	return c.session.Emit(models.EventStreamAbort, models.StreamAbort{ChatID: conversationID})
}

// Close leaves the active room and detaches from the session.
func (c *Controller) Close() {
	c.Leave()
	c.mu.Lock()
	offs := c.offs
	c.offs = nil
	c.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

func (c *Controller) handleConnect() {
	c.mu.Lock()
	id := c.desired
	pending := id != "" && !c.sent
	c.mu.Unlock()

	if pending {
		c.logger.Printf("Connected, joining %s", id)
		c.sendJoin(id)
	}
}

// handleDisconnect marks the join as unsent so the next connect re-issues
// it for the room that was active before the drop.
func (c *Controller) handleDisconnect() {
	c.mu.Lock()
	c.sent = false
	c.acked = ""
	c.mu.Unlock()
}

func (c *Controller) handleJoined(f transport.Frame) {
	var ack models.JoinedChat
	if err := f.Decode(&ack); err != nil {
		c.logger.Printf("Error decoding joinedChat: %v", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ack.ChatID == c.desired {
		c.acked = ack.ChatID
	}
}

func (c *Controller) sendJoin(id string) {
	c.mu.Lock()
	if c.desired != id || c.sent {
		c.mu.Unlock()
		return
	}
	c.sent = true
	c.mu.Unlock()

	creds := c.session.Credentials()
	err := c.session.Emit(models.EventJoinChat, models.JoinChat{
		ChatID:       id,
		UserID:       creds.UserID,
		SessionToken: creds.SessionToken,
	})
	if err != nil {
		c.logger.Printf("Error joining %s: %v; will retry on connect", id, err)
		c.mu.Lock()
		if c.desired == id {
			c.sent = false
		}
		c.mu.Unlock()
	}
}

func (c *Controller) emitLeave(id string) {
	if err := c.session.Emit(models.EventLeaveChat, models.LeaveChat{ChatID: id}); err != nil {
		c.logger.Printf("Error leaving %s: %v", id, err)
	}
}
