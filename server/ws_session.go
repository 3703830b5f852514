package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Desarso/chatstream/models"
	"github.com/Desarso/chatstream/stores"
	"github.com/Desarso/chatstream/transport"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// WebSocketWriter serializes frame writes on one connection.
type WebSocketWriter struct {
	Conn   *websocket.Conn
	Logger *log.Logger
	mu     sync.Mutex
}

func (w *WebSocketWriter) WriteFrame(f transport.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.Conn.WriteJSON(f)
}

func (w *WebSocketWriter) WriteEvent(event string, payload any) error {
	f, err := transport.NewFrame(event, payload)
	if err != nil {
		return err
	}
	return w.WriteFrame(f)
}

func (w *WebSocketWriter) WriteError(message string) error {
	return w.WriteEvent(models.EventError, models.ErrorEvent{Message: message})
}

// wsSession is one authenticated websocket connection. It is a member of
// at most one room.
type wsSession struct {
	server *Server
	userID string
	writer *WebSocketWriter
	logger *log.Logger

	mu     sync.Mutex
	room   string
	unsub  func()
	closed bool
}

func newWSSession(s *Server, conn *websocket.Conn, userID string) *wsSession {
	logger := log.New(s.logger.Writer(), fmt.Sprintf("[WS %s] ", userID), log.LstdFlags)
	return &wsSession{
		server: s,
		userID: userID,
		writer: &WebSocketWriter{Conn: conn, Logger: logger},
		logger: logger,
	}
}

// run reads frames until the connection ends.
func (ws *wsSession) run(ctx context.Context) {
	defer ws.close()

	for {
		var f transport.Frame
		if err := ws.writer.Conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Printf("WebSocket closed unexpectedly: %v", err)
			}
			return
		}
		ws.handle(ctx, f)
	}
}

func (ws *wsSession) handle(ctx context.Context, f transport.Frame) {
	switch f.Event {
	case models.EventJoinChat:
		var req models.JoinChat
		if err := f.Decode(&req); err != nil {
			ws.writer.WriteError("Invalid joinChat payload")
			return
		}
		ws.join(ctx, req)
	case models.EventLeaveChat:
		var req models.LeaveChat
		_ = f.Decode(&req)
		ws.leave(req.ChatID)
	case models.EventStreamStart:
		ws.logger.Printf("Stream start announced in %s", ws.currentRoom())
	case models.EventStopStream:
		ws.abort(ws.currentRoom())
	case models.EventStreamAbort:
		var req models.StreamAbort
		_ = f.Decode(&req)
		room := ws.currentRoom()
		if req.ChatID != "" && req.ChatID != room {
			ws.logger.Printf("Ignoring abort for %s, session is in %s", req.ChatID, room)
			return
		}
		ws.abort(room)
	default:
		ws.logger.Printf("Unknown event %q", f.Event)
	}
}

func (ws *wsSession) join(ctx context.Context, req models.JoinChat) {
	if req.ChatID == "" {
		ws.writer.WriteError("chatId is required")
		return
	}
	userID, err := ws.server.tokens.Verify(req.SessionToken)
	if err != nil || userID != ws.userID || (req.UserID != "" && req.UserID != ws.userID) {
		ws.logger.Printf("Rejected join of %s: bad credentials", req.ChatID)
		ws.writer.WriteError("Unauthorized")
		return
	}
	conv, err := ws.server.store.GetConversation(req.ChatID)
	if errors.Is(err, stores.ErrConversationNotFound) {
		ws.writer.WriteError("Chat not found")
		return
	}
	if err != nil {
		ws.logger.Printf("Error loading conversation %s: %v", req.ChatID, err)
		ws.writer.WriteError("Failed to join chat")
		return
	}
	if conv.UserID != ws.userID {
		ws.writer.WriteError("Unauthorized")
		return
	}

	unsub, err := ws.server.broadcaster.Subscribe(ctx, req.ChatID, func(f transport.Frame) {
		if err := ws.writer.WriteFrame(f); err != nil {
			ws.logger.Printf("Error forwarding %s: %v", f.Event, err)
		}
	})
	if err != nil {
		ws.logger.Printf("Error subscribing to %s: %v", req.ChatID, err)
		ws.writer.WriteError("Failed to join chat")
		return
	}

	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		unsub()
		return
	}
	prevUnsub := ws.unsub
	ws.room = req.ChatID
	ws.unsub = unsub
	ws.mu.Unlock()
	if prevUnsub != nil {
		prevUnsub()
	}

	ws.logger.Printf("Joined %s", req.ChatID)
	ws.writer.WriteEvent(models.EventJoinedChat, models.JoinedChat{ChatID: req.ChatID})
}

func (ws *wsSession) leave(chatID string) {
	ws.mu.Lock()
	if ws.room == "" || (chatID != "" && chatID != ws.room) {
		ws.mu.Unlock()
		return
	}
	room, unsub := ws.room, ws.unsub
	ws.room = ""
	ws.unsub = nil
	ws.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	ws.logger.Printf("Left %s", room)
}

func (ws *wsSession) abort(chatID string) {
	if chatID == "" {
		return
	}
	if ws.server.streamer.Abort(chatID) {
		ws.logger.Printf("Aborted stream in %s", chatID)
	}
}

func (ws *wsSession) currentRoom() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.room
}

func (ws *wsSession) close() {
	ws.mu.Lock()
	ws.closed = true
	unsub := ws.unsub
	ws.unsub = nil
	ws.room = ""
	ws.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	ws.writer.Conn.Close()
}
