package chatstream

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Desarso/chatstream/engine"
	"github.com/Desarso/chatstream/models"
	"github.com/Desarso/chatstream/server"
	"github.com/Desarso/chatstream/stores"
	"github.com/Desarso/chatstream/transport"
	"github.com/gin-gonic/gin"
)

func init() { gin.SetMode(gin.TestMode) }

// holdResponder emits one chunk and then waits for ctx.
type holdResponder struct{}

func (holdResponder) Respond(ctx context.Context, history []models.Message) (<-chan string, <-chan error) {
	out := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		select {
		case out <- "thinking about it":
		case <-ctx.Done():
			return
		}
		<-ctx.Done()
	}()
	return out, errCh
}

type harness struct {
	srv   *server.Server
	http  *httptest.Server
	store *stores.MemoryStore
}

func newHarness(t *testing.T, responder server.Responder) *harness {
	t.Helper()
	return newHarnessWith(t, responder, nil)
}

// newHarnessWith wraps the server handler with wrap when it is non-nil.
func newHarnessWith(t *testing.T, responder server.Responder, wrap func(http.Handler) http.Handler) *harness {
	t.Helper()
	cfg := server.DefaultConfig().WithSecret("test-secret").WithRateLimit(100, 100)
	cfg.SweepSchedule = ""
	store := stores.NewMemoryStore()
	srv, err := server.New(cfg, server.Deps{
		Store:       store,
		Responder:   responder,
		Broadcaster: server.NewLocalBroadcaster(),
		Logger:      log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	handler := srv.Handler()
	if wrap != nil {
		handler = wrap(handler)
	}
	hs := httptest.NewServer(handler)
	t.Cleanup(func() {
		hs.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return &harness{srv: srv, http: hs, store: store}
}

func (h *harness) client(t *testing.T) *Client {
	t.Helper()
	cfg := DefaultConfig().
		WithServerURL(h.http.URL).
		WithConnectRetry(2, 20*time.Millisecond).
		WithSnapshotRetry(2, 10*time.Millisecond)
	c := New(cfg, WithLogger(log.New(io.Discard, "", 0)))
	t.Cleanup(c.Shutdown)
	return c
}

func (h *harness) login(t *testing.T, c *Client, user string) {
	t.Helper()
	tok, err := h.srv.Tokens().Issue(user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Login(ctx, user, tok); err != nil {
		t.Fatalf("login: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func lastMessage(v engine.View) models.Message {
	if len(v.Messages) == 0 {
		return models.Message{}
	}
	return v.Messages[len(v.Messages)-1]
}

func TestConfigURLs(t *testing.T) {
	cfg := DefaultConfig().WithServerURL("https://chat.example.com/")
	if got := cfg.apiURL(); got != "https://chat.example.com/api" {
		t.Errorf("api url = %q", got)
	}
	if got := cfg.socketURL(); got != "wss://chat.example.com/ws" {
		t.Errorf("socket url = %q", got)
	}

	cfg.SocketURL = "ws://other:9000/socket"
	if got := cfg.socketURL(); got != "ws://other:9000/socket" {
		t.Errorf("override = %q", got)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("CHAT_SERVER_URL", "http://example:1234")
	t.Setenv("CHAT_CHAIN_ID", "8453")
	t.Setenv("CHAT_SNAPSHOT_ATTEMPTS", "7")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerURL != "http://example:1234" || cfg.ChainID != 8453 || cfg.SnapshotAttempts != 7 {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.ConnectAttempts != 3 || cfg.AbandonAfter != 5*time.Minute {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.IdleStatus != engine.DefaultIdleStatus {
		t.Errorf("idle status = %q", cfg.IdleStatus)
	}
}

func TestLoginRequiresCredentials(t *testing.T) {
	c := New(DefaultConfig(), WithLogger(log.New(io.Discard, "", 0)))
	defer c.Shutdown()

	if err := c.Login(context.Background(), "alice", ""); !errors.Is(err, transport.ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if _, ok := c.State().(transport.Disconnected); !ok {
		t.Errorf("state = %v", c.State())
	}
	if _, err := c.Submit(context.Background(), "gm"); !errors.Is(err, ErrNoConversation) {
		t.Errorf("submit err = %v", err)
	}
}

func TestConversationRoundTrip(t *testing.T) {
	h := newHarness(t, server.EchoResponder{})
	c := h.client(t)
	h.login(t, c, "alice")

	ctx := context.Background()
	id, err := c.CreateConversation(ctx, "hello")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Open(ctx, id); err != nil {
		t.Fatalf("open: %v", err)
	}
	v := c.View()
	if len(v.Messages) != 1 || v.Messages[0].Role != models.RoleAssistant {
		t.Fatalf("snapshot = %+v", v.Messages)
	}
	waitFor(t, "room ack", func() bool { return c.Room() == id })

	sub, err := c.Submit(ctx, "gm")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := sub.Wait(ctx); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "echo reply", func() bool {
		v := c.View()
		last := lastMessage(v)
		return last.Role == models.RoleAssistant && last.Content == "You said: gm" && v.Status == ""
	})

	v = c.View()
	if len(v.Messages) != 3 {
		t.Fatalf("messages = %+v", v.Messages)
	}
	user := v.Messages[1]
	if user.Role != models.RoleUser || user.Content != "gm" || user.Provisional {
		t.Errorf("user message not reconciled: %+v", user)
	}
	if user.ID == sub.ID {
		t.Errorf("user message kept provisional id %s", user.ID)
	}

	// A fresh client sees the same history from the server.
	other := h.client(t)
	h.login(t, other, "alice")
	if err := other.Open(ctx, id); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := len(other.View().Messages); got != 3 {
		t.Errorf("reloaded %d messages, want 3", got)
	}
}

func TestOpenForeignConversation(t *testing.T) {
	h := newHarness(t, server.EchoResponder{})
	alice := h.client(t)
	h.login(t, alice, "alice")
	id, err := alice.CreateConversation(context.Background(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	bob := h.client(t)
	h.login(t, bob, "bob")
	err = bob.Open(context.Background(), id)
	if !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
	if len(bob.View().Messages) != 0 {
		t.Errorf("foreign messages leaked into view")
	}
}

func TestCancelStopsServerStream(t *testing.T) {
	h := newHarness(t, holdResponder{})
	c := h.client(t)
	h.login(t, c, "alice")

	ctx := context.Background()
	id, err := c.CreateConversation(ctx, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Open(ctx, id); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "room ack", func() bool { return c.Room() == id })

	sub, err := c.Submit(ctx, "write a poem")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := sub.Wait(ctx); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "streaming", c.engine.Streaming)

	if !c.Cancel() {
		t.Fatal("cancel reported nothing streaming")
	}
	if c.engine.Streaming() {
		t.Error("still streaming after cancel")
	}
	waitFor(t, "server stream stopped", func() bool { return !h.srv.Streamer().Active(id) })
	if c.Cancel() {
		t.Error("second cancel should be a no-op")
	}
}

func TestCloseTearsDownView(t *testing.T) {
	h := newHarness(t, server.EchoResponder{Delay: 20 * time.Millisecond})
	c := h.client(t)
	h.login(t, c, "alice")

	ctx := context.Background()
	id, _ := c.CreateConversation(ctx, "")
	if err := c.Open(ctx, id); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "room ack", func() bool { return c.Room() == id })

	c.Close()
	if c.View().ConversationID != "" || len(c.View().Messages) != 0 {
		t.Fatalf("view not torn down: %+v", c.View())
	}
	if _, err := c.Submit(ctx, "gm"); !errors.Is(err, ErrNoConversation) {
		t.Errorf("submit after close err = %v", err)
	}
}

func TestSwitchingUserClosesConversation(t *testing.T) {
	h := newHarness(t, server.EchoResponder{})
	c := h.client(t)
	h.login(t, c, "alice")

	ctx := context.Background()
	id, _ := c.CreateConversation(ctx, "")
	if err := c.Open(ctx, id); err != nil {
		t.Fatalf("open: %v", err)
	}

	h.login(t, c, "bob")
	if c.View().ConversationID != "" {
		t.Errorf("alice's conversation still open for bob")
	}
	if got := c.transport.Credentials().UserID; got != "bob" {
		t.Errorf("user = %q", got)
	}
}

// slowFirstSnapshot delays the first conversation GET until the request
// is cancelled or d passes.
func slowFirstSnapshot(d time.Duration) func(http.Handler) http.Handler {
	var gets atomic.Int32
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/chat/") && gets.Add(1) == 1 {
				select {
				case <-time.After(d):
				case <-r.Context().Done():
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func TestReopenWhileLoading(t *testing.T) {
	h := newHarnessWith(t, server.EchoResponder{}, slowFirstSnapshot(2*time.Second))
	c := h.client(t)
	h.login(t, c, "alice")

	ctx := context.Background()
	id, err := c.CreateConversation(ctx, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first := make(chan error, 1)
	go func() { first <- c.Open(ctx, id) }()
	waitFor(t, "first load in flight", func() bool { return c.loader.Registry().InFlight(id) })

	if err := c.Open(ctx, id); err != nil {
		t.Fatalf("second open: %v", err)
	}
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("first open: expected context.Canceled, got %v", err)
	}

	v := c.View()
	if _, ok := v.Phase.(engine.Loaded); !ok {
		t.Errorf("phase = %T, want Loaded", v.Phase)
	}
	if len(v.Messages) != 1 {
		t.Errorf("messages = %+v", v.Messages)
	}
	waitFor(t, "room ack", func() bool { return c.Room() == id })
}

func TestCloseDuringLoadThenReopen(t *testing.T) {
	h := newHarnessWith(t, server.EchoResponder{}, slowFirstSnapshot(2*time.Second))
	c := h.client(t)
	h.login(t, c, "alice")

	ctx := context.Background()
	id, err := c.CreateConversation(ctx, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first := make(chan error, 1)
	go func() { first <- c.Open(ctx, id) }()
	waitFor(t, "first load in flight", func() bool { return c.loader.Registry().InFlight(id) })

	c.Close()
	if c.loader.Registry().InFlight(id) {
		t.Error("close should free the in-flight load")
	}
	if err := c.Open(ctx, id); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("first open: expected context.Canceled, got %v", err)
	}
	if got := len(c.View().Messages); got != 1 {
		t.Errorf("reloaded %d messages, want 1", got)
	}
}
