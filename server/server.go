// Package server is a reference chat server: it serves conversation
// snapshots, accepts new messages and streams assistant replies to the
// conversation's websocket room.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Desarso/chatstream/metrics"
	"github.com/Desarso/chatstream/models"
	"github.com/Desarso/chatstream/stores"
	"github.com/Desarso/chatstream/transport"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the collaborators of a Server. Store, Responder and
// Broadcaster are required.
type Deps struct {
	Store       stores.MessageStore
	Responder   Responder
	Broadcaster Broadcaster
	Logger      *log.Logger
	Registry    *prometheus.Registry
}

type Server struct {
	cfg         Config
	store       stores.MessageStore
	tokens      *TokenService
	broadcaster Broadcaster
	streamer    *Streamer
	sweeper     *Sweeper
	limiter     *limiterPool
	metrics     *metrics.Server
	registry    *prometheus.Registry
	logger      *log.Logger
	upgrader    websocket.Upgrader
	router      *gin.Engine
}

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Responder == nil || deps.Broadcaster == nil {
		return nil, errors.New("store, responder and broadcaster are required")
	}
	tokens, err := NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = log.New(os.Stdout, "[SERVER] ", log.LstdFlags)
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}

	s := &Server{
		cfg:         cfg,
		store:       deps.Store,
		tokens:      tokens,
		broadcaster: deps.Broadcaster,
		limiter:     newLimiterPool(cfg.MessageRPS, cfg.MessageBurst),
		metrics:     metrics.NewServer(deps.Registry),
		registry:    deps.Registry,
		logger:      deps.Logger,
	}
	s.streamer = NewStreamer(deps.Store, deps.Responder, deps.Broadcaster, s.metrics, deps.Logger, cfg.HistoryLimit)

	if cfg.MaxStreamDuration > 0 && cfg.SweepSchedule != "" {
		s.sweeper, err = NewSweeper(s.streamer, cfg.SweepSchedule, cfg.MaxStreamDuration, deps.Logger)
		if err != nil {
			return nil, err
		}
	}

	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[strings.TrimSpace(o)] = true
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			// non-browser clients send no Origin
			return origin == "" || origins[origin]
		},
	}

	s.router = s.routes()
	return s, nil
}

// NewFromConfig builds the store, broadcaster and responder named by cfg.
func NewFromConfig(ctx context.Context, cfg Config, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[SERVER] ", log.LstdFlags)
	}

	store, err := stores.NewStore(stores.NewStoreConfig(cfg.StoreType, cfg.StoreDSN))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.StoreType, err)
	}

	var broadcaster Broadcaster = NewLocalBroadcaster()
	if cfg.RedisURL != "" {
		rb, err := NewRedisBroadcaster(ctx, cfg.RedisURL, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		broadcaster = rb
		logger.Printf("Broadcasting room events through Redis")
	}

	var responder Responder
	switch cfg.Responder {
	case "echo", "":
		responder = EchoResponder{Delay: 50 * time.Millisecond}
	case "gemini":
		gr, err := NewGeminiResponder(ctx, cfg.GeminiModel)
		if err != nil {
			store.Close()
			broadcaster.Close()
			return nil, err
		}
		responder = gr
	default:
		store.Close()
		broadcaster.Close()
		return nil, fmt.Errorf("unknown responder %q", cfg.Responder)
	}

	return New(cfg, Deps{Store: store, Responder: responder, Broadcaster: broadcaster, Logger: logger})
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Tokens() *TokenService { return s.tokens }

func (s *Server) Streamer() *Streamer { return s.streamer }

// Start begins background jobs.
func (s *Server) Start() {
	if s.sweeper != nil {
		s.sweeper.Start()
	}
}

// Shutdown stops background jobs, aborts running replies and closes the
// store and broadcaster.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.sweeper != nil {
		s.sweeper.Stop(ctx)
	}
	var errs []error
	if err := s.streamer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.broadcaster.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	router.GET("/ws", s.handleWebSocket)

	api := router.Group("/api", s.requireToken)
	api.POST("/chat", s.handleCreateConversation)
	api.GET("/chat", s.handleListConversations)
	api.GET("/chat/:chatId", s.handleGetConversation)
	api.POST("/chat/:chatId/message", s.handlePostMessage)

	return router
}

const userKey = "userID"

func (s *Server) requireToken(c *gin.Context) {
	userID, err := s.tokens.Verify(bearerToken(c.Request))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	c.Set(userKey, userID)
	c.Next()
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	userID := c.GetString(userKey)
	var req models.CreateConversationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	chatID := uuid.New().String()
	if err := s.store.CreateConversation(chatID, userID, req.Title); err != nil {
		s.logger.Printf("Error creating conversation: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create chat"})
		return
	}
	if s.cfg.Greeting != "" {
		greeting := models.Message{
			ID:             uuid.New().String(),
			ConversationID: chatID,
			UserID:         userID,
			Role:           models.RoleAssistant,
			Content:        s.cfg.Greeting,
		}
		if err := s.store.SaveMessage(greeting); err != nil {
			s.logger.Printf("Error saving greeting for %s: %v", chatID, err)
		}
	}
	c.JSON(http.StatusCreated, models.CreateConversationResponse{ChatID: chatID})
}

func (s *Server) handleListConversations(c *gin.Context) {
	convs, err := s.store.ListConversationsForUser(c.GetString(userKey))
	if err != nil {
		s.logger.Printf("Error listing conversations: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list chats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": convs})
}

// ownedConversation loads chatId and checks it belongs to the token
// subject. It writes the error response and returns nil on failure.
func (s *Server) ownedConversation(c *gin.Context) *stores.ConversationInfo {
	userID := c.GetString(userKey)
	conv, err := s.store.GetConversation(c.Param("chatId"))
	if errors.Is(err, stores.ErrConversationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Chat not found"})
		return nil
	}
	if err != nil {
		s.logger.Printf("Error loading conversation: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load chat"})
		return nil
	}
	if conv.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return nil
	}
	return conv
}

func (s *Server) handleGetConversation(c *gin.Context) {
	if q := c.Query("userId"); q != "" && q != c.GetString(userKey) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}
	conv := s.ownedConversation(c)
	if conv == nil {
		return
	}
	msgs, err := s.store.FetchHistory(conv.ConversationID, 0)
	if err != nil {
		s.logger.Printf("Error fetching history: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch messages"})
		return
	}
	c.JSON(http.StatusOK, models.ConversationSnapshot{
		UserID:   conv.UserID,
		Title:    conv.Title,
		Messages: msgs,
	})
}

func (s *Server) handlePostMessage(c *gin.Context) {
	userID := c.GetString(userKey)
	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" || req.ChainID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content and chainId are required"})
		return
	}
	if req.UserID != "" && req.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}
	conv := s.ownedConversation(c)
	if conv == nil {
		return
	}
	if !s.limiter.Allow(userID) {
		s.metrics.RateLimited.Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many messages"})
		return
	}
	if s.streamer.Active(conv.ConversationID) {
		c.JSON(http.StatusConflict, gin.H{"error": "A reply is already streaming"})
		return
	}

	msg := models.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ConversationID,
		UserID:         userID,
		Role:           models.RoleUser,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	if err := s.store.SaveMessage(msg); err != nil {
		s.logger.Printf("Error saving message: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save message"})
		return
	}

	// Echo the persisted user turn so every tab in the room sees it and the
	// sender can swap its provisional id for the real one.
	if f, err := transport.NewFrame(models.EventStreamResponse, models.StreamResponse{
		MessageID: msg.ID,
		ChatID:    msg.ConversationID,
		Role:      models.RoleUser,
		Message:   msg.Content,
		UserID:    userID,
		Timestamp: msg.CreatedAt,
	}); err == nil {
		if err := s.broadcaster.Publish(c.Request.Context(), msg.ConversationID, f); err != nil {
			s.logger.Printf("Error publishing user message: %v", err)
		}
	}

	if err := s.streamer.Start(conv.ConversationID, userID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"messageId": msg.ID})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	userID, err := s.tokens.Verify(bearerToken(c.Request))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	claimed := c.GetHeader("X-User-Id")
	if claimed == "" {
		claimed = c.Query("userId")
	}
	if claimed != userID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.metrics.ConnectedPeers.Inc()
	defer s.metrics.ConnectedPeers.Dec()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	newWSSession(s, conn, userID).run(ctx)
}
