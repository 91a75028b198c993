// Package api exposes the HTTP and WebSocket surface of the orchestrator.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avitech-ai/aeromind/pkg/config"
	"github.com/avitech-ai/aeromind/pkg/database"
	"github.com/avitech-ai/aeromind/pkg/events"
	"github.com/avitech-ai/aeromind/pkg/models"
	"github.com/avitech-ai/aeromind/pkg/orchestrator"
)

// Runner executes user queries. Implemented by orchestrator.Orchestrator.
type Runner interface {
	Execute(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.RunResult, error)
	CancelSession(sessionID string)
}

// ConversationStore is the conversation surface the handlers need.
// Implemented by services.ConversationService.
type ConversationStore interface {
	CreateConversation(ctx context.Context, req models.CreateConversationRequest) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
	DeleteConversation(ctx context.Context, id string) error
	SetFeedback(ctx context.Context, messageID, feedback, comments string) error
}

// Server is the API server.
type Server struct {
	cfg           *config.ServerConfig
	db            *database.Client
	conversations ConversationStore
	runner        Runner
	hub           *events.Hub
	verifier      TokenVerifier
	logger        *slog.Logger

	httpServer *http.Server
}

// NewServer creates the API server. db may be nil in tests; the health
// endpoint then reports degraded.
func NewServer(cfg *config.ServerConfig, db *database.Client, conversations ConversationStore,
	runner Runner, hub *events.Hub, verifier TokenVerifier, logger *slog.Logger) *Server {
	return &Server{
		cfg:           cfg,
		db:            db,
		conversations: conversations,
		runner:        runner,
		hub:           hub,
		verifier:      verifier,
		logger:        logger.With("component", "api"),
	}
}

// Routes builds the echo handler with all routes registered.
func (s *Server) Routes() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())
	e.Use(requestLogger(s.logger))

	e.POST("/orchestrator/query", s.queryHandler)
	e.GET("/orchestrator/conversation/:id", s.getConversationHandler)
	e.DELETE("/orchestrator/conversation/:id", s.deleteConversationHandler)

	e.GET("/ws", s.wsHandler)
	e.GET("/healthz", s.healthHandler)
	e.GET("/metrics", func(c *echo.Context) error {
		promhttp.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})

	return e
}

// Start serves HTTP on addr. Blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
