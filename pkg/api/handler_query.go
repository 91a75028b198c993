package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/avitech-ai/aeromind/pkg/models"
	"github.com/avitech-ai/aeromind/pkg/orchestrator"
)

// maxQueryBytes bounds the request body query field. The context manager
// enforces the real token budget; this only rejects absurd payloads early.
const maxQueryBytes = 100_000

// QueryRequest is the HTTP request body for POST /orchestrator/query.
type QueryRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id"`
	ForceAgentType string `json:"force_agent_type,omitempty"`
}

// QueryResponse is the HTTP response for POST /orchestrator/query.
type QueryResponse struct {
	Response       string           `json:"response"`
	AgentType      models.AgentType `json:"agent_type"`
	AgentName      string           `json:"agent_name"`
	Confidence     float64          `json:"confidence"`
	ConversationID string           `json:"conversation_id"`
	MessageID      string           `json:"message_id"`
	Tier           models.Tier      `json:"tier"`
	Warning        string           `json:"warning,omitempty"`
}

// queryHandler handles POST /orchestrator/query. Runs the query synchronously
// and returns the assistant reply; streaming clients use the WebSocket
// surface instead.
func (s *Server) queryHandler(c *echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if len(req.Query) > maxQueryBytes {
		return echo.NewHTTPError(http.StatusBadRequest, "query exceeds maximum length")
	}

	userID, err := s.authenticate(c, req.UserID)
	if err != nil {
		return err
	}
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}

	var forced models.AgentType
	if req.ForceAgentType != "" {
		forced = models.AgentType(req.ForceAgentType)
		if !forced.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown force_agent_type")
		}
	}

	// A missing conversation id starts a fresh conversation owned by the
	// caller.
	conversationID := req.ConversationID
	if conversationID == "" {
		conv, err := s.conversations.CreateConversation(c.Request().Context(), models.CreateConversationRequest{
			OwnerID: userID,
			Title:   conversationTitle(req.Query),
		})
		if err != nil {
			return mapServiceError(err)
		}
		conversationID = conv.ID
	}

	result, err := s.runner.Execute(c.Request().Context(), orchestrator.RunRequest{
		ConversationID: conversationID,
		OwnerID:        userID,
		Query:          req.Query,
		ForcedAgent:    forced,
	})
	if err != nil {
		return writeRunError(c, err)
	}

	return c.JSON(http.StatusOK, &QueryResponse{
		Response:       result.Message.Content,
		AgentType:      result.Run.Classification.Agent,
		AgentName:      result.Run.Classification.Agent.DisplayName(),
		Confidence:     result.Run.Classification.Confidence,
		ConversationID: conversationID,
		MessageID:      result.Message.ID,
		Tier:           result.Message.TierUsed,
		Warning:        result.Run.Warning,
	})
}

// conversationTitle derives a short title from the opening query.
func conversationTitle(query string) string {
	const maxTitle = 80
	if len(query) <= maxTitle {
		return query
	}
	return query[:maxTitle]
}
