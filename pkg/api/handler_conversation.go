package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/avitech-ai/aeromind/pkg/models"
)

// ConversationResponse is the HTTP response for
// GET /orchestrator/conversation/:id.
type ConversationResponse struct {
	Conversation *models.Conversation `json:"conversation"`
	Messages     []*models.Message    `json:"messages"`
}

// getConversationHandler handles GET /orchestrator/conversation/:id.
// Returns the conversation and its full ordered transcript.
func (s *Server) getConversationHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}

	conv, err := s.conversations.GetConversation(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}

	userID, err := s.authenticate(c, conv.OwnerID)
	if err != nil {
		return err
	}
	if conv.OwnerID != userID {
		return echo.NewHTTPError(http.StatusForbidden, "not authorized for conversation")
	}

	messages, err := s.conversations.ListMessages(c.Request().Context(), id, 0)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &ConversationResponse{
		Conversation: conv,
		Messages:     messages,
	})
}

// deleteConversationHandler handles DELETE /orchestrator/conversation/:id.
func (s *Server) deleteConversationHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}

	conv, err := s.conversations.GetConversation(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}

	userID, err := s.authenticate(c, conv.OwnerID)
	if err != nil {
		return err
	}
	if conv.OwnerID != userID {
		return echo.NewHTTPError(http.StatusForbidden, "not authorized for conversation")
	}

	if err := s.conversations.DeleteConversation(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
