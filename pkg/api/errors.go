package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/avitech-ai/aeromind/pkg/models"
	"github.com/avitech-ai/aeromind/pkg/orchestrator"
	"github.com/avitech-ai/aeromind/pkg/services"
)

// ErrorResponse is the wire shape for failures: a stable kind plus a short
// message, no internal detail.
type ErrorResponse struct {
	Kind    models.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

// kindStatus maps run error kinds to HTTP status codes.
var kindStatus = map[models.ErrorKind]int{
	models.KindInvalidRequest:     http.StatusBadRequest,
	models.KindQueryTooLong:       http.StatusRequestEntityTooLarge,
	models.KindUnauthorized:       http.StatusForbidden,
	models.KindBusy:               http.StatusConflict,
	models.KindOverloaded:         http.StatusServiceUnavailable,
	models.KindUpstreamFailed:     http.StatusBadGateway,
	models.KindUpstreamPolicy:     http.StatusUnprocessableEntity,
	models.KindContextBuildFailed: http.StatusInternalServerError,
	models.KindPersistFailed:      http.StatusInternalServerError,
	models.KindCancelled:          http.StatusRequestTimeout,
}

// writeRunError writes an orchestrator failure as {kind, message}.
func writeRunError(c *echo.Context, err error) error {
	var runErr *orchestrator.RunError
	if errors.As(err, &runErr) {
		status, ok := kindStatus[runErr.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		return c.JSON(status, &ErrorResponse{Kind: runErr.Kind, Message: runErr.Message})
	}
	return c.JSON(http.StatusInternalServerError, &ErrorResponse{
		Kind:    models.KindUpstreamFailed,
		Message: "internal server error",
	})
}

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, services.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, services.ErrConversationDeleted) {
		return echo.NewHTTPError(http.StatusGone, "conversation was deleted")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
