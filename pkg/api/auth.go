package api

import (
	"context"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// TokenVerifier resolves an opaque bearer token to a user id. Token issuance
// lives outside this service; only verification is wired here.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (userID string, err error)
}

// bearerToken extracts the token from the Authorization header, falling back
// to the token query parameter for WebSocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return r.URL.Query().Get("token")
}

// authenticate resolves the request's user id. Without a configured verifier
// the caller-supplied fallback id is trusted (development mode).
func (s *Server) authenticate(c *echo.Context, fallbackUserID string) (string, error) {
	if s.verifier == nil {
		return fallbackUserID, nil
	}

	token := bearerToken(c.Request())
	if token == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
	}
	userID, err := s.verifier.VerifyToken(c.Request().Context(), token)
	if err != nil {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	return userID, nil
}
