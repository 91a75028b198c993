package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
)

// ErrUnknownToken is returned when a presented token matches no known entry.
var ErrUnknownToken = errors.New("unknown token")

// StaticTokenVerifier verifies opaque tokens against a fixed token → user
// table, typically loaded from the environment at startup. Token issuance and
// rotation live outside this service.
type StaticTokenVerifier struct {
	tokens map[string]string
}

// NewStaticTokenVerifier creates a verifier from a token → user id table.
func NewStaticTokenVerifier(tokens map[string]string) *StaticTokenVerifier {
	return &StaticTokenVerifier{tokens: tokens}
}

// ParseTokenTable parses "token:user,token2:user2" into a verifier table.
// Returns nil for an empty spec, which disables token auth.
func ParseTokenTable(spec string) map[string]string {
	if spec == "" {
		return nil
	}
	tokens := make(map[string]string)
	for _, pair := range strings.Split(spec, ",") {
		token, user, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || token == "" || user == "" {
			continue
		}
		tokens[token] = user
	}
	if len(tokens) == 0 {
		return nil
	}
	return tokens
}

// VerifyToken resolves a token to its user id in constant time per entry.
func (v *StaticTokenVerifier) VerifyToken(_ context.Context, token string) (string, error) {
	for candidate, userID := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return userID, nil
		}
	}
	return "", ErrUnknownToken
}
