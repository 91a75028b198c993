package llm

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOverloaded means the per-tier admission slot could not be acquired
	// within the admit timeout. Nothing was sent upstream.
	ErrOverloaded = errors.New("gateway overloaded")

	// ErrUpstreamFailed means the provider kept failing after retries and
	// fallback were exhausted.
	ErrUpstreamFailed = errors.New("upstream failed")

	// ErrUpstreamPolicy means the provider refused the request (content
	// policy, invalid input). Never retried.
	ErrUpstreamPolicy = errors.New("upstream policy refusal")
)

// ProviderError is a classified provider failure.
type ProviderError struct {
	StatusCode int
	Message    string
	Retriable  bool
	Policy     bool

	// RetryAfter is the provider's requested wait, zero when absent.
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
}

// classifyStatus maps an HTTP status to retry semantics. Rate limits,
// server errors, and timeouts retry; other client errors do not.
func classifyStatus(status int) (retriable, policy bool) {
	switch {
	case status == 429:
		return true, false
	case status >= 500:
		return true, false
	case status == 408:
		return true, false
	case status == 400 || status == 403 || status == 422:
		return false, true
	default:
		return false, false
	}
}
