package config

import (
	"fmt"

	"github.com/avitech-ai/aeromind/pkg/models"
)

// Validate checks the full configuration for consistency.
func (c *Config) Validate() error {
	for _, tier := range []models.Tier{models.TierSmall, models.TierMedium, models.TierLarge} {
		tc := c.Tiers.Get(tier)
		if tc.Name == "" {
			return NewValidationError("tiers", string(tier)+".name", ErrMissingRequiredField)
		}
		if tc.ContextTokens <= 0 {
			return NewValidationError("tiers", string(tier)+".context_tokens", ErrInvalidValue)
		}
		if tc.RatePer1kIn < 0 || tc.RatePer1kOut < 0 {
			return NewValidationError("tiers", string(tier)+".rate_per_1k", ErrInvalidValue)
		}
	}

	if c.Provider.APIKeyEnv == "" {
		return NewValidationError("provider", "api_key_env", ErrMissingRequiredField)
	}

	if t := c.Classifier.ConfidenceThreshold; t < 0 || t > 1 {
		return NewValidationError("classifier", "confidence_threshold",
			fmt.Errorf("%w: must be in [0,1], got %v", ErrInvalidValue, t))
	}

	if c.Context.ReserveTokens <= 0 {
		return NewValidationError("context", "reserve_tokens", ErrInvalidValue)
	}
	if c.Context.ReserveTokens >= c.Tiers.Small.ContextTokens {
		return NewValidationError("context", "reserve_tokens",
			fmt.Errorf("%w: reserve %d leaves no input budget for the small tier window %d",
				ErrInvalidValue, c.Context.ReserveTokens, c.Tiers.Small.ContextTokens))
	}
	if c.Context.SummarizeAfterMessages < 1 {
		return NewValidationError("context", "summarize_after_messages", ErrInvalidValue)
	}
	if c.Context.FramingTokensPerMessage < 0 {
		return NewValidationError("context", "framing_tokens_per_message", ErrInvalidValue)
	}

	if c.Gateway.MaxAttempts < 1 {
		return NewValidationError("gateway", "max_attempts", ErrInvalidValue)
	}
	if c.Gateway.BackoffBaseMs <= 0 || c.Gateway.BackoffCapMs < c.Gateway.BackoffBaseMs {
		return NewValidationError("gateway", "backoff", ErrInvalidValue)
	}
	if c.Gateway.ConcurrencyPerTier < 1 {
		return NewValidationError("gateway", "concurrency_per_tier", ErrInvalidValue)
	}

	if c.Session.BufferSize < 1 {
		return NewValidationError("session", "buffer_size", ErrInvalidValue)
	}
	if c.Session.LagTimeoutMs <= 0 {
		return NewValidationError("session", "lag_timeout_ms", ErrInvalidValue)
	}

	if t := c.Selector.FailureThreshold; t <= 0 || t > 1 {
		return NewValidationError("selector", "failure_threshold", ErrInvalidValue)
	}
	if c.Selector.WindowSize < 1 {
		return NewValidationError("selector", "window_size", ErrInvalidValue)
	}

	if c.Orchestrator.LockTimeoutMs <= 0 || c.Orchestrator.RequestTimeoutMs <= 0 {
		return NewValidationError("orchestrator", "timeouts", ErrInvalidValue)
	}

	return nil
}
