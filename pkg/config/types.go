// Package config loads and validates the orchestrator configuration.
package config

import (
	"time"

	"github.com/avitech-ai/aeromind/pkg/models"
)

// TierConfig describes one LLM deployment tier.
type TierConfig struct {
	// Provider deployment identifier (required), e.g. "gpt-4o-mini".
	Name string `yaml:"name"`

	// Context window capacity (W_model) in tokens.
	ContextTokens int `yaml:"context_tokens"`

	// Cost table: USD per 1k input / output tokens.
	RatePer1kIn  float64 `yaml:"rate_per_1k_in"`
	RatePer1kOut float64 `yaml:"rate_per_1k_out"`

	// Whether the deployment supports streaming responses. Defaults true;
	// the gateway falls back to a non-streaming completion when false.
	Streaming *bool `yaml:"streaming,omitempty"`
}

// SupportsStreaming reports whether the tier can stream.
func (t *TierConfig) SupportsStreaming() bool {
	return t.Streaming == nil || *t.Streaming
}

// TiersConfig holds the three tier definitions.
type TiersConfig struct {
	Small  TierConfig `yaml:"small"`
	Medium TierConfig `yaml:"medium"`
	Large  TierConfig `yaml:"large"`
}

// Get returns the config for a tier, or nil for an unknown tier.
func (t *TiersConfig) Get(tier models.Tier) *TierConfig {
	switch tier {
	case models.TierSmall:
		return &t.Small
	case models.TierMedium:
		return &t.Medium
	case models.TierLarge:
		return &t.Large
	default:
		return nil
	}
}

// ProviderConfig holds connection settings for the LLM provider.
type ProviderConfig struct {
	// Environment variable name holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// Optional custom endpoint (Azure, proxies, local inference).
	BaseURL string `yaml:"base_url,omitempty"`
}

// ClassifierConfig holds classifier tuning.
type ClassifierConfig struct {
	// ConfidenceThreshold is τ_class: below it the conversation's agent
	// hint is preferred over the classifier's answer.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// ContextConfig holds context window assembly tuning.
type ContextConfig struct {
	// ReserveTokens is R_reserve: output budget subtracted from W_model.
	ReserveTokens int `yaml:"reserve_tokens"`

	// SummarizeAfterMessages is N_summarize: minimum number of excluded
	// prior messages before summarization kicks in.
	SummarizeAfterMessages int `yaml:"summarize_after_messages"`

	// FramingTokensPerMessage is the per-message overhead added by the
	// token accountant when counting message lists.
	FramingTokensPerMessage int `yaml:"framing_tokens_per_message"`
}

// GatewayConfig holds LLM gateway retry and admission tuning.
// Durations are configured in milliseconds.
type GatewayConfig struct {
	MaxAttempts        int `yaml:"max_attempts"`
	BackoffBaseMs      int `yaml:"backoff_base_ms"`
	BackoffCapMs       int `yaml:"backoff_cap_ms"`
	ConcurrencyPerTier int `yaml:"concurrency_per_tier"`
	AdmitTimeoutMs     int `yaml:"admit_timeout_ms"`
	AttemptTimeoutMs   int `yaml:"attempt_timeout_ms"`
	CancelGraceMs      int `yaml:"cancel_grace_ms"`
}

// BackoffBase returns the backoff base as a duration.
func (g *GatewayConfig) BackoffBase() time.Duration {
	return time.Duration(g.BackoffBaseMs) * time.Millisecond
}

// BackoffCap returns the backoff cap as a duration.
func (g *GatewayConfig) BackoffCap() time.Duration {
	return time.Duration(g.BackoffCapMs) * time.Millisecond
}

// AdmitTimeout returns T_admit as a duration.
func (g *GatewayConfig) AdmitTimeout() time.Duration {
	return time.Duration(g.AdmitTimeoutMs) * time.Millisecond
}

// AttemptTimeout returns T_attempt as a duration.
func (g *GatewayConfig) AttemptTimeout() time.Duration {
	return time.Duration(g.AttemptTimeoutMs) * time.Millisecond
}

// CancelGrace returns T_cancel as a duration.
func (g *GatewayConfig) CancelGrace() time.Duration {
	return time.Duration(g.CancelGraceMs) * time.Millisecond
}

// SessionConfig holds real-time session hub tuning.
type SessionConfig struct {
	// BufferSize is the per-session outbound event buffer capacity.
	BufferSize int `yaml:"buffer_size"`

	// LagTimeoutMs is T_lag: a session lagging longer is disconnected.
	LagTimeoutMs int `yaml:"lag_timeout_ms"`

	// WriteTimeoutMs bounds a single WebSocket write.
	WriteTimeoutMs int `yaml:"write_timeout_ms"`
}

// LagTimeout returns T_lag as a duration.
func (s *SessionConfig) LagTimeout() time.Duration {
	return time.Duration(s.LagTimeoutMs) * time.Millisecond
}

// WriteTimeout returns the WebSocket write timeout as a duration.
func (s *SessionConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMs) * time.Millisecond
}

// BudgetConfig holds cost policy tuning.
type BudgetConfig struct {
	// DownshiftThreshold is β_strict: when a tenant's remaining budget
	// falls below it, the selector downshifts one tier unless the
	// complexity score clears the safety floor.
	DownshiftThreshold float64 `yaml:"downshift_threshold"`

	// MonthlyUSD is the per-owner monthly spend budget. Zero disables the
	// budget policy entirely.
	MonthlyUSD float64 `yaml:"monthly_usd,omitempty"`
}

// SelectorConfig holds model selector tuning.
type SelectorConfig struct {
	// FailureThreshold is f_threshold: rolling failure rate above which a
	// tier is skipped in the fallback chain.
	FailureThreshold float64 `yaml:"failure_threshold"`

	// WindowSize is N_window: number of recent attempts per tier kept in
	// the performance tracker ring.
	WindowSize int `yaml:"window_size"`
}

// OrchestratorConfig holds request lifecycle deadlines.
type OrchestratorConfig struct {
	// LockTimeoutMs is T_lock: max wait for the per-conversation lock.
	LockTimeoutMs int `yaml:"lock_timeout_ms"`

	// RequestTimeoutMs is T_req: end-to-end deadline for one RequestRun.
	RequestTimeoutMs int `yaml:"request_timeout_ms"`

	// PersistRetries bounds assistant-message append retries after a
	// successful stream.
	PersistRetries int `yaml:"persist_retries"`
}

// LockTimeout returns T_lock as a duration.
func (o *OrchestratorConfig) LockTimeout() time.Duration {
	return time.Duration(o.LockTimeoutMs) * time.Millisecond
}

// RequestTimeout returns T_req as a duration.
func (o *OrchestratorConfig) RequestTimeout() time.Duration {
	return time.Duration(o.RequestTimeoutMs) * time.Millisecond
}

// ServerConfig holds HTTP surface settings.
type ServerConfig struct {
	AllowedWSOrigins []string `yaml:"allowed_ws_origins,omitempty"`
}
