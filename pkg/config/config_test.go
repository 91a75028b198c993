package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "gpt-4o-mini", cfg.Tiers.Small.Name)
	assert.Equal(t, 0.55, cfg.Classifier.ConfidenceThreshold)
	assert.Equal(t, 5, cfg.Gateway.MaxAttempts)
	assert.Equal(t, 128, cfg.Session.BufferSize)
	assert.Equal(t, 60_000, cfg.Orchestrator.LockTimeoutMs)
}

func TestInitializeWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Initialize(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default().Tiers.Medium.Name, cfg.Tiers.Medium.Name)
}

func TestInitializeMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `
tiers:
  large:
    name: gpt-4.1-turbo
gateway:
  max_attempts: 3
budget:
  monthly_usd: 250.0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o600))

	cfg, err := Initialize(dir)
	require.NoError(t, err)

	// Overridden values
	assert.Equal(t, "gpt-4.1-turbo", cfg.Tiers.Large.Name)
	assert.Equal(t, 3, cfg.Gateway.MaxAttempts)
	assert.Equal(t, 250.0, cfg.Budget.MonthlyUSD)

	// Unset values keep defaults
	assert.Equal(t, "gpt-4o-mini", cfg.Tiers.Small.Name)
	assert.Equal(t, 500, cfg.Gateway.BackoffBaseMs)
}

func TestInitializeExpandsEnv(t *testing.T) {
	t.Setenv("AEROMIND_TEST_MODEL", "llama-local")

	dir := t.TempDir()
	content := `
tiers:
  small:
    name: "{{.AEROMIND_TEST_MODEL}}"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o600))

	cfg, err := Initialize(dir)
	require.NoError(t, err)
	assert.Equal(t, "llama-local", cfg.Tiers.Small.Name)
}

func TestInitializeRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	content := `
classifier:
  confidence_threshold: 1.7
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o600))

	_, err := Initialize(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing tier name",
			mutate:  func(c *Config) { c.Tiers.Medium.Name = "" },
			wantErr: "medium.name",
		},
		{
			name:    "zero context tokens",
			mutate:  func(c *Config) { c.Tiers.Large.ContextTokens = 0 },
			wantErr: "context_tokens",
		},
		{
			name:    "negative rate",
			mutate:  func(c *Config) { c.Tiers.Small.RatePer1kOut = -1 },
			wantErr: "rate_per_1k",
		},
		{
			name:    "missing api key env",
			mutate:  func(c *Config) { c.Provider.APIKeyEnv = "" },
			wantErr: "api_key_env",
		},
		{
			name:    "confidence threshold out of range",
			mutate:  func(c *Config) { c.Classifier.ConfidenceThreshold = -0.1 },
			wantErr: "confidence_threshold",
		},
		{
			name:    "reserve consumes small tier window",
			mutate:  func(c *Config) { c.Context.ReserveTokens = c.Tiers.Small.ContextTokens },
			wantErr: "reserve_tokens",
		},
		{
			name:    "backoff cap below base",
			mutate:  func(c *Config) { c.Gateway.BackoffCapMs = 100 },
			wantErr: "backoff",
		},
		{
			name:    "zero selector window",
			mutate:  func(c *Config) { c.Selector.WindowSize = 0 },
			wantErr: "window_size",
		},
		{
			name:    "zero lock timeout",
			mutate:  func(c *Config) { c.Orchestrator.LockTimeoutMs = 0 },
			wantErr: "timeouts",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExpandEnvPassthrough(t *testing.T) {
	plain := []byte("tiers:\n  small:\n    name: gpt-4o-mini\n")
	assert.Equal(t, plain, ExpandEnv(plain))
}

func TestExpandEnvMissingVarBecomesEmpty(t *testing.T) {
	out := ExpandEnv([]byte(`name: "{{.AEROMIND_DEFINITELY_UNSET_VAR}}"`))
	assert.Equal(t, `name: ""`, string(out))
}
