package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file loaded from the config directory.
const FileName = "aeromind.yaml"

// Config is the fully resolved orchestrator configuration.
type Config struct {
	configDir string

	Tiers        *TiersConfig        `yaml:"tiers"`
	Provider     *ProviderConfig     `yaml:"provider"`
	Classifier   *ClassifierConfig   `yaml:"classifier"`
	Context      *ContextConfig      `yaml:"context"`
	Gateway      *GatewayConfig      `yaml:"gateway"`
	Session      *SessionConfig      `yaml:"session"`
	Budget       *BudgetConfig       `yaml:"budget"`
	Selector     *SelectorConfig     `yaml:"selector"`
	Orchestrator *OrchestratorConfig `yaml:"orchestrator"`
	Server       *ServerConfig       `yaml:"server"`
}

// Default returns the built-in configuration. Every field is usable without
// a config file except Provider.APIKeyEnv, which validation requires.
func Default() *Config {
	return &Config{
		Tiers: &TiersConfig{
			Small: TierConfig{
				Name:          "gpt-4o-mini",
				ContextTokens: 16384,
				RatePer1kIn:   0.00015,
				RatePer1kOut:  0.0006,
			},
			Medium: TierConfig{
				Name:          "gpt-4o",
				ContextTokens: 65536,
				RatePer1kIn:   0.0025,
				RatePer1kOut:  0.01,
			},
			Large: TierConfig{
				Name:          "gpt-4.1",
				ContextTokens: 131072,
				RatePer1kIn:   0.01,
				RatePer1kOut:  0.03,
			},
		},
		Provider: &ProviderConfig{
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Classifier: &ClassifierConfig{
			ConfidenceThreshold: 0.55,
		},
		Context: &ContextConfig{
			ReserveTokens:           1024,
			SummarizeAfterMessages:  20,
			FramingTokensPerMessage: 4,
		},
		Gateway: &GatewayConfig{
			MaxAttempts:        5,
			BackoffBaseMs:      500,
			BackoffCapMs:       30_000,
			ConcurrencyPerTier: 8,
			AdmitTimeoutMs:     10_000,
			AttemptTimeoutMs:   60_000,
			CancelGraceMs:      2_000,
		},
		Session: &SessionConfig{
			BufferSize:     128,
			LagTimeoutMs:   10_000,
			WriteTimeoutMs: 10_000,
		},
		Budget: &BudgetConfig{
			DownshiftThreshold: 1.0,
		},
		Selector: &SelectorConfig{
			FailureThreshold: 0.5,
			WindowSize:       50,
		},
		Orchestrator: &OrchestratorConfig{
			LockTimeoutMs:    60_000,
			RequestTimeoutMs: 120_000,
			PersistRetries:   3,
		},
		Server: &ServerConfig{},
	}
}

// Initialize loads, merges, and validates configuration from configDir.
// A missing config file is not an error: built-in defaults apply.
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := Default()
	cfg.configDir = configDir

	path := filepath.Join(configDir, FileName)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Info("No configuration file found, using built-in defaults", "path", path)
	case err != nil:
		return nil, NewLoadError(FileName, err)
	default:
		var fileCfg Config
		if err := yaml.Unmarshal(ExpandEnv(data), &fileCfg); err != nil {
			return nil, NewLoadError(FileName, err)
		}
		// User values override defaults; unset fields keep defaults.
		if err := mergo.Merge(cfg, &fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"tier_small", cfg.Tiers.Small.Name,
		"tier_medium", cfg.Tiers.Medium.Name,
		"tier_large", cfg.Tiers.Large.Name)
	return cfg, nil
}
