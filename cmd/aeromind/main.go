// AeroMind orchestrator server: routes aircraft maintenance queries to
// specialist agents, manages model selection and fallback, and streams
// progress to connected clients.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/avitech-ai/aeromind/pkg/api"
	"github.com/avitech-ai/aeromind/pkg/classifier"
	"github.com/avitech-ai/aeromind/pkg/config"
	"github.com/avitech-ai/aeromind/pkg/contextmgr"
	"github.com/avitech-ai/aeromind/pkg/database"
	"github.com/avitech-ai/aeromind/pkg/events"
	"github.com/avitech-ai/aeromind/pkg/ledger"
	"github.com/avitech-ai/aeromind/pkg/llm"
	"github.com/avitech-ai/aeromind/pkg/orchestrator"
	"github.com/avitech-ai/aeromind/pkg/selector"
	"github.com/avitech-ai/aeromind/pkg/services"
	"github.com/avitech-ai/aeromind/pkg/tokens"
	"github.com/avitech-ai/aeromind/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	slog.Info("Starting AeroMind",
		"version", version.Full(),
		"http_port", httpPort,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database (runs embedded migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	logger := slog.Default()

	// 3. Domain services
	conversations := services.NewConversationService(dbClient.DB())
	eventService := services.NewEventService(dbClient.DB())
	accountant := tokens.NewAccountant(cfg.Tiers, cfg.Context.FramingTokensPerMessage)

	// 4. Cost ledger and performance tracker
	tracker := ledger.NewTracker(cfg.Selector.WindowSize)
	ledgerService := ledger.NewService(dbClient.DB(), tracker, logger)
	ledgerService.Start()
	defer ledgerService.Stop()

	// 5. LLM provider and gateway
	provider, err := llm.NewOpenAIProvider(cfg.Provider)
	if err != nil {
		slog.Error("Failed to initialize LLM provider", "error", err)
		os.Exit(1)
	}
	gateway := llm.NewGateway(provider, cfg.Tiers, cfg.Gateway, logger)
	slog.Info("LLM gateway initialized",
		"small", cfg.Tiers.Small.Name,
		"medium", cfg.Tiers.Medium.Name,
		"large", cfg.Tiers.Large.Name)

	// 6. Request pipeline components
	cls := classifier.NewClassifier(gateway, cfg.Classifier.ConfidenceThreshold, logger)
	sel := selector.NewSelector(cfg.Tiers, cfg.Selector, cfg.Budget, accountant, tracker, logger)
	builder := contextmgr.NewManager(cfg.Context, cfg.Tiers, accountant, gateway, conversations, logger)

	// 7. Event streaming: publisher, hub, NOTIFY listener
	publisher := events.NewPublisher(dbClient.DB())
	hub := events.NewHub(cfg.Session, eventService, conversations, logger)

	listener := events.NewListener(dbConfig.DSN(), hub)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start NOTIFY listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)
	hub.SetListener(listener)
	slog.Info("Event streaming initialized")

	// 8. Orchestrator
	orch := orchestrator.NewOrchestrator(
		cfg.Orchestrator, cfg.Budget,
		conversations, publisher, cls, sel, builder, gateway,
		ledgerService, ledgerService, accountant, logger)

	// 9. HTTP server and hub command bridge
	var verifier api.TokenVerifier
	if table := api.ParseTokenTable(os.Getenv("AEROMIND_API_TOKENS")); table != nil {
		verifier = api.NewStaticTokenVerifier(table)
		slog.Info("Token authentication enabled", "tokens", len(table))
	} else {
		slog.Warn("AEROMIND_API_TOKENS not set, running without token authentication")
	}

	httpServer := api.NewServer(cfg.Server, dbClient, conversations, orch, hub, verifier, logger)
	hub.SetCommandHandler(api.NewCommandBridge(orch, conversations, hub, logger))

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(":" + httpPort); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("AeroMind started successfully")

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop accepting requests, then drain the ledger
	// and listener via the deferred Stop calls.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
