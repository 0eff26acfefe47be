// Nexus - Real-time fraud risk evaluation for the Wekeza banking platform.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wekeza/nexus/internal/api"
	"github.com/wekeza/nexus/internal/bus"
	"github.com/wekeza/nexus/internal/domain"
	"github.com/wekeza/nexus/internal/engine"
	"github.com/wekeza/nexus/internal/repository"
	"github.com/wekeza/nexus/internal/store"
	"github.com/wekeza/nexus/internal/traces"
	"github.com/wekeza/nexus/internal/velocity"
	"github.com/wekeza/nexus/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Local development overrides; missing file is fine.
	_ = godotenv.Load()

	cfg := loadConfig()

	// Initialize structured logger from the resolved logging config
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting nexus",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	slog.Info("configuration loaded",
		"store", cfg.Store.Type,
		"repository", cfg.Repository.Driver,
		"eventbus", cfg.EventBus.Type,
		"model_version", cfg.Scoring.ModelVersion,
		"log_level", cfg.Logging.Level,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize tracing
	shutdownTracing, err := traces.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Velocity Store
	storeImpl, err := store.New(cfg.Store)
	if err != nil {
		slog.Error("failed to initialize velocity store", "error", err)
		os.Exit(1)
	}
	defer storeImpl.Close()
	slog.Info("velocity store initialized", "type", cfg.Store.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Velocity Service
	velocitySvc := velocity.NewService(storeImpl, cfg.Scoring.DefaultAverageAmount, logger)
	slog.Info("velocity service initialized")

	// Initialize Scoring Engine
	eng, err := engine.New(velocitySvc, repo, busImpl, storeImpl, cfg.Scoring, logger)
	if err != nil {
		slog.Error("failed to initialize scoring engine", "error", err)
		os.Exit(1)
	}
	slog.Info("scoring engine initialized",
		"model_version", cfg.Scoring.ModelVersion,
		"policies", len(cfg.Scoring.Policies),
	)

	// Initialize Audit Writer
	auditWriter := worker.NewAuditWriter(busImpl, repo)
	if err := auditWriter.Start(); err != nil {
		slog.Error("failed to start audit writer", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, eng, repo, storeImpl, busImpl, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("nexus is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop the audit writer first so in-flight records drain
	if err := auditWriter.Stop(); err != nil {
		slog.Error("failed to stop audit writer", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("nexus shutdown complete")
}

// loadConfig builds the configuration from defaults plus environment
// overrides. NEXUS_MODE=cluster selects Redis counters, PostgreSQL
// audit store and NATS.
func loadConfig() *domain.Config {
	cfg := domain.DefaultConfig()
	if os.Getenv("NEXUS_MODE") == "cluster" {
		cfg = domain.ClusterConfig()
		slog.Info("running in cluster mode")
	}

	if v := os.Getenv("NEXUS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("NEXUS_STORE"); v != "" {
		cfg.Store.Type = v
	}
	if v := os.Getenv("NEXUS_REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv("NEXUS_REDIS_PASSWORD"); v != "" {
		cfg.Store.RedisPassword = v
	}
	if v := os.Getenv("NEXUS_DB_DRIVER"); v != "" {
		cfg.Repository.Driver = v
	}
	if v := os.Getenv("NEXUS_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("NEXUS_PG_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("NEXUS_PG_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Repository.PostgresPort = port
		}
	}
	if v := os.Getenv("NEXUS_PG_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("NEXUS_PG_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("NEXUS_PG_DB"); v != "" {
		cfg.Repository.PostgresDB = v
	}
	if v := os.Getenv("NEXUS_BUS"); v != "" {
		cfg.EventBus.Type = v
	}
	if v := os.Getenv("NEXUS_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("NEXUS_NATS_TOKEN"); v != "" {
		cfg.EventBus.NATSToken = v
	}
	if v := os.Getenv("NEXUS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("NEXUS_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if os.Getenv("NEXUS_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	if v := os.Getenv("NEXUS_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = v
	}

	// A scoring config file replaces the compiled-in model wholesale.
	if path := os.Getenv("NEXUS_SCORING_CONFIG"); path != "" {
		scoring, err := domain.LoadScoringConfig(path)
		if err != nil {
			slog.Error("failed to load scoring config", "path", path, "error", err)
			os.Exit(1)
		}
		cfg.Scoring = scoring
		slog.Info("scoring config loaded from file",
			"path", path, "model_version", scoring.ModelVersion)
	}

	return cfg
}

// newLogger builds the process logger from the logging config.
func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                NEXUS                      ║")
	fmt.Println("  ║      Fraud Risk Evaluation Engine         ║")
	fmt.Println("  ║    Every transaction, scored in time.     ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate                            - Score a transaction")
	fmt.Println("    POST /evaluations/{contextId}/challenge   - Apply challenge outcome")
	fmt.Println("    GET  /evaluations/{id}                    - Get evaluation by ID")
	fmt.Println("    GET  /evaluations/reference/{reference}   - Get evaluation by reference")
	fmt.Println("    GET  /users/{userId}/evaluations          - List user evaluations")
	fmt.Println("    GET  /review-queue                        - Analyst review queue")
	fmt.Println("    POST /evaluations/{id}/review             - Record analyst verdict")
	fmt.Println("    POST /transactions/record                 - Record committed transaction")
	fmt.Println("    GET  /health                              - Health check")
	fmt.Println("    GET  /ready                               - Readiness check")
	fmt.Println()
}
