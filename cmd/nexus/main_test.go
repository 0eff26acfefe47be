package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/wekeza/nexus/internal/domain"
)

func TestNewLogger(t *testing.T) {
	ctx := context.Background()

	t.Run("DefaultsToInfo", func(t *testing.T) {
		logger := newLogger(domain.LoggingConfig{})
		if logger.Enabled(ctx, slog.LevelDebug) {
			t.Error("debug should be disabled by default")
		}
		if !logger.Enabled(ctx, slog.LevelInfo) {
			t.Error("info should be enabled by default")
		}
	})

	t.Run("DebugLevel", func(t *testing.T) {
		logger := newLogger(domain.LoggingConfig{Level: "debug"})
		if !logger.Enabled(ctx, slog.LevelDebug) {
			t.Error("debug should be enabled")
		}
	})

	t.Run("ErrorLevelSuppressesWarn", func(t *testing.T) {
		logger := newLogger(domain.LoggingConfig{Level: "error"})
		if logger.Enabled(ctx, slog.LevelWarn) {
			t.Error("warn should be suppressed at error level")
		}
	})
}

func TestLoadConfigObservabilityOverrides(t *testing.T) {
	t.Setenv("NEXUS_LOG_LEVEL", "warn")
	t.Setenv("NEXUS_LOG_FORMAT", "text")
	t.Setenv("NEXUS_OTLP_ENDPOINT", "collector:4317")

	cfg := loadConfig()
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("expected text format, got %s", cfg.Logging.Format)
	}
	if !cfg.Tracing.Enabled {
		t.Error("an OTLP endpoint should enable tracing")
	}
	if cfg.Tracing.Endpoint != "collector:4317" {
		t.Errorf("unexpected tracing endpoint %s", cfg.Tracing.Endpoint)
	}
}

func TestLoadConfigDebugShortcut(t *testing.T) {
	t.Setenv("NEXUS_DEBUG", "true")

	cfg := loadConfig()
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
}
