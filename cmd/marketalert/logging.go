package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/config"
)

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// logConfigWarnings reports configurations that run but lose data or
// visibility.
func logConfigWarnings(cfg config.Config, logger *slog.Logger) {
	if !cfg.ReconcileEnabled {
		logger.Warn("RECONCILE_ENABLED=false: scans abandoned by a crashed instance stay running and block their jurisdiction")
	}
	if !cfg.MetricsEnabled {
		logger.Warn("METRICS_ENABLED=false: no visibility into scan outcomes or alert delivery")
	}
	if cfg.StoreDriver == config.DriverMemory {
		logger.Warn("STORE_DRIVER=memory: all state is lost on restart")
	}
	if cfg.StoreDriver != config.DriverPostgres {
		logger.Info("leader election requires postgres; run a single instance", slog.String("driver", cfg.StoreDriver))
	}
	if cfg.ScheduleCron != "" && len(cfg.ScanJurisdictions) == 0 {
		logger.Warn("SCHEDULE_CRON set without SCAN_JURISDICTIONS: scheduled runs scan nothing")
	}
	if cfg.WebhookURL != "" && cfg.CircuitBreakerThreshold == 0 {
		logger.Info("CIRCUIT_BREAKER_THRESHOLD=0: webhook circuit breaker disabled")
	}
}
