package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/api"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/config"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/leaderelection"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/metrics"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/orchestrator"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/reconciler"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "scan":
		os.Exit(runScan(os.Args[2:]))
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`marketalert - member property listing alerts

Usage:
  marketalert <command>
  marketalert scan <jurisdiction>

Commands:
  serve      Start the API, scheduler and alert pipeline
  scan       Run one scan in the foreground and exit with its outcome
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  STORE_DRIVER              postgres, sqlite or memory (default: postgres if DATABASE_URL is set, else sqlite)
  DATABASE_URL              PostgreSQL connection string
  SQLITE_PATH               SQLite database file (default: "marketalert.db")

  LISTINGS_BASE_URL         Listings provider base URL (required)
  LISTINGS_API_KEY          Listings provider bearer token

  WEBHOOK_URL               Alert webhook endpoint
  WEBHOOK_SECRET            HMAC secret for webhook signatures (required with WEBHOOK_URL)
  WEBHOOK_TIMEOUT           Per-attempt webhook timeout (default: "10s")
  REDIS_URL                 Redis URL for the alert stream and analytics
  ALERT_STREAM              Redis stream receiving alerts (default: "marketalert:alerts")
  ALERT_DEDUP_TTL           How long a delivered match is remembered (default: "24h")
  PUBLISH_CONCURRENCY       Parallel alert sends (default: "8")

  SCAN_JURISDICTIONS        Comma-separated jurisdictions scanned by the schedule
  SCHEDULE_CRON             Initial scan schedule, used when none is stored
  SCHEDULE_TIMEZONE         Timezone for SCHEDULE_CRON (default: "UTC")
  TICK_INTERVAL             Schedule check interval (default: "15s")

  HTTP_ADDR                 HTTP server address (default: ":8080", or ":$PORT")
  HTTP_SHUTDOWN_TIMEOUT     Graceful shutdown timeout (default: "10s")
  LOG_LEVEL                 debug, info, warn or error (default: "info")
  LOG_FORMAT                json or text (default: "json")
  LOG_QUEUE_SIZE            Per-subscriber log stream buffer (default: "256")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  RECONCILE_ENABLED         Enable stale scan recovery and match purging (default: "true")
  RECONCILE_INTERVAL        How often the reconciler runs (default: "5m")
  RECONCILE_STALE_AFTER     Age before a running scan is abandoned (default: "2h")
  MATCH_RETENTION           Age before matches are purged, 0 disables (default: "2160h")

  ANALYTICS_ENABLED         Count matches per institution in Redis (default: "false")
  ANALYTICS_WINDOW          Analytics bucket width (default: "1h")
  ANALYTICS_RETENTION       Analytics key lifetime (default: "720h")

  CIRCUIT_BREAKER_THRESHOLD Consecutive webhook failures before opening, 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Open state duration (default: "2m")

  LEADER_LOCK_KEY           Postgres advisory lock key (default: "728380")
  LEADER_RETRY_INTERVAL     Lock acquisition retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection ping interval (default: "2s")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logger := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logConfigWarnings(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", slog.String("driver", cfg.StoreDriver), slog.Any("error", err))
		return exitRuntimeError
	}
	defer stores.close()

	// Initialize metrics sink (optional)
	var sink metricsSink = metrics.NewNoopSink()
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)

		// Start metrics HTTP server on separate port
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + strconv.Itoa(cfg.MetricsPort),
			Handler: metricsMux,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("addr", metricsServer.Addr), slog.String("path", cfg.MetricsPath))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", slog.Any("error", err))
			}
		}()
	} else {
		logger.Info("METRICS_ENABLED not set; metrics disabled")
	}

	p, err := buildPipeline(cfg, stores.app, sink, logger)
	if err != nil {
		logger.Error("failed to build pipeline", slog.Any("error", err))
		return exitRuntimeError
	}
	defer p.close()
	orch := p.orch

	if err := seedSchedule(ctx, cfg, stores.app, orch); err != nil {
		logger.Error("failed to seed schedule", slog.Any("error", err))
		return exitRuntimeError
	}

	var recon *reconciler.Reconciler
	if cfg.ReconcileEnabled {
		recon = reconciler.New(
			reconciler.Config{
				Interval:       cfg.ReconcileInterval,
				StaleAfter:     cfg.ReconcileStaleAfter,
				MatchRetention: cfg.MatchRetention,
			},
			stores.app,
			stores.app,
		).
			WithRunTracker(orch).
			WithMetrics(sink).
			WithLogger(logger)
	}

	duties := &leaderDuties{run: func(ctx context.Context) {
		leaderLoops(ctx, orch, recon)
	}}
	elector := leaderelection.New(
		leaderelection.Config{
			LockKey:           cfg.LeaderLockKey,
			RetryInterval:     cfg.LeaderRetryInterval,
			HeartbeatInterval: cfg.LeaderHeartbeatInterval,
		},
		stores.sessions,
		duties.start,
		duties.stop,
	).
		WithMetrics(sink).
		WithLogger(logger)

	electorDone := make(chan struct{})
	go func() {
		defer close(electorDone)
		elector.Run(ctx)
	}()

	handler := api.NewHandler(orch, stores.app).
		WithListingMatcher(p.engine).
		WithLogStream(p.broker).
		WithHealthChecker(stores.app).
		WithLogger(logger)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler.Router(),
	}
	httpServer.RegisterOnShutdown(p.broker.Close)

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.Any("error", err))
			stop()
		}
	}()

	logger.Info("started",
		slog.String("version", version),
		slog.String("driver", cfg.StoreDriver),
		slog.Duration("tick", cfg.TickInterval),
		slog.String("http", cfg.HTTPAddr))

	<-ctx.Done()
	logger.Info("shutting down")

	// Phase 1: stop accepting requests so no new scans start. Log streams are
	// ended through RegisterOnShutdown so SSE handlers return.
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}
	logger.Info("http server stopped")

	// Phase 2: release leadership; the schedule and reconciler loops stop.
	<-electorDone

	// Phase 3: cancel in-flight scans and wait for their final status.
	scanShutdownCtx, scanShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer scanShutdownCancel()
	if err := orch.Shutdown(scanShutdownCtx); err != nil {
		logger.Error("scan shutdown incomplete", slog.Any("error", err))
	}
	logger.Info("scans stopped")

	// Phase 4: stop metrics server if running (with same timeout)
	if metricsServer != nil {
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", slog.Any("error", err))
		}
		logger.Info("metrics server stopped")
	}

	logger.Info("stopped")
	return exitSuccess
}

// seedSchedule activates SCHEDULE_CRON when no schedule has been stored yet.
// A stored schedule wins so that changes made through the API survive restarts.
func seedSchedule(ctx context.Context, cfg config.Config, schedules orchestrator.ScheduleStore, orch *orchestrator.Orchestrator) error {
	if cfg.ScheduleCron == "" {
		return nil
	}
	rec, err := schedules.GetSchedule(ctx)
	if err != nil {
		return err
	}
	if rec != nil {
		return nil
	}
	_, err = orch.ScheduleScan(ctx, cfg.ScheduleCron, cfg.ScheduleTimezone)
	return err
}

// runScan runs a single scan without the API or schedule. It exits 0 only
// when the scan completes.
func runScan(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: marketalert scan <jurisdiction>")
		return exitRuntimeError
	}

	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logger := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", slog.String("driver", cfg.StoreDriver), slog.Any("error", err))
		return exitRuntimeError
	}
	defer stores.close()

	p, err := buildPipeline(cfg, stores.app, metrics.NewNoopSink(), logger)
	if err != nil {
		logger.Error("failed to build pipeline", slog.Any("error", err))
		return exitRuntimeError
	}
	defer p.close()

	job, err := p.orch.StartScan(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan not started: %v\n", err)
		return exitRuntimeError
	}

	finished, err := p.orch.Wait(ctx, job.ID)
	if err != nil {
		// Interrupted: cancel the scan and report its final state.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer cancel()
		_ = p.orch.Shutdown(shutdownCtx)
		if finished, err = p.orch.Wait(shutdownCtx, job.ID); err != nil {
			fmt.Fprintf(os.Stderr, "scan %s: %v\n", job.ID, err)
			return exitRuntimeError
		}
	}

	fmt.Println(scanSummary(finished))
	if finished.Status != domain.ScanStatusCompleted {
		return exitRuntimeError
	}
	return exitSuccess
}

func scanSummary(job domain.ScanJob) string {
	line := fmt.Sprintf("scan %s %s %s: examined=%d matches=%d",
		job.ID, job.Jurisdiction, job.Status, job.ListingsExamined, job.MatchesFound)
	if job.Error != "" {
		line += " error=" + strconv.Quote(job.Error)
	}
	return line
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("marketalert version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
