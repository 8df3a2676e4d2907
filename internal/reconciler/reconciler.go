// Package reconciler repairs state a crash leaves behind.
//
// A scan whose process died stays pending or running forever and holds its
// jurisdiction's single-flight slot. The reconciler periodically fails such
// scans once they are older than the stale threshold, and purges matches
// past their retention. Both repairs use compare-and-set updates, so a scan
// that finishes concurrently keeps its own terminal status.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
)

const abandonedMessage = "scan abandoned"

// JobStore fetches and repairs stale scan jobs.
type JobStore interface {
	ListStaleScanJobs(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScanJob, error)
	UpdateScanJob(ctx context.Context, job domain.ScanJob, from domain.ScanStatus) error
}

// MatchStore purges expired matches.
type MatchStore interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// RunTracker reports scans still executing in this process. Those are never
// treated as abandoned.
type RunTracker interface {
	IsRunning(id uuid.UUID) bool
}

// MetricsSink records reconciler metrics. Methods must not block.
type MetricsSink interface {
	StaleScansRecovered(count int)
	MatchesPurged(count int)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// StaleAfter is the age after which a pending or running scan is abandoned.
	// Default: 2 hours.
	StaleAfter time.Duration

	// MatchRetention is how long matches are kept. Zero disables purging.
	MatchRetention time.Duration

	// BatchSize is the maximum number of stale scans to repair per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Minute,
		StaleAfter:     2 * time.Hour,
		MatchRetention: 90 * 24 * time.Hour,
		BatchSize:      100,
	}
}

// Reconciler fails abandoned scans and purges expired matches.
type Reconciler struct {
	config  Config
	jobs    JobStore
	matches MatchStore  // optional, nil = purge disabled
	runs    RunTracker  // optional
	metrics MetricsSink // optional, nil = disabled
	logger  *slog.Logger
	clock   func() time.Time
}

// New creates a new Reconciler.
func New(config Config, jobs JobStore, matches MatchStore) *Reconciler {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = def.StaleAfter
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	return &Reconciler{
		config:  config,
		jobs:    jobs,
		matches: matches,
		logger:  slog.Default().With(slog.String("component", "reconciler")),
		clock:   time.Now,
	}
}

func (r *Reconciler) WithRunTracker(t RunTracker) *Reconciler {
	r.runs = t
	return r
}

func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

func (r *Reconciler) WithLogger(logger *slog.Logger) *Reconciler {
	r.logger = logger.With(slog.String("component", "reconciler"))
	return r
}

func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started",
		slog.Duration("interval", r.config.Interval),
		slog.Duration("stale_after", r.config.StaleAfter),
		slog.Duration("match_retention", r.config.MatchRetention))

	// Run immediately on startup, then on ticker
	r.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle executes one reconciliation cycle.
func (r *Reconciler) RunCycle(ctx context.Context) {
	r.recoverStale(ctx)
	r.purge(ctx)
}

func (r *Reconciler) recoverStale(ctx context.Context) {
	now := r.clock().UTC()
	stale, err := r.jobs.ListStaleScanJobs(ctx, now.Add(-r.config.StaleAfter), r.config.BatchSize)
	if err != nil {
		// Will retry next interval.
		r.logger.Error("failed to list stale scans", slog.Any("error", err))
		return
	}
	if len(stale) == 0 {
		return
	}

	recovered := 0
	for _, job := range stale {
		if ctx.Err() != nil {
			r.logger.Info("cycle interrupted", slog.Int("recovered", recovered), slog.Int("stale", len(stale)))
			break
		}
		if r.runs != nil && r.runs.IsRunning(job.ID) {
			continue
		}

		failed := job.Transition(domain.ScanStatusFailed, now)
		failed.Error = abandonedMessage
		err := r.jobs.UpdateScanJob(ctx, failed, job.Status)
		switch {
		case errors.Is(err, domain.ErrTransitionDenied):
			// finished while we looked
			continue
		case err != nil:
			r.logger.Error("failed to recover scan", slog.String("scan_id", job.ID.String()), slog.Any("error", err))
			continue
		}
		r.logger.Warn("abandoned scan failed",
			slog.String("scan_id", job.ID.String()),
			slog.String("jurisdiction", job.Jurisdiction),
			slog.String("was", string(job.Status)),
			slog.Duration("age", now.Sub(job.StartedAt).Round(time.Second)))
		recovered++
	}

	if recovered > 0 && r.metrics != nil {
		r.metrics.StaleScansRecovered(recovered)
	}
}

func (r *Reconciler) purge(ctx context.Context) {
	if r.matches == nil || r.config.MatchRetention <= 0 || ctx.Err() != nil {
		return
	}
	cutoff := r.clock().UTC().Add(-r.config.MatchRetention)
	n, err := r.matches.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		r.logger.Error("failed to purge matches", slog.Any("error", err))
		return
	}
	if n == 0 {
		return
	}
	r.logger.Info("purged expired matches", slog.Int("count", n), slog.Time("cutoff", cutoff))
	if r.metrics != nil {
		r.metrics.MatchesPurged(n)
	}
}
