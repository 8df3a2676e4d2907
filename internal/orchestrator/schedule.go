package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/apperr"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/cron"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
)

// ScheduleSummary describes the active recurring scan policy.
type ScheduleSummary struct {
	Expression string
	TimeZone   string
	LastRun    *time.Time
	NextRun    time.Time
}

// Status is the operator view returned by GetScanStatus.
type Status struct {
	// Job is the running scan if any, otherwise the most recent one. Nil when no scan ever ran.
	Job      *domain.ScanJob
	Schedule *ScheduleSummary
}

// ScheduleScan validates and stores a new recurring schedule, replacing any previous one.
func (o *Orchestrator) ScheduleScan(ctx context.Context, expression, timeZone string) (ScheduleSummary, error) {
	def, err := cron.New(expression, timeZone, nil)
	if err != nil {
		return ScheduleSummary{}, err
	}

	now := o.clock().UTC()
	if err := o.schedules.UpsertSchedule(ctx, def.Record(now)); err != nil {
		return ScheduleSummary{}, err
	}
	o.schedule.Store(def)

	summary := summarize(def, now, now)
	o.logger.Info("schedule updated",
		slog.String("expression", def.Expression()),
		slog.String("timezone", def.TimeZone()),
		slog.Time("next_run", summary.NextRun))
	o.emitter.Info("", fmt.Sprintf("schedule set to %q (%s), next run %s",
		def.Expression(), def.TimeZone(), summary.NextRun.Format(time.RFC3339)))
	return summary, nil
}

// GetScanStatus reports the running or most recent scan and the active schedule.
func (o *Orchestrator) GetScanStatus(ctx context.Context) (Status, error) {
	job, err := o.currentJob(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{Job: job}

	rec, err := o.schedules.GetSchedule(ctx)
	if err != nil {
		return Status{}, err
	}
	if rec != nil {
		def, err := cron.FromRecord(*rec)
		if err != nil {
			return Status{}, err
		}
		o.schedule.Store(def)
		s := summarize(def, rec.UpdatedAt, o.clock())
		st.Schedule = &s
	}
	return st, nil
}

func (o *Orchestrator) currentJob(ctx context.Context) (*domain.ScanJob, error) {
	o.runsMu.Lock()
	ids := make([]uuid.UUID, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	o.runsMu.Unlock()

	for _, id := range ids {
		job, err := o.jobs.GetScanJob(ctx, id)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		if err == nil && !job.Status.IsTerminal() {
			return &job, nil
		}
	}
	return o.jobs.LatestScanJob(ctx)
}

// ActiveSchedule returns the last schedule seen by this instance, or nil.
func (o *Orchestrator) ActiveSchedule() *cron.Definition {
	return o.schedule.Load()
}

// summarize computes the next fire time after the last run, or at or after
// activation when the schedule never ran.
func summarize(def *cron.Definition, activatedAt, now time.Time) ScheduleSummary {
	s := ScheduleSummary{
		Expression: def.Expression(),
		TimeZone:   def.TimeZone(),
		LastRun:    def.LastRun(),
	}
	s.NextRun = nextFire(def, activatedAt)
	if s.NextRun.Before(now) {
		// Overdue fires collapse into one run at the next tick.
		s.NextRun = def.NextOccurrence(now)
	}
	return s
}

func nextFire(def *cron.Definition, activatedAt time.Time) time.Time {
	if last := def.LastRun(); last != nil {
		return def.NextOccurrence(last.Add(time.Nanosecond))
	}
	return def.NextOccurrence(activatedAt)
}

// Run fires the recurring schedule until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	interval := o.config.TickInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.Info("trigger loop started",
		slog.Duration("tick", interval),
		slog.Any("jurisdictions", o.config.Jurisdictions))

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("trigger loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := o.Tick(ctx); err != nil {
				o.logger.Error("tick failed", slog.Any("error", err))
			}
		}
	}
}

// Tick re-reads the schedule and starts a scan of every configured
// jurisdiction when a fire time has been reached.
func (o *Orchestrator) Tick(ctx context.Context) error {
	rec, err := o.schedules.GetSchedule(ctx)
	if err != nil {
		return fmt.Errorf("get schedule: %w", err)
	}
	if rec == nil {
		return nil
	}
	def, err := cron.FromRecord(*rec)
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	o.schedule.Store(def)

	now := o.clock()
	due := nextFire(def, rec.UpdatedAt)
	if due.After(now) {
		return nil
	}

	if o.metrics != nil {
		o.metrics.ScheduleFired()
	}
	o.logger.Info("schedule fired", slog.Time("due", due), slog.String("expression", def.Expression()))
	if len(o.config.Jurisdictions) == 0 {
		o.logger.Warn("schedule fired with no jurisdictions configured")
	}

	for _, j := range o.config.Jurisdictions {
		job, err := o.StartScan(ctx, j)
		switch {
		case errors.Is(err, apperr.ErrConflict):
			o.logger.Info("scan already active, skipping", slog.String("jurisdiction", j))
		case err != nil:
			o.logger.Error("scheduled scan failed to start", slog.String("jurisdiction", j), slog.Any("error", err))
			o.emitter.Error(j, "scheduled scan failed to start", err)
		default:
			o.logger.Debug("scheduled scan started", slog.String("scan_id", job.ID.String()))
		}
	}

	if !def.RecordRun(now) {
		o.logger.Warn("ignored non-monotonic schedule run",
			slog.Time("at", now),
			slog.Any("last_run", def.LastRun()))
		return nil
	}
	recorded, err := o.schedules.RecordScheduleRun(ctx, *rec, *def.LastRun())
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	if !recorded {
		o.logger.Info("schedule replaced during tick, run not recorded",
			slog.String("expression", def.Expression()))
	}
	return nil
}
