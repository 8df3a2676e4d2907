// Package orchestrator runs jurisdiction scans through their lifecycle and
// triggers them on the recurring schedule.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/apperr"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/cron"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/matcher"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/transport/channel"
)

const finalizeTimeout = 10 * time.Second

type JobStore interface {
	// CreateScanJob must return an apperr Conflict while another pending or
	// running job exists for the jurisdiction.
	CreateScanJob(ctx context.Context, job domain.ScanJob) error
	GetScanJob(ctx context.Context, id uuid.UUID) (domain.ScanJob, error)
	// UpdateScanJob writes job only while the stored status equals from and
	// returns domain.ErrTransitionDenied otherwise.
	UpdateScanJob(ctx context.Context, job domain.ScanJob, from domain.ScanStatus) error
	LatestScanJob(ctx context.Context) (*domain.ScanJob, error)
}

type ScheduleStore interface {
	GetSchedule(ctx context.Context) (*domain.ScheduleRecord, error)
	UpsertSchedule(ctx context.Context, rec domain.ScheduleRecord) error
	// RecordScheduleRun sets last_run only while the stored schedule still
	// matches expected (expression, time zone and updated_at). It reports
	// false when the schedule was replaced in the meantime.
	RecordScheduleRun(ctx context.Context, expected domain.ScheduleRecord, lastRun time.Time) (bool, error)
}

type Engine interface {
	Examine(ctx context.Context, jurisdiction string, scopes []domain.Scope) (matcher.Examination, error)
	PublishMatches(ctx context.Context, matches []domain.ListingMatch) matcher.PublishResult
}

// MetricsSink records orchestrator metrics. Methods must not block.
type MetricsSink interface {
	ScanStarted(jurisdiction string)
	ScanFinished(jurisdiction, status string, duration time.Duration)
	ScheduleFired()
}

type Config struct {
	TickInterval time.Duration
	// Jurisdictions are scanned whenever the schedule fires.
	Jurisdictions []string
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Orchestrator struct {
	config    Config
	jobs      JobStore
	schedules ScheduleStore
	engine    Engine

	emitter *channel.Emitter // optional, nil = disabled
	metrics MetricsSink      // optional, nil = disabled
	logger  *slog.Logger
	clock   func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	runsMu sync.Mutex
	runs   map[uuid.UUID]*run
	wg     sync.WaitGroup

	schedule atomic.Pointer[cron.Definition]

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

func New(config Config, jobs JobStore, schedules ScheduleStore, engine Engine) *Orchestrator {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		config:     config,
		jobs:       jobs,
		schedules:  schedules,
		engine:     engine,
		logger:     slog.Default().With(slog.String("component", "orchestrator")),
		clock:      time.Now,
		locks:      make(map[string]*sync.Mutex),
		runs:       make(map[uuid.UUID]*run),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
}

func (o *Orchestrator) WithEmitter(e *channel.Emitter) *Orchestrator {
	o.emitter = e
	return o
}

func (o *Orchestrator) WithMetrics(sink MetricsSink) *Orchestrator {
	o.metrics = sink
	return o
}

func (o *Orchestrator) WithLogger(logger *slog.Logger) *Orchestrator {
	o.logger = logger.With(slog.String("component", "orchestrator"))
	return o
}

func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

func (o *Orchestrator) lockFor(jurisdiction string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	l, ok := o.locks[jurisdiction]
	if !ok {
		l = &sync.Mutex{}
		o.locks[jurisdiction] = l
	}
	return l
}

// StartScan creates a scan for jurisdiction and runs it in the background.
// It returns the Running job, or a Conflict while another scan of the same
// jurisdiction is pending or running.
func (o *Orchestrator) StartScan(ctx context.Context, jurisdiction string, scopes ...domain.Scope) (domain.ScanJob, error) {
	const op = "orchestrator.StartScan"

	j, err := domain.ValidateJurisdiction(jurisdiction)
	if err != nil {
		return domain.ScanJob{}, err
	}

	lock := o.lockFor(j)
	lock.Lock()
	defer lock.Unlock()

	if o.baseCtx.Err() != nil {
		return domain.ScanJob{}, apperr.Fatal(op, "orchestrator is shutting down")
	}

	now := o.clock().UTC()
	job := domain.ScanJob{
		ID:           uuid.New(),
		Jurisdiction: j,
		Status:       domain.ScanStatusPending,
		StartedAt:    now,
	}
	if err := o.jobs.CreateScanJob(ctx, job); err != nil {
		return domain.ScanJob{}, err
	}
	o.emitter.Info(job.ID.String(), fmt.Sprintf("scan of %s pending", j))

	running := job.Transition(domain.ScanStatusRunning, now)
	if err := o.jobs.UpdateScanJob(ctx, running, domain.ScanStatusPending); err != nil {
		if errors.Is(err, domain.ErrTransitionDenied) {
			return domain.ScanJob{}, apperr.Conflict(op, "scan %s was stopped before it started", job.ID)
		}
		o.abandon(job, err)
		return domain.ScanJob{}, err
	}

	runCtx, cancel := context.WithCancel(o.baseCtx)
	r := &run{cancel: cancel, done: make(chan struct{})}

	// Registration and wg.Add happen under runsMu so Shutdown either sees
	// this run in its Wait or has already cancelled baseCtx.
	o.runsMu.Lock()
	if o.baseCtx.Err() != nil {
		o.runsMu.Unlock()
		cancel()
		o.finalize(running, domain.ScanStatusCancelled, "orchestrator shutting down")
		return domain.ScanJob{}, apperr.Fatal(op, "orchestrator is shutting down")
	}
	o.runs[job.ID] = r
	o.wg.Add(1)
	o.runsMu.Unlock()

	if o.metrics != nil {
		o.metrics.ScanStarted(j)
	}
	o.logger.Info("scan started", slog.String("scan_id", job.ID.String()), slog.String("jurisdiction", j))
	o.emitter.Info(job.ID.String(), fmt.Sprintf("scan of %s running", j))

	go o.execute(runCtx, running, scopes, r)

	return running, nil
}

// abandon marks a pending job failed when it could not be moved to running.
func (o *Orchestrator) abandon(job domain.ScanJob, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	failed := job.Transition(domain.ScanStatusFailed, o.clock())
	failed.Error = cause.Error()
	if err := o.jobs.UpdateScanJob(ctx, failed, domain.ScanStatusPending); err != nil {
		o.logger.Error("failed to abandon scan", slog.String("scan_id", job.ID.String()), slog.Any("error", err))
	}
}

func (o *Orchestrator) execute(ctx context.Context, job domain.ScanJob, scopes []domain.Scope, r *run) {
	defer o.wg.Done()
	defer close(r.done)
	defer func() {
		o.runsMu.Lock()
		delete(o.runs, job.ID)
		o.runsMu.Unlock()
		r.cancel()
	}()
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("scan panicked", slog.String("scan_id", job.ID.String()), slog.Any("panic", p))
			o.finalize(job, domain.ScanStatusFailed, fmt.Sprintf("panic: %v", p))
		}
	}()

	ex, err := o.engine.Examine(ctx, job.Jurisdiction, scopes)
	if err != nil {
		if ctx.Err() != nil {
			o.finalize(job, domain.ScanStatusCancelled, "scan cancelled")
			return
		}
		o.finalize(job, domain.ScanStatusFailed, err.Error())
		return
	}
	job.ListingsExamined = ex.ListingsExamined
	job.MatchesFound = len(ex.Matches)
	o.emitter.Info(job.ID.String(), fmt.Sprintf("examined %d listings, found %d matches", ex.ListingsExamined, len(ex.Matches)))

	res := o.engine.PublishMatches(ctx, ex.Matches)
	if res.Cancelled || ctx.Err() != nil {
		o.finalize(job, domain.ScanStatusCancelled, "scan cancelled")
		return
	}
	if err := res.Delivery.Err(); err != nil {
		o.logger.Warn("alert delivery incomplete", slog.String("scan_id", job.ID.String()), slog.Any("error", err))
		o.emitter.Warn(job.ID.String(), "alert delivery incomplete", err)
	}
	if err := res.Err(); err != nil {
		o.finalize(job, domain.ScanStatusFailed, err.Error())
		return
	}
	o.finalize(job, domain.ScanStatusCompleted, "")
}

// finalize moves a running job to a terminal status. A denied transition
// means the job was stopped first and is left as is.
func (o *Orchestrator) finalize(job domain.ScanJob, status domain.ScanStatus, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	now := o.clock()
	final := job.Transition(status, now)
	final.Error = message
	if status == domain.ScanStatusCompleted {
		final.Error = ""
	}

	err := o.jobs.UpdateScanJob(ctx, final, domain.ScanStatusRunning)
	switch {
	case errors.Is(err, domain.ErrTransitionDenied):
		o.logger.Debug("scan already terminal", slog.String("scan_id", job.ID.String()))
		return
	case err != nil:
		o.logger.Error("failed to finalize scan", slog.String("scan_id", job.ID.String()), slog.Any("error", err))
		return
	}

	if o.metrics != nil {
		o.metrics.ScanFinished(job.Jurisdiction, string(status), now.Sub(job.StartedAt))
	}
	attrs := []any{
		slog.String("scan_id", job.ID.String()),
		slog.String("jurisdiction", job.Jurisdiction),
		slog.String("status", string(status)),
		slog.Int("listings", final.ListingsExamined),
		slog.Int("matches", final.MatchesFound),
	}
	switch status {
	case domain.ScanStatusFailed:
		o.logger.Error("scan failed", append(attrs, slog.String("error", message))...)
		o.emitter.Error(job.ID.String(), "scan failed", errors.New(message))
	default:
		o.logger.Info("scan finished", attrs...)
		o.emitter.Info(job.ID.String(), fmt.Sprintf("scan %s", status))
	}
}

// Wait blocks until the scan's background work has finished and returns
// the stored job.
func (o *Orchestrator) Wait(ctx context.Context, id uuid.UUID) (domain.ScanJob, error) {
	o.runsMu.Lock()
	r, ok := o.runs[id]
	o.runsMu.Unlock()

	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return domain.ScanJob{}, ctx.Err()
		}
	}
	return o.jobs.GetScanJob(ctx, id)
}

// StopScan cancels a pending or running scan. Matches already persisted stay.
func (o *Orchestrator) StopScan(ctx context.Context, id uuid.UUID) (domain.ScanJob, error) {
	const op = "orchestrator.StopScan"

	job, err := o.jobs.GetScanJob(ctx, id)
	if err != nil {
		return domain.ScanJob{}, err
	}
	if job.Status.IsTerminal() {
		return domain.ScanJob{}, apperr.Conflict(op, "scan %s is already %s", id, job.Status)
	}

	now := o.clock()
	cancelled := job.Transition(domain.ScanStatusCancelled, now)
	cancelled.Error = "cancelled by request"
	if err := o.jobs.UpdateScanJob(ctx, cancelled, job.Status); err != nil {
		if errors.Is(err, domain.ErrTransitionDenied) {
			return domain.ScanJob{}, apperr.Conflict(op, "scan %s finished before it could be stopped", id)
		}
		return domain.ScanJob{}, err
	}

	o.runsMu.Lock()
	if r, ok := o.runs[id]; ok {
		r.cancel()
	}
	o.runsMu.Unlock()

	if o.metrics != nil {
		o.metrics.ScanFinished(job.Jurisdiction, string(domain.ScanStatusCancelled), now.Sub(job.StartedAt))
	}
	o.logger.Info("scan stopped", slog.String("scan_id", id.String()))
	o.emitter.Warn(id.String(), "scan cancelled", nil)
	return cancelled, nil
}

// Shutdown cancels every in-flight scan and waits for them, bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.runsMu.Lock()
	o.cancelBase()
	o.runsMu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the scan is executing in this process.
func (o *Orchestrator) IsRunning(id uuid.UUID) bool {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	_, ok := o.runs[id]
	return ok
}
