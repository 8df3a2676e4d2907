package metrics

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Orchestrator metrics
	scansStarted  *prometheus.CounterVec
	scansFinished *prometheus.CounterVec
	scanDuration  prometheus.Histogram
	scansRunning  prometheus.Gauge
	scheduleFires prometheus.Counter

	// Match engine metrics
	listingsExamined *prometheus.CounterVec
	matchesFound     *prometheus.CounterVec
	matchPersisted   *prometheus.CounterVec

	// Alert publisher metrics
	alertDeliveries *prometheus.CounterVec
	alertDuration   *prometheus.HistogramVec
	webhookAttempts *prometheus.CounterVec

	// Log stream metrics
	logEventsPublished prometheus.Counter
	logEventsDropped   prometheus.Counter
	subscribers        prometheus.Gauge

	// Reconciler metrics
	staleScans    prometheus.Counter
	matchesPurged prometheus.Counter

	// Leader election metrics
	isLeader          prometheus.Gauge
	leaderAcquisition prometheus.Counter
	leaderLosses      *prometheus.CounterVec

	logger *slog.Logger
}

// NewPrometheusSink creates a sink and registers its collectors with reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{logger: slog.Default().With(slog.String("component", "metrics"))}
	s.initScanMetrics(reg)
	s.initMatchMetrics(reg)
	s.initAlertMetrics(reg)
	s.initLogStreamMetrics(reg)
	s.initMaintenanceMetrics(reg)
	return s
}

func (s *PrometheusSink) initScanMetrics(reg prometheus.Registerer) {
	s.scansStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketalert_scans_started_total",
		Help: "Total number of scans started.",
	}, []string{"jurisdiction"})
	s.scansFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketalert_scans_finished_total",
		Help: "Total number of scans that reached a terminal status.",
	}, []string{"jurisdiction", "status"})
	s.scanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketalert_scan_duration_seconds",
		Help:    "Wall time from scan start to terminal status.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})
	s.scansRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketalert_scans_running",
		Help: "Number of scans currently in flight.",
	})
	s.scheduleFires = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketalert_schedule_fires_total",
		Help: "Total number of times the recurring scan schedule fired.",
	})

	s.register(reg, s.scansStarted, "marketalert_scans_started_total")
	s.register(reg, s.scansFinished, "marketalert_scans_finished_total")
	s.register(reg, s.scanDuration, "marketalert_scan_duration_seconds")
	s.register(reg, s.scansRunning, "marketalert_scans_running")
	s.register(reg, s.scheduleFires, "marketalert_schedule_fires_total")
}

func (s *PrometheusSink) initMatchMetrics(reg prometheus.Registerer) {
	s.listingsExamined = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketalert_listings_examined_total",
		Help: "Total number of listings compared against member addresses.",
	}, []string{"jurisdiction"})
	s.matchesFound = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketalert_matches_found_total",
		Help: "Total number of listing matches found.",
	}, []string{"jurisdiction"})
	s.matchPersisted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketalert_match_persist_total",
		Help: "Match persistence outcomes.",
	}, []string{"outcome"})

	s.register(reg, s.listingsExamined, "marketalert_listings_examined_total")
	s.register(reg, s.matchesFound, "marketalert_matches_found_total")
	s.register(reg, s.matchPersisted, "marketalert_match_persist_total")
}

func (s *PrometheusSink) initAlertMetrics(reg prometheus.Registerer) {
	s.alertDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketalert_alert_deliveries_total",
		Help: "Alert delivery outcomes per transport.",
	}, []string{"transport", "outcome"})
	s.alertDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketalert_alert_delivery_duration_seconds",
		Help:    "Alert delivery latency per transport, including retries.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"transport"})
	s.webhookAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketalert_webhook_attempts_total",
		Help: "Total number of webhook HTTP attempts.",
	}, []string{"attempt", "status_class"})

	s.register(reg, s.alertDeliveries, "marketalert_alert_deliveries_total")
	s.register(reg, s.alertDuration, "marketalert_alert_delivery_duration_seconds")
	s.register(reg, s.webhookAttempts, "marketalert_webhook_attempts_total")
}

func (s *PrometheusSink) initLogStreamMetrics(reg prometheus.Registerer) {
	s.logEventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketalert_logstream_events_published_total",
		Help: "Total number of status events published to the log stream.",
	})
	s.logEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketalert_logstream_events_dropped_total",
		Help: "Total number of events evicted from full subscriber queues.",
	})
	s.subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketalert_logstream_subscribers",
		Help: "Number of connected log stream subscribers.",
	})

	s.register(reg, s.logEventsPublished, "marketalert_logstream_events_published_total")
	s.register(reg, s.logEventsDropped, "marketalert_logstream_events_dropped_total")
	s.register(reg, s.subscribers, "marketalert_logstream_subscribers")
}

func (s *PrometheusSink) initMaintenanceMetrics(reg prometheus.Registerer) {
	s.staleScans = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketalert_reconciler_stale_scans_total",
		Help: "Total number of abandoned scans marked failed by the reconciler.",
	})
	s.matchesPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketalert_reconciler_matches_purged_total",
		Help: "Total number of matches removed by retention.",
	})
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketalert_leader_is_leader",
		Help: "1 if this instance holds the scheduler lock.",
	})
	s.leaderAcquisition = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketalert_leader_acquisitions_total",
		Help: "Total number of times this instance acquired leadership.",
	})
	s.leaderLosses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketalert_leader_losses_total",
		Help: "Total number of times this instance lost leadership.",
	}, []string{"reason"})

	s.register(reg, s.staleScans, "marketalert_reconciler_stale_scans_total")
	s.register(reg, s.matchesPurged, "marketalert_reconciler_matches_purged_total")
	s.register(reg, s.isLeader, "marketalert_leader_is_leader")
	s.register(reg, s.leaderAcquisition, "marketalert_leader_acquisitions_total")
	s.register(reg, s.leaderLosses, "marketalert_leader_losses_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("failed to register collector", slog.String("metric", name), slog.Any("error", err))
	}
}

func (s *PrometheusSink) ScanStarted(jurisdiction string) {
	s.scansStarted.WithLabelValues(jurisdiction).Inc()
	s.scansRunning.Inc()
}

func (s *PrometheusSink) ScanFinished(jurisdiction, status string, duration time.Duration) {
	s.scansFinished.WithLabelValues(jurisdiction, status).Inc()
	s.scanDuration.Observe(duration.Seconds())
	s.scansRunning.Dec()
}

func (s *PrometheusSink) ScheduleFired() {
	s.scheduleFires.Inc()
}

func (s *PrometheusSink) ListingsExamined(jurisdiction string, count int) {
	s.listingsExamined.WithLabelValues(jurisdiction).Add(float64(count))
}

func (s *PrometheusSink) MatchesFound(jurisdiction string, count int) {
	s.matchesFound.WithLabelValues(jurisdiction).Add(float64(count))
}

func (s *PrometheusSink) MatchPersisted(outcome string) {
	s.matchPersisted.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) AlertDelivered(transport, outcome string, duration time.Duration) {
	s.alertDeliveries.WithLabelValues(transport, outcome).Inc()
	s.alertDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

func (s *PrometheusSink) WebhookAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.webhookAttempts.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
}

func (s *PrometheusSink) LogEventPublished() {
	s.logEventsPublished.Inc()
}

func (s *PrometheusSink) LogEventDropped() {
	s.logEventsDropped.Inc()
}

func (s *PrometheusSink) SubscribersUpdate(count int) {
	s.subscribers.Set(float64(count))
}

func (s *PrometheusSink) StaleScansRecovered(count int) {
	s.staleScans.Add(float64(count))
}

func (s *PrometheusSink) MatchesPurged(count int) {
	s.matchesPurged.Add(float64(count))
}

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquisition.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLosses.WithLabelValues(reason).Inc()
}

var _ Sink = (*PrometheusSink)(nil)
