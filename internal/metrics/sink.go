package metrics

import (
	"strings"
	"time"
)

// Sink defines the interface for recording pipeline metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Orchestrator metrics
	ScanStarted(jurisdiction string)
	ScanFinished(jurisdiction, status string, duration time.Duration)
	ScheduleFired()

	// Match engine metrics
	ListingsExamined(jurisdiction string, count int)
	MatchesFound(jurisdiction string, count int)
	MatchPersisted(outcome string)

	// Alert publisher metrics
	AlertDelivered(transport, outcome string, duration time.Duration)
	WebhookAttemptCompleted(attempt int, statusClass string, duration time.Duration)

	// Log stream metrics
	LogEventPublished()
	LogEventDropped()
	SubscribersUpdate(count int)

	// Reconciler metrics
	StaleScansRecovered(count int)
	MatchesPurged(count int)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Outcome constants for AlertDelivered and MatchPersisted.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
)

// StatusClass constants for WebhookAttemptCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and error to a bounded-cardinality status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
			return StatusClassTimeout
		case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
			strings.Contains(msg, "network is unreachable"), strings.Contains(msg, "dial"):
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
