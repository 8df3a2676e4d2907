package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) ScanStarted(jurisdiction string)                                          {}
func (n *NoopSink) ScanFinished(jurisdiction, status string, duration time.Duration)         {}
func (n *NoopSink) ScheduleFired()                                                           {}
func (n *NoopSink) ListingsExamined(jurisdiction string, count int)                          {}
func (n *NoopSink) MatchesFound(jurisdiction string, count int)                              {}
func (n *NoopSink) MatchPersisted(outcome string)                                            {}
func (n *NoopSink) AlertDelivered(transport, outcome string, duration time.Duration)         {}
func (n *NoopSink) WebhookAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) LogEventPublished()                                                       {}
func (n *NoopSink) LogEventDropped()                                                         {}
func (n *NoopSink) SubscribersUpdate(count int)                                              {}
func (n *NoopSink) StaleScansRecovered(count int)                                            {}
func (n *NoopSink) MatchesPurged(count int)                                                  {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                        {}
func (n *NoopSink) LeaderAcquired()                                                          {}
func (n *NoopSink) LeaderLost(reason string)                                                 {}

var _ Sink = (*NoopSink)(nil)
