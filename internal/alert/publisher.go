// Package alert delivers listing match notifications over one or more transports.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/apperr"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/transport/channel"
)

const defaultConcurrency = 4

// Transport sends one match over one delivery channel. Send must treat the
// match id as an idempotency key.
type Transport interface {
	Name() string
	Send(ctx context.Context, match domain.ListingMatch) error
}

// MetricsSink records publisher metrics. Methods must not block.
type MetricsSink interface {
	AlertDelivered(transport, outcome string, duration time.Duration)
}

// Result accounts for every (transport, match) attempt of one Publish call.
type Result struct {
	Attempted int
	// Failures holds sorted "{transport}:{matchId}" tokens.
	Failures []string
}

func (r Result) OK() bool {
	return len(r.Failures) == 0
}

// Err returns nil when every attempt succeeded, otherwise a Transient error
// naming every failed token.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return apperr.Transient("alert.Publish", "%d of %d deliveries failed: %s",
		len(r.Failures), r.Attempted, strings.Join(r.Failures, ", "))
}

// FailureToken formats the token recorded for a failed attempt.
func FailureToken(transport string, match domain.ListingMatch) string {
	return fmt.Sprintf("%s:%s", transport, match.ID)
}

type Publisher struct {
	transports  []Transport
	concurrency int
	metrics     MetricsSink      // optional, nil = disabled
	emitter     *channel.Emitter // optional, nil = disabled
	logger      *slog.Logger
}

func NewPublisher(transports ...Transport) *Publisher {
	return &Publisher{
		transports:  transports,
		concurrency: defaultConcurrency,
		logger:      slog.Default().With(slog.String("component", "alert")),
	}
}

// WithConcurrency bounds the number of in-flight sends. Values below 1 are ignored.
func (p *Publisher) WithConcurrency(n int) *Publisher {
	if n > 0 {
		p.concurrency = n
	}
	return p
}

func (p *Publisher) WithMetrics(sink MetricsSink) *Publisher {
	p.metrics = sink
	return p
}

func (p *Publisher) WithEmitter(e *channel.Emitter) *Publisher {
	p.emitter = e
	return p
}

func (p *Publisher) WithLogger(logger *slog.Logger) *Publisher {
	p.logger = logger.With(slog.String("component", "alert"))
	return p
}

// Transports returns the names of the configured transports.
func (p *Publisher) Transports() []string {
	names := make([]string, len(p.transports))
	for i, t := range p.transports {
		names[i] = t.Name()
	}
	return names
}

// Publish attempts every match on every transport. A failure never stops
// the remaining attempts.
func (p *Publisher) Publish(ctx context.Context, matches []domain.ListingMatch) Result {
	if len(matches) == 0 || len(p.transports) == 0 {
		return Result{}
	}

	var (
		mu       sync.Mutex
		failures []string
		g        errgroup.Group
	)
	g.SetLimit(p.concurrency)

	for _, t := range p.transports {
		for _, m := range matches {
			g.Go(func() error {
				start := time.Now()
				err := t.Send(ctx, m)
				p.observe(t.Name(), err, time.Since(start))
				if err != nil {
					token := FailureToken(t.Name(), m)
					p.logger.Warn("alert delivery failed",
						slog.String("transport", t.Name()),
						slog.String("match_id", m.ID.String()),
						slog.Any("error", err))
					p.emitter.Warn(m.ID.String(), "alert delivery failed via "+t.Name(), err)
					mu.Lock()
					failures = append(failures, token)
					mu.Unlock()
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	sort.Strings(failures)
	res := Result{
		Attempted: len(p.transports) * len(matches),
		Failures:  failures,
	}
	if res.OK() {
		p.emitter.Info("", fmt.Sprintf("delivered %d alerts over %d transports", len(matches), len(p.transports)))
	}
	return res
}

func (p *Publisher) observe(transport string, err error, d time.Duration) {
	if p.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failed"
	}
	p.metrics.AlertDelivered(transport, outcome, d)
}
