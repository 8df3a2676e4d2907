package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/apperr"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/circuitbreaker"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/metrics"
)

const (
	WebhookTransportName = "webhook"

	HeaderMatchID    = "X-MarketAlert-Match-ID"
	HeaderDeliveryID = "X-MarketAlert-Delivery-ID"
	HeaderSignature  = "X-MarketAlert-Signature"
	HeaderIdempotent = "Idempotency-Key"

	defaultWebhookTimeout = 10 * time.Second
)

var defaultBackoff = []time.Duration{
	0,
	2 * time.Second,
	10 * time.Second,
}

// WebhookMetrics records per-attempt webhook metrics. Methods must not block.
type WebhookMetrics interface {
	WebhookAttemptCompleted(attempt int, statusClass string, duration time.Duration)
}

type attemptResult struct {
	StatusCode int
	Error      error
	Duration   time.Duration
}

func (r attemptResult) isSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r attemptResult) isRetryable() bool {
	if r.Error != nil {
		return true
	}
	if r.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return r.StatusCode >= 500
}

// WebhookTransport posts signed alert payloads to a single endpoint.
type WebhookTransport struct {
	url     string
	secret  string
	timeout time.Duration
	client  *http.Client
	backoff []time.Duration
	breaker *circuitbreaker.Breaker // optional, nil = disabled
	metrics WebhookMetrics          // optional, nil = disabled
	logger  *slog.Logger
}

func NewWebhookTransport(url, secret string) *WebhookTransport {
	return &WebhookTransport{
		url:     url,
		secret:  secret,
		timeout: defaultWebhookTimeout,
		client:  &http.Client{},
		backoff: defaultBackoff,
		logger:  slog.Default().With(slog.String("component", "webhook")),
	}
}

func (w *WebhookTransport) WithTimeout(d time.Duration) *WebhookTransport {
	if d > 0 {
		w.timeout = d
	}
	return w
}

func (w *WebhookTransport) WithHTTPClient(c *http.Client) *WebhookTransport {
	w.client = c
	return w
}

// WithBackoff sets the delay before each attempt. Its length is the attempt limit.
func (w *WebhookTransport) WithBackoff(backoff []time.Duration) *WebhookTransport {
	if len(backoff) > 0 {
		w.backoff = backoff
	}
	return w
}

func (w *WebhookTransport) WithCircuitBreaker(b *circuitbreaker.Breaker) *WebhookTransport {
	w.breaker = b
	return w
}

func (w *WebhookTransport) WithMetrics(sink WebhookMetrics) *WebhookTransport {
	w.metrics = sink
	return w
}

func (w *WebhookTransport) WithLogger(logger *slog.Logger) *WebhookTransport {
	w.logger = logger.With(slog.String("component", "webhook"))
	return w
}

func (w *WebhookTransport) Name() string {
	return WebhookTransportName
}

func (w *WebhookTransport) Send(ctx context.Context, match domain.ListingMatch) error {
	const op = "alert.WebhookTransport.Send"

	if w.breaker != nil {
		if err := w.breaker.Allow(w.url); err != nil {
			return apperr.Wrap(apperr.KindTransient, op, err)
		}
	}

	body, err := json.Marshal(NewPayload(match))
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, op, err)
	}

	var last attemptResult
	for attempt := 1; attempt <= len(w.backoff); attempt++ {
		if delay := w.backoff[attempt-1]; delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				w.recordOutcome(false)
				return apperr.Wrap(apperr.KindTransient, op, ctx.Err())
			case <-timer.C:
			}
		}

		last = w.post(ctx, match, body)
		if w.metrics != nil {
			w.metrics.WebhookAttemptCompleted(attempt, metrics.ClassifyStatus(last.StatusCode, last.Error), last.Duration)
		}

		if last.isSuccess() {
			w.recordOutcome(true)
			return nil
		}
		if !last.isRetryable() {
			break
		}
		w.logger.Debug("webhook attempt failed",
			slog.String("match_id", match.ID.String()),
			slog.Int("attempt", attempt),
			slog.Int("status", last.StatusCode),
			slog.Any("error", last.Error))
		if ctx.Err() != nil {
			break
		}
	}

	w.recordOutcome(false)
	if last.Error != nil {
		return apperr.Wrap(apperr.KindTransient, op, last.Error)
	}
	if last.isRetryable() {
		return apperr.Transient(op, "endpoint returned status %d", last.StatusCode)
	}
	return apperr.Fatal(op, "endpoint returned status %d", last.StatusCode)
}

func (w *WebhookTransport) recordOutcome(ok bool) {
	if w.breaker == nil {
		return
	}
	if ok {
		w.breaker.RecordSuccess(w.url)
		return
	}
	w.breaker.RecordFailure(w.url)
}

func (w *WebhookTransport) post(ctx context.Context, match domain.ListingMatch, body []byte) attemptResult {
	start := time.Now()

	ctxTimeout, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return attemptResult{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderMatchID, match.ID.String())
	req.Header.Set(HeaderDeliveryID, uuid.NewString())
	req.Header.Set(HeaderSignature, computeSignature(w.secret, body))
	req.Header.Set(HeaderIdempotent, match.ID.String())

	resp, err := w.client.Do(req)
	if err != nil {
		return attemptResult{Error: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return attemptResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature lets receivers check the X-MarketAlert-Signature header.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// IsCircuitOpen reports whether err came from an open circuit breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, circuitbreaker.ErrCircuitOpen)
}
