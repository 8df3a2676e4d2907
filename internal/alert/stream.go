package alert

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/apperr"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
)

const (
	StreamTransportName = "queue"
	defaultDedupTTL     = 7 * 24 * time.Hour
	dedupKeyPrefix      = "alert:dedup:"
)

// StreamClient is the subset of *redis.Client used by StreamTransport.
type StreamClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// StreamTransport appends alerts to a Redis stream. The match id gates the
// append so a redelivered match is only queued once per dedup window.
type StreamTransport struct {
	client   StreamClient
	stream   string
	dedupTTL time.Duration
	logger   *slog.Logger
}

func NewStreamTransport(client StreamClient, stream string) *StreamTransport {
	return &StreamTransport{
		client:   client,
		stream:   stream,
		dedupTTL: defaultDedupTTL,
		logger:   slog.Default().With(slog.String("component", "stream")),
	}
}

func (t *StreamTransport) WithDedupTTL(ttl time.Duration) *StreamTransport {
	if ttl > 0 {
		t.dedupTTL = ttl
	}
	return t
}

func (t *StreamTransport) WithLogger(logger *slog.Logger) *StreamTransport {
	t.logger = logger.With(slog.String("component", "stream"))
	return t
}

func (t *StreamTransport) Name() string {
	return StreamTransportName
}

func (t *StreamTransport) Send(ctx context.Context, match domain.ListingMatch) error {
	const op = "alert.StreamTransport.Send"

	body, err := json.Marshal(NewPayload(match))
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, op, err)
	}

	key := dedupKeyPrefix + match.ID.String()
	fresh, err := t.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), t.dedupTTL).Result()
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, op, err)
	}
	if !fresh {
		return nil
	}

	err = t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.stream,
		Values: map[string]interface{}{
			"match_id": match.ID.String(),
			"payload":  string(body),
		},
	}).Err()
	if err != nil {
		// release the gate so a retry can resend
		if delErr := t.client.Del(context.WithoutCancel(ctx), key).Err(); delErr != nil {
			t.logger.Warn("dedup gate not released, retries suppressed until it expires",
				slog.String("match_id", match.ID.String()),
				slog.Duration("ttl", t.dedupTTL),
				slog.Any("error", delErr))
		}
		return apperr.Wrap(apperr.KindTransient, op, err)
	}
	return nil
}
