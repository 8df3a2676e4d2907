// Package analytics keeps per-institution match counters in Redis.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
)

// Counter is the subset of redis.Cmdable the sink needs.
type Counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

type RedisSink struct {
	client Counter
	logger *slog.Logger
}

func NewRedisSink(client Counter) *RedisSink {
	return &RedisSink{
		client: client,
		logger: slog.Default().With(slog.String("component", "analytics")),
	}
}

func (s *RedisSink) WithLogger(logger *slog.Logger) *RedisSink {
	s.logger = logger.With(slog.String("component", "analytics"))
	return s
}

// Record counts match once per matched institution. Failures are logged and
// never reach the caller.
func (s *RedisSink) Record(ctx context.Context, match domain.ListingMatch, config domain.AnalyticsConfig) {
	if err := s.Write(ctx, match, config); err != nil {
		s.logger.Warn("analytics write failed", slog.String("match_id", match.ID.String()), slog.Any("error", err))
	}
}

// Write increments the bucket counter of every matched institution.
func (s *RedisSink) Write(ctx context.Context, match domain.ListingMatch, config domain.AnalyticsConfig) error {
	if !config.Enabled {
		return nil
	}

	for _, inst := range match.MatchedInstitutionIDs {
		key := buildKey(inst, match.Jurisdiction, match.DetectedAt, config.Window)
		n, err := s.client.Incr(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("incr %s: %w", key, err)
		}
		// the first write of a bucket starts its retention
		if n == 1 && config.Retention > 0 {
			if err := s.client.Expire(ctx, key, config.Retention).Err(); err != nil {
				return fmt.Errorf("expire %s: %w", key, err)
			}
		}
	}
	return nil
}

func buildKey(institutionID, jurisdiction string, t time.Time, window time.Duration) string {
	return fmt.Sprintf("i:%s:j:%s:matches:%s", institutionID, jurisdiction, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
