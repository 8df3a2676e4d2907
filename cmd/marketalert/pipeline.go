package main

import (
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/alert"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/analytics"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/circuitbreaker"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/config"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/leaderelection"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/listings"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/matcher"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/orchestrator"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/reconciler"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/transport/channel"
)

// metricsSink is every metrics interface the components declare.
type metricsSink interface {
	orchestrator.MetricsSink
	matcher.MetricsSink
	alert.MetricsSink
	alert.WebhookMetrics
	channel.MetricsSink
	reconciler.MetricsSink
	leaderelection.MetricsSink
}

// pipeline is the scan path shared by serve and scan: listings in, matches
// persisted, alerts out.
type pipeline struct {
	broker *channel.Broker
	engine *matcher.Engine
	orch   *orchestrator.Orchestrator

	redis *redis.Client
}

func buildPipeline(cfg config.Config, app appStore, sink metricsSink, logger *slog.Logger) (*pipeline, error) {
	p := &pipeline{
		broker: channel.NewBroker(
			channel.WithQueueSize(cfg.LogQueueSize),
			channel.WithMetrics(sink),
			channel.WithLogger(logger),
		),
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		p.redis = redis.NewClient(opts)
	}

	publisher := alert.NewPublisher(buildTransports(cfg, p.redis, sink, logger)...).
		WithConcurrency(cfg.PublishConcurrency).
		WithMetrics(sink).
		WithEmitter(p.broker.Emitter("alert")).
		WithLogger(logger)
	logger.Info("alert transports configured", slog.Any("transports", publisher.Transports()))

	listingsClient := listings.New(cfg.ListingsBaseURL, cfg.ListingsAPIKey).WithLogger(logger)

	p.engine = matcher.New(listingsClient, app, app, publisher).
		WithMetrics(sink).
		WithEmitter(p.broker.Emitter("matcher")).
		WithLogger(logger)
	if cfg.AnalyticsEnabled && p.redis != nil {
		p.engine = p.engine.WithAnalytics(
			analytics.NewRedisSink(p.redis).WithLogger(logger),
			domain.AnalyticsConfig{
				Enabled:   true,
				Window:    cfg.AnalyticsWindow,
				Retention: cfg.AnalyticsRetention,
			},
		)
		logger.Info("analytics enabled", slog.Duration("window", cfg.AnalyticsWindow))
	}

	p.orch = orchestrator.New(
		orchestrator.Config{
			TickInterval:  cfg.TickInterval,
			Jurisdictions: cfg.ScanJurisdictions,
		},
		app,
		app,
		p.engine,
	).
		WithMetrics(sink).
		WithEmitter(p.broker.Emitter("orchestrator")).
		WithLogger(logger)

	return p, nil
}

// close releases what buildPipeline opened. Scans must already be stopped.
func (p *pipeline) close() {
	p.broker.Close()
	if p.redis != nil {
		_ = p.redis.Close()
	}
}

func buildTransports(cfg config.Config, redisClient *redis.Client, sink metricsSink, logger *slog.Logger) []alert.Transport {
	var transports []alert.Transport

	if cfg.WebhookURL != "" {
		webhook := alert.NewWebhookTransport(cfg.WebhookURL, cfg.WebhookSecret).
			WithTimeout(cfg.WebhookTimeout).
			WithMetrics(sink).
			WithLogger(logger)
		if cfg.CircuitBreakerThreshold > 0 {
			webhook = webhook.WithCircuitBreaker(
				circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown),
			)
		}
		transports = append(transports, webhook)
	}

	if redisClient != nil {
		transports = append(transports,
			alert.NewStreamTransport(redisClient, cfg.AlertStream).
				WithDedupTTL(cfg.AlertDedupTTL).
				WithLogger(logger))
	}

	return transports
}
