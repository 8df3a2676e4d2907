package main

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/config"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/metrics"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/store/memory"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/testutil"
)

func TestBuildPipeline_WebhookOnly(t *testing.T) {
	cfg := config.Config{
		ListingsBaseURL:    "http://listings.invalid",
		WebhookURL:         "http://hooks.invalid/alerts",
		WebhookSecret:      "s3cret",
		WebhookTimeout:     time.Second,
		PublishConcurrency: 2,
		LogQueueSize:       8,
	}
	p, err := buildPipeline(cfg, memory.New(), metrics.NewNoopSink(), testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("buildPipeline: %v", err)
	}
	t.Cleanup(func() {
		_ = p.orch.Shutdown(context.Background())
		p.close()
	})

	if p.redis != nil {
		t.Error("redis client created without REDIS_URL")
	}
	if p.engine == nil || p.orch == nil || p.broker == nil {
		t.Fatalf("pipeline incomplete: %+v", p)
	}
}

func TestBuildPipeline_InvalidRedisURL(t *testing.T) {
	cfg := config.Config{RedisURL: "mysql://nope"}
	if _, err := buildPipeline(cfg, memory.New(), metrics.NewNoopSink(), testutil.DiscardLogger()); err == nil {
		t.Fatal("expected error for invalid REDIS_URL")
	}
}

func TestBuildTransports(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want int
	}{
		{"none", config.Config{}, 0},
		{"webhook", config.Config{WebhookURL: "http://hooks.invalid", WebhookSecret: "x"}, 1},
		{"webhook with breaker", config.Config{WebhookURL: "http://hooks.invalid", WebhookSecret: "x", CircuitBreakerThreshold: 3, CircuitBreakerCooldown: time.Minute}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := buildTransports(tc.cfg, nil, metrics.NewNoopSink(), testutil.DiscardLogger())
			if len(got) != tc.want {
				t.Errorf("len(transports) = %d, want %d", len(got), tc.want)
			}
		})
	}
}

func TestScanSummary(t *testing.T) {
	id := uuid.MustParse("6f1c2a2e-3f4b-4c2d-9a51-0d3c1c7e8b10")

	got := scanSummary(domain.ScanJob{
		ID:               id,
		Jurisdiction:     "CA",
		Status:           domain.ScanStatusCompleted,
		ListingsExamined: 40,
		MatchesFound:     3,
	})
	want := "scan 6f1c2a2e-3f4b-4c2d-9a51-0d3c1c7e8b10 CA completed: examined=40 matches=3"
	if got != want {
		t.Errorf("scanSummary() = %q, want %q", got, want)
	}

	got = scanSummary(domain.ScanJob{ID: id, Jurisdiction: "TX", Status: domain.ScanStatusFailed, Error: "listings unavailable"})
	want = `scan 6f1c2a2e-3f4b-4c2d-9a51-0d3c1c7e8b10 TX failed: examined=0 matches=0 error="listings unavailable"`
	if got != want {
		t.Errorf("scanSummary() = %q, want %q", got, want)
	}
}
