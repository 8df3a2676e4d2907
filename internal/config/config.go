// Package config loads runtime configuration from the environment.
package config

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds all configuration for marketalert.
// Values are loaded from environment variables; see printUsage() in cmd for the full list.
type Config struct {
	StoreDriver string `json:"store_driver"`
	DatabaseURL string `json:"database_url"`
	SQLitePath  string `json:"sqlite_path"`

	RedisURL         string        `json:"redis_url,omitempty"`
	AlertStream      string        `json:"alert_stream"`
	AlertDedupTTL    time.Duration `json:"-"`
	AlertDedupTTLStr string        `json:"alert_dedup_ttl"`

	WebhookURL        string        `json:"webhook_url,omitempty"`
	WebhookSecret     string        `json:"-"`
	WebhookTimeout    time.Duration `json:"-"`
	WebhookTimeoutStr string        `json:"webhook_timeout"`

	ListingsBaseURL string `json:"listings_base_url"`
	ListingsAPIKey  string `json:"-"`

	// ScanJurisdictions are scanned whenever the schedule fires.
	ScanJurisdictions []string `json:"scan_jurisdictions"`
	// PublishConcurrency bounds parallel alert sends.
	PublishConcurrency int `json:"publish_concurrency"`

	TickInterval     time.Duration `json:"-"`
	TickIntervalStr  string        `json:"tick_interval"`
	ScheduleCron     string        `json:"schedule_cron,omitempty"`
	ScheduleTimezone string        `json:"schedule_timezone,omitempty"`

	HTTPAddr               string        `json:"http_addr"`
	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    int    `json:"metrics_port"`

	ReconcileEnabled       bool          `json:"reconcile_enabled"`
	ReconcileInterval      time.Duration `json:"-"`
	ReconcileIntervalStr   string        `json:"reconcile_interval"`
	ReconcileStaleAfter    time.Duration `json:"-"`
	ReconcileStaleAfterStr string        `json:"reconcile_stale_after"`
	// MatchRetention: 0 disables purging.
	MatchRetention    time.Duration `json:"-"`
	MatchRetentionStr string        `json:"match_retention"`

	AnalyticsEnabled      bool          `json:"analytics_enabled"`
	AnalyticsWindow       time.Duration `json:"-"`
	AnalyticsWindowStr    string        `json:"analytics_window"`
	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`

	LogQueueSize int `json:"log_queue_size"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval pings the dedicated connection to detect local
	// connection death. It does not renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		StoreDriver:                strings.ToLower(getenv("STORE_DRIVER", "")),
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		SQLitePath:                 getenv("SQLITE_PATH", "marketalert.db"),
		RedisURL:                   os.Getenv("REDIS_URL"),
		AlertStream:                getenv("ALERT_STREAM", "marketalert:alerts"),
		AlertDedupTTLStr:           getenv("ALERT_DEDUP_TTL", "24h"),
		WebhookURL:                 os.Getenv("WEBHOOK_URL"),
		WebhookSecret:              os.Getenv("WEBHOOK_SECRET"),
		WebhookTimeoutStr:          getenv("WEBHOOK_TIMEOUT", "10s"),
		ListingsBaseURL:            os.Getenv("LISTINGS_BASE_URL"),
		ListingsAPIKey:             os.Getenv("LISTINGS_API_KEY"),
		ScanJurisdictions:          splitList(os.Getenv("SCAN_JURISDICTIONS")),
		PublishConcurrency:         getenvInt("PUBLISH_CONCURRENCY", 8),
		TickIntervalStr:            getenv("TICK_INTERVAL", "15s"),
		ScheduleCron:               os.Getenv("SCHEDULE_CRON"),
		ScheduleTimezone:           getenv("SCHEDULE_TIMEZONE", "UTC"),
		HTTPAddr:                   os.Getenv("HTTP_ADDR"),
		HTTPShutdownTimeoutStr:     getenv("HTTP_SHUTDOWN_TIMEOUT", "10s"),
		MetricsEnabled:             os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:                getenv("METRICS_PATH", "/metrics"),
		MetricsPort:                getenvInt("METRICS_PORT", 9090),
		ReconcileEnabled:           getenv("RECONCILE_ENABLED", "true") == "true",
		ReconcileIntervalStr:       getenv("RECONCILE_INTERVAL", "5m"),
		ReconcileStaleAfterStr:     getenv("RECONCILE_STALE_AFTER", "2h"),
		MatchRetentionStr:          getenv("MATCH_RETENTION", "2160h"),
		AnalyticsEnabled:           os.Getenv("ANALYTICS_ENABLED") == "true",
		AnalyticsWindowStr:         getenv("ANALYTICS_WINDOW", "1h"),
		AnalyticsRetentionStr:      getenv("ANALYTICS_RETENTION", "720h"),
		LogQueueSize:               getenvInt("LOG_QUEUE_SIZE", 256),
		CircuitBreakerThreshold:    getenvInt("CIRCUIT_BREAKER_THRESHOLD", 5),
		CircuitBreakerCooldownStr:  getenv("CIRCUIT_BREAKER_COOLDOWN", "2m"),
		LeaderLockKey:              int64(getenvInt("LEADER_LOCK_KEY", 728380)),
		LeaderRetryIntervalStr:     getenv("LEADER_RETRY_INTERVAL", "5s"),
		LeaderHeartbeatIntervalStr: getenv("LEADER_HEARTBEAT_INTERVAL", "2s"),
		LogLevel:                   strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:                  strings.ToLower(getenv("LOG_FORMAT", "json")),
	}

	if cfg.StoreDriver == "" {
		if cfg.DatabaseURL != "" {
			cfg.StoreDriver = DriverPostgres
		} else {
			cfg.StoreDriver = DriverSQLite
		}
	}

	// Support the platform PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	// Parse durations; validation is handled separately by Validate().
	for _, d := range cfg.durations() {
		if v, err := time.ParseDuration(*d.raw); err == nil {
			*d.parsed = v
		}
	}

	return cfg
}

type durationField struct {
	env    string
	raw    *string
	parsed *time.Duration
}

func (c *Config) durations() []durationField {
	return []durationField{
		{"ALERT_DEDUP_TTL", &c.AlertDedupTTLStr, &c.AlertDedupTTL},
		{"WEBHOOK_TIMEOUT", &c.WebhookTimeoutStr, &c.WebhookTimeout},
		{"TICK_INTERVAL", &c.TickIntervalStr, &c.TickInterval},
		{"HTTP_SHUTDOWN_TIMEOUT", &c.HTTPShutdownTimeoutStr, &c.HTTPShutdownTimeout},
		{"RECONCILE_INTERVAL", &c.ReconcileIntervalStr, &c.ReconcileInterval},
		{"RECONCILE_STALE_AFTER", &c.ReconcileStaleAfterStr, &c.ReconcileStaleAfter},
		{"MATCH_RETENTION", &c.MatchRetentionStr, &c.MatchRetention},
		{"ANALYTICS_WINDOW", &c.AnalyticsWindowStr, &c.AnalyticsWindow},
		{"ANALYTICS_RETENTION", &c.AnalyticsRetentionStr, &c.AnalyticsRetention},
		{"CIRCUIT_BREAKER_COOLDOWN", &c.CircuitBreakerCooldownStr, &c.CircuitBreakerCooldown},
		{"LEADER_RETRY_INTERVAL", &c.LeaderRetryIntervalStr, &c.LeaderRetryInterval},
		{"LEADER_HEARTBEAT_INTERVAL", &c.LeaderHeartbeatIntervalStr, &c.LeaderHeartbeatInterval},
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// getenvInt falls back to def when the variable is unset or not a
// non-negative integer.
func getenvInt(key string, def int) int {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		slog.Warn("config: invalid integer, using default",
			slog.String("key", key), slog.String("value", s), slog.Int("default", def))
		return def
	}
	return n
}

// splitList parses a comma separated list, upper-casing and dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		Config
		DatabaseURL    string `json:"database_url"`
		RedisURL       string `json:"redis_url,omitempty"`
		WebhookSecret  string `json:"webhook_secret,omitempty"`
		ListingsAPIKey string `json:"listings_api_key,omitempty"`
	}{
		Config:         c,
		DatabaseURL:    maskURL(c.DatabaseURL),
		RedisURL:       maskURL(c.RedisURL),
		WebhookSecret:  maskSecret(c.WebhookSecret),
		ListingsAPIKey: maskSecret(c.ListingsAPIKey),
	}
	return json.MarshalIndent(masked, "", "  ")
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// maskURL keeps the scheme and host and masks credentials and path.
func maskURL(s string) string {
	if s == "" {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "***"
	}
	return u.Scheme + "://***@" + u.Host + "/***"
}
