package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/cron"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		// DATABASE_URL is required for postgres
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required when STORE_DRIVER=postgres")
		}
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			add("SQLITE_PATH", "required when STORE_DRIVER=sqlite")
		}
	case DriverMemory:
	default:
		add("STORE_DRIVER", "must be 'postgres', 'sqlite' or 'memory', got %q", cfg.StoreDriver)
	}

	for _, d := range cfg.durations() {
		v, err := time.ParseDuration(*d.raw)
		switch {
		case err != nil:
			add(d.env, "invalid duration: %v", err)
		case v < 0:
			add(d.env, "must not be negative")
		case v == 0 && d.env != "MATCH_RETENTION":
			add(d.env, "must be positive")
		}
	}

	if cfg.ListingsBaseURL == "" {
		add("LISTINGS_BASE_URL", "required")
	} else if err := validateHTTPURL(cfg.ListingsBaseURL); err != nil {
		add("LISTINGS_BASE_URL", "%v", err)
	}

	if cfg.WebhookURL != "" {
		if err := validateHTTPURL(cfg.WebhookURL); err != nil {
			add("WEBHOOK_URL", "%v", err)
		}
		if cfg.WebhookSecret == "" {
			add("WEBHOOK_SECRET", "required when WEBHOOK_URL is set")
		}
	}
	if cfg.WebhookURL == "" && cfg.RedisURL == "" {
		add("WEBHOOK_URL", "at least one of WEBHOOK_URL or REDIS_URL must be set")
	}
	if cfg.AnalyticsEnabled && cfg.RedisURL == "" {
		add("ANALYTICS_ENABLED", "requires REDIS_URL")
	}
	if cfg.AnalyticsEnabled && cfg.AnalyticsRetention < cfg.AnalyticsWindow {
		add("ANALYTICS_RETENTION", "must be at least ANALYTICS_WINDOW")
	}

	for _, j := range cfg.ScanJurisdictions {
		if _, err := domain.ValidateJurisdiction(j); err != nil {
			add("SCAN_JURISDICTIONS", "%q is not a state/province code", j)
		}
	}

	if cfg.ScheduleCron != "" {
		if _, err := cron.New(cfg.ScheduleCron, cfg.ScheduleTimezone, nil); err != nil {
			add("SCHEDULE_CRON", "%v", err)
		}
	}

	if cfg.MetricsEnabled && (cfg.MetricsPort <= 0 || cfg.MetricsPort > 65535) {
		add("METRICS_PORT", "must be between 1 and 65535")
	}
	if cfg.PublishConcurrency <= 0 {
		add("PUBLISH_CONCURRENCY", "must be positive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		add("LOG_LEVEL", "must be debug, info, warn or error, got %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		add("LOG_FORMAT", "must be 'json' or 'text', got %q", cfg.LogFormat)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateHTTPURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
