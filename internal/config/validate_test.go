package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	clearEnv(t)
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("LISTINGS_BASE_URL", "https://listings.example.com")
	t.Setenv("WEBHOOK_URL", "https://hooks.example.com/alerts")
	t.Setenv("WEBHOOK_SECRET", "whsec")
	t.Setenv("SCAN_JURISDICTIONS", "CA,TX")
	return Load()
}

func fields(err error) []string {
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make([]string, len(verrs))
	for i, e := range verrs {
		out[i] = e.Field
	}
	return out
}

func hasField(err error, field string) bool {
	for _, f := range fields(err) {
		if f == field {
			return true
		}
	}
	return false
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig(t)); err != nil {
		t.Errorf("expected no error, got: %v", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"postgres without url", func(c *Config) { c.StoreDriver = DriverPostgres }, "DATABASE_URL"},
		{"unknown driver", func(c *Config) { c.StoreDriver = "mongo" }, "STORE_DRIVER"},
		{"bad tick", func(c *Config) { c.TickIntervalStr = "soon" }, "TICK_INTERVAL"},
		{"zero tick", func(c *Config) { c.TickIntervalStr = "0s" }, "TICK_INTERVAL"},
		{"missing listings url", func(c *Config) { c.ListingsBaseURL = "" }, "LISTINGS_BASE_URL"},
		{"ftp listings url", func(c *Config) { c.ListingsBaseURL = "ftp://x" }, "LISTINGS_BASE_URL"},
		{"webhook without secret", func(c *Config) { c.WebhookSecret = "" }, "WEBHOOK_SECRET"},
		{"no transport", func(c *Config) { c.WebhookURL, c.RedisURL = "", "" }, "WEBHOOK_URL"},
		{"bad jurisdiction", func(c *Config) { c.ScanJurisdictions = []string{"CALIFORNIA"} }, "SCAN_JURISDICTIONS"},
		{"bad cron", func(c *Config) { c.ScheduleCron = "every day" }, "SCHEDULE_CRON"},
		{"bad zone", func(c *Config) { c.ScheduleCron, c.ScheduleTimezone = "0 0 6 * * *", "Nowhere/City" }, "SCHEDULE_CRON"},
		{"analytics without redis", func(c *Config) { c.AnalyticsEnabled = true }, "ANALYTICS_ENABLED"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "LOG_LEVEL"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"metrics port", func(c *Config) { c.MetricsEnabled, c.MetricsPort = true, 0 }, "METRICS_PORT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig(t)
			tc.mutate(&cfg)
			err := Validate(cfg)
			if !hasField(err, tc.field) {
				t.Errorf("Validate() fields = %v, want %s", fields(err), tc.field)
			}
		})
	}
}

func TestValidate_ZeroRetentionAllowed(t *testing.T) {
	cfg := validConfig(t)
	cfg.MatchRetentionStr = "0s"
	if err := Validate(cfg); err != nil {
		t.Errorf("MATCH_RETENTION=0 should disable purge, got %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig(t)
	cfg.StoreDriver = DriverPostgres
	cfg.TickIntervalStr = "invalid"

	err := Validate(cfg)
	if got := len(fields(err)); got != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", got, err)
	}
	if !strings.HasPrefix(err.Error(), "2 validation errors:") {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestValidationError_Format(t *testing.T) {
	err := ValidationError{Field: "TEST_FIELD", Message: "test message"}
	if err.Error() != "TEST_FIELD: test message" {
		t.Errorf("unexpected format: %q", err.Error())
	}
}

func TestValidationErrors_Format(t *testing.T) {
	errs := ValidationErrors{
		{Field: "FIELD1", Message: "message1"},
		{Field: "FIELD2", Message: "message2"},
	}
	want := "2 validation errors:\n  - FIELD1: message1\n  - FIELD2: message2"
	if errs.Error() != want {
		t.Errorf("got %q, want %q", errs.Error(), want)
	}
	if (ValidationErrors{{Field: "F", Message: "m"}}).Error() != "F: m" {
		t.Error("single error should format without header")
	}
}

func TestValidate_AnalyticsRetentionBelowWindow(t *testing.T) {
	cfg := validConfig(t)
	cfg.RedisURL = "redis://cache:6379/0"
	cfg.AnalyticsEnabled = true
	cfg.AnalyticsWindow = time.Hour
	cfg.AnalyticsRetention = time.Minute
	if !hasField(Validate(cfg), "ANALYTICS_RETENTION") {
		t.Error("expected ANALYTICS_RETENTION error")
	}
}
