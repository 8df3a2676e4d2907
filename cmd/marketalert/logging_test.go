package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/config"
)

// captureWarnings calls logConfigWarnings with the given config and returns
// the captured log output.
func captureWarnings(cfg config.Config) string {
	var buf bytes.Buffer
	logConfigWarnings(cfg, slog.New(slog.NewTextHandler(&buf, nil)))
	return buf.String()
}

func TestLogConfigWarnings_ProductionConfig(t *testing.T) {
	cfg := config.Config{
		StoreDriver:             config.DriverPostgres,
		ReconcileEnabled:        true,
		MetricsEnabled:          true,
		WebhookURL:              "https://hooks.example.com",
		CircuitBreakerThreshold: 5,
	}
	if output := captureWarnings(cfg); output != "" {
		t.Errorf("expected no output, got: %s", output)
	}
}

func TestLogConfigWarnings_NoReconciler(t *testing.T) {
	cfg := config.Config{StoreDriver: config.DriverPostgres, MetricsEnabled: true}
	output := captureWarnings(cfg)

	if !strings.Contains(output, "RECONCILE_ENABLED=false") {
		t.Error("expected reconciler warning, got:", output)
	}
	if !strings.Contains(output, "level=WARN") {
		t.Error("expected WARN level, got:", output)
	}
	if strings.Contains(output, "METRICS_ENABLED=false") {
		t.Error("did not expect metrics warning when metrics enabled, got:", output)
	}
}

func TestLogConfigWarnings_MemoryDriver(t *testing.T) {
	cfg := config.Config{StoreDriver: config.DriverMemory, ReconcileEnabled: true, MetricsEnabled: true}
	output := captureWarnings(cfg)

	if !strings.Contains(output, "STORE_DRIVER=memory") {
		t.Error("expected memory driver warning, got:", output)
	}
	if !strings.Contains(output, "leader election requires postgres") {
		t.Error("expected single instance notice, got:", output)
	}
}

func TestLogConfigWarnings_SQLiteDriver(t *testing.T) {
	cfg := config.Config{StoreDriver: config.DriverSQLite, ReconcileEnabled: true, MetricsEnabled: true}
	output := captureWarnings(cfg)

	if strings.Contains(output, "STORE_DRIVER=memory") {
		t.Error("did not expect memory warning for sqlite, got:", output)
	}
	if !strings.Contains(output, "driver=sqlite") {
		t.Error("expected single instance notice naming sqlite, got:", output)
	}
}

func TestLogConfigWarnings_ScheduleWithoutJurisdictions(t *testing.T) {
	cfg := config.Config{
		StoreDriver:      config.DriverPostgres,
		ReconcileEnabled: true,
		MetricsEnabled:   true,
		ScheduleCron:     "0 0 * * * *",
	}
	if output := captureWarnings(cfg); !strings.Contains(output, "SCAN_JURISDICTIONS") {
		t.Error("expected schedule warning, got:", output)
	}

	cfg.ScanJurisdictions = []string{"CA"}
	if output := captureWarnings(cfg); strings.Contains(output, "SCAN_JURISDICTIONS") {
		t.Error("did not expect schedule warning with jurisdictions, got:", output)
	}
}

func TestLogConfigWarnings_BreakerDisabled(t *testing.T) {
	cfg := config.Config{
		StoreDriver:      config.DriverPostgres,
		ReconcileEnabled: true,
		MetricsEnabled:   true,
		WebhookURL:       "https://hooks.example.com",
	}
	if output := captureWarnings(cfg); !strings.Contains(output, "CIRCUIT_BREAKER_THRESHOLD=0") {
		t.Error("expected breaker notice, got:", output)
	}
}

func TestNewLogger_JSONFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")

	logger.Info("hidden")
	logger.Warn("shown", slog.String("k", "v"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1: %s", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec["msg"] != "shown" || rec["k"] != "v" {
		t.Errorf("record = %v, want msg=shown k=v", rec)
	}
}

func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "debug", "TEXT")

	logger.Debug("details")

	if !strings.Contains(buf.String(), "level=DEBUG msg=details") {
		t.Errorf("output = %q, want text debug record", buf.String())
	}
}
