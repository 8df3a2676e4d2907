package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/api"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/config"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/leaderelection"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/matcher"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/orchestrator"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/reconciler"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/store/memory"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/store/postgres"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/store/sqlite"
)

// appStore is the union of what the components need from persistence.
// Every driver in internal/store satisfies it.
type appStore interface {
	orchestrator.JobStore
	orchestrator.ScheduleStore
	matcher.AddressStore
	matcher.MatchStore
	reconciler.JobStore
	reconciler.MatchStore
	api.MatchReader
	api.HealthChecker
}

var (
	_ appStore = (*memory.Store)(nil)
	_ appStore = (*postgres.Store)(nil)
	_ appStore = (*sqlite.Store)(nil)
)

type stores struct {
	app      appStore
	sessions leaderelection.Sessions
	closers  []func() error
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// openStores opens the configured driver. Only postgres supports more than
// one instance; the other drivers always hold leadership.
func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (*stores, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		if err := postgres.Migrate(cfg.DatabaseURL, logger); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		sessions, err := leaderelection.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("open leader sessions: %w", err)
		}
		return &stores{
			app:      postgres.New(pool),
			sessions: sessions,
			closers: []func() error{
				func() error { pool.Close(); return nil },
				sessions.Close,
			},
		}, nil

	case config.DriverSQLite:
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("sqlite store opened; leader election disabled", slog.String("path", cfg.SQLitePath))
		return &stores{app: st, sessions: leaderelection.Solo{}, closers: []func() error{st.Close}}, nil

	case config.DriverMemory:
		return &stores{app: memory.New(), sessions: leaderelection.Solo{}}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
