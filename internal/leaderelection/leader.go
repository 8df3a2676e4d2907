// Package leaderelection elects the instance that runs the schedule trigger
// loop and the reconciler.
//
// The Postgres implementation holds one session-scoped advisory lock on a
// dedicated connection. There is no renewal or TTL: when the connection dies
// Postgres releases the lock server-side. The heartbeat ping only detects
// local connection death so the leader stops its duties promptly.
package leaderelection

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// Lost reasons reported to MetricsSink.LeaderLost.
const (
	ReasonShutdown = "shutdown"
	ReasonConnLost = "conn_lost"
)

// MetricsSink records leader election metrics. Methods must not block.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Session is one lock-holding connection.
type Session interface {
	// TryLock attempts the lock without blocking.
	TryLock(ctx context.Context, key int64) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Sessions opens dedicated sessions.
type Sessions interface {
	Open(ctx context.Context) (Session, error)
}

// Config holds elector timing.
type Config struct {
	// LockKey must be the same on every instance sharing the database.
	LockKey int64
	// RetryInterval bounds the failover gap.
	RetryInterval time.Duration
	// HeartbeatInterval is how often the leader pings its connection.
	HeartbeatInterval time.Duration
}

// Elector runs leader duties while it holds the lock.
type Elector struct {
	config    Config
	sessions  Sessions
	onElected func(ctx context.Context)
	onDemoted func()
	metrics   MetricsSink // optional, nil = disabled
	logger    *slog.Logger
}

// New creates an Elector.
//
// onElected runs in a new goroutine when this instance acquires the lock. Its
// context is cancelled when leadership is lost. onDemoted is called
// synchronously on loss, must block until leader duties have stopped, and
// must be idempotent.
func New(config Config, sessions Sessions, onElected func(ctx context.Context), onDemoted func()) *Elector {
	if config.RetryInterval <= 0 {
		config.RetryInterval = 5 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 2 * time.Second
	}
	return &Elector{
		config:    config,
		sessions:  sessions,
		onElected: onElected,
		onDemoted: onDemoted,
		logger:    slog.Default().With(slog.String("component", "leader")),
	}
}

func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

func (e *Elector) WithLogger(logger *slog.Logger) *Elector {
	e.logger = logger.With(slog.String("component", "leader"))
	return e
}

// Run campaigns until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	e.logger.Info("election loop started",
		slog.Int64("lock_key", e.config.LockKey),
		slog.Duration("retry", e.config.RetryInterval),
		slog.Duration("heartbeat", e.config.HeartbeatInterval))

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("election loop stopped")
			return
		case <-timer.C:
		}

		if reason := e.runOnce(ctx); reason != "" && ctx.Err() == nil {
			e.logger.Warn("lost leadership", slog.String("reason", reason), slog.Duration("retry_in", e.config.RetryInterval))
		}
		timer.Reset(e.config.RetryInterval)
	}
}

// runOnce acquires and holds the lock. It returns the reason leadership was
// lost, or "" when the lock was not acquired.
func (e *Elector) runOnce(ctx context.Context) string {
	sess, err := e.sessions.Open(ctx)
	if err != nil {
		e.logger.Error("failed to open dedicated session", slog.Any("error", err))
		return ""
	}
	defer sess.Close()

	acquired, err := sess.TryLock(ctx, e.config.LockKey)
	if err != nil {
		e.logger.Error("advisory lock query failed", slog.Any("error", err))
		return ""
	}
	if !acquired {
		e.logger.Debug("lock held by another instance", slog.Int64("lock_key", e.config.LockKey))
		return ""
	}

	e.logger.Info("acquired leadership", slog.Int64("lock_key", e.config.LockKey))
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	go e.onElected(leaderCtx)

	reason := e.holdLock(ctx, sess)

	cancelLeader()
	e.onDemoted()

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}
	e.logger.Info("released leadership", slog.String("reason", reason))
	return reason
}

func (e *Elector) holdLock(ctx context.Context, sess Session) string {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-ticker.C:
			if err := sess.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return ReasonShutdown
				}
				e.logger.Error("dedicated connection ping failed", slog.Any("error", err))
				return ReasonConnLost
			}
		}
	}
}

// PostgresSessions opens sessions on a lib/pq database handle.
type PostgresSessions struct {
	db *sql.DB
}

// OpenPostgres opens a database/sql pool using the lib/pq driver.
func OpenPostgres(dsn string) (*PostgresSessions, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	// one lock connection plus headroom for a reconnect
	db.SetMaxOpenConns(2)
	return &PostgresSessions{db: db}, nil
}

func NewPostgresSessions(db *sql.DB) *PostgresSessions {
	return &PostgresSessions{db: db}
}

func (p *PostgresSessions) Open(ctx context.Context) (Session, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &pgSession{conn: conn}, nil
}

func (p *PostgresSessions) Close() error {
	return p.db.Close()
}

type pgSession struct {
	conn *sql.Conn
}

func (s *pgSession) TryLock(ctx context.Context, key int64) (bool, error) {
	var acquired bool
	err := s.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired)
	return acquired, err
}

func (s *pgSession) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close returns the connection to the pool. Releasing it ends the lock only
// when the session ends, so unlock explicitly first.
func (s *pgSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = s.conn.ExecContext(ctx, "SELECT pg_advisory_unlock_all()")
	return s.conn.Close()
}

// Solo is a Sessions for single-instance deployments without Postgres. The
// lock is always granted.
type Solo struct{}

func (Solo) Open(context.Context) (Session, error) { return soloSession{}, nil }

type soloSession struct{}

func (soloSession) TryLock(context.Context, int64) (bool, error) { return true, nil }
func (soloSession) Ping(context.Context) error                   { return nil }
func (soloSession) Close() error                                 { return nil }
