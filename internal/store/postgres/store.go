// Package postgres implements the pipeline repositories on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/apperr"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements the scan job, address, match and schedule repositories.
type Store struct {
	pool *pgxpool.Pool
	db   DBTX
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateScanJob relies on the partial unique index over active jurisdictions,
// so two concurrent creates yield one row and one Conflict.
func (s *Store) CreateScanJob(ctx context.Context, job domain.ScanJob) error {
	_, err := s.db.Exec(ctx, queryInsertScanJob,
		job.ID,
		job.Jurisdiction,
		string(job.Status),
		job.StartedAt,
		job.CompletedAt,
		job.ListingsExamined,
		job.MatchesFound,
		job.Error,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("postgres.CreateScanJob", "a scan is already active for %s", job.Jurisdiction)
		}
		return transient("postgres.CreateScanJob", err)
	}
	return nil
}

func (s *Store) GetScanJob(ctx context.Context, id uuid.UUID) (domain.ScanJob, error) {
	job, err := scanJob(s.db.QueryRow(ctx, queryGetScanJob, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ScanJob{}, apperr.NotFound("postgres.GetScanJob", "scan %s not found", id)
	}
	if err != nil {
		return domain.ScanJob{}, transient("postgres.GetScanJob", err)
	}
	return job, nil
}

// UpdateScanJob writes job only while the stored status equals from.
// It returns domain.ErrTransitionDenied when the row moved on.
func (s *Store) UpdateScanJob(ctx context.Context, job domain.ScanJob, from domain.ScanStatus) error {
	// The row lock is taken before WHERE is evaluated, so concurrent
	// updates serialize on the status guard.
	tag, err := s.db.Exec(ctx, queryUpdateScanJob,
		job.ID,
		string(job.Status),
		job.CompletedAt,
		job.ListingsExamined,
		job.MatchesFound,
		job.Error,
		string(from),
	)
	if err != nil {
		return transient("postgres.UpdateScanJob", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx, queryScanJobExists, job.ID).Scan(&exists); err != nil {
		return transient("postgres.UpdateScanJob", err)
	}
	if !exists {
		return apperr.NotFound("postgres.UpdateScanJob", "scan %s not found", job.ID)
	}
	return domain.ErrTransitionDenied
}

func (s *Store) LatestScanJob(ctx context.Context) (*domain.ScanJob, error) {
	job, err := scanJob(s.db.QueryRow(ctx, queryLatestScanJob))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, transient("postgres.LatestScanJob", err)
	}
	return &job, nil
}

func (s *Store) ListStaleScanJobs(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScanJob, error) {
	rows, err := s.db.Query(ctx, queryListStaleScanJobs, olderThan, limit)
	if err != nil {
		return nil, transient("postgres.ListStaleScanJobs", err)
	}
	defer rows.Close()

	var result []domain.ScanJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, transient("postgres.ListStaleScanJobs", err)
		}
		result = append(result, job)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("postgres.ListStaleScanJobs", err)
	}
	return result, nil
}

func (s *Store) ListByJurisdiction(ctx context.Context, jurisdiction string) ([]domain.MemberAddress, error) {
	rows, err := s.db.Query(ctx, queryListAddressesByJurisdiction, jurisdiction)
	if err != nil {
		return nil, transient("postgres.ListByJurisdiction", err)
	}
	defer rows.Close()

	var result []domain.MemberAddress
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, transient("postgres.ListByJurisdiction", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("postgres.ListByJurisdiction", err)
	}
	return result, nil
}

func (s *Store) GetAddress(ctx context.Context, id string) (domain.MemberAddress, error) {
	a, err := scanAddress(s.db.QueryRow(ctx, queryGetAddress, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MemberAddress{}, apperr.NotFound("postgres.GetAddress", "address %s not found", id)
	}
	if err != nil {
		return domain.MemberAddress{}, transient("postgres.GetAddress", err)
	}
	return a, nil
}

// UpsertBulk replaces the given addresses of one institution in a single
// transaction.
func (s *Store) UpsertBulk(ctx context.Context, institutionID string, addresses []domain.MemberAddress) error {
	const op = "postgres.UpsertBulk"
	for _, a := range addresses {
		if a.InstitutionID != institutionID {
			return apperr.Validation(op, "address %s belongs to %s, not %s", a.ID, a.InstitutionID, institutionID)
		}
	}
	if len(addresses) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return transient(op, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	batch := &pgx.Batch{}
	for _, a := range addresses {
		var lat, lng *float64
		if a.Address.Geo != nil {
			lat, lng = &a.Address.Geo.Latitude, &a.Address.Geo.Longitude
		}
		batch.Queue(queryUpsertAddress,
			a.ID, a.TenantID, a.InstitutionID,
			a.Address.Line1, a.Address.Line2, a.Address.City, a.Address.State,
			a.Address.PostalCode, a.Address.Country,
			lat, lng,
			a.LastMatchedListingID, a.LastMatchedAt,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for _, a := range addresses {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return transient(op, err)
		}
		if tag.RowsAffected() == 0 {
			_ = br.Close()
			return apperr.Conflict(op, "address %s is owned by another tenant or institution", a.ID)
		}
	}
	if err := br.Close(); err != nil {
		return transient(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return transient(op, err)
	}
	return nil
}

// Create inserts a match. A repeated id is a Conflict.
func (s *Store) Create(ctx context.Context, m domain.ListingMatch) error {
	addr, err := json.Marshal(m.ListingAddress)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, "postgres.CreateMatch", err)
	}
	_, err = s.db.Exec(ctx, queryInsertMatch,
		m.ID,
		m.ListingID,
		m.Jurisdiction,
		addr,
		m.MonthlyRent,
		m.ListingURL,
		string(m.Severity),
		nonNil(m.MatchedAddressIDs),
		nonNil(m.MatchedTenantIDs),
		nonNil(m.MatchedInstitutionIDs),
		m.DetectedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("postgres.CreateMatch", "match %s already exists", m.ID)
		}
		return transient("postgres.CreateMatch", err)
	}
	return nil
}

func (s *Store) GetMatch(ctx context.Context, id uuid.UUID) (domain.ListingMatch, error) {
	m, err := scanMatch(s.db.QueryRow(ctx, queryGetMatch, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ListingMatch{}, apperr.NotFound("postgres.GetMatch", "match %s not found", id)
	}
	if err != nil {
		return domain.ListingMatch{}, transient("postgres.GetMatch", err)
	}
	return m, nil
}

// ListRecent pages matches newest first. An empty institutionID lists every match.
func (s *Store) ListRecent(ctx context.Context, institutionID string, limit, offset int) (domain.MatchPage, error) {
	const op = "postgres.ListRecent"
	page := domain.MatchPage{Limit: limit, Offset: offset}

	if err := s.db.QueryRow(ctx, queryCountMatches, institutionID).Scan(&page.Total); err != nil {
		return page, transient(op, err)
	}

	rows, err := s.db.Query(ctx, queryListRecentMatches, institutionID, limit, offset)
	if err != nil {
		return page, transient(op, err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return page, transient(op, err)
		}
		page.Matches = append(page.Matches, m)
	}
	if err := rows.Err(); err != nil {
		return page, transient(op, err)
	}
	return page, nil
}

func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, queryPurgeMatches, cutoff)
	if err != nil {
		return 0, transient("postgres.PurgeOlderThan", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetSchedule returns nil when no schedule row exists.
func (s *Store) GetSchedule(ctx context.Context) (*domain.ScheduleRecord, error) {
	var rec domain.ScheduleRecord
	err := s.db.QueryRow(ctx, queryGetSchedule).Scan(&rec.Expression, &rec.TimeZone, &rec.LastRun, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, transient("postgres.GetSchedule", err)
	}
	return &rec, nil
}

func (s *Store) UpsertSchedule(ctx context.Context, rec domain.ScheduleRecord) error {
	_, err := s.db.Exec(ctx, queryUpsertSchedule, rec.Expression, rec.TimeZone, rec.LastRun, rec.UpdatedAt)
	if err != nil {
		return transient("postgres.UpsertSchedule", err)
	}
	return nil
}

func (s *Store) RecordScheduleRun(ctx context.Context, expected domain.ScheduleRecord, lastRun time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, queryRecordScheduleRun, lastRun, expected.Expression, expected.TimeZone, expected.UpdatedAt)
	if err != nil {
		return false, transient("postgres.RecordScheduleRun", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanJob(row pgx.Row) (domain.ScanJob, error) {
	var (
		job    domain.ScanJob
		status string
	)
	err := row.Scan(
		&job.ID,
		&job.Jurisdiction,
		&status,
		&job.StartedAt,
		&job.CompletedAt,
		&job.ListingsExamined,
		&job.MatchesFound,
		&job.Error,
	)
	job.Status = domain.ScanStatus(status)
	return job, err
}

func scanAddress(row pgx.Row) (domain.MemberAddress, error) {
	var (
		a        domain.MemberAddress
		lat, lng *float64
	)
	err := row.Scan(
		&a.ID, &a.TenantID, &a.InstitutionID,
		&a.Address.Line1, &a.Address.Line2, &a.Address.City, &a.Address.State,
		&a.Address.PostalCode, &a.Address.Country,
		&lat, &lng,
		&a.LastMatchedListingID, &a.LastMatchedAt,
	)
	if lat != nil && lng != nil {
		a.Address.Geo = &domain.GeoPoint{Latitude: *lat, Longitude: *lng}
	}
	return a, err
}

func scanMatch(row pgx.Row) (domain.ListingMatch, error) {
	var (
		m        domain.ListingMatch
		addr     []byte
		severity string
	)
	err := row.Scan(
		&m.ID,
		&m.ListingID,
		&m.Jurisdiction,
		&addr,
		&m.MonthlyRent,
		&m.ListingURL,
		&severity,
		&m.MatchedAddressIDs,
		&m.MatchedTenantIDs,
		&m.MatchedInstitutionIDs,
		&m.DetectedAt,
	)
	if err != nil {
		return m, err
	}
	m.Severity = domain.Severity(severity)
	if err := json.Unmarshal(addr, &m.ListingAddress); err != nil {
		return m, fmt.Errorf("decode listing address: %w", err)
	}
	return m, nil
}

// isUniqueViolation reports a PostgreSQL unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func transient(op string, err error) error {
	return apperr.Wrap(apperr.KindTransient, op, err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
