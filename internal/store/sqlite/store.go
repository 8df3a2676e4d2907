// Package sqlite implements the pipeline repositories on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/apperr"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/store/sqlite/migrations"
)

// Fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements the scan job, address, match and schedule repositories.
type Store struct {
	db *sql.DB
}

// Open opens the database at dsn and runs pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateScanJob(ctx context.Context, job domain.ScanJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_jobs (id, jurisdiction, status, started_at, completed_at, listings_examined, matches_found, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), job.Jurisdiction, string(job.Status), formatTime(job.StartedAt),
		formatTimePtr(job.CompletedAt), job.ListingsExamined, job.MatchesFound, job.Error,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return apperr.Conflict("sqlite.CreateScanJob", "a scan is already active for %s", job.Jurisdiction)
		}
		return fmt.Errorf("insert scan job: %w", err)
	}
	return nil
}

const scanJobColumns = `id, jurisdiction, status, started_at, completed_at, listings_examined, matches_found, error`

func (s *Store) GetScanJob(ctx context.Context, id uuid.UUID) (domain.ScanJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scanJobColumns+` FROM scan_jobs WHERE id = ?`, id.String())
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScanJob{}, apperr.NotFound("sqlite.GetScanJob", "scan %s not found", id)
	}
	return job, err
}

// UpdateScanJob writes job only while the stored status equals from.
func (s *Store) UpdateScanJob(ctx context.Context, job domain.ScanJob, from domain.ScanStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scan_jobs
		 SET status = ?, completed_at = ?, listings_examined = ?, matches_found = ?, error = ?
		 WHERE id = ? AND status = ?`,
		string(job.Status), formatTimePtr(job.CompletedAt), job.ListingsExamined, job.MatchesFound, job.Error,
		job.ID.String(), string(from),
	)
	if err != nil {
		return fmt.Errorf("update scan job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scan_jobs WHERE id = ?`, job.ID.String()).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check scan job: %w", err)
	}
	if exists == 0 {
		return apperr.NotFound("sqlite.UpdateScanJob", "scan %s not found", job.ID)
	}
	return domain.ErrTransitionDenied
}

func (s *Store) LatestScanJob(ctx context.Context) (*domain.ScanJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scanJobColumns+` FROM scan_jobs ORDER BY started_at DESC LIMIT 1`)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) ListStaleScanJobs(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScanJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scanJobColumns+` FROM scan_jobs
		 WHERE status IN ('pending', 'running') AND started_at < ?
		 ORDER BY started_at ASC LIMIT ?`,
		formatTime(olderThan), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale scans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ScanJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

const addressColumns = `id, tenant_id, institution_id, line1, line2, city, state, postal_code, country,
	latitude, longitude, last_matched_listing_id, last_matched_at`

func (s *Store) ListByJurisdiction(ctx context.Context, jurisdiction string) ([]domain.MemberAddress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+addressColumns+` FROM member_addresses WHERE state = ? ORDER BY id`, jurisdiction)
	if err != nil {
		return nil, fmt.Errorf("query addresses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.MemberAddress
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) GetAddress(ctx context.Context, id string) (domain.MemberAddress, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+addressColumns+` FROM member_addresses WHERE id = ?`, id)
	a, err := scanAddress(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MemberAddress{}, apperr.NotFound("sqlite.GetAddress", "address %s not found", id)
	}
	return a, err
}

// UpsertBulk replaces the given addresses of one institution in one transaction.
func (s *Store) UpsertBulk(ctx context.Context, institutionID string, addresses []domain.MemberAddress) error {
	const op = "sqlite.UpsertBulk"
	for _, a := range addresses {
		if a.InstitutionID != institutionID {
			return apperr.Validation(op, "address %s belongs to %s, not %s", a.ID, a.InstitutionID, institutionID)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, a := range addresses {
		var lat, lng *float64
		if a.Address.Geo != nil {
			lat, lng = &a.Address.Geo.Latitude, &a.Address.Geo.Longitude
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO member_addresses (`+addressColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
			     line1 = excluded.line1,
			     line2 = excluded.line2,
			     city = excluded.city,
			     state = excluded.state,
			     postal_code = excluded.postal_code,
			     country = excluded.country,
			     latitude = excluded.latitude,
			     longitude = excluded.longitude,
			     last_matched_listing_id = excluded.last_matched_listing_id,
			     last_matched_at = excluded.last_matched_at
			 WHERE member_addresses.institution_id = excluded.institution_id
			   AND member_addresses.tenant_id = excluded.tenant_id`,
			a.ID, a.TenantID, a.InstitutionID,
			a.Address.Line1, a.Address.Line2, a.Address.City, a.Address.State,
			a.Address.PostalCode, a.Address.Country,
			lat, lng,
			a.LastMatchedListingID, formatTimePtr(a.LastMatchedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert address %s: %w", a.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.Conflict(op, "address %s is owned by another tenant or institution", a.ID)
		}
	}
	return tx.Commit()
}

const matchColumns = `id, listing_id, jurisdiction, listing_address, monthly_rent, listing_url, severity,
	matched_address_ids, matched_tenant_ids, matched_institution_ids, detected_at`

// Create inserts a match. A repeated id is a Conflict.
func (s *Store) Create(ctx context.Context, m domain.ListingMatch) error {
	addr, err := json.Marshal(m.ListingAddress)
	if err != nil {
		return fmt.Errorf("encode listing address: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO listing_matches (`+matchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.ListingID, m.Jurisdiction, string(addr), m.MonthlyRent, m.ListingURL, string(m.Severity),
		encodeList(m.MatchedAddressIDs), encodeList(m.MatchedTenantIDs), encodeList(m.MatchedInstitutionIDs),
		formatTime(m.DetectedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return apperr.Conflict("sqlite.CreateMatch", "match %s already exists", m.ID)
		}
		return fmt.Errorf("insert match: %w", err)
	}
	return nil
}

func (s *Store) GetMatch(ctx context.Context, id uuid.UUID) (domain.ListingMatch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM listing_matches WHERE id = ?`, id.String())
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ListingMatch{}, apperr.NotFound("sqlite.GetMatch", "match %s not found", id)
	}
	return m, err
}

// ListRecent pages matches newest first. An empty institutionID lists every match.
func (s *Store) ListRecent(ctx context.Context, institutionID string, limit, offset int) (domain.MatchPage, error) {
	page := domain.MatchPage{Limit: limit, Offset: offset}
	filter := `? = '' OR EXISTS (SELECT 1 FROM json_each(matched_institution_ids) WHERE value = ?)`

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM listing_matches WHERE `+filter, institutionID, institutionID,
	).Scan(&page.Total)
	if err != nil {
		return page, fmt.Errorf("count matches: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+matchColumns+` FROM listing_matches WHERE `+filter+`
		 ORDER BY detected_at DESC, id LIMIT ? OFFSET ?`,
		institutionID, institutionID, limit, offset,
	)
	if err != nil {
		return page, fmt.Errorf("query matches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return page, err
		}
		page.Matches = append(page.Matches, m)
	}
	return page, rows.Err()
}

func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM listing_matches WHERE detected_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge matches: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetSchedule returns nil when no schedule row exists.
func (s *Store) GetSchedule(ctx context.Context) (*domain.ScheduleRecord, error) {
	var (
		rec       domain.ScheduleRecord
		lastRun   sql.NullString
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT expression, time_zone, last_run, updated_at FROM scan_schedule WHERE id = 1`,
	).Scan(&rec.Expression, &rec.TimeZone, &lastRun, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query schedule: %w", err)
	}
	if rec.LastRun, err = parseTimePtr(lastRun); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &rec, nil
}

func (s *Store) UpsertSchedule(ctx context.Context, rec domain.ScheduleRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_schedule (id, expression, time_zone, last_run, updated_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     expression = excluded.expression,
		     time_zone = excluded.time_zone,
		     last_run = excluded.last_run,
		     updated_at = excluded.updated_at`,
		rec.Expression, rec.TimeZone, formatTimePtr(rec.LastRun), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

func (s *Store) RecordScheduleRun(ctx context.Context, expected domain.ScheduleRecord, lastRun time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scan_schedule SET last_run = ?
		 WHERE id = 1 AND expression = ? AND time_zone = ? AND updated_at = ?`,
		formatTime(lastRun), expected.Expression, expected.TimeZone, formatTime(expected.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("record schedule run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record schedule run: %w", err)
	}
	return n == 1, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (domain.ScanJob, error) {
	var (
		job         domain.ScanJob
		id, status  string
		startedAt   string
		completedAt sql.NullString
	)
	err := row.Scan(&id, &job.Jurisdiction, &status, &startedAt, &completedAt,
		&job.ListingsExamined, &job.MatchesFound, &job.Error)
	if err != nil {
		return job, err
	}
	if job.ID, err = uuid.Parse(id); err != nil {
		return job, fmt.Errorf("parse scan id: %w", err)
	}
	job.Status = domain.ScanStatus(status)
	if job.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return job, fmt.Errorf("parse started_at: %w", err)
	}
	job.CompletedAt, err = parseTimePtr(completedAt)
	return job, err
}

func scanAddress(row scanner) (domain.MemberAddress, error) {
	var (
		a           domain.MemberAddress
		lat, lng    sql.NullFloat64
		lastListing sql.NullString
		lastAt      sql.NullString
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.InstitutionID,
		&a.Address.Line1, &a.Address.Line2, &a.Address.City, &a.Address.State,
		&a.Address.PostalCode, &a.Address.Country,
		&lat, &lng, &lastListing, &lastAt)
	if err != nil {
		return a, err
	}
	if lat.Valid && lng.Valid {
		a.Address.Geo = &domain.GeoPoint{Latitude: lat.Float64, Longitude: lng.Float64}
	}
	if lastListing.Valid {
		v := lastListing.String
		a.LastMatchedListingID = &v
	}
	a.LastMatchedAt, err = parseTimePtr(lastAt)
	return a, err
}

func scanMatch(row scanner) (domain.ListingMatch, error) {
	var (
		m                       domain.ListingMatch
		id, addr, severity      string
		addrIDs, tenants, insts string
		detectedAt              string
		rent                    sql.NullFloat64
	)
	err := row.Scan(&id, &m.ListingID, &m.Jurisdiction, &addr, &rent, &m.ListingURL, &severity,
		&addrIDs, &tenants, &insts, &detectedAt)
	if err != nil {
		return m, err
	}
	if m.ID, err = uuid.Parse(id); err != nil {
		return m, fmt.Errorf("parse match id: %w", err)
	}
	if err := json.Unmarshal([]byte(addr), &m.ListingAddress); err != nil {
		return m, fmt.Errorf("decode listing address: %w", err)
	}
	if rent.Valid {
		v := rent.Float64
		m.MonthlyRent = &v
	}
	m.Severity = domain.Severity(severity)
	for _, f := range []struct {
		raw string
		dst *[]string
	}{
		{addrIDs, &m.MatchedAddressIDs},
		{tenants, &m.MatchedTenantIDs},
		{insts, &m.MatchedInstitutionIDs},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return m, fmt.Errorf("decode id list: %w", err)
		}
	}
	if m.DetectedAt, err = time.Parse(timeLayout, detectedAt); err != nil {
		return m, fmt.Errorf("parse detected_at: %w", err)
	}
	return m, nil
}

func isConstraintViolation(err error) bool {
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}

func encodeList(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse time: %w", err)
	}
	return &t, nil
}
