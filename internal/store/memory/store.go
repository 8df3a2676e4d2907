// Package memory is an in-process store for tests and single-node runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/apperr"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
)

// Store keeps scan jobs, member addresses, matches and the schedule in maps
// guarded by one mutex.
type Store struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]domain.ScanJob
	addresses map[string]domain.MemberAddress
	matches   map[uuid.UUID]domain.ListingMatch
	schedule  *domain.ScheduleRecord
}

func New() *Store {
	return &Store{
		jobs:      make(map[uuid.UUID]domain.ScanJob),
		addresses: make(map[string]domain.MemberAddress),
		matches:   make(map[uuid.UUID]domain.ListingMatch),
	}
}

// CreateScanJob fails with Conflict while another pending or running job
// exists for the same jurisdiction.
func (s *Store) CreateScanJob(ctx context.Context, job domain.ScanJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return apperr.Conflict("memory.CreateScanJob", "scan %s already exists", job.ID)
	}
	for _, j := range s.jobs {
		if j.Jurisdiction == job.Jurisdiction && !j.Status.IsTerminal() {
			return apperr.Conflict("memory.CreateScanJob", "scan %s is already %s for %s", j.ID, j.Status, j.Jurisdiction)
		}
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *Store) GetScanJob(ctx context.Context, id uuid.UUID) (domain.ScanJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return domain.ScanJob{}, apperr.NotFound("memory.GetScanJob", "scan %s not found", id)
	}
	return j, nil
}

// UpdateScanJob replaces job only while the stored status still equals from.
func (s *Store) UpdateScanJob(ctx context.Context, job domain.ScanJob, from domain.ScanStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[job.ID]
	if !ok {
		return apperr.NotFound("memory.UpdateScanJob", "scan %s not found", job.ID)
	}
	if cur.Status != from {
		return domain.ErrTransitionDenied
	}
	s.jobs[job.ID] = job
	return nil
}

// LatestScanJob returns the most recently started job, or nil when none exist.
func (s *Store) LatestScanJob(ctx context.Context) (*domain.ScanJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *domain.ScanJob
	for _, j := range s.jobs {
		if latest == nil || j.StartedAt.After(latest.StartedAt) {
			j := j
			latest = &j
		}
	}
	return latest, nil
}

// ListStaleScanJobs returns non-terminal jobs started before olderThan, oldest first.
func (s *Store) ListStaleScanJobs(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScanJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ScanJob
	for _, j := range s.jobs {
		if !j.Status.IsTerminal() && j.StartedAt.Before(olderThan) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.Before(out[b].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListByJurisdiction(ctx context.Context, jurisdiction string) ([]domain.MemberAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.MemberAddress
	for _, a := range s.addresses {
		if a.Address.State == jurisdiction {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertBulk inserts or fully replaces addresses owned by institutionID.
// The batch is rejected when any address belongs to another institution or
// would change the tenant of a stored address.
func (s *Store) UpsertBulk(ctx context.Context, institutionID string, addresses []domain.MemberAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range addresses {
		if a.InstitutionID != institutionID {
			return apperr.Validation("memory.UpsertBulk", "address %s belongs to %s, not %s", a.ID, a.InstitutionID, institutionID)
		}
		if cur, ok := s.addresses[a.ID]; ok && (cur.InstitutionID != institutionID || cur.TenantID != a.TenantID) {
			return apperr.Conflict("memory.UpsertBulk", "address %s is owned by %s/%s", a.ID, cur.TenantID, cur.InstitutionID)
		}
	}
	for _, a := range addresses {
		s.addresses[a.ID] = a
	}
	return nil
}

func (s *Store) GetAddress(ctx context.Context, id string) (domain.MemberAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.addresses[id]
	if !ok {
		return domain.MemberAddress{}, apperr.NotFound("memory.GetAddress", "address %s not found", id)
	}
	return a, nil
}

// Create stores a match once. A repeated id is a Conflict.
func (s *Store) Create(ctx context.Context, match domain.ListingMatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.matches[match.ID]; ok {
		return apperr.Conflict("memory.CreateMatch", "match %s already exists", match.ID)
	}
	s.matches[match.ID] = match
	return nil
}

func (s *Store) GetMatch(ctx context.Context, id uuid.UUID) (domain.ListingMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[id]
	if !ok {
		return domain.ListingMatch{}, apperr.NotFound("memory.GetMatch", "match %s not found", id)
	}
	return m, nil
}

// ListRecent pages matches newest first. An empty institutionID lists every match.
func (s *Store) ListRecent(ctx context.Context, institutionID string, limit, offset int) (domain.MatchPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []domain.ListingMatch
	for _, m := range s.matches {
		if institutionID == "" || contains(m.MatchedInstitutionIDs, institutionID) {
			all = append(all, m)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].DetectedAt.Equal(all[j].DetectedAt) {
			return all[i].ID.String() < all[j].ID.String()
		}
		return all[i].DetectedAt.After(all[j].DetectedAt)
	})

	page := domain.MatchPage{Total: len(all), Limit: limit, Offset: offset}
	if offset >= len(all) {
		return page, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page.Matches = all[offset:end]
	return page, nil
}

// PurgeOlderThan deletes matches detected before cutoff.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, m := range s.matches {
		if m.DetectedAt.Before(cutoff) {
			delete(s.matches, id)
			n++
		}
	}
	return n, nil
}

// GetSchedule returns nil when no schedule has been stored.
func (s *Store) GetSchedule(ctx context.Context) (*domain.ScheduleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == nil {
		return nil, nil
	}
	rec := *s.schedule
	return &rec, nil
}

func (s *Store) UpsertSchedule(ctx context.Context, rec domain.ScheduleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.schedule = &rec
	return nil
}

func (s *Store) RecordScheduleRun(ctx context.Context, expected domain.ScheduleRecord, lastRun time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.schedule
	if cur == nil ||
		cur.Expression != expected.Expression ||
		cur.TimeZone != expected.TimeZone ||
		!cur.UpdatedAt.Equal(expected.UpdatedAt) {
		return false, nil
	}
	at := lastRun
	cur.LastRun = &at
	return true, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
