package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/apperr"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/orchestrator"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/store/memory"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/testutil"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/transport/channel"
)

// mockScanner implements Scanner for handler tests.
type mockScanner struct {
	mu sync.Mutex

	startFn    func(ctx context.Context, jurisdiction string, scopes ...domain.Scope) (domain.ScanJob, error)
	stopFn     func(ctx context.Context, id uuid.UUID) (domain.ScanJob, error)
	statusFn   func(ctx context.Context) (orchestrator.Status, error)
	scheduleFn func(ctx context.Context, expression, timeZone string) (orchestrator.ScheduleSummary, error)

	startScopes []domain.Scope
}

func (s *mockScanner) StartScan(ctx context.Context, jurisdiction string, scopes ...domain.Scope) (domain.ScanJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startScopes = scopes
	if s.startFn != nil {
		return s.startFn(ctx, jurisdiction, scopes...)
	}
	return domain.ScanJob{ID: uuid.New(), Jurisdiction: strings.ToUpper(jurisdiction), Status: domain.ScanStatusRunning}, nil
}

func (s *mockScanner) StopScan(ctx context.Context, id uuid.UUID) (domain.ScanJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopFn != nil {
		return s.stopFn(ctx, id)
	}
	return domain.ScanJob{ID: id, Status: domain.ScanStatusCancelled}, nil
}

func (s *mockScanner) GetScanStatus(ctx context.Context) (orchestrator.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusFn != nil {
		return s.statusFn(ctx)
	}
	return orchestrator.Status{}, nil
}

func (s *mockScanner) ScheduleScan(ctx context.Context, expression, timeZone string) (orchestrator.ScheduleSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduleFn != nil {
		return s.scheduleFn(ctx, expression, timeZone)
	}
	return orchestrator.ScheduleSummary{Expression: expression, TimeZone: timeZone}, nil
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) Ping(ctx context.Context) error { return m.err }

type mockListingMatcher struct {
	match  *domain.ListingMatch
	err    error
	scopes []domain.Scope
}

func (m *mockListingMatcher) MatchListing(ctx context.Context, listingID string, scopes []domain.Scope) (*domain.ListingMatch, error) {
	m.scopes = scopes
	return m.match, m.err
}

func newTestHandler(scanner Scanner, matches MatchReader) *Handler {
	return NewHandler(scanner, matches).WithLogger(testutil.DiscardLogger())
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var (
	admin  = map[string]string{HeaderRole: "admin"}
	member = map[string]string{HeaderTenantID: "T1", HeaderInstitutionID: "I1", HeaderRole: "member"}
)

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestHealth(t *testing.T) {
	h := newTestHandler(&mockScanner{}, memory.New())

	rec := do(t, h.Router(), http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decode[HealthResponse](t, rec); got.Status != "ok" {
		t.Errorf("Status = %q, want ok", got.Status)
	}
}

func TestHealth_VerboseDegraded(t *testing.T) {
	h := newTestHandler(&mockScanner{}, memory.New()).
		WithHealthChecker(&mockHealthChecker{err: errors.New("connection refused")})

	rec := do(t, h.Router(), http.MethodGet, "/health?verbose=true", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	got := decode[HealthResponse](t, rec)
	if got.Status != "degraded" || !strings.Contains(got.Components["store"], "connection refused") {
		t.Errorf("response = %+v", got)
	}
}

func TestStartScan(t *testing.T) {
	cases := []struct {
		name       string
		body       string
		headers    map[string]string
		startErr   error
		wantStatus int
	}{
		{"admin accepted", `{"jurisdiction":"ca"}`, admin, nil, http.StatusAccepted},
		{"member accepted", `{"jurisdiction":"CA"}`, member, nil, http.StatusAccepted},
		{"no caller context", `{"jurisdiction":"CA"}`, nil, nil, http.StatusUnauthorized},
		{"invalid json", `{`, admin, nil, http.StatusBadRequest},
		{"missing jurisdiction", `{}`, admin, nil, http.StatusBadRequest},
		{"bad jurisdiction", `{"jurisdiction":"California"}`, admin, nil, http.StatusBadRequest},
		{"scope without institution", `{"jurisdiction":"CA","scopes":[{"tenant_id":"T1"}]}`, admin, nil, http.StatusBadRequest},
		{"already running", `{"jurisdiction":"CA"}`, admin, apperr.Conflict("op", "scan of CA already active"), http.StatusConflict},
		{"store down", `{"jurisdiction":"CA"}`, admin, apperr.Transient("op", "db unavailable"), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scanner := &mockScanner{}
			if tc.startErr != nil {
				scanner.startFn = func(ctx context.Context, j string, scopes ...domain.Scope) (domain.ScanJob, error) {
					return domain.ScanJob{}, tc.startErr
				}
			}
			rec := do(t, newTestHandler(scanner, memory.New()).Router(), http.MethodPost, "/scans", tc.body, tc.headers)
			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tc.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestStartScan_Scopes(t *testing.T) {
	scanner := &mockScanner{}
	h := newTestHandler(scanner, memory.New()).Router()

	// members are pinned to their own institution
	rec := do(t, h, http.MethodPost, "/scans", `{"jurisdiction":"CA","scopes":[{"institution_id":"OTHER"}]}`, member)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	want := []domain.Scope{{TenantID: "T1", InstitutionID: "I1"}}
	if diff := cmp.Diff(want, scanner.startScopes); diff != "" {
		t.Errorf("member scopes mismatch (-want +got):\n%s", diff)
	}

	rec = do(t, h, http.MethodPost, "/scans", `{"jurisdiction":"CA","scopes":[{"tenant_id":"T9","institution_id":"I9"}]}`, admin)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	want = []domain.Scope{{TenantID: "T9", InstitutionID: "I9"}}
	if diff := cmp.Diff(want, scanner.startScopes); diff != "" {
		t.Errorf("admin scopes mismatch (-want +got):\n%s", diff)
	}

	got := decode[ScanJobResponse](t, rec)
	if got.Status != "running" || got.Jurisdiction != "CA" {
		t.Errorf("response = %+v", got)
	}
}

func TestStopScan(t *testing.T) {
	id := uuid.New()
	scanner := &mockScanner{stopFn: func(ctx context.Context, got uuid.UUID) (domain.ScanJob, error) {
		switch got {
		case id:
			return domain.ScanJob{ID: id, Status: domain.ScanStatusCancelled, Error: "cancelled by request"}, nil
		default:
			return domain.ScanJob{}, apperr.NotFound("op", "scan %s", got)
		}
	}}
	h := newTestHandler(scanner, memory.New()).Router()

	rec := do(t, h, http.MethodDelete, "/scans/"+id.String(), "", admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decode[ScanJobResponse](t, rec); got.Status != "cancelled" {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}

	if rec := do(t, h, http.MethodDelete, "/scans/"+uuid.NewString(), "", admin); rec.Code != http.StatusNotFound {
		t.Errorf("unknown scan status = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/scans/not-a-uuid", "", admin); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/scans/"+id.String(), "", member); rec.Code != http.StatusForbidden {
		t.Errorf("member stop status = %d, want 403", rec.Code)
	}
}

func TestScanStatus(t *testing.T) {
	started := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	last := started
	scanner := &mockScanner{statusFn: func(ctx context.Context) (orchestrator.Status, error) {
		return orchestrator.Status{
			Job: &domain.ScanJob{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), Jurisdiction: "CA", Status: domain.ScanStatusRunning, StartedAt: started},
			Schedule: &orchestrator.ScheduleSummary{
				Expression: "0 * * * *", TimeZone: "UTC", LastRun: &last, NextRun: started.Add(time.Hour),
			},
		}, nil
	}}

	rec := do(t, newTestHandler(scanner, memory.New()).Router(), http.MethodGet, "/scans/status", "", member)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	want := ScanStatusResponse{
		Scan: &ScanJobResponse{
			ID:           "00000000-0000-0000-0000-000000000001",
			Jurisdiction: "CA",
			Status:       "running",
			StartedAt:    "2026-03-02T11:00:00Z",
		},
		Schedule: &ScheduleResponse{
			CronExpression: "0 * * * *",
			Timezone:       "UTC",
			LastRun:        "2026-03-02T11:00:00Z",
			NextRun:        "2026-03-02T12:00:00Z",
		},
	}
	if diff := cmp.Diff(want, decode[ScanStatusResponse](t, rec)); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestSchedule(t *testing.T) {
	scanner := &mockScanner{scheduleFn: func(ctx context.Context, expr, tz string) (orchestrator.ScheduleSummary, error) {
		if expr != "0 6 * * *" {
			return orchestrator.ScheduleSummary{}, apperr.Validation("cron.New", "bad expression %q", expr)
		}
		return orchestrator.ScheduleSummary{Expression: expr, TimeZone: tz, NextRun: time.Date(2026, 3, 3, 6, 0, 0, 0, time.UTC)}, nil
	}}
	h := newTestHandler(scanner, memory.New()).Router()

	rec := do(t, h, http.MethodPut, "/schedule", `{"cron_expression":"0 6 * * *","timezone":"UTC"}`, admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decode[ScheduleResponse](t, rec); got.NextRun != "2026-03-03T06:00:00Z" {
		t.Errorf("NextRun = %q", got.NextRun)
	}

	if rec := do(t, h, http.MethodPut, "/schedule", `{"cron_expression":"nope"}`, admin); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid status = %d, want 400", rec.Code)
	}
	if rec := do(t, h, http.MethodPut, "/schedule", `{"cron_expression":"0 6 * * *"}`, member); rec.Code != http.StatusForbidden {
		t.Errorf("member status = %d, want 403", rec.Code)
	}
}

func seedMatches(t *testing.T, store *memory.Store) {
	t.Helper()
	ctx := testutil.TestContext(t)
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for i, insts := range [][]string{{"I1"}, {"I2"}, {"I1", "I2"}} {
		m := domain.ListingMatch{
			ID:                    domain.MatchID("CA", string(rune('a'+i))),
			ListingID:             string(rune('a' + i)),
			ListingAddress:        domain.PostalAddress{Line1: "1 Main St", City: "Metropolis", State: "CA", PostalCode: "90210"},
			Severity:              domain.SeverityWarning,
			Jurisdiction:          "CA",
			DetectedAt:            base.Add(time.Duration(i) * time.Minute),
			MatchedAddressIDs:     []string{"A"},
			MatchedInstitutionIDs: insts,
		}
		if err := store.Create(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
}

func TestListMatches_Scoping(t *testing.T) {
	store := memory.New()
	seedMatches(t, store)
	h := newTestHandler(&mockScanner{}, store).Router()

	rec := do(t, h, http.MethodGet, "/matches", "", member)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[ListMatchesResponse](t, rec)
	if got.Total != 2 || len(got.Matches) != 2 {
		t.Fatalf("member total = %d, want 2", got.Total)
	}
	// newest first, other institutions hidden
	if got.Matches[0].ListingID != "c" {
		t.Errorf("first = %q, want c", got.Matches[0].ListingID)
	}
	if diff := cmp.Diff([]string{"I1"}, got.Matches[0].MatchedInstitutionIDs); diff != "" {
		t.Errorf("institutions mismatch (-want +got):\n%s", diff)
	}

	rec = do(t, h, http.MethodGet, "/matches?limit=1&offset=1", "", admin)
	got = decode[ListMatchesResponse](t, rec)
	if got.Total != 3 || len(got.Matches) != 1 || got.Matches[0].ListingID != "b" {
		t.Errorf("admin page = %+v", got)
	}

	rec = do(t, h, http.MethodGet, "/matches?institution_id=I2", "", admin)
	if got := decode[ListMatchesResponse](t, rec); got.Total != 2 {
		t.Errorf("admin narrowed total = %d, want 2", got.Total)
	}

	if rec := do(t, h, http.MethodGet, "/matches", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/matches?limit=5000", "", admin); rec.Code != http.StatusBadRequest {
		t.Errorf("oversized limit status = %d, want 400", rec.Code)
	}
}

func TestMatchListing(t *testing.T) {
	lm := &mockListingMatcher{match: &domain.ListingMatch{
		ID: domain.MatchID("CA", "L-1"), ListingID: "L-1", Severity: domain.SeverityWarning,
		MatchedInstitutionIDs: []string{"I1", "I2"},
	}}
	h := newTestHandler(&mockScanner{}, memory.New()).WithListingMatcher(lm).Router()

	rec := do(t, h, http.MethodGet, "/listings/L-1/matches", "", member)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[ListingMatchResponse](t, rec)
	if !got.Matched || got.Match.ListingID != "L-1" {
		t.Errorf("response = %+v", got)
	}
	if diff := cmp.Diff([]domain.Scope{{TenantID: "T1", InstitutionID: "I1"}}, lm.scopes); diff != "" {
		t.Errorf("scopes mismatch (-want +got):\n%s", diff)
	}

	lm.match, lm.err = nil, apperr.NotFound("matcher.MatchListing", "listing %q not found", "L-2")
	if rec := do(t, h, http.MethodGet, "/listings/L-2/matches", "", admin); rec.Code != http.StatusNotFound {
		t.Errorf("missing listing status = %d, want 404", rec.Code)
	}

	lm.err = nil
	rec = do(t, h, http.MethodGet, "/listings/L-3/matches", "", admin)
	if got := decode[ListingMatchResponse](t, rec); got.Matched {
		t.Errorf("Matched = true for no match")
	}
}

func TestRoutes_NotFoundAndMethod(t *testing.T) {
	h := newTestHandler(&mockScanner{}, memory.New()).Router()
	if rec := do(t, h, http.MethodGet, "/nope", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodPatch, "/health", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	// optional routes are absent when not configured
	if rec := do(t, h, http.MethodGet, "/events?connection_id=x", "", admin); rec.Code != http.StatusNotFound {
		t.Errorf("events status = %d, want 404", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.Validation("op", "x"), http.StatusBadRequest},
		{apperr.Conflict("op", "x"), http.StatusConflict},
		{apperr.NotFound("op", "x"), http.StatusNotFound},
		{apperr.Transient("op", "x"), http.StatusServiceUnavailable},
		{apperr.Fatal("op", "x"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		if got := StatusFor(tc.err); got != tc.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestParsePagination(t *testing.T) {
	cases := []struct {
		query              string
		wantLimit, wantOff int
		wantErr            bool
	}{
		{"", DefaultLimit, 0, false},
		{"limit=50&offset=100", 50, 100, false},
		{"limit=0", DefaultLimit, 0, false},
		{"limit=1000", MaxLimit, 0, false},
		{"limit=2000", 0, 0, true},
		{"limit=-1", 0, 0, true},
		{"offset=-1", 0, 0, true},
		{"limit=abc", 0, 0, true},
		{"offset=xyz", 0, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/matches?"+tc.query, nil)
			limit, offset, err := parsePagination(req)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if !tc.wantErr && (limit != tc.wantLimit || offset != tc.wantOff) {
				t.Errorf("got %d/%d, want %d/%d", limit, offset, tc.wantLimit, tc.wantOff)
			}
		})
	}
}

func TestEvents_StreamsAndRejectsDuplicates(t *testing.T) {
	broker := channel.NewBroker(channel.WithLogger(testutil.DiscardLogger()))
	defer broker.Close()
	h := newTestHandler(&mockScanner{}, memory.New()).WithLogStream(broker)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?connection_id=c1", nil)
	req.Header.Set(HeaderRole, "admin")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// the same connection id is taken while c1 is open
	dup, _ := http.NewRequest(http.MethodGet, srv.URL+"/events?connection_id=c1", nil)
	dup.Header.Set(HeaderRole, "admin")
	dupResp, err := http.DefaultClient.Do(dup)
	if err != nil {
		t.Fatal(err)
	}
	dupResp.Body.Close()
	if dupResp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", dupResp.StatusCode)
	}

	broker.Emitter("orchestrator").Info("scan-1", "scan of CA running")

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	var ev domain.LogEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("decode event %q: %v", data, err)
	}
	if ev.Message != "scan of CA running" || ev.Source != "orchestrator" || ev.SubjectID != "scan-1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestEvents_RequiresConnectionID(t *testing.T) {
	broker := channel.NewBroker()
	defer broker.Close()
	h := newTestHandler(&mockScanner{}, memory.New()).WithLogStream(broker).Router()

	if rec := do(t, h, http.MethodGet, "/events", "", admin); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/events?connection_id=x", "", member); rec.Code != http.StatusForbidden {
		t.Errorf("member status = %d, want 403", rec.Code)
	}
}
