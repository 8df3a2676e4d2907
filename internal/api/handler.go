// Package api serves the operator and member HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/apperr"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/orchestrator"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

type Scanner interface {
	StartScan(ctx context.Context, jurisdiction string, scopes ...domain.Scope) (domain.ScanJob, error)
	StopScan(ctx context.Context, id uuid.UUID) (domain.ScanJob, error)
	GetScanStatus(ctx context.Context) (orchestrator.Status, error)
	ScheduleScan(ctx context.Context, expression, timeZone string) (orchestrator.ScheduleSummary, error)
}

type MatchReader interface {
	ListRecent(ctx context.Context, institutionID string, limit, offset int) (domain.MatchPage, error)
}

// ListingMatcher previews the match of a single listing without persisting it.
type ListingMatcher interface {
	MatchListing(ctx context.Context, listingID string, scopes []domain.Scope) (*domain.ListingMatch, error)
}

// LogStream is the subset of the log broker served over SSE.
type LogStream interface {
	Subscribe(ctx context.Context, connectionID string) (<-chan domain.LogEvent, error)
}

// HealthChecker provides store health for the verbose /health response.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	scanner Scanner
	matches MatchReader

	listings ListingMatcher // optional, nil = route disabled
	logs     LogStream      // optional, nil = route disabled
	health   HealthChecker  // optional
	logger   *slog.Logger

	heartbeat time.Duration
}

func NewHandler(scanner Scanner, matches MatchReader) *Handler {
	return &Handler{
		scanner:   scanner,
		matches:   matches,
		logger:    slog.Default().With(slog.String("component", "api")),
		heartbeat: 15 * time.Second,
	}
}

func (h *Handler) WithListingMatcher(m ListingMatcher) *Handler {
	h.listings = m
	return h
}

func (h *Handler) WithLogStream(s LogStream) *Handler {
	h.logs = s
	return h
}

// WithHealthChecker sets the store health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(c HealthChecker) *Handler {
	h.health = c
	return h
}

func (h *Handler) WithLogger(logger *slog.Logger) *Handler {
	h.logger = logger.With(slog.String("component", "api"))
	return h
}

// Router builds the chi router. Extra middlewares run in the given order
// after request id and panic recovery.
func (h *Handler) Router(middlewares ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	for _, mw := range middlewares {
		r.Use(mw)
	}

	r.Get("/health", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(callerContext)

		r.Post("/scans", h.handleStartScan)
		r.Delete("/scans/{id}", h.handleStopScan)
		r.Get("/scans/status", h.handleScanStatus)
		r.Put("/schedule", h.handleSchedule)
		r.Get("/matches", h.handleListMatches)
		if h.listings != nil {
			r.Get("/listings/{id}/matches", h.handleMatchListing)
		}
		if h.logs != nil {
			r.Get("/events", h.handleEvents)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	if !verbose || h.health == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{Status: "ok", Components: make(map[string]string)}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := h.health.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["store"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["store"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

func (h *Handler) handleStartScan(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	if !caller.Admin() && caller.InstitutionID == "" {
		writeError(w, http.StatusUnauthorized, "missing institution context")
		return
	}

	var req StartScanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validateStartScan(req); err != nil {
		h.writeAppError(w, err)
		return
	}

	// members scan only their own institution
	scopes := []domain.Scope{caller.Scope()}
	if caller.Admin() {
		scopes = scopes[:0]
		for _, s := range req.Scopes {
			scopes = append(scopes, domain.Scope{TenantID: s.TenantID, InstitutionID: s.InstitutionID})
		}
	}

	job, err := h.scanner.StartScan(r.Context(), req.Jurisdiction, scopes...)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toScanJobResponse(job))
}

func (h *Handler) handleStopScan(w http.ResponseWriter, r *http.Request) {
	if !callerFrom(r.Context()).Admin() {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scan id")
		return
	}

	job, err := h.scanner.StopScan(r.Context(), id)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScanJobResponse(job))
}

func (h *Handler) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.scanner.GetScanStatus(r.Context())
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	resp := ScanStatusResponse{}
	if st.Job != nil {
		j := toScanJobResponse(*st.Job)
		resp.Scan = &j
	}
	if st.Schedule != nil {
		s := toScheduleResponse(*st.Schedule)
		resp.Schedule = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if !callerFrom(r.Context()).Admin() {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	var req ScheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	summary, err := h.scanner.ScheduleScan(r.Context(), req.CronExpression, req.Timezone)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResponse(summary))
}

func (h *Handler) handleListMatches(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	institution := caller.InstitutionID
	if caller.Admin() {
		// admins may narrow to one institution
		institution = r.URL.Query().Get("institution_id")
	} else if institution == "" {
		writeError(w, http.StatusUnauthorized, "missing institution context")
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := h.matches.ListRecent(r.Context(), institution, limit, offset)
	if err != nil {
		h.writeAppError(w, err)
		return
	}

	resp := ListMatchesResponse{
		Matches: make([]MatchResponse, len(page.Matches)),
		Total:   page.Total,
		Limit:   page.Limit,
		Offset:  page.Offset,
	}
	for i, m := range page.Matches {
		resp.Matches[i] = toMatchResponse(m, caller)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleMatchListing(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	var scopes []domain.Scope
	if !caller.Admin() {
		if caller.InstitutionID == "" {
			writeError(w, http.StatusUnauthorized, "missing institution context")
			return
		}
		scopes = []domain.Scope{caller.Scope()}
	}

	m, err := h.listings.MatchListing(r.Context(), chi.URLParam(r, "id"), scopes)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	if m == nil {
		writeJSON(w, http.StatusOK, ListingMatchResponse{Matched: false})
		return
	}
	resp := toMatchResponse(*m, caller)
	writeJSON(w, http.StatusOK, ListingMatchResponse{Matched: true, Match: &resp})
}

// writeAppError maps an apperr kind to its HTTP status.
func (h *Handler) writeAppError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", slog.Any("error", err))
		msg = "internal error"
	}
	writeError(w, status, msg)
}

// StatusFor maps an error to the HTTP status of its apperr kind.
func StatusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	// Limit request body size to prevent DoS via large payloads
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api: json encode error", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// limit=0 or absent means DefaultLimit.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
