package api

import (
	"time"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/orchestrator"
)

type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

type ScopeRequest struct {
	TenantID      string `json:"tenant_id,omitempty"`
	InstitutionID string `json:"institution_id"`
}

type StartScanRequest struct {
	Jurisdiction string `json:"jurisdiction"`
	// Scopes restricts an admin scan. Ignored for members.
	Scopes []ScopeRequest `json:"scopes,omitempty"`
}

type ScheduleRequest struct {
	CronExpression string `json:"cron_expression"`
	Timezone       string `json:"timezone"`
}

type ScanJobResponse struct {
	ID               string `json:"id"`
	Jurisdiction     string `json:"jurisdiction"`
	Status           string `json:"status"`
	StartedAt        string `json:"started_at"`
	CompletedAt      string `json:"completed_at,omitempty"`
	ListingsExamined int    `json:"listings_examined"`
	MatchesFound     int    `json:"matches_found"`
	Error            string `json:"error,omitempty"`
}

type ScheduleResponse struct {
	CronExpression string `json:"cron_expression"`
	Timezone       string `json:"timezone"`
	LastRun        string `json:"last_run,omitempty"`
	NextRun        string `json:"next_run"`
}

type ScanStatusResponse struct {
	Scan     *ScanJobResponse  `json:"scan"`
	Schedule *ScheduleResponse `json:"schedule"`
}

type MatchResponse struct {
	ID                    string   `json:"id"`
	ListingID             string   `json:"listing_id"`
	ListingAddress        string   `json:"listing_address"`
	MonthlyRent           *float64 `json:"monthly_rent,omitempty"`
	ListingURL            string   `json:"listing_url,omitempty"`
	Severity              string   `json:"severity"`
	Jurisdiction          string   `json:"jurisdiction"`
	DetectedAt            string   `json:"detected_at"`
	MatchedAddressIDs     []string `json:"matched_address_ids"`
	MatchedInstitutionIDs []string `json:"matched_institution_ids"`
}

type ListMatchesResponse struct {
	Matches []MatchResponse `json:"matches"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

type ListingMatchResponse struct {
	Matched bool           `json:"matched"`
	Match   *MatchResponse `json:"match,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toScanJobResponse(j domain.ScanJob) ScanJobResponse {
	resp := ScanJobResponse{
		ID:               j.ID.String(),
		Jurisdiction:     j.Jurisdiction,
		Status:           string(j.Status),
		StartedAt:        formatTime(j.StartedAt),
		ListingsExamined: j.ListingsExamined,
		MatchesFound:     j.MatchesFound,
		Error:            j.Error,
	}
	if j.CompletedAt != nil {
		resp.CompletedAt = formatTime(*j.CompletedAt)
	}
	return resp
}

func toScheduleResponse(s orchestrator.ScheduleSummary) ScheduleResponse {
	resp := ScheduleResponse{
		CronExpression: s.Expression,
		Timezone:       s.TimeZone,
		NextRun:        formatTime(s.NextRun),
	}
	if s.LastRun != nil {
		resp.LastRun = formatTime(*s.LastRun)
	}
	return resp
}

// toMatchResponse hides other institutions from members.
func toMatchResponse(m domain.ListingMatch, caller Caller) MatchResponse {
	resp := MatchResponse{
		ID:                    m.ID.String(),
		ListingID:             m.ListingID,
		ListingAddress:        m.ListingAddress.Format(),
		MonthlyRent:           m.MonthlyRent,
		ListingURL:            m.ListingURL,
		Severity:              string(m.Severity),
		Jurisdiction:          m.Jurisdiction,
		DetectedAt:            formatTime(m.DetectedAt),
		MatchedAddressIDs:     m.MatchedAddressIDs,
		MatchedInstitutionIDs: m.MatchedInstitutionIDs,
	}
	if !caller.Admin() {
		resp.MatchedInstitutionIDs = []string{caller.InstitutionID}
	}
	if resp.MatchedAddressIDs == nil {
		resp.MatchedAddressIDs = []string{}
	}
	return resp
}
