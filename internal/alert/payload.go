package alert

import (
	"time"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
)

// Payload is the normalized alert body shared by every transport.
type Payload struct {
	MatchID        string   `json:"match_id"`
	ListingID      string   `json:"listing_id"`
	ListingAddress string   `json:"listing_address"`
	MonthlyRent    *float64 `json:"monthly_rent,omitempty"`
	ListingURL     string   `json:"listing_url,omitempty"`
	Severity       string   `json:"severity"`
	DetectedAt     string   `json:"detected_at"`
	Jurisdiction   string   `json:"jurisdiction"`
	InstitutionIDs []string `json:"institution_ids"`
}

func NewPayload(m domain.ListingMatch) Payload {
	return Payload{
		MatchID:        m.ID.String(),
		ListingID:      m.ListingID,
		ListingAddress: m.ListingAddress.Format(),
		MonthlyRent:    m.MonthlyRent,
		ListingURL:     m.ListingURL,
		Severity:       string(m.Severity),
		DetectedAt:     m.DetectedAt.UTC().Format(time.RFC3339),
		Jurisdiction:   m.Jurisdiction,
		InstitutionIDs: m.MatchedInstitutionIDs,
	}
}
