package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type ListingKind string

const (
	ListingKindRental ListingKind = "rental"
	ListingKindSale   ListingKind = "sale"
)

type Severity string

const (
	SeverityInformational Severity = "informational"
	SeverityWarning       Severity = "warning"
	SeverityCritical      Severity = "critical"
)

// ParseSeverity accepts any case. Unknown values return "".
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityInformational:
		return SeverityInformational
	case SeverityWarning:
		return SeverityWarning
	case SeverityCritical:
		return SeverityCritical
	}
	return ""
}

// Listing is a rental or sale record from the listings provider.
type Listing struct {
	ID           string
	Jurisdiction string
	Address      PostalAddress
	MonthlyRent  *float64
	URL          string
	Kind         ListingKind
	Severity     Severity // optional provider override
	ListedAt     time.Time
}

// ListingMatch correlates one listing with every member address it equals.
type ListingMatch struct {
	ID             uuid.UUID
	ListingID      string
	ListingAddress PostalAddress
	MonthlyRent    *float64
	ListingURL     string
	Severity       Severity

	MatchedAddressIDs     []string
	MatchedTenantIDs      []string
	MatchedInstitutionIDs []string

	DetectedAt   time.Time
	Jurisdiction string
}

var matchNamespace = uuid.MustParse("6f1c1f55-2b7e-4d0a-9a57-7c1f0b3e8a41")

// MatchID derives a stable id so that re-finding a listing in a later scan
// yields the same match.
func MatchID(jurisdiction, listingID string) uuid.UUID {
	return uuid.NewSHA1(matchNamespace, []byte(strings.ToUpper(jurisdiction)+"|"+listingID))
}

// MatchPage is one page of ListRecent results.
type MatchPage struct {
	Matches []ListingMatch
	Total   int
	Limit   int
	Offset  int
}
