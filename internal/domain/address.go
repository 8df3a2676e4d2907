package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/apperr"
)

type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

// PostalAddress is a structured street address.
type PostalAddress struct {
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string // ISO-3166 alpha-2
	Geo        *GeoPoint
}

var (
	countryPattern    = regexp.MustCompile(`^[A-Z]{2}$`)
	postalUS          = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
	postalCA          = regexp.MustCompile(`^[A-Z]\d[A-Z] ?\d[A-Z]\d$`)
	postalGeneric     = regexp.MustCompile(`^[A-Za-z0-9 \-]{3,10}$`)
	jurisdictionRegex = regexp.MustCompile(`^[A-Z]{2,3}$`)
)

// Validate checks required fields, country code and postal pattern.
// Country defaults to US when empty.
func (a PostalAddress) Validate() (PostalAddress, error) {
	const op = "address.Validate"

	a.Line1 = strings.TrimSpace(a.Line1)
	a.Line2 = strings.TrimSpace(a.Line2)
	a.City = strings.TrimSpace(a.City)
	a.State = strings.ToUpper(strings.TrimSpace(a.State))
	a.PostalCode = strings.ToUpper(strings.TrimSpace(a.PostalCode))
	a.Country = strings.ToUpper(strings.TrimSpace(a.Country))
	if a.Country == "" {
		a.Country = "US"
	}

	switch {
	case a.Line1 == "":
		return a, apperr.Validation(op, "line1 is required")
	case a.City == "":
		return a, apperr.Validation(op, "city is required")
	case a.State == "":
		return a, apperr.Validation(op, "state is required")
	case !countryPattern.MatchString(a.Country):
		return a, apperr.Validation(op, "country %q is not an ISO-3166 alpha-2 code", a.Country)
	}

	if a.PostalCode != "" {
		var pattern *regexp.Regexp
		switch a.Country {
		case "US":
			pattern = postalUS
		case "CA":
			pattern = postalCA
		default:
			pattern = postalGeneric
		}
		if !pattern.MatchString(a.PostalCode) {
			return a, apperr.Validation(op, "postal code %q is not valid for %s", a.PostalCode, a.Country)
		}
	}

	if a.Geo != nil {
		if a.Geo.Latitude < -90 || a.Geo.Latitude > 90 || a.Geo.Longitude < -180 || a.Geo.Longitude > 180 {
			return a, apperr.Validation(op, "geocoordinate out of range")
		}
	}
	return a, nil
}

// Format renders the address on one line, e.g. "123 Main St, Metropolis, CA 90210".
func (a PostalAddress) Format() string {
	parts := []string{a.Line1}
	if a.Line2 != "" {
		parts = append(parts, a.Line2)
	}
	parts = append(parts, a.City)
	tail := a.State
	if a.PostalCode != "" {
		tail += " " + a.PostalCode
	}
	parts = append(parts, strings.TrimSpace(tail))
	return strings.Join(parts, ", ")
}

// ValidateJurisdiction normalizes a state/province code.
func ValidateJurisdiction(j string) (string, error) {
	j = strings.ToUpper(strings.TrimSpace(j))
	if !jurisdictionRegex.MatchString(j) {
		return "", apperr.Validation("jurisdiction", "%q is not a state/province code", j)
	}
	return j, nil
}

// MemberAddress is a roster address owned by one institution under one tenant.
type MemberAddress struct {
	ID            string
	TenantID      string
	InstitutionID string
	Address       PostalAddress

	LastMatchedListingID *string
	LastMatchedAt        *time.Time
}

// NewMemberAddress validates addr and binds it to its owner.
func NewMemberAddress(id, tenantID, institutionID string, addr PostalAddress) (MemberAddress, error) {
	const op = "address.New"
	if id == "" {
		return MemberAddress{}, apperr.Validation(op, "id is required")
	}
	if tenantID == "" || institutionID == "" {
		return MemberAddress{}, apperr.Validation(op, "tenant and institution are required")
	}
	valid, err := addr.Validate()
	if err != nil {
		return MemberAddress{}, err
	}
	return MemberAddress{ID: id, TenantID: tenantID, InstitutionID: institutionID, Address: valid}, nil
}

// WithLastMatch returns a copy with both last-match fields replaced.
func (m MemberAddress) WithLastMatch(listingID string, at time.Time) MemberAddress {
	id := listingID
	t := at.UTC()
	m.LastMatchedListingID = &id
	m.LastMatchedAt = &t
	return m
}

// Scope restricts a scan to one institution of one tenant.
type Scope struct {
	TenantID      string
	InstitutionID string
}
