// Package listings is an HTTP client for the external listings API.
package listings

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/apperr"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
)

const (
	defaultTimeout = 30 * time.Second
	// maxPages bounds pagination against a provider that never stops returning next_page.
	maxPages = 1000
)

type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultTimeout},
		logger:  slog.Default().With(slog.String("component", "listings")),
	}
}

func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger.With(slog.String("component", "listings"))
	return c
}

type addressDTO struct {
	Line1      string   `json:"line1"`
	Line2      string   `json:"line2,omitempty"`
	City       string   `json:"city"`
	State      string   `json:"state"`
	PostalCode string   `json:"postal_code"`
	Country    string   `json:"country,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
}

type listingDTO struct {
	ID           string     `json:"id"`
	Jurisdiction string     `json:"jurisdiction"`
	Address      addressDTO `json:"address"`
	MonthlyRent  *float64   `json:"monthly_rent,omitempty"`
	URL          string     `json:"url"`
	Kind         string     `json:"kind"`
	Severity     string     `json:"severity,omitempty"`
	ListedAt     time.Time  `json:"listed_at"`
}

type pageDTO struct {
	Listings []listingDTO `json:"listings"`
	NextPage int          `json:"next_page"`
}

func (d listingDTO) toDomain(jurisdiction string) domain.Listing {
	l := domain.Listing{
		ID:           d.ID,
		Jurisdiction: strings.ToUpper(d.Jurisdiction),
		Address: domain.PostalAddress{
			Line1:      d.Address.Line1,
			Line2:      d.Address.Line2,
			City:       d.Address.City,
			State:      strings.ToUpper(d.Address.State),
			PostalCode: d.Address.PostalCode,
			Country:    strings.ToUpper(d.Address.Country),
		},
		MonthlyRent: d.MonthlyRent,
		URL:         d.URL,
		Kind:        domain.ListingKind(strings.ToLower(d.Kind)),
		Severity:    domain.ParseSeverity(d.Severity),
		ListedAt:    d.ListedAt.UTC(),
	}
	if d.Address.Latitude != nil && d.Address.Longitude != nil {
		l.Address.Geo = &domain.GeoPoint{Latitude: *d.Address.Latitude, Longitude: *d.Address.Longitude}
	}
	if l.Jurisdiction == "" {
		l.Jurisdiction = jurisdiction
	}
	return l
}

// GetListings fetches every page of active listings for jurisdiction.
func (c *Client) GetListings(ctx context.Context, jurisdiction string) ([]domain.Listing, error) {
	const op = "listings.GetListings"

	var out []domain.Listing
	page := 1
	for n := 0; n < maxPages; n++ {
		q := url.Values{}
		q.Set("jurisdiction", jurisdiction)
		q.Set("page", strconv.Itoa(page))

		var p pageDTO
		found, err := c.getJSON(ctx, op, "/listings?"+q.Encode(), &p)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, apperr.Fatal(op, "listings endpoint not found")
		}
		for _, d := range p.Listings {
			out = append(out, d.toDomain(jurisdiction))
		}
		if p.NextPage == 0 || p.NextPage <= page {
			c.logger.Debug("listings fetched",
				slog.String("jurisdiction", jurisdiction),
				slog.Int("pages", n+1),
				slog.Int("count", len(out)))
			return out, nil
		}
		page = p.NextPage
	}
	return nil, apperr.Fatal(op, "pagination exceeded %d pages for %s", maxPages, jurisdiction)
}

// GetListing returns (nil, nil) when the provider has no such listing.
func (c *Client) GetListing(ctx context.Context, id string) (*domain.Listing, error) {
	const op = "listings.GetListing"

	var d listingDTO
	found, err := c.getJSON(ctx, op, "/listings/"+url.PathEscape(id), &d)
	if err != nil || !found {
		return nil, err
	}
	l := d.toDomain("")
	return &l, nil
}

// getJSON decodes a 2xx body into v. A 404 reports found=false.
func (c *Client) getJSON(ctx context.Context, op, path string, v any) (found bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, apperr.Wrap(apperr.KindFatal, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, apperr.Wrap(apperr.KindTransient, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, apperr.Transient(op, "provider returned %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, apperr.Fatal(op, "provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return false, apperr.Wrap(apperr.KindTransient, op, fmt.Errorf("decode: %w", err))
	}
	return true, nil
}
