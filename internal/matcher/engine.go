// Package matcher correlates provider listings with member addresses and
// hands confirmed matches to the alert publisher.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/alert"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/apperr"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/transport/channel"
)

type ListingProvider interface {
	GetListings(ctx context.Context, jurisdiction string) ([]domain.Listing, error)
	// GetListing returns (nil, nil) when the listing does not exist.
	GetListing(ctx context.Context, id string) (*domain.Listing, error)
}

type AddressStore interface {
	ListByJurisdiction(ctx context.Context, jurisdiction string) ([]domain.MemberAddress, error)
	// UpsertBulk replaces the given addresses of one institution.
	UpsertBulk(ctx context.Context, institutionID string, addresses []domain.MemberAddress) error
}

type MatchStore interface {
	// Create must return an apperr Conflict when the match id already exists.
	Create(ctx context.Context, match domain.ListingMatch) error
}

type AlertPublisher interface {
	Publish(ctx context.Context, matches []domain.ListingMatch) alert.Result
}

type AnalyticsSink interface {
	Record(ctx context.Context, match domain.ListingMatch, config domain.AnalyticsConfig)
}

// MetricsSink records engine metrics. Methods must not block.
type MetricsSink interface {
	ListingsExamined(jurisdiction string, count int)
	MatchesFound(jurisdiction string, count int)
	MatchPersisted(outcome string)
}

type Engine struct {
	listings  ListingProvider
	addresses AddressStore
	matches   MatchStore
	publisher AlertPublisher

	analytics       AnalyticsSink // optional, nil = disabled
	analyticsConfig domain.AnalyticsConfig
	metrics         MetricsSink      // optional, nil = disabled
	emitter         *channel.Emitter // optional, nil = disabled
	logger          *slog.Logger
	clock           func() time.Time
}

func New(listings ListingProvider, addresses AddressStore, matches MatchStore, publisher AlertPublisher) *Engine {
	return &Engine{
		listings:  listings,
		addresses: addresses,
		matches:   matches,
		publisher: publisher,
		logger:    slog.Default().With(slog.String("component", "matcher")),
		clock:     time.Now,
	}
}

func (e *Engine) WithAnalytics(sink AnalyticsSink, config domain.AnalyticsConfig) *Engine {
	e.analytics = sink
	e.analyticsConfig = config
	return e
}

func (e *Engine) WithMetrics(sink MetricsSink) *Engine {
	e.metrics = sink
	return e
}

func (e *Engine) WithEmitter(em *channel.Emitter) *Engine {
	e.emitter = em
	return e
}

func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger.With(slog.String("component", "matcher"))
	return e
}

func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Examination is the outcome of comparing one jurisdiction's listings
// against member addresses.
type Examination struct {
	Jurisdiction     string
	ListingsExamined int
	Matches          []domain.ListingMatch
}

// FindMatches returns one match per listing whose normalized address equals
// at least one in-scope member address. Empty scopes mean every institution.
func (e *Engine) FindMatches(ctx context.Context, jurisdiction string, scopes []domain.Scope) ([]domain.ListingMatch, error) {
	ex, err := e.Examine(ctx, jurisdiction, scopes)
	if err != nil {
		return nil, err
	}
	return ex.Matches, nil
}

// Examine is FindMatches plus the number of listings compared.
func (e *Engine) Examine(ctx context.Context, jurisdiction string, scopes []domain.Scope) (Examination, error) {
	const op = "matcher.FindMatches"

	j, err := domain.ValidateJurisdiction(jurisdiction)
	if err != nil {
		return Examination{}, err
	}

	listings, err := e.listings.GetListings(ctx, j)
	if err != nil {
		return Examination{}, asTransient(op, "get listings", err)
	}

	index, err := e.indexAddresses(ctx, j, scopes)
	if err != nil {
		return Examination{}, err
	}

	ex := Examination{Jurisdiction: j}
	for _, l := range listings {
		if err := ctx.Err(); err != nil {
			return ex, err
		}
		ex.ListingsExamined++

		m, ok, err := e.matchListing(j, l, index)
		if err != nil {
			e.logger.Warn("skipping listing", slog.String("listing_id", l.ID), slog.Any("error", err))
			e.emitter.Warn(l.ID, "listing skipped", err)
			continue
		}
		if ok {
			ex.Matches = append(ex.Matches, m)
		}
	}

	if e.metrics != nil {
		e.metrics.ListingsExamined(j, ex.ListingsExamined)
		e.metrics.MatchesFound(j, len(ex.Matches))
	}
	e.logger.Info("listings examined",
		slog.String("jurisdiction", j),
		slog.Int("listings", ex.ListingsExamined),
		slog.Int("matches", len(ex.Matches)))
	return ex, nil
}

// MatchListing fetches one listing by id and matches it against in-scope
// addresses of its jurisdiction. The result is not persisted.
func (e *Engine) MatchListing(ctx context.Context, listingID string, scopes []domain.Scope) (*domain.ListingMatch, error) {
	const op = "matcher.MatchListing"

	l, err := e.listings.GetListing(ctx, listingID)
	if err != nil {
		return nil, asTransient(op, "get listing", err)
	}
	if l == nil {
		return nil, apperr.NotFound(op, "listing %s not found", listingID)
	}
	j, err := domain.ValidateJurisdiction(l.Jurisdiction)
	if err != nil {
		return nil, err
	}

	index, err := e.indexAddresses(ctx, j, scopes)
	if err != nil {
		return nil, err
	}
	m, ok, err := e.matchListing(j, *l, index)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

func (e *Engine) indexAddresses(ctx context.Context, jurisdiction string, scopes []domain.Scope) (map[string][]domain.MemberAddress, error) {
	addrs, err := e.addresses.ListByJurisdiction(ctx, jurisdiction)
	if err != nil {
		return nil, asTransient("matcher.indexAddresses", "list addresses", err)
	}
	index := make(map[string][]domain.MemberAddress)
	for _, a := range addrs {
		if !inScopes(a, scopes) {
			continue
		}
		key := NormalizeAddress(a.Address)
		index[key] = append(index[key], a)
	}
	return index, nil
}

func (e *Engine) matchListing(jurisdiction string, l domain.Listing, index map[string][]domain.MemberAddress) (domain.ListingMatch, bool, error) {
	if l.MonthlyRent != nil && *l.MonthlyRent < 0 {
		return domain.ListingMatch{}, false, apperr.Validation("matcher.matchListing", "listing %s has negative rent %.2f", l.ID, *l.MonthlyRent)
	}

	owners := index[NormalizeAddress(l.Address)]
	if len(owners) == 0 {
		return domain.ListingMatch{}, false, nil
	}

	ids := make([]string, len(owners))
	for i, a := range owners {
		ids[i] = a.ID
	}
	sort.Strings(ids)
	tenants, institutions := DeriveScopes(owners)

	return domain.ListingMatch{
		ID:                    domain.MatchID(jurisdiction, l.ID),
		ListingID:             l.ID,
		ListingAddress:        l.Address,
		MonthlyRent:           l.MonthlyRent,
		ListingURL:            l.URL,
		Severity:              severityFor(l),
		MatchedAddressIDs:     ids,
		MatchedTenantIDs:      tenants,
		MatchedInstitutionIDs: institutions,
		DetectedAt:            e.clock().UTC(),
		Jurisdiction:          jurisdiction,
	}, true, nil
}

func severityFor(l domain.Listing) domain.Severity {
	if l.Severity != "" {
		return l.Severity
	}
	switch l.Kind {
	case domain.ListingKindSale:
		return domain.SeverityCritical
	case domain.ListingKindRental:
		return domain.SeverityWarning
	default:
		return domain.SeverityInformational
	}
}

// PublishResult accounts for one PublishMatches call.
type PublishResult struct {
	// Persisted holds the matches stored by this call. Matches that already
	// existed are counted in Duplicates and are neither re-stamped nor
	// re-delivered.
	Persisted  []domain.ListingMatch
	Duplicates int
	// PersistFailures holds "persist:{matchId}" tokens.
	PersistFailures []string
	// AddressFailures holds "address:{institutionId}" tokens, or
	// "address:{jurisdiction}" when the owning addresses could not be read.
	AddressFailures []string
	Delivery        alert.Result
	Cancelled       bool
}

// Err reports persistence and address update failures. Delivery failures
// are reported by Delivery.Err.
func (r PublishResult) Err() error {
	failures := append(append([]string{}, r.PersistFailures...), r.AddressFailures...)
	if len(failures) == 0 {
		return nil
	}
	return apperr.Transient("matcher.PublishMatches", "%s", strings.Join(failures, ", "))
}

// PublishMatches persists each match, records the last match on every
// owning address and delivers the newly persisted matches. Matches already
// stored by an earlier call are skipped. Persisted matches are never rolled
// back.
func (e *Engine) PublishMatches(ctx context.Context, matches []domain.ListingMatch) PublishResult {
	var res PublishResult
	owners := make(map[string]map[string]domain.MemberAddress) // jurisdiction -> address id -> address
	lookupFailed := make(map[string]bool)

	for _, m := range matches {
		if ctx.Err() != nil {
			res.Cancelled = true
			e.logger.Info("publish cancelled", slog.Int("persisted", len(res.Persisted)))
			return res
		}

		var byID map[string]domain.MemberAddress
		if !lookupFailed[m.Jurisdiction] {
			var err error
			if byID, err = e.ownersFor(ctx, owners, m.Jurisdiction); err != nil {
				lookupFailed[m.Jurisdiction] = true
				res.AddressFailures = append(res.AddressFailures, "address:"+m.Jurisdiction)
				e.logger.Warn("owner lookup failed", slog.String("jurisdiction", m.Jurisdiction), slog.Any("error", err))
				e.emitter.Error(m.Jurisdiction, "owner lookup failed", err)
			}
		}
		if matched := pick(byID, m.MatchedAddressIDs); len(matched) > 0 {
			m.MatchedTenantIDs, m.MatchedInstitutionIDs = DeriveScopes(matched)
		}

		fresh, err := e.persist(ctx, m)
		if err != nil {
			res.PersistFailures = append(res.PersistFailures, "persist:"+m.ID.String())
			e.logger.Warn("match persistence failed", slog.String("match_id", m.ID.String()), slog.Any("error", err))
			e.emitter.Error(m.ID.String(), "match persistence failed", err)
			continue
		}
		if !fresh {
			res.Duplicates++
			continue
		}
		res.Persisted = append(res.Persisted, m)
		if e.analytics != nil && e.analyticsConfig.Enabled {
			e.analytics.Record(ctx, m, e.analyticsConfig)
		}
	}

	res.AddressFailures = append(res.AddressFailures, e.updateLastMatches(ctx, res.Persisted, owners)...)

	if e.publisher != nil && len(res.Persisted) > 0 {
		res.Delivery = e.publisher.Publish(ctx, res.Persisted)
	}
	e.emitter.Info("", fmt.Sprintf("published %d of %d matches (%d already known)", len(res.Persisted), len(matches), res.Duplicates))
	return res
}

func (e *Engine) persist(ctx context.Context, m domain.ListingMatch) (fresh bool, err error) {
	err = e.matches.Create(ctx, m)
	switch {
	case err == nil:
		e.observePersist("success")
		return true, nil
	case errors.Is(err, apperr.ErrConflict):
		e.observePersist("duplicate")
		return false, nil
	default:
		e.observePersist("failed")
		return false, err
	}
}

func (e *Engine) observePersist(outcome string) {
	if e.metrics != nil {
		e.metrics.MatchPersisted(outcome)
	}
}

func (e *Engine) ownersFor(ctx context.Context, cache map[string]map[string]domain.MemberAddress, jurisdiction string) (map[string]domain.MemberAddress, error) {
	if byID, ok := cache[jurisdiction]; ok {
		return byID, nil
	}
	addrs, err := e.addresses.ListByJurisdiction(ctx, jurisdiction)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.MemberAddress, len(addrs))
	for _, a := range addrs {
		byID[a.ID] = a
	}
	cache[jurisdiction] = byID
	return byID, nil
}

func pick(byID map[string]domain.MemberAddress, ids []string) []domain.MemberAddress {
	out := make([]domain.MemberAddress, 0, len(ids))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

// updateLastMatches writes the last-match pointer of every address owning a
// persisted match, one bulk upsert per institution.
func (e *Engine) updateLastMatches(ctx context.Context, persisted []domain.ListingMatch, cache map[string]map[string]domain.MemberAddress) []string {
	byInstitution := make(map[string]map[string]domain.MemberAddress)
	for _, m := range persisted {
		for _, a := range pick(cache[m.Jurisdiction], m.MatchedAddressIDs) {
			updated := a.WithLastMatch(m.ListingID, m.DetectedAt)
			if prev, ok := byInstitution[a.InstitutionID][a.ID]; ok && prev.LastMatchedAt.After(*updated.LastMatchedAt) {
				continue
			}
			if byInstitution[a.InstitutionID] == nil {
				byInstitution[a.InstitutionID] = make(map[string]domain.MemberAddress)
			}
			byInstitution[a.InstitutionID][a.ID] = updated
		}
	}

	institutions := make([]string, 0, len(byInstitution))
	for id := range byInstitution {
		institutions = append(institutions, id)
	}
	sort.Strings(institutions)

	var failures []string
	for _, inst := range institutions {
		addrs := make([]domain.MemberAddress, 0, len(byInstitution[inst]))
		for _, a := range byInstitution[inst] {
			addrs = append(addrs, a)
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i].ID < addrs[j].ID })

		if err := e.addresses.UpsertBulk(ctx, inst, addrs); err != nil {
			failures = append(failures, "address:"+inst)
			e.logger.Warn("last-match update failed", slog.String("institution_id", inst), slog.Any("error", err))
			e.emitter.Error(inst, "last-match update failed", err)
		}
	}
	return failures
}

// asTransient keeps an existing error kind and marks anything else transient.
func asTransient(op, what string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return fmt.Errorf("%s: %w", what, err)
	}
	return apperr.Wrap(apperr.KindTransient, op, fmt.Errorf("%s: %w", what, err))
}
