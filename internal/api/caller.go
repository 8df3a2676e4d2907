package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
)

// Headers set by the upstream authenticating proxy.
const (
	HeaderTenantID      = "X-Tenant-ID"
	HeaderInstitutionID = "X-Institution-ID"
	HeaderRole          = "X-Role"
)

const RoleAdmin = "admin"

// Caller is the tenant context of a request.
type Caller struct {
	TenantID      string
	InstitutionID string
	Role          string
}

func (c Caller) Admin() bool { return c.Role == RoleAdmin }

func (c Caller) Scope() domain.Scope {
	return domain.Scope{TenantID: c.TenantID, InstitutionID: c.InstitutionID}
}

type callerKey struct{}

// callerContext reads the caller headers into the request context.
func callerContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := Caller{
			TenantID:      strings.TrimSpace(r.Header.Get(HeaderTenantID)),
			InstitutionID: strings.TrimSpace(r.Header.Get(HeaderInstitutionID)),
			Role:          strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderRole))),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, c)))
	})
}

func callerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}
