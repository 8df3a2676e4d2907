package matcher

import (
	"sort"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
)

// DeriveScopes returns the sorted unique tenant and institution ids owning addresses.
func DeriveScopes(addresses []domain.MemberAddress) (tenantIDs, institutionIDs []string) {
	tenants := make(map[string]struct{}, len(addresses))
	institutions := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		tenants[a.TenantID] = struct{}{}
		institutions[a.InstitutionID] = struct{}{}
	}
	return sortedKeys(tenants), sortedKeys(institutions)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func inScopes(a domain.MemberAddress, scopes []domain.Scope) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, s := range scopes {
		if s.InstitutionID != a.InstitutionID {
			continue
		}
		if s.TenantID == "" || s.TenantID == a.TenantID {
			return true
		}
	}
	return false
}
