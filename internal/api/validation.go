package api

import (
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/apperr"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/domain"
)

func validateStartScan(req StartScanRequest) error {
	if req.Jurisdiction == "" {
		return apperr.Validation("api.StartScan", "jurisdiction is required")
	}
	if _, err := domain.ValidateJurisdiction(req.Jurisdiction); err != nil {
		return err
	}
	for i, s := range req.Scopes {
		if s.InstitutionID == "" {
			return apperr.Validation("api.StartScan", "scopes[%d]: institution_id is required", i)
		}
	}
	return nil
}
