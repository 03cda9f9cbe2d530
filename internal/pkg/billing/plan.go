package billing

import (
	"context"
	"strings"

	"github.com/ManuelReschke/subsync/app/models"
)

// PlanTerms is what a provider product grants locally.
type PlanTerms struct {
	GroupID      uint
	DurationDays int
}

func normalizeProductRef(ref string) string {
	return strings.TrimSpace(ref)
}

func normalizeDuration(days, fallback int) int {
	if days > 0 {
		return days
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultDurationDays
}

// ResolvePlanTerms maps a provider product reference to a group and period
// length. Unknown or empty references fall back to group 0 and the default
// duration so a first-seen purchase is never dropped for lack of a mapping.
func (s *Service) ResolvePlanTerms(ctx context.Context, gateway models.Gateway, productRef string) (PlanTerms, error) {
	terms := PlanTerms{DurationDays: normalizeDuration(0, s.defaultDurationDays)}
	ref := normalizeProductRef(productRef)
	if ref == "" {
		return terms, nil
	}

	m, err := s.store.FindPlanMapping(ctx, gateway, ref)
	if err != nil {
		return terms, err
	}
	if m == nil {
		return terms, nil
	}
	terms.GroupID = m.GroupID
	terms.DurationDays = normalizeDuration(m.DurationDays, s.defaultDurationDays)
	return terms, nil
}
