// Package model resolves run tiers to concrete model endpoints.
// Stage runs name a tier (lite, pro, review) instead of a model, and the
// registry maps each tier to a preference-ordered endpoint chain whose health
// is tracked by a circuit breaker.
package model

// Tier is a cost/quality class of model endpoints.
type Tier string

const (
	// TierLite is for cheap, fast responses. It is also the degrade target.
	TierLite Tier = "lite"

	// TierPro is the primary generation tier.
	TierPro Tier = "pro"

	// TierReview is the strongest, slowest tier.
	TierReview Tier = "review"
)

// IsValid checks if a tier string is a known tier.
func (t Tier) IsValid() bool {
	switch t {
	case TierLite, TierPro, TierReview:
		return true
	}
	return false
}

// String returns the string representation of the tier.
func (t Tier) String() string {
	return string(t)
}

// ParseTier converts a string to a Tier, returning empty for invalid values.
func ParseTier(s string) Tier {
	t := Tier(s)
	if t.IsValid() {
		return t
	}
	return ""
}
