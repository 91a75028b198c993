package models

import "fmt"

// Tier identifies an LLM deployment size class.
type Tier string

// Model tiers, ordered by capability and cost.
const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierSmall, TierMedium, TierLarge:
		return true
	}
	return false
}

// NextSmaller returns the next cheaper tier, or "" when there is none.
func (t Tier) NextSmaller() Tier {
	switch t {
	case TierLarge:
		return TierMedium
	case TierMedium:
		return TierSmall
	default:
		return ""
	}
}

// ParseTier validates and converts a string to a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier: %q", s)
	}
	return t, nil
}
