package simulation

import (
	"fmt"

	"market_pulse/internal/domain"
)

// VolatilityProfile holds the per-category parameters of the random walk.
type VolatilityProfile struct {
	Category         domain.Category
	BaseVolatility   float64 // Fraction of price moved per step at multiplier 1
	UpdateIntervalMs int64   // Minimum time between two price moves
	TrendPersistence float64 // Probability of keeping the previous direction
	MaxDeviation     float64 // Envelope half-width as a fraction of the base price
}

// Validate checks that the profile keeps the walk bounded.
func (p VolatilityProfile) Validate() error {
	if p.BaseVolatility < 0 {
		return fmt.Errorf("%s: base volatility must not be negative", p.Category)
	}
	if p.UpdateIntervalMs <= 0 {
		return fmt.Errorf("%s: update interval must be positive", p.Category)
	}
	if p.TrendPersistence < 0 || p.TrendPersistence > 1 {
		return fmt.Errorf("%s: trend persistence must be within [0, 1]", p.Category)
	}
	if p.MaxDeviation <= 0 {
		return fmt.Errorf("%s: max deviation must be positive", p.Category)
	}
	return nil
}

// ProfileTable is the static category lookup.
type ProfileTable map[domain.Category]VolatilityProfile

// DefaultProfiles returns the built-in table.
func DefaultProfiles() ProfileTable {
	return ProfileTable{
		domain.CategoryCrypto:      {domain.CategoryCrypto, 0.0020, 1000, 0.70, 0.15},
		domain.CategoryForex:       {domain.CategoryForex, 0.0003, 2000, 0.60, 0.02},
		domain.CategoryIndices:     {domain.CategoryIndices, 0.0008, 2000, 0.65, 0.05},
		domain.CategoryEquities:    {domain.CategoryEquities, 0.0010, 2000, 0.60, 0.08},
		domain.CategoryCommodities: {domain.CategoryCommodities, 0.0007, 2000, 0.60, 0.06},
		domain.CategoryBaskets:     {domain.CategoryBaskets, 0.0006, 2000, 0.60, 0.05},
		domain.CategoryDerivatives: {domain.CategoryDerivatives, 0.0015, 1000, 0.65, 0.10},
		domain.CategorySynthetics:  {domain.CategorySynthetics, 0.0010, 1000, 0.50, 0.10},
	}
}

// Lookup returns the profile for c, falling back to synthetics.
func (t ProfileTable) Lookup(c domain.Category) VolatilityProfile {
	if p, ok := t[c]; ok {
		return p
	}
	if p, ok := t[domain.CategorySynthetics]; ok {
		return p
	}
	return DefaultProfiles()[domain.CategorySynthetics]
}

// With returns a copy of the table with overrides applied.
func (t ProfileTable) With(overrides ProfileTable) (ProfileTable, error) {
	out := make(ProfileTable, len(t)+len(overrides))
	for c, p := range t {
		out[c] = p
	}
	for c, p := range overrides {
		p.Category = c
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out[c] = p
	}
	return out, nil
}
