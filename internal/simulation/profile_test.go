package simulation

import (
	"testing"

	"market_pulse/internal/domain"
)

func TestDefaultProfiles_CoverAllCategories(t *testing.T) {
	table := DefaultProfiles()
	for _, c := range domain.Categories() {
		p, ok := table[c]
		if !ok {
			t.Errorf("Missing profile for %s", c)
			continue
		}
		if err := p.Validate(); err != nil {
			t.Errorf("Default profile invalid: %v", err)
		}
	}
}

func TestProfileTable_Lookup(t *testing.T) {
	table := DefaultProfiles()

	if got := table.Lookup(domain.CategoryForex); got.Category != domain.CategoryForex {
		t.Errorf("Expected forex profile, got %s", got.Category)
	}
	if got := table.Lookup("unknown"); got.Category != domain.CategorySynthetics {
		t.Errorf("Unknown category should fall back to synthetics, got %s", got.Category)
	}
	if got := (ProfileTable{}).Lookup("unknown"); got.Category != domain.CategorySynthetics {
		t.Errorf("Empty table should fall back to built-in synthetics, got %s", got.Category)
	}
}

func TestProfileTable_With(t *testing.T) {
	base := DefaultProfiles()

	t.Run("override applied on copy", func(t *testing.T) {
		out, err := base.With(ProfileTable{
			domain.CategoryCrypto: {BaseVolatility: 0.01, UpdateIntervalMs: 50, TrendPersistence: 0.9, MaxDeviation: 0.3},
		})
		if err != nil {
			t.Fatalf("With failed: %v", err)
		}
		if out[domain.CategoryCrypto].UpdateIntervalMs != 50 {
			t.Errorf("Override not applied: %+v", out[domain.CategoryCrypto])
		}
		if out[domain.CategoryCrypto].Category != domain.CategoryCrypto {
			t.Error("Override should carry its category key")
		}
		if base[domain.CategoryCrypto].UpdateIntervalMs != 1000 {
			t.Error("Base table must not be mutated")
		}
	})

	t.Run("invalid override rejected", func(t *testing.T) {
		_, err := base.With(ProfileTable{
			domain.CategoryCrypto: {BaseVolatility: 0.01, UpdateIntervalMs: 0, TrendPersistence: 0.5, MaxDeviation: 0.1},
		})
		if err == nil {
			t.Error("Zero update interval should be rejected")
		}
	})
}
