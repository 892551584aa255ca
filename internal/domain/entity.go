package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category groups instruments that share a volatility profile.
type Category string

const (
	CategoryCrypto      Category = "crypto"
	CategoryForex       Category = "forex"
	CategoryIndices     Category = "indices"
	CategoryEquities    Category = "equities"
	CategoryCommodities Category = "commodities"
	CategoryBaskets     Category = "baskets"
	CategoryDerivatives Category = "derivatives"
	CategorySynthetics  Category = "synthetics"
)

// Categories lists every known category.
func Categories() []Category {
	return []Category{
		CategoryCrypto, CategoryForex, CategoryIndices, CategoryEquities,
		CategoryCommodities, CategoryBaskets, CategoryDerivatives, CategorySynthetics,
	}
}

// Instrument represents catalog metadata for a tradeable symbol
type Instrument struct {
	Symbol          string          `gorm:"primaryKey" json:"symbol"`
	Name            string          `json:"name"`
	Category        Category        `gorm:"index" json:"category"`
	BasePrice       decimal.Decimal `json:"base_price"`       // Simulation anchor until a real price is seen
	StreamSupported bool            `json:"stream_supported"` // Exchange carries a ticker channel for it
	IconPath        string          `json:"icon_path"`
	IsActive        bool            `json:"is_active" gorm:"index"`
	IsFavorite      bool            `json:"is_favorite" gorm:"index"`
	LastSyncedAt    time.Time       `json:"last_synced_at"` // Last icon sync time
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// AppConfig represents user-specific configuration (Key-Value)
type AppConfig struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
