package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Source tags where a tick came from.
type Source string

const (
	SourceLive      Source = "live"
	SourceSimulated Source = "simulated"
)

// PriceTick is a single price observation. Values are immutable once built.
type PriceTick struct {
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	ChangePct   decimal.Decimal `json:"change_pct"` // 24h change (%)
	TimestampMs int64           `json:"ts"`
	Source      Source          `json:"source"`
}

// Valid reports whether the tick can enter the pipeline.
func (t PriceTick) Valid() bool {
	return t.Symbol != "" && t.Price.IsPositive()
}

// IsSimulated returns true for ticks produced by the synthetic generator.
func (t PriceTick) IsSimulated() bool {
	return t.Source == SourceSimulated
}

// Snapshot is one entry of the batched snapshot endpoint.
type Snapshot struct {
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change24h"`
	Volume    decimal.Decimal `json:"volume"`
}

// Tick converts a snapshot into a live tick for symbol.
func (s Snapshot) Tick(symbol string, tsMs int64) PriceTick {
	return PriceTick{
		Symbol:      symbol,
		Price:       s.Price,
		ChangePct:   s.Change24h,
		TimestampMs: tsMs,
		Source:      SourceLive,
	}
}

// NormalizeSymbol maps instrument spellings ("btc/usdt", "BTC-USDT") onto one key.
func NormalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
}
