package portfolio

import (
	"market_pulse/internal/domain"

	"github.com/shopspring/decimal"
)

// Profit values a position at price: (price - open) / open × amount, negated for shorts.
// Leverage is already folded into Amount by the trading domain.
func Profit(p domain.PositionSnapshot, price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.OpenPrice)
	if p.IsShort() {
		diff = diff.Neg()
	}
	return diff.Div(p.OpenPrice).Mul(p.Amount)
}

// Reconcile revalues every open position of the tick's symbol.
// It returns a new slice and the revalued positions. The input is not modified.
func Reconcile(positions []domain.PositionSnapshot, tick domain.PriceTick) ([]domain.PositionSnapshot, []domain.PositionSnapshot) {
	next := make([]domain.PositionSnapshot, len(positions))
	copy(next, positions)

	if !tick.Valid() {
		return next, nil
	}

	symbol := domain.NormalizeSymbol(tick.Symbol)
	var updated []domain.PositionSnapshot

	for i := range next {
		p := &next[i]
		if !p.IsOpen() || p.OpenPrice.IsZero() {
			continue
		}
		if domain.NormalizeSymbol(p.Symbol) != symbol {
			continue
		}

		p.CurrentPrice = tick.Price
		p.Profit = Profit(*p, tick.Price)
		updated = append(updated, *p)
	}

	return next, updated
}
