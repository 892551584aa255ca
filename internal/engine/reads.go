package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"market_pulse/internal/domain"
	"market_pulse/internal/history"
	"market_pulse/internal/infra"
	"market_pulse/internal/portfolio"
	"market_pulse/internal/service"

	"github.com/shopspring/decimal"
)

// ErrHistoryDisabled is returned by the candle reads when no merger is wired.
var ErrHistoryDisabled = errors.New("history disabled")

// PositionStore persists positions written through the engine.
type PositionStore interface {
	UpsertPosition(p *domain.PositionSnapshot) error
	DeletePosition(id string) error
}

// SetPositionStore attaches the store used by UpsertPosition and RemovePosition.
func (e *Engine) SetPositionStore(s PositionStore) {
	e.mu.Lock()
	e.store = s
	e.mu.Unlock()
}

// GetFlushedTick returns the last flushed tick of symbol.
func (e *Engine) GetFlushedTick(symbol string) (domain.PriceTick, bool) {
	return e.prices.GetTick(symbol)
}

// Quotes returns all quotes sorted by symbol.
func (e *Engine) Quotes() []service.Quote {
	return e.prices.GetAllData()
}

// Quote returns one quote.
func (e *Engine) Quote(symbol string) (service.Quote, bool) {
	return e.prices.GetQuote(symbol)
}

// GetCandles returns a copy of the merged series of symbol.
func (e *Engine) GetCandles(symbol string) []domain.Candle {
	if e.history == nil {
		return nil
	}
	return e.history.Candles(symbol)
}

// LoadHistory loads the first page of candles for symbol.
func (e *Engine) LoadHistory(ctx context.Context, symbol string, r history.Range) ([]domain.Candle, error) {
	if e.history == nil {
		return nil, ErrHistoryDisabled
	}
	return e.history.LoadInitial(ctx, symbol, r)
}

// LoadMoreHistory extends the series of symbol one page into the past.
func (e *Engine) LoadMoreHistory(ctx context.Context, symbol string) ([]domain.Candle, error) {
	if e.history == nil {
		return nil, ErrHistoryDisabled
	}
	return e.history.LoadMore(ctx, symbol)
}

// HistoryExhausted reports whether the exchange has no older candles for symbol.
func (e *Engine) HistoryExhausted(symbol string) bool {
	return e.history != nil && e.history.Exhausted(symbol)
}

// GetPositionSnapshots returns a copy of the position book.
func (e *Engine) GetPositionSnapshots() []domain.PositionSnapshot {
	return e.book.Snapshots()
}

// UpsertPosition adds or replaces a position and values it against the last flushed price.
func (e *Engine) UpsertPosition(p domain.PositionSnapshot) (domain.PositionSnapshot, error) {
	if p.ID == "" {
		return p, fmt.Errorf("%w: position id is required", domain.ErrInvalidPosition)
	}
	if p.Symbol = domain.NormalizeSymbol(p.Symbol); p.Symbol == "" {
		return p, domain.ErrInvalidSymbol
	}
	if p.Status == "" {
		p.Status = domain.PositionOpen
	}

	if tick, ok := e.prices.GetTick(p.Symbol); ok && p.IsOpen() && !p.OpenPrice.IsZero() {
		p.CurrentPrice = tick.Price
		p.Profit = portfolio.Profit(p, tick.Price)
	}

	e.mu.RLock()
	store := e.store
	e.mu.RUnlock()
	if store != nil {
		if err := store.UpsertPosition(&p); err != nil {
			return p, fmt.Errorf("persist position: %w", err)
		}
	}

	e.book.Upsert(p)
	return p, nil
}

// RemovePosition drops a position from the book and the store.
func (e *Engine) RemovePosition(id string) error {
	e.mu.RLock()
	store := e.store
	e.mu.RUnlock()
	if store != nil {
		if err := store.DeletePosition(id); err != nil {
			return fmt.Errorf("delete position: %w", err)
		}
	}
	e.book.Remove(id)
	return nil
}

// AddAlert arms a price alert against the current price of its symbol.
// A liveOnly alert ignores simulated ticks.
func (e *Engine) AddAlert(symbol string, target decimal.Decimal, persistent, liveOnly bool) (*domain.AlertConfig, error) {
	symbol = domain.NormalizeSymbol(symbol)
	if !e.isTracked(symbol) {
		return nil, domain.ErrInvalidSymbol
	}
	current, ok := e.prices.GetTick(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: no price for %s yet", domain.ErrNoData, symbol)
	}

	a := domain.NewAlertConfig(symbol, target, current.Price, persistent)
	a.LiveOnly = liveOnly
	e.prices.AddAlert(a)
	return a, nil
}

// Alerts returns the armed alerts.
func (e *Engine) Alerts() []domain.AlertConfig {
	return e.prices.Alerts()
}

// SetFavorite flags a tracked symbol as favorite in the read model.
func (e *Engine) SetFavorite(symbol string, favorite bool) error {
	if !e.isTracked(symbol) {
		return domain.ErrInvalidSymbol
	}
	e.prices.SetFavorite(symbol, favorite)
	return nil
}

// Instruments returns the tracked instruments sorted by symbol.
func (e *Engine) Instruments() []domain.Instrument {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.Instrument, 0, len(e.tracked))
	for _, tr := range e.tracked {
		out = append(out, tr.instrument)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// FeedStatus returns the feed subscription table. Instruments without a live
// stream are listed as degraded rows with no reference count.
func (e *Engine) FeedStatus() []domain.SymbolSubscription {
	var rows []domain.SymbolSubscription
	if e.feeds != nil {
		rows = e.feeds.Subscriptions()
	}

	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		seen[r.Symbol] = true
	}

	e.mu.RLock()
	for sym, tr := range e.tracked {
		if seen[sym] || tr.handle != nil {
			continue
		}
		rows = append(rows, domain.SymbolSubscription{
			Symbol:   sym,
			Status:   domain.FeedIdle,
			Degraded: true,
		})
	}
	e.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].Symbol < rows[j].Symbol })
	return rows
}

// Metrics returns a point-in-time copy of the pipeline counters.
func (e *Engine) Metrics() infra.MetricsSnapshot {
	return e.metrics.Snapshot()
}
