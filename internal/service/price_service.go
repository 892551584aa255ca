package service

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"market_pulse/internal/domain"
)

// Quote is the consumer view of one symbol after the last flush.
type Quote struct {
	Symbol     string           `json:"symbol"`
	Category   domain.Category  `json:"category"`
	Tick       domain.PriceTick `json:"tick"`
	HasTick    bool             `json:"has_tick"`
	Degraded   bool             `json:"degraded"` // simulated fallback active
	IsFavorite bool             `json:"is_favorite"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// FiredAlert is an alert that matched a flushed tick.
type FiredAlert struct {
	Alert domain.AlertConfig
	Tick  domain.PriceTick
}

// PriceService holds the flushed state of all tracked symbols.
// The engine is the only writer; readers always receive copies.
type PriceService struct {
	mu     sync.RWMutex
	quotes map[string]*Quote
	alerts []*domain.AlertConfig
}

// NewPriceService creates a new PriceService instance
func NewPriceService() *PriceService {
	return &PriceService{
		quotes: make(map[string]*Quote),
	}
}

// Register adds a symbol with no price yet.
func (s *PriceService) Register(symbol string, category domain.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.quoteLocked(symbol)
	q.Category = category
}

// Remove forgets a symbol and its alerts.
func (s *PriceService) Remove(symbol string) {
	symbol = domain.NormalizeSymbol(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.quotes, symbol)
	kept := s.alerts[:0]
	for _, a := range s.alerts {
		if domain.NormalizeSymbol(a.Symbol) != symbol {
			kept = append(kept, a)
		}
	}
	s.alerts = kept
}

// ApplyFlush stores a flush batch and evaluates alerts against it.
func (s *PriceService) ApplyFlush(batch map[string]domain.PriceTick, now time.Time) []FiredAlert {
	if len(batch) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for sym, tick := range batch {
		q := s.quoteLocked(sym)
		q.Tick = tick
		q.HasTick = true
		q.UpdatedAt = now
	}

	var fired []FiredAlert
	for _, a := range s.alerts {
		tick, ok := batch[domain.NormalizeSymbol(a.Symbol)]
		if !ok {
			continue
		}
		if a.Evaluate(tick) {
			fired = append(fired, FiredAlert{Alert: *a, Tick: tick})
			slog.Info("Price alert fired",
				slog.String("symbol", tick.Symbol),
				slog.String("target", a.TargetPrice.String()),
				slog.String("price", tick.Price.String()),
				slog.String("source", string(tick.Source)),
			)
		}
	}

	// One-shot alerts that fired are dropped.
	kept := s.alerts[:0]
	for _, a := range s.alerts {
		if a.IsActive() {
			kept = append(kept, a)
		}
	}
	s.alerts = kept

	return fired
}

// SetDegraded flags a symbol as running on simulated prices.
func (s *PriceService) SetDegraded(symbol string, degraded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quoteLocked(symbol).Degraded = degraded
}

// DegradedSymbols returns the symbols on simulated prices, sorted.
func (s *PriceService) DegradedSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for sym, q := range s.quotes {
		if q.Degraded {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// GetTick returns the last flushed tick of symbol.
func (s *PriceService) GetTick(symbol string) (domain.PriceTick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[domain.NormalizeSymbol(symbol)]
	if !ok || !q.HasTick {
		return domain.PriceTick{}, false
	}
	return q.Tick, true
}

// GetQuote returns a copy of the quote of symbol.
func (s *PriceService) GetQuote(symbol string) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[domain.NormalizeSymbol(symbol)]
	if !ok {
		return Quote{}, false
	}
	return *q, true
}

// GetAllData returns all quotes sorted by symbol
func (s *PriceService) GetAllData() []Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Quote, 0, len(s.quotes))
	for _, q := range s.quotes {
		result = append(result, *q)
	}

	// Sort by symbol for consistent ordering
	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})

	return result
}

// SetFavorite sets the favorite status for a symbol
func (s *PriceService) SetFavorite(symbol string, isFavorite bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quoteLocked(symbol).IsFavorite = isFavorite
}

// AddAlert arms a price alert.
func (s *PriceService) AddAlert(a *domain.AlertConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.Symbol = domain.NormalizeSymbol(a.Symbol)
	s.alerts = append(s.alerts, a)
}

// Alerts returns copies of the armed alerts.
func (s *PriceService) Alerts() []domain.AlertConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AlertConfig, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, *a)
	}
	return out
}

// quoteLocked returns the quote of symbol, creating it. Must be called with lock held.
func (s *PriceService) quoteLocked(symbol string) *Quote {
	symbol = domain.NormalizeSymbol(symbol)
	q, ok := s.quotes[symbol]
	if !ok {
		q = &Quote{Symbol: symbol}
		s.quotes[symbol] = q
	}
	return q
}
