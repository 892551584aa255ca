package history

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"market_pulse/internal/domain"
)

const defaultPageLimit = 500

// Range selects the first page of a series.
// An empty Interval falls back to the merger's interval, EndTimeMs == 0 means now.
type Range struct {
	Interval  string
	Limit     int
	EndTimeMs int64
}

type series struct {
	interval  string
	bucketSec int64
	candles   []domain.Candle
	inFlight  bool
	exhausted bool
}

// Merger owns the candle series per symbol and extends them backward page by page.
type Merger struct {
	mu        sync.Mutex
	fetcher   domain.CandleFetcher
	interval  string
	pageLimit int
	series    map[string]*series
}

// NewMerger creates a merger. interval is the default candle interval ("1m", "1h"...).
func NewMerger(fetcher domain.CandleFetcher, interval string, pageLimit int) (*Merger, error) {
	if _, err := domain.IntervalSeconds(interval); err != nil {
		return nil, err
	}
	if pageLimit <= 0 {
		pageLimit = defaultPageLimit
	}
	return &Merger{
		fetcher:   fetcher,
		interval:  interval,
		pageLimit: pageLimit,
		series:    make(map[string]*series),
	}, nil
}

// LoadInitial replaces the series of symbol with the first page for r.
func (m *Merger) LoadInitial(ctx context.Context, symbol string, r Range) ([]domain.Candle, error) {
	symbol = domain.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, domain.ErrInvalidSymbol
	}

	interval := r.Interval
	if interval == "" {
		interval = m.interval
	}
	bucket, err := domain.IntervalSeconds(interval)
	if err != nil {
		return nil, err
	}
	limit := r.Limit
	if limit <= 0 {
		limit = m.pageLimit
	}

	m.mu.Lock()
	s, ok := m.series[symbol]
	if ok && s.inFlight {
		m.mu.Unlock()
		return nil, domain.ErrBackfillInFlight
	}
	if !ok {
		s = &series{}
		m.series[symbol] = s
	}
	s.inFlight = true
	m.mu.Unlock()

	page, err := m.fetcher.FetchCandles(ctx, domain.CandleRequest{
		Symbol:    symbol,
		Interval:  interval,
		Limit:     limit,
		EndTimeMs: r.EndTimeMs,
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	s.inFlight = false

	if err != nil {
		slog.Warn("Initial candle load failed", slog.String("symbol", symbol), slog.Any("error", err))
		return nil, fmt.Errorf("load %s: %w: %v", symbol, domain.ErrNoData, err)
	}

	s.interval = interval
	s.bucketSec = bucket
	s.candles = Merge(nil, page)
	s.exhausted = len(page) == 0

	return copyCandles(s.candles), nil
}

// LoadMore fetches the page ending just before the earliest candle and prepends it.
// It returns the merged series.
func (m *Merger) LoadMore(ctx context.Context, symbol string) ([]domain.Candle, error) {
	symbol = domain.NormalizeSymbol(symbol)

	m.mu.Lock()
	s, ok := m.series[symbol]
	if !ok || s.interval == "" {
		m.mu.Unlock()
		return nil, fmt.Errorf("load more %s: %w", symbol, domain.ErrNoData)
	}
	if s.inFlight {
		m.mu.Unlock()
		return nil, domain.ErrBackfillInFlight
	}
	if s.exhausted {
		m.mu.Unlock()
		return nil, domain.ErrNoMoreData
	}

	req := domain.CandleRequest{
		Symbol:   symbol,
		Interval: s.interval,
		Limit:    m.pageLimit,
	}
	if len(s.candles) > 0 {
		req.EndTimeMs = s.candles[0].TimeSec*1000 - 1
	}
	s.inFlight = true
	m.mu.Unlock()

	page, err := m.fetcher.FetchCandles(ctx, req)

	m.mu.Lock()
	defer m.mu.Unlock()
	s.inFlight = false

	if err != nil {
		slog.Warn("Backfill page failed", slog.String("symbol", symbol), slog.Any("error", err))
		return nil, fmt.Errorf("load more %s: %w: %v", symbol, domain.ErrNoData, err)
	}
	if len(page) == 0 {
		s.exhausted = true
		return nil, domain.ErrNoMoreData
	}

	before := len(s.candles)
	s.candles = Merge(s.candles, page)
	if len(s.candles) == before {
		// The exchange kept returning what we already have.
		s.exhausted = true
	}

	return copyCandles(s.candles), nil
}

// ApplyTick folds a flushed tick into the live tail of the symbol's series.
// Symbols without a loaded series are ignored.
func (m *Merger) ApplyTick(t domain.PriceTick) {
	if !t.Valid() {
		return
	}
	symbol := domain.NormalizeSymbol(t.Symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.series[symbol]
	if !ok || s.bucketSec == 0 {
		return
	}

	bucket := (t.TimestampMs / 1000) / s.bucketSec * s.bucketSec
	n := len(s.candles)
	switch {
	case n == 0 || bucket > s.candles[n-1].TimeSec:
		s.candles = append(s.candles, domain.CandleFromTick(bucket, t))
	case bucket == s.candles[n-1].TimeSec:
		s.candles[n-1] = s.candles[n-1].Fold(t.Price)
	}
}

// Candles returns a copy of the series for symbol.
func (m *Merger) Candles(symbol string) []domain.Candle {
	symbol = domain.NormalizeSymbol(symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.series[symbol]
	if !ok {
		return nil
	}
	return copyCandles(s.candles)
}

// Exhausted reports whether backfill for symbol reached the start of history.
func (m *Merger) Exhausted(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.series[domain.NormalizeSymbol(symbol)]
	return ok && s.exhausted
}

// Drop forgets the series of symbol.
func (m *Merger) Drop(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.series, domain.NormalizeSymbol(symbol))
}

// Merge concatenates existing and incoming, keeps the last candle per TimeSec
// (incoming wins) and sorts ascending. Neither input is modified.
func Merge(existing, incoming []domain.Candle) []domain.Candle {
	byTime := make(map[int64]domain.Candle, len(existing)+len(incoming))
	for _, c := range existing {
		byTime[c.TimeSec] = c
	}
	for _, c := range incoming {
		byTime[c.TimeSec] = c
	}

	out := make([]domain.Candle, 0, len(byTime))
	for _, c := range byTime {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TimeSec < out[j].TimeSec
	})
	return out
}

func copyCandles(in []domain.Candle) []domain.Candle {
	out := make([]domain.Candle, len(in))
	copy(out, in)
	return out
}
