package simulation

import (
	"math/rand"
	"sync"
	"time"

	"market_pulse/internal/domain"
)

const (
	defaultBasePrice        = 100.0
	regimeSwitchProbability = 0.05
	minRandomFactor         = 0.3
	maxRandomFactor         = 1.0
	minVolMultiplier        = 0.5
	maxVolMultiplier        = 2.5
	priceFloorRatio         = 0.01
)

// AssetState is the per-symbol state of the random walk.
type AssetState struct {
	Symbol               string
	Category             domain.Category
	BasePrice            float64
	LastPrice            float64
	Direction            int // -1, 0 or 1
	VolatilityMultiplier float64
	LastUpdateMs         int64
	stepped              bool
}

// Envelope returns the band the price is confined to.
func (s AssetState) Envelope(p VolatilityProfile) (lo, hi float64) {
	return s.BasePrice * (1 - p.MaxDeviation), s.BasePrice * (1 + p.MaxDeviation)
}

// Generator produces a bounded, trend-persistent random walk per symbol.
// It is only used while the live feed for a symbol is unavailable.
type Generator struct {
	mu         sync.Mutex
	profiles   ProfileTable
	rng        *rand.Rand
	regimeProb float64
	states     map[string]*AssetState
}

// Option configures a Generator.
type Option func(*Generator)

// WithRand injects the random source. Tests pass a seeded one.
func WithRand(r *rand.Rand) Option {
	return func(g *Generator) { g.rng = r }
}

// WithRegimeSwitchProbability overrides the chance of redrawing the volatility multiplier.
func WithRegimeSwitchProbability(p float64) Option {
	return func(g *Generator) { g.regimeProb = p }
}

// NewGenerator creates a generator over the given profile table.
func NewGenerator(profiles ProfileTable, opts ...Option) *Generator {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	g := &Generator{
		profiles:   profiles,
		regimeProb: regimeSwitchProbability,
		states:     make(map[string]*AssetState),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.rng == nil {
		g.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return g
}

// Register seeds the state for symbol. Existing states are left alone.
func (g *Generator) Register(symbol string, category domain.Category, basePrice float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.states[symbol]; ok {
		return
	}
	g.states[symbol] = newState(symbol, category, basePrice)
}

// Rebase re-centres the envelope on an observed price.
func (g *Generator) Rebase(symbol string, price float64) {
	if price <= 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.stateLocked(symbol)
	st.BasePrice = price
	st.LastPrice = price
}

// PriceFor returns the simulated price of symbol at nowMs.
func (g *Generator) PriceFor(symbol string, nowMs int64) float64 {
	price, _ := g.Step(symbol, nowMs)
	return price
}

// Step advances the walk if the category's update interval elapsed.
// moved is false when the cached price was returned.
func (g *Generator) Step(symbol string, nowMs int64) (price float64, moved bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.stateLocked(symbol)
	p := g.profiles.Lookup(st.Category)

	if st.stepped && nowMs-st.LastUpdateMs < p.UpdateIntervalMs {
		return st.LastPrice, false
	}

	// 1. Trend continuation
	if st.Direction == 0 || g.rng.Float64() >= p.TrendPersistence {
		st.Direction = g.randomDirection()
	}

	// 2-3. Move
	randomFactor := minRandomFactor + g.rng.Float64()*(maxRandomFactor-minRandomFactor)
	delta := st.LastPrice * p.BaseVolatility * st.VolatilityMultiplier * float64(st.Direction) * randomFactor
	next := st.LastPrice + delta

	// 4. Envelope with mean reversion at the edges
	lo, hi := st.Envelope(p)
	if next > hi {
		next = hi
		st.Direction = -1
	} else if next < lo {
		next = lo
		st.Direction = 1
	}

	// 5. Positive floor
	if floor := st.BasePrice * priceFloorRatio; next < floor {
		next = floor
	}

	// 6. Volatility regime
	if g.rng.Float64() < g.regimeProb {
		st.VolatilityMultiplier = minVolMultiplier + g.rng.Float64()*(maxVolMultiplier-minVolMultiplier)
	}

	st.LastPrice = next
	st.LastUpdateMs = nowMs
	st.stepped = true
	return next, true
}

// State returns a copy of the symbol's state.
func (g *Generator) State(symbol string) (AssetState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.states[symbol]
	if !ok {
		return AssetState{}, false
	}
	return *st, true
}

// Profile returns the profile governing symbol.
func (g *Generator) Profile(symbol string) VolatilityProfile {
	g.mu.Lock()
	defer g.mu.Unlock()

	if st, ok := g.states[symbol]; ok {
		return g.profiles.Lookup(st.Category)
	}
	return g.profiles.Lookup(domain.CategorySynthetics)
}

// stateLocked returns the state for symbol, creating it lazily. Caller holds g.mu.
func (g *Generator) stateLocked(symbol string) *AssetState {
	st, ok := g.states[symbol]
	if !ok {
		st = newState(symbol, domain.CategorySynthetics, defaultBasePrice)
		g.states[symbol] = st
	}
	return st
}

func (g *Generator) randomDirection() int {
	if g.rng.Intn(2) == 0 {
		return -1
	}
	return 1
}

func newState(symbol string, category domain.Category, basePrice float64) *AssetState {
	if basePrice <= 0 {
		basePrice = defaultBasePrice
	}
	return &AssetState{
		Symbol:               symbol,
		Category:             category,
		BasePrice:            basePrice,
		LastPrice:            basePrice,
		VolatilityMultiplier: 1.0,
	}
}
