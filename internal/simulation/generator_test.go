package simulation

import (
	"math"
	"math/rand"
	"testing"

	"market_pulse/internal/domain"
)

func seeded(seed int64) Option {
	return WithRand(rand.New(rand.NewSource(seed)))
}

func TestGenerator_StaysWithinEnvelope(t *testing.T) {
	table := DefaultProfiles()

	for seed := int64(1); seed <= 5; seed++ {
		g := NewGenerator(table, seeded(seed))
		for _, c := range domain.Categories() {
			symbol := string(c) + "-SYM"
			g.Register(symbol, c, 250)
		}

		for _, c := range domain.Categories() {
			symbol := string(c) + "-SYM"
			p := table.Lookup(c)
			lo, hi := 250*(1-p.MaxDeviation), 250*(1+p.MaxDeviation)

			now := int64(0)
			for i := 0; i < 5000; i++ {
				now += p.UpdateIntervalMs
				price := g.PriceFor(symbol, now)
				if price < lo || price > hi {
					t.Fatalf("seed %d %s step %d: price %f outside [%f, %f]", seed, c, i, price, lo, hi)
				}
			}
		}
	}
}

func TestGenerator_ThrottledWithinInterval(t *testing.T) {
	g := NewGenerator(DefaultProfiles(), seeded(42))
	g.Register("BTCUSDT", domain.CategoryCrypto, 50000)
	interval := DefaultProfiles()[domain.CategoryCrypto].UpdateIntervalMs

	first, moved := g.Step("BTCUSDT", 10_000)
	if !moved {
		t.Fatal("First call should move the price")
	}

	second, moved := g.Step("BTCUSDT", 10_000+interval-1)
	if moved {
		t.Error("Call within the interval should not move")
	}
	if first != second {
		t.Errorf("Expected identical price within interval, got %f and %f", first, second)
	}

	if again := g.PriceFor("BTCUSDT", 10_000+interval/2); again != first {
		t.Errorf("PriceFor within interval changed price: %f vs %f", again, first)
	}

	if _, moved := g.Step("BTCUSDT", 10_000+interval); !moved {
		t.Error("Call after the interval should move")
	}
}

func TestGenerator_ReversesAtEnvelopeEdge(t *testing.T) {
	table := ProfileTable{
		domain.CategorySynthetics: {domain.CategorySynthetics, 0.5, 10, 1.0, 0.01},
	}
	g := NewGenerator(table, seeded(7), WithRegimeSwitchProbability(0))
	g.Register("EDGE", domain.CategorySynthetics, 100)

	var now int64
	for i := 0; i < 50; i++ {
		now += 10
		price := g.PriceFor("EDGE", now)
		st, _ := g.State("EDGE")
		lo, hi := st.Envelope(table[domain.CategorySynthetics])

		if price == hi && st.Direction != -1 {
			t.Fatalf("At upper edge direction should point down, got %d", st.Direction)
		}
		if price == lo && st.Direction != 1 {
			t.Fatalf("At lower edge direction should point up, got %d", st.Direction)
		}
	}
}

func TestGenerator_PositiveFloor(t *testing.T) {
	// Envelope wider than 100% so only the floor keeps prices positive.
	table := ProfileTable{
		domain.CategorySynthetics: {domain.CategorySynthetics, 0.9, 10, 1.0, 5.0},
	}
	g := NewGenerator(table, seeded(3))
	g.Register("FLOOR", domain.CategorySynthetics, 100)

	var now int64
	for i := 0; i < 2000; i++ {
		now += 10
		if price := g.PriceFor("FLOOR", now); price < 1.0 {
			t.Fatalf("Price %f fell below 1%% of base", price)
		}
	}
}

func TestGenerator_LazyStateForUnknownSymbol(t *testing.T) {
	g := NewGenerator(nil, seeded(1))

	price := g.PriceFor("XYZ", 1000)
	if price <= 0 {
		t.Fatalf("Expected positive price, got %f", price)
	}

	st, ok := g.State("XYZ")
	if !ok {
		t.Fatal("State should be created lazily")
	}
	if st.Category != domain.CategorySynthetics || st.BasePrice != defaultBasePrice {
		t.Errorf("Unexpected lazy state: %+v", st)
	}
}

func TestGenerator_Rebase(t *testing.T) {
	g := NewGenerator(DefaultProfiles(), seeded(1))
	g.Register("ETHUSDT", domain.CategoryCrypto, 3000)

	g.Rebase("ETHUSDT", 3500)
	st, _ := g.State("ETHUSDT")
	if st.BasePrice != 3500 || st.LastPrice != 3500 {
		t.Errorf("Rebase not applied: %+v", st)
	}

	g.Rebase("ETHUSDT", 0)
	st, _ = g.State("ETHUSDT")
	if st.BasePrice != 3500 {
		t.Error("Non-positive rebase must be ignored")
	}
}

func TestGenerator_RegimeMultiplierBounds(t *testing.T) {
	g := NewGenerator(DefaultProfiles(), seeded(11), WithRegimeSwitchProbability(1))
	g.Register("SOLUSDT", domain.CategoryCrypto, 150)

	var now int64
	for i := 0; i < 500; i++ {
		now += 1000
		g.PriceFor("SOLUSDT", now)
		st, _ := g.State("SOLUSDT")
		if st.VolatilityMultiplier < minVolMultiplier || st.VolatilityMultiplier > maxVolMultiplier {
			t.Fatalf("Multiplier %f outside [%f, %f]", st.VolatilityMultiplier, minVolMultiplier, maxVolMultiplier)
		}
	}
}

// An unsupported symbol simulated from t=0: bounded over ten intervals, and over
// a long run the direction flips at the rate implied by trend persistence.
func TestGenerator_UnsupportedSymbolScenario(t *testing.T) {
	g := NewGenerator(DefaultProfiles(), seeded(2024))
	p := g.Profile("XYZ")
	lo, hi := defaultBasePrice*(1-p.MaxDeviation), defaultBasePrice*(1+p.MaxDeviation)

	var now int64
	for i := 0; i < 10; i++ {
		now += p.UpdateIntervalMs
		if price := g.PriceFor("XYZ", now); price < lo || price > hi {
			t.Fatalf("Interval %d: price %f outside [%f, %f]", i, price, lo, hi)
		}
	}

	const persistence = 0.7
	table := ProfileTable{
		domain.CategorySynthetics: {domain.CategorySynthetics, 0.0001, 10, persistence, 0.9},
	}
	long := NewGenerator(table, seeded(99))

	const steps = 20000
	flips := 0
	prev := 0
	for i := 0; i < steps; i++ {
		long.PriceFor("XYZ", int64(i+1)*10)
		st, _ := long.State("XYZ")
		if prev != 0 && st.Direction != prev {
			flips++
		}
		prev = st.Direction
	}

	// A redraw happens with probability 1-persistence and picks the opposite side half the time.
	want := (1 - persistence) / 2
	got := float64(flips) / float64(steps)
	if math.Abs(got-want) > 0.02 {
		t.Errorf("Direction flip rate %.3f, want about %.3f", got, want)
	}
}
