package buffer

import (
	"sync"
	"testing"

	"market_pulse/internal/domain"

	"github.com/shopspring/decimal"
)

func liveTick(symbol string, price int64, ts int64) domain.PriceTick {
	return domain.PriceTick{
		Symbol:      symbol,
		Price:       decimal.NewFromInt(price),
		TimestampMs: ts,
		Source:      domain.SourceLive,
	}
}

func simTick(symbol string, price int64, ts int64) domain.PriceTick {
	t := liveTick(symbol, price, ts)
	t.Source = domain.SourceSimulated
	return t
}

func TestCoalescer_OneEntryPerSymbol(t *testing.T) {
	c := NewCoalescer()

	for i := 0; i < 1000; i++ {
		c.OnTick(liveTick("BTCUSDT", int64(50000+i), int64(i)))
	}
	c.OnTick(liveTick("ETHUSDT", 3000, 5))

	batch := c.Flush()
	if len(batch) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(batch))
	}
	if !batch["BTCUSDT"].Price.Equal(decimal.NewFromInt(50999)) {
		t.Errorf("Expected last BTC tick to win, got %s", batch["BTCUSDT"].Price)
	}

	stats := c.Stats()
	if stats.Overwritten != 999 {
		t.Errorf("Expected 999 overwrites, got %d", stats.Overwritten)
	}
}

func TestCoalescer_FlushClearsPending(t *testing.T) {
	c := NewCoalescer()
	c.OnTick(liveTick("BTCUSDT", 1, 1))

	if got := len(c.Flush()); got != 1 {
		t.Fatalf("Expected 1 entry, got %d", got)
	}

	empty := c.Flush()
	if empty == nil || len(empty) != 0 {
		t.Errorf("Second flush should be an empty map, got %v", empty)
	}

	c.OnTick(liveTick("BTCUSDT", 2, 2))
	if got := len(c.Flush()); got != 1 {
		t.Errorf("Ticks after a flush should accumulate again, got %d", got)
	}
}

func TestCoalescer_Drops(t *testing.T) {
	t.Run("invalid price", func(t *testing.T) {
		c := NewCoalescer()
		if c.OnTick(liveTick("BTCUSDT", 0, 1)) {
			t.Error("Zero price should be dropped")
		}
	})

	t.Run("out of order timestamp", func(t *testing.T) {
		c := NewCoalescer()
		c.OnTick(liveTick("BTCUSDT", 100, 2000))
		c.Flush()

		if c.OnTick(liveTick("BTCUSDT", 90, 1000)) {
			t.Error("Older tick should be dropped even after a flush")
		}
		if !c.OnTick(liveTick("BTCUSDT", 95, 2000)) {
			t.Error("Equal timestamp should be accepted")
		}
	})

	t.Run("simulated tick while live", func(t *testing.T) {
		c := NewCoalescer()
		if c.OnTick(simTick("BTCUSDT", 100, 1)) {
			t.Error("Simulated tick should be dropped while the feed is healthy")
		}
	})
}

func TestCoalescer_DegradedLifecycle(t *testing.T) {
	c := NewCoalescer()

	c.SetDegraded("XYZ", true)
	if !c.IsDegraded("XYZ") {
		t.Fatal("XYZ should be degraded")
	}
	if !c.OnTick(simTick("XYZ", 100, 10)) {
		t.Fatal("Simulated tick should be accepted while degraded")
	}

	c.SetDegraded("XYZ", false)
	if c.Pending() != 0 {
		t.Error("Pending simulated tick should be discarded on restore")
	}
	if c.OnTick(simTick("XYZ", 101, 20)) {
		t.Error("Simulated tick after restore should be dropped")
	}
	if !c.OnTick(liveTick("XYZ", 102, 30)) {
		t.Error("Live tick after restore should be accepted")
	}
}

func TestCoalescer_RestoreResetsWatermarkToLive(t *testing.T) {
	c := NewCoalescer()

	c.OnTick(liveTick("BTCUSDT", 50000, 1000))
	c.SetDegraded("BTCUSDT", true)
	c.OnTick(simTick("BTCUSDT", 50100, 9000))
	c.SetDegraded("BTCUSDT", false)

	if !c.OnTick(liveTick("BTCUSDT", 50050, 5000)) {
		t.Fatal("Live tick newer than the last live one should be accepted after restore")
	}
	if c.OnTick(liveTick("BTCUSDT", 49000, 900)) {
		t.Error("Live tick older than the last live one should still be dropped")
	}

	// No live history at all clears the watermark.
	c.SetDegraded("XYZ", true)
	c.OnTick(simTick("XYZ", 100, 9000))
	c.SetDegraded("XYZ", false)
	if !c.OnTick(liveTick("XYZ", 100, 10)) {
		t.Error("First live tick after a simulated-only period should be accepted")
	}
}

func TestCoalescer_Forget(t *testing.T) {
	c := NewCoalescer()
	c.OnTick(liveTick("BTCUSDT", 100, 5000))
	c.Forget("BTCUSDT")

	if c.Pending() != 0 {
		t.Error("Forget should drop pending tick")
	}
	if !c.OnTick(liveTick("BTCUSDT", 100, 1)) {
		t.Error("Forget should reset the timestamp watermark")
	}
}

func TestCoalescer_ConcurrentProducers(t *testing.T) {
	c := NewCoalescer()
	symbols := []string{"A", "B", "C", "D"}

	var wg sync.WaitGroup
	for _, sym := range symbols {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.OnTick(liveTick(s, int64(i+1), int64(i)))
			}
		}(sym)
	}
	wg.Wait()

	batch := c.Flush()
	if len(batch) != len(symbols) {
		t.Fatalf("Expected %d entries, got %d", len(symbols), len(batch))
	}
	for _, s := range symbols {
		if !batch[s].Price.Equal(decimal.NewFromInt(500)) {
			t.Errorf("%s: expected final price 500, got %s", s, batch[s].Price)
		}
	}
}
