package buffer

import (
	"sync"

	"market_pulse/internal/domain"
)

// Stats counts what the coalescer did with incoming ticks.
type Stats struct {
	Accepted    uint64
	Overwritten uint64
	Dropped     uint64
	Flushes     uint64
}

// Coalescer keeps at most one pending tick per symbol between flushes.
// Consumers see at most one update per symbol per flush interval no matter
// how bursty the sources are.
type Coalescer struct {
	mu       sync.Mutex
	pending  map[string]domain.PriceTick
	lastTs   map[string]int64 // newest accepted timestamp per symbol
	lastLive map[string]int64 // newest accepted non-simulated timestamp
	degraded map[string]bool
	stats    Stats
}

// NewCoalescer creates an empty coalescer.
func NewCoalescer() *Coalescer {
	return &Coalescer{
		pending:  make(map[string]domain.PriceTick),
		lastTs:   make(map[string]int64),
		lastLive: make(map[string]int64),
		degraded: make(map[string]bool),
	}
}

// OnTick records a tick. It never blocks on I/O and reports whether the tick was kept.
//
// Dropped: invalid ticks, ticks older than the newest accepted one for the
// symbol, and simulated ticks for a symbol whose live feed is healthy.
func (c *Coalescer) OnTick(t domain.PriceTick) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !t.Valid() {
		c.stats.Dropped++
		return false
	}
	if t.IsSimulated() && !c.degraded[t.Symbol] {
		c.stats.Dropped++
		return false
	}
	if last, ok := c.lastTs[t.Symbol]; ok && t.TimestampMs < last {
		c.stats.Dropped++
		return false
	}

	if _, ok := c.pending[t.Symbol]; ok {
		c.stats.Overwritten++
	}
	c.pending[t.Symbol] = t
	c.lastTs[t.Symbol] = t.TimestampMs
	if !t.IsSimulated() {
		c.lastLive[t.Symbol] = t.TimestampMs
	}
	c.stats.Accepted++
	return true
}

// Flush hands out the pending ticks and clears them. An empty buffer yields an empty map.
func (c *Coalescer) Flush() map[string]domain.PriceTick {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return map[string]domain.PriceTick{}
	}

	out := c.pending
	c.pending = make(map[string]domain.PriceTick, len(out))
	c.stats.Flushes++
	return out
}

// SetDegraded records the feed-unavailable signal for symbol.
func (c *Coalescer) SetDegraded(symbol string, degraded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if degraded {
		c.degraded[symbol] = true
		return
	}
	delete(c.degraded, symbol)

	// Simulated clocks run ahead of the exchange, so staleness is judged
	// against real ticks only once the feed is back.
	if ts, ok := c.lastLive[symbol]; ok {
		c.lastTs[symbol] = ts
	} else {
		delete(c.lastTs, symbol)
	}

	// A synthetic tick still pending must not outlive the restore.
	if t, ok := c.pending[symbol]; ok && t.IsSimulated() {
		delete(c.pending, symbol)
	}
}

// IsDegraded reports whether symbol currently accepts simulated ticks.
func (c *Coalescer) IsDegraded(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded[symbol]
}

// Forget drops all state for an untracked symbol.
func (c *Coalescer) Forget(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, symbol)
	delete(c.lastTs, symbol)
	delete(c.lastLive, symbol)
	delete(c.degraded, symbol)
}

// Pending returns the number of symbols waiting for the next flush.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stats returns a copy of the counters.
func (c *Coalescer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
