package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"market_pulse/internal/buffer"
	"market_pulse/internal/domain"
	"market_pulse/internal/event"
	"market_pulse/internal/feed"
	"market_pulse/internal/history"
	"market_pulse/internal/infra"
	"market_pulse/internal/portfolio"
	"market_pulse/internal/service"
	"market_pulse/internal/simulation"

	"github.com/shopspring/decimal"
)

const (
	defaultFlushInterval = 250 * time.Millisecond
	defaultSimTick       = 500 * time.Millisecond
	defaultInboxSize     = 4096
	sinkQueueSize        = 16
	sinkTimeout          = 2 * time.Second
	priceDecimals        = 8
)

// FeedSubscriber is the part of the feed manager the engine drives.
type FeedSubscriber interface {
	Subscribe(ctx context.Context, symbol string) (feed.Handle, error)
	Unsubscribe(h feed.Handle) error
	Subscriptions() []domain.SymbolSubscription
}

// Sink receives every non-empty flush batch, off the engine loop.
type Sink interface {
	Publish(ctx context.Context, batch map[string]domain.PriceTick) error
}

// Options configures the engine loop.
type Options struct {
	FlushInterval time.Duration
	SimTick       time.Duration
	InboxSize     int
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = defaultFlushInterval
	}
	if o.SimTick <= 0 {
		o.SimTick = defaultSimTick
	}
	if o.InboxSize <= 0 {
		o.InboxSize = defaultInboxSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Deps is the explicit registry of components the engine orchestrates.
type Deps struct {
	Feeds     FeedSubscriber
	Generator *simulation.Generator
	Buffer    *buffer.Coalescer
	History   *history.Merger
	Book      *portfolio.Book
	Prices    *service.PriceService
	Metrics   *infra.Metrics
	Sinks     []Sink
	Positions PositionStore
}

type trackedSymbol struct {
	instrument domain.Instrument
	handle     *feed.Handle
}

// Engine routes raw ticks through the coalescer and fans each flush out to the
// read model, candle series and position book. Flushes and simulation steps run
// on the single Run goroutine; readers get copies.
type Engine struct {
	opts  Options
	inbox chan event.Event

	feeds   FeedSubscriber
	gen     *simulation.Generator
	buf     *buffer.Coalescer
	history *history.Merger
	book    *portfolio.Book
	prices  *service.PriceService
	metrics *infra.Metrics
	sinks   []Sink
	sinkCh  chan map[string]domain.PriceTick

	mu      sync.RWMutex // guards tracked and store
	tracked map[string]*trackedSymbol
	store   PositionStore

	// Owned by the Run goroutine.
	simulating map[string]bool
}

// New creates an engine. Nil components are replaced by fresh defaults.
func New(opts Options, deps Deps) *Engine {
	opts = opts.withDefaults()

	if deps.Generator == nil {
		deps.Generator = simulation.NewGenerator(nil)
	}
	if deps.Buffer == nil {
		deps.Buffer = buffer.NewCoalescer()
	}
	if deps.Book == nil {
		deps.Book = portfolio.NewBook()
	}
	if deps.Prices == nil {
		deps.Prices = service.NewPriceService()
	}
	if deps.Metrics == nil {
		deps.Metrics = &infra.Metrics{}
	}

	return &Engine{
		opts:       opts,
		inbox:      make(chan event.Event, opts.InboxSize),
		feeds:      deps.Feeds,
		gen:        deps.Generator,
		buf:        deps.Buffer,
		history:    deps.History,
		book:       deps.Book,
		prices:     deps.Prices,
		metrics:    deps.Metrics,
		sinks:      deps.Sinks,
		sinkCh:     make(chan map[string]domain.PriceTick, sinkQueueSize),
		tracked:    make(map[string]*trackedSymbol),
		store:      deps.Positions,
		simulating: make(map[string]bool),
	}
}

// SetFeeds attaches the live feed. Call it before the first Track; the feed
// manager is built on the engine inbox, so it cannot be passed to New.
func (e *Engine) SetFeeds(f FeedSubscriber) {
	e.feeds = f
}

// Inbox returns the event channel. Feed connections and pollers send here.
func (e *Engine) Inbox() chan<- event.Event {
	return e.inbox
}

// Run starts the main event loop. This MUST be run in a single goroutine.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("Engine started",
		slog.Duration("flush_interval", e.opts.FlushInterval),
		slog.Duration("sim_tick", e.opts.SimTick),
	)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			e.DumpState("panic_dump.json")
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	sinkCtx, stopSinks := context.WithCancel(context.Background())
	var sinkWG sync.WaitGroup
	if len(e.sinks) > 0 {
		sinkWG.Add(1)
		go e.sinkLoop(sinkCtx, &sinkWG)
	}
	defer func() {
		stopSinks()
		sinkWG.Wait()
	}()

	flushTicker := time.NewTicker(e.opts.FlushInterval)
	defer flushTicker.Stop()
	simTicker := time.NewTicker(e.opts.SimTick)
	defer simTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Engine stopping...")
			return
		case ev := <-e.inbox:
			e.processEvent(ev)
		case <-flushTicker.C:
			e.flush()
		case <-simTicker.C:
			e.simulate()
		}
	}
}

func (e *Engine) processEvent(ev event.Event) {
	switch ev := ev.(type) {
	case event.TickEvent:
		e.handleTick(ev.Tick)
	case event.FeedStatusEvent:
		e.handleFeedStatus(ev)
	case event.SnapshotEvent:
		e.handleSnapshot(ev)
	default:
		slog.Warn("Unknown event type", slog.Any("type", ev.GetType()))
	}
}

func (e *Engine) handleTick(t domain.PriceTick) {
	t.Symbol = domain.NormalizeSymbol(t.Symbol)
	if !e.isTracked(t.Symbol) {
		return
	}
	if !e.buf.OnTick(t) {
		e.metrics.RecordDrop()
	}
}

func (e *Engine) handleFeedStatus(ev event.FeedStatusEvent) {
	symbol := domain.NormalizeSymbol(ev.Symbol)
	if !e.isTracked(symbol) {
		return
	}

	switch ev.Status {
	case event.FeedUnavailable:
		// Untrack clears the coalescer side, so a re-tracked symbol can still
		// carry a stale simulating entry here.
		if e.simulating[symbol] && e.buf.IsDegraded(symbol) {
			return
		}
		e.simulating[symbol] = true
		e.buf.SetDegraded(symbol, true)
		e.prices.SetDegraded(symbol, true)

		// Continue from the last real price when there is one.
		if last, ok := e.prices.GetTick(symbol); ok && !last.IsSimulated() {
			e.gen.Rebase(symbol, last.Price.InexactFloat64())
		}

		slog.Warn("Simulating prices", slog.String("symbol", symbol), slog.Any("reason", ev.Reason))
		e.simulateSymbol(symbol, e.opts.Now().UnixMilli())

	case event.FeedRestored:
		if !e.simulating[symbol] {
			return
		}
		delete(e.simulating, symbol)
		e.buf.SetDegraded(symbol, false)
		e.prices.SetDegraded(symbol, false)
		slog.Info("Live prices restored", slog.String("symbol", symbol))
	}

	e.metrics.SetDegradedFeeds(len(e.simulating))
}

// handleSnapshot treats snapshot prices as live observations and re-anchors the generator.
func (e *Engine) handleSnapshot(ev event.SnapshotEvent) {
	nowMs := e.opts.Now().UnixMilli()
	for sym, snap := range ev.Snapshots {
		symbol := domain.NormalizeSymbol(sym)
		if !e.isTracked(symbol) || !snap.Price.IsPositive() {
			continue
		}
		e.gen.Rebase(symbol, snap.Price.InexactFloat64())
		if !e.buf.OnTick(snap.Tick(symbol, nowMs)) {
			e.metrics.RecordDrop()
		}
	}
}

// flush drains the coalescer and fans the batch out. An empty batch does nothing.
func (e *Engine) flush() {
	start := time.Now()

	batch := e.buf.Flush()
	if len(batch) == 0 {
		return
	}

	e.prices.ApplyFlush(batch, e.opts.Now())
	if e.history != nil {
		for _, t := range batch {
			e.history.ApplyTick(t)
		}
	}
	changed := e.book.Apply(batch)

	if len(e.sinks) > 0 {
		select {
		case e.sinkCh <- batch:
		default:
			slog.Warn("Flush sinks busy, dropping batch", slog.Int("ticks", len(batch)))
		}
	}

	e.metrics.RecordFlush(len(batch), time.Since(start).Nanoseconds())
	slog.Debug("Flushed",
		slog.Int("ticks", len(batch)),
		slog.Int("positions", len(changed)),
	)
}

// simulate steps every degraded symbol whose interval elapsed.
func (e *Engine) simulate() {
	nowMs := e.opts.Now().UnixMilli()
	for symbol := range e.simulating {
		if !e.isTracked(symbol) {
			delete(e.simulating, symbol)
			continue
		}
		e.simulateSymbol(symbol, nowMs)
	}
	e.metrics.SetDegradedFeeds(len(e.simulating))
}

func (e *Engine) simulateSymbol(symbol string, nowMs int64) {
	price, moved := e.gen.Step(symbol, nowMs)
	if !moved {
		return
	}

	p := decimal.NewFromFloat(price).Round(priceDecimals)
	var change decimal.Decimal
	if st, ok := e.gen.State(symbol); ok && st.BasePrice > 0 {
		base := decimal.NewFromFloat(st.BasePrice)
		change = p.Sub(base).Div(base).Mul(decimal.NewFromInt(100)).Round(4)
	}

	e.buf.OnTick(domain.PriceTick{
		Symbol:      symbol,
		Price:       p,
		ChangePct:   change,
		TimestampMs: nowMs,
		Source:      domain.SourceSimulated,
	})
}

func (e *Engine) sinkLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-e.sinkCh:
			for _, s := range e.sinks {
				pctx, cancel := context.WithTimeout(ctx, sinkTimeout)
				if err := s.Publish(pctx, batch); err != nil {
					e.metrics.RecordError()
					slog.Warn("Flush sink failed", slog.Any("error", err))
				}
				cancel()
			}
		}
	}
}

// Track starts following an instrument. Stream-supported instruments subscribe to
// the live feed, the others are simulated from the first flush.
func (e *Engine) Track(ctx context.Context, inst domain.Instrument) error {
	symbol := domain.NormalizeSymbol(inst.Symbol)
	if symbol == "" {
		return domain.ErrInvalidSymbol
	}
	inst.Symbol = symbol

	e.mu.Lock()
	if _, ok := e.tracked[symbol]; ok {
		e.mu.Unlock()
		return nil
	}
	tr := &trackedSymbol{instrument: inst}
	e.tracked[symbol] = tr
	e.mu.Unlock()

	e.prices.Register(symbol, inst.Category)
	e.prices.SetFavorite(symbol, inst.IsFavorite)
	e.gen.Register(symbol, inst.Category, inst.BasePrice.InexactFloat64())

	reason := fmt.Errorf("no live stream for %s", symbol)
	if inst.StreamSupported && e.feeds != nil {
		h, err := e.feeds.Subscribe(ctx, symbol)
		if err == nil {
			e.mu.Lock()
			current := e.tracked[symbol] == tr
			if current {
				tr.handle = &h
			}
			e.mu.Unlock()

			if !current {
				// Untracked while subscribing.
				if err := e.feeds.Unsubscribe(h); err != nil {
					slog.Warn("Unsubscribe failed", slog.String("symbol", symbol), slog.Any("error", err))
				}
				return nil
			}
			slog.Info("Tracking live instrument", slog.String("symbol", symbol))
			return nil
		}
		reason = err
		slog.Warn("Live subscription failed, simulating", slog.String("symbol", symbol), slog.Any("error", err))
	}

	slog.Info("Tracking simulated instrument", slog.String("symbol", symbol), slog.String("category", string(inst.Category)))
	select {
	case e.inbox <- event.FeedStatusEvent{Symbol: symbol, Status: event.FeedUnavailable, Reason: reason}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Untrack stops following a symbol and releases its feed subscription.
func (e *Engine) Untrack(symbol string) error {
	symbol = domain.NormalizeSymbol(symbol)

	e.mu.Lock()
	tr, ok := e.tracked[symbol]
	var handle *feed.Handle
	if ok {
		handle = tr.handle
	}
	delete(e.tracked, symbol)
	e.mu.Unlock()

	if !ok {
		return domain.ErrInvalidSymbol
	}

	if handle != nil && e.feeds != nil {
		if err := e.feeds.Unsubscribe(*handle); err != nil {
			slog.Warn("Unsubscribe failed", slog.String("symbol", symbol), slog.Any("error", err))
		}
	}
	e.buf.Forget(symbol)
	e.prices.Remove(symbol)
	if e.history != nil {
		e.history.Drop(symbol)
	}
	slog.Info("Instrument untracked", slog.String("symbol", symbol))
	return nil
}

// Seed fetches one snapshot for every tracked symbol and queues it.
func (e *Engine) Seed(ctx context.Context, fetcher domain.SnapshotFetcher) error {
	symbols := e.TrackedSymbols()
	if len(symbols) == 0 {
		return nil
	}

	snaps, err := fetcher.FetchSnapshot(ctx, symbols)
	if err != nil {
		if domain.IsRateLimited(err) {
			e.fallBackOffline(ctx, err)
		}
		return fmt.Errorf("seed snapshot: %w", err)
	}

	select {
	case e.inbox <- event.SnapshotEvent{Snapshots: snaps, TimestampMs: e.opts.Now().UnixMilli()}:
		slog.Info("Seeded prices from snapshot", slog.Int("symbols", len(snaps)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fallBackOffline switches every tracked symbol without a live subscription to
// simulation. Symbols with an open socket keep their stream.
func (e *Engine) fallBackOffline(ctx context.Context, reason error) {
	e.mu.RLock()
	var offline []string
	for sym, tr := range e.tracked {
		if tr.handle == nil {
			offline = append(offline, sym)
		}
	}
	e.mu.RUnlock()

	slog.Warn("Snapshot rate limited", slog.Int("offline", len(offline)), slog.Any("error", reason))
	for _, sym := range offline {
		select {
		case e.inbox <- event.FeedStatusEvent{Symbol: sym, Status: event.FeedUnavailable, Reason: reason}:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) isTracked(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.tracked[domain.NormalizeSymbol(symbol)]
	return ok
}

// TrackedSymbols returns the tracked symbols sorted.
func (e *Engine) TrackedSymbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, 0, len(e.tracked))
	for sym := range e.tracked {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// DegradedSymbols returns the symbols currently on simulated prices.
func (e *Engine) DegradedSymbols() []string {
	return e.prices.DegradedSymbols()
}

// DumpState writes the read-side state to a file (for post-mortem).
func (e *Engine) DumpState(filename string) {
	slog.Info("Dumping internal state...", slog.String("file", filename))

	data := struct {
		Quotes    []service.Quote             `json:"quotes"`
		Positions []domain.PositionSnapshot   `json:"positions"`
		Feeds     []domain.SymbolSubscription `json:"feeds"`
		Metrics   infra.MetricsSnapshot       `json:"metrics"`
	}{
		Quotes:    e.prices.GetAllData(),
		Positions: e.book.Snapshots(),
		Feeds:     e.FeedStatus(),
		Metrics:   e.metrics.Snapshot(),
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}
