package exchange

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"market_pulse/internal/domain"
	"market_pulse/internal/event"
)

const (
	defaultPollInterval = 30 * time.Second
	pollAttempts        = 3
)

// SnapshotPoller periodically fetches snapshots for the symbols returned by
// symbols and writes them to the engine inbox. It keeps simulated prices
// anchored while a live feed is down.
type SnapshotPoller struct {
	fetcher      domain.SnapshotFetcher
	symbols      func() []string
	inbox        chan<- event.Event
	pollInterval time.Duration
	retryBase    time.Duration
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewSnapshotPoller creates a poller. interval <= 0 means 30s.
func NewSnapshotPoller(fetcher domain.SnapshotFetcher, symbols func() []string, inbox chan<- event.Event, interval time.Duration) *SnapshotPoller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &SnapshotPoller{
		fetcher:      fetcher,
		symbols:      symbols,
		inbox:        inbox,
		pollInterval: interval,
		retryBase:    time.Second,
	}
}

// Start begins polling
func (p *SnapshotPoller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Snapshot polling panic recovered", slog.Any("panic", r))
			}
		}()

		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Info("Snapshot polling stopped")
				return
			case <-ticker.C:
				p.poll(ctx)
			}
		}
	}()
}

// poll fetches the current symbol set once and forwards the result.
func (p *SnapshotPoller) poll(ctx context.Context) {
	symbols := p.symbols()
	if len(symbols) == 0 {
		return
	}

	snaps, err := p.fetchWithRetry(ctx, symbols)
	if err != nil {
		slog.Warn("Snapshot poll failed", slog.Int("symbols", len(symbols)), slog.Any("error", err))
		if domain.IsRateLimited(err) {
			p.fallBack(ctx, symbols, err)
		}
		return
	}
	if len(snaps) == 0 {
		return
	}

	select {
	case p.inbox <- event.SnapshotEvent{Snapshots: snaps, TimestampMs: time.Now().UnixMilli()}:
	case <-ctx.Done():
	}
}

// fallBack keeps the polled symbols on simulation when the exchange throttles us.
func (p *SnapshotPoller) fallBack(ctx context.Context, symbols []string, reason error) {
	for _, s := range symbols {
		select {
		case p.inbox <- event.FeedStatusEvent{Symbol: s, Status: event.FeedUnavailable, Reason: reason}:
		case <-ctx.Done():
			return
		}
	}
}

// fetchWithRetry retries transient failures with exponential backoff: 1s, 2s.
func (p *SnapshotPoller) fetchWithRetry(ctx context.Context, symbols []string) (map[string]domain.Snapshot, error) {
	var lastErr error
	for i := 0; i < pollAttempts; i++ {
		if i > 0 {
			delay := p.retryBase * time.Duration(1<<uint(i-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		snaps, err := p.fetcher.FetchSnapshot(ctx, symbols)
		if err == nil {
			return snaps, nil
		}
		lastErr = err
		if !domain.IsRetriable(err) {
			break
		}
		slog.Warn("Snapshot fetch attempt failed", slog.Int("attempt", i+1), slog.Any("error", err))
	}
	return nil, lastErr
}

// Stop stops the polling
func (p *SnapshotPoller) Stop() {
	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
	}
}
