package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"market_pulse/internal/domain"
	"market_pulse/internal/event"

	"github.com/shopspring/decimal"
)

type scriptedFetcher struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *scriptedFetcher) FetchSnapshot(_ context.Context, symbols []string) (map[string]domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	out := make(map[string]domain.Snapshot, len(symbols))
	for _, s := range symbols {
		out[s] = domain.Snapshot{Price: decimal.NewFromInt(42)}
	}
	return out, nil
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestSnapshotPoller_RetriesAndEmits(t *testing.T) {
	f := &scriptedFetcher{errs: []error{domain.NewNetworkError("snapshot", errors.New("timeout"))}}
	inbox := make(chan event.Event, 4)

	p := NewSnapshotPoller(f, func() []string { return []string{"XYZ"} }, inbox, 10*time.Millisecond)
	p.retryBase = time.Millisecond
	p.Start(context.Background())
	defer p.Stop()

	select {
	case ev := <-inbox:
		snap, ok := ev.(event.SnapshotEvent)
		if !ok {
			t.Fatalf("Unexpected event %T", ev)
		}
		if !snap.Snapshots["XYZ"].Price.Equal(decimal.NewFromInt(42)) {
			t.Errorf("Unexpected snapshot %+v", snap.Snapshots)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No snapshot event")
	}

	if f.callCount() < 2 {
		t.Errorf("Expected a retry, got %d calls", f.callCount())
	}
}

func TestSnapshotPoller_RateLimitNotRetried(t *testing.T) {
	f := &scriptedFetcher{errs: []error{&domain.RateLimitError{Op: "snapshot", StatusCode: 429}}}
	p := NewSnapshotPoller(f, func() []string { return []string{"XYZ"} }, make(chan event.Event, 1), time.Hour)
	p.retryBase = time.Millisecond

	_, err := p.fetchWithRetry(context.Background(), []string{"XYZ"})
	if !domain.IsRateLimited(err) {
		t.Errorf("Expected rate limit error, got %v", err)
	}
	if f.callCount() != 1 {
		t.Errorf("Rate limit should not be retried, got %d calls", f.callCount())
	}
}

func TestSnapshotPoller_RateLimitFallsBack(t *testing.T) {
	limit := &domain.RateLimitError{Op: "snapshot", StatusCode: 451}
	f := &scriptedFetcher{errs: []error{limit}}
	inbox := make(chan event.Event, 4)
	p := NewSnapshotPoller(f, func() []string { return []string{"XYZ", "ABC"} }, inbox, time.Hour)

	p.poll(context.Background())

	if len(inbox) != 2 {
		t.Fatalf("Expected 2 status events, got %d", len(inbox))
	}
	for i := 0; i < 2; i++ {
		ev, ok := (<-inbox).(event.FeedStatusEvent)
		if !ok || ev.Status != event.FeedUnavailable || !domain.IsRateLimited(ev.Reason) {
			t.Errorf("Unexpected event %+v", ev)
		}
	}
}

func TestSnapshotPoller_NoSymbols(t *testing.T) {
	f := &scriptedFetcher{}
	inbox := make(chan event.Event, 1)
	p := NewSnapshotPoller(f, func() []string { return nil }, inbox, time.Hour)

	p.poll(context.Background())
	if f.callCount() != 0 || len(inbox) != 0 {
		t.Error("Poll with no symbols should do nothing")
	}
}
