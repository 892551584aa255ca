package feed

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"market_pulse/internal/domain"
	"market_pulse/internal/event"
	"market_pulse/internal/infra"

	"github.com/google/uuid"
)

const (
	defaultHeartbeatWindow  = 30 * time.Second
	defaultHeartbeatCheck   = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// ErrManagerClosed is returned by Subscribe after Close.
var ErrManagerClosed = errors.New("feed manager closed")

// Options configures the feed manager.
type Options struct {
	WSURL            string // stream base, e.g. wss://stream.binance.com:9443/ws
	Policy           Policy
	HeartbeatWindow  time.Duration // silence after which an open socket is recycled
	HeartbeatCheck   time.Duration
	HandshakeTimeout time.Duration
	Metrics          *infra.Metrics
}

func (o Options) withDefaults() Options {
	o.Policy = o.Policy.withDefaults()
	if o.HeartbeatWindow <= 0 {
		o.HeartbeatWindow = defaultHeartbeatWindow
	}
	if o.HeartbeatCheck <= 0 {
		o.HeartbeatCheck = defaultHeartbeatCheck
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.Metrics == nil {
		o.Metrics = &infra.Metrics{}
	}
	return o
}

// Handle identifies one subscriber. Release it with Unsubscribe.
type Handle struct {
	ID     uuid.UUID
	Symbol string
}

type subscription struct {
	conn     *connection
	refCount int
}

// Manager shares one exchange connection per symbol among all its subscribers.
// Ticks and status changes are written to the inbox as event.Event values.
type Manager struct {
	opts  Options
	inbox chan<- event.Event

	mu      sync.Mutex
	subs    map[string]*subscription
	handles map[uuid.UUID]string
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager writing to inbox.
func NewManager(opts Options, inbox chan<- event.Event) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts.withDefaults(),
		inbox:   inbox,
		subs:    make(map[string]*subscription),
		handles: make(map[uuid.UUID]string),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Subscribe registers interest in symbol. The first subscriber opens the connection.
func (m *Manager) Subscribe(ctx context.Context, symbol string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	symbol = domain.NormalizeSymbol(symbol)
	if symbol == "" {
		return Handle{}, domain.ErrInvalidSymbol
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Handle{}, ErrManagerClosed
	}

	sub, ok := m.subs[symbol]
	if !ok {
		sub = &subscription{conn: newConnection(symbol, m.opts, m.inbox, m.opts.Metrics)}
		m.subs[symbol] = sub
		sub.conn.start(m.ctx, &m.wg)
		slog.Info("Feed subscription opened", slog.String("symbol", symbol))
	}
	sub.refCount++

	h := Handle{ID: uuid.New(), Symbol: symbol}
	m.handles[h.ID] = symbol
	return h, nil
}

// Unsubscribe releases a handle. The last release closes the connection.
// Releasing an unknown or already released handle changes nothing.
func (m *Manager) Unsubscribe(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	symbol, ok := m.handles[h.ID]
	if !ok {
		return domain.ErrUnknownHandle
	}
	delete(m.handles, h.ID)

	sub, ok := m.subs[symbol]
	if !ok {
		return domain.ErrUnknownHandle
	}
	sub.refCount--
	if sub.refCount > 0 {
		return nil
	}

	delete(m.subs, symbol)
	sub.conn.stop()
	slog.Info("Feed subscription closed", slog.String("symbol", symbol))
	return nil
}

// Run checks heartbeats until ctx is done. Silent open connections are force-closed,
// which sends them through the normal reconnect path.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HeartbeatCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.checkHeartbeats(now)
		}
	}
}

func (m *Manager) checkHeartbeats(now time.Time) {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.subs))
	for _, sub := range m.subs {
		conns = append(conns, sub.conn)
	}
	m.mu.Unlock()

	for _, c := range conns {
		if c.stale(now, m.opts.HeartbeatWindow) {
			slog.Warn("Feed heartbeat missed, recycling connection", slog.String("symbol", c.symbol))
			c.closeConnection()
		}
	}
}

// Subscriptions returns a copy of the subscription table sorted by symbol.
func (m *Manager) Subscriptions() []domain.SymbolSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.SymbolSubscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub.conn.snapshot(sub.refCount))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Close stops every connection and waits for the tasks to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for symbol, sub := range m.subs {
		sub.conn.stop()
		delete(m.subs, symbol)
	}
	m.handles = make(map[uuid.UUID]string)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	slog.Info("Feed manager closed")
}
