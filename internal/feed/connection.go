package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"market_pulse/internal/domain"
	"market_pulse/internal/event"
	"market_pulse/internal/infra"

	"github.com/gorilla/websocket"
)

var errConnectionClosed = errors.New("connection closed")

// connection owns the socket of one symbol and keeps it open while subscribers exist.
type connection struct {
	symbol  string
	url     string
	opts    Options
	inbox   chan<- event.Event
	metrics *infra.Metrics

	conn        *websocket.Conn
	mu          sync.RWMutex
	status      domain.FeedState
	retryCount  int
	degraded    bool
	lastMessage atomic.Int64 // unix ms of the last frame or open

	cancel context.CancelFunc
}

func newConnection(symbol string, opts Options, inbox chan<- event.Event, metrics *infra.Metrics) *connection {
	return &connection{
		symbol:  symbol,
		url:     strings.TrimRight(opts.WSURL, "/") + "/" + strings.ToLower(symbol) + "@ticker",
		opts:    opts,
		inbox:   inbox,
		metrics: metrics,
		status:  domain.FeedIdle,
	}
}

// start launches the connection task. wg is released when the task exits.
func (c *connection) start(ctx context.Context, wg *sync.WaitGroup) {
	ctx, c.cancel = context.WithCancel(ctx)

	wg.Add(1)
	go c.connectionLoop(ctx, wg)
}

// stop cancels the task and closes the socket so a blocked read returns.
func (c *connection) stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConnection()
}

// connectionLoop handles connection and reconnection with exponential backoff
func (c *connection) connectionLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Feed panic recovered", slog.String("symbol", c.symbol), slog.Any("panic", r))
		}
		c.closeConnection()
		c.setStatus(domain.FeedClosed)
	}()

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		c.setStatus(domain.FeedConnecting)
		err := c.connect(ctx)
		if err == nil {
			failures = 0
			c.opened(ctx)
			err = c.readLoop(ctx)
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		delay, degrade := c.opts.Policy.Plan(failures, domain.IsRateLimited(err))
		c.metrics.RecordReconnect()

		slog.Warn("Feed connection lost",
			slog.String("symbol", c.symbol),
			slog.Any("error", err),
			slog.Int("retry", failures),
			slog.Duration("delay", delay),
		)

		c.mu.Lock()
		c.status = domain.FeedBackoff
		c.retryCount = failures
		c.mu.Unlock()

		if degrade {
			c.markUnavailable(ctx, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connect dials the ticker stream of the symbol.
func (c *connection) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}

	header := make(http.Header)
	header.Add("User-Agent", infra.DefaultUserAgent)

	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && domain.IsRateLimitStatus(resp.StatusCode) {
			return &domain.RateLimitError{Op: "dial " + c.symbol, StatusCode: resp.StatusCode}
		}
		return domain.NewNetworkError("dial", fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.metrics.IncrementConnections()

	return nil
}

// opened resets the retry state and reports a restored feed.
func (c *connection) opened(ctx context.Context) {
	c.lastMessage.Store(time.Now().UnixMilli())

	c.mu.Lock()
	c.status = domain.FeedOpen
	c.retryCount = 0
	wasDegraded := c.degraded
	c.degraded = false
	c.mu.Unlock()

	slog.Info("Feed connected", slog.String("symbol", c.symbol))

	if wasDegraded {
		slog.Info("Feed restored", slog.String("symbol", c.symbol))
		c.emit(ctx, event.FeedStatusEvent{Symbol: c.symbol, Status: event.FeedRestored})
	}
}

// markUnavailable reports the feed as down once per outage.
func (c *connection) markUnavailable(ctx context.Context, reason error) {
	c.mu.Lock()
	already := c.degraded
	c.degraded = true
	c.mu.Unlock()

	if already {
		return
	}

	slog.Error("Feed unavailable, falling back to simulation",
		slog.String("symbol", c.symbol),
		slog.Any("error", reason),
	)
	c.emit(ctx, event.FeedStatusEvent{Symbol: c.symbol, Status: event.FeedUnavailable, Reason: reason})
}

// readLoop reads frames until the socket fails or is closed.
func (c *connection) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		if conn == nil {
			return errConnectionClosed
		}

		conn.SetReadDeadline(time.Now().Add(2 * c.opts.HeartbeatWindow))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Feed read error", slog.String("symbol", c.symbol), slog.Any("error", err))
			}
			c.closeConnection()
			return domain.NewNetworkError("read", err)
		}

		c.lastMessage.Store(time.Now().UnixMilli())
		c.handleMessage(message)
	}
}

// handleMessage parses one frame and forwards the tick without blocking.
func (c *connection) handleMessage(message []byte) {
	tick, err := parseFrame(c.symbol, message, time.Now().UnixMilli())
	if err != nil {
		c.metrics.RecordMalformedFrame()
		slog.Debug("Feed frame dropped", slog.String("symbol", c.symbol), slog.Any("error", err))
		return
	}

	c.metrics.RecordTick()
	select {
	case c.inbox <- event.TickEvent{Tick: tick}:
	default:
		c.metrics.RecordDrop()
		slog.Warn("Engine inbox full, dropping tick", slog.String("symbol", c.symbol))
	}
}

// emit delivers a status event. Status changes are rare and must not be lost.
func (c *connection) emit(ctx context.Context, ev event.Event) {
	select {
	case c.inbox <- ev:
	case <-ctx.Done():
	}
}

// stale reports whether an open connection has been silent longer than window.
func (c *connection) stale(now time.Time, window time.Duration) bool {
	c.mu.RLock()
	open := c.status == domain.FeedOpen && c.conn != nil
	c.mu.RUnlock()

	return open && now.UnixMilli()-c.lastMessage.Load() > window.Milliseconds()
}

// closeConnection safely closes the WebSocket connection
func (c *connection) closeConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.metrics.DecrementConnections()
	}
}

func (c *connection) setStatus(s domain.FeedState) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *connection) snapshot(refCount int) domain.SymbolSubscription {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return domain.SymbolSubscription{
		Symbol:        c.symbol,
		RefCount:      refCount,
		Status:        c.status,
		RetryCount:    c.retryCount,
		Degraded:      c.degraded,
		LastMessageMs: c.lastMessage.Load(),
	}
}
