package server

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"market_pulse/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait       = 2 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 4096
	clientQueueSize = 64
	broadcastSize   = 256
)

// TickBatch is one flush as sent to stream clients.
type TickBatch struct {
	Type  string             `json:"type"` // "snapshot" on connect, "update" after
	Ticks []domain.PriceTick `json:"ticks"`
}

// Hub fans flush batches out to websocket clients.
// A client that cannot keep up is disconnected instead of blocking the hub.
type Hub struct {
	clients    map[*client]struct{}
	broadcast  chan TickBatch
	register   chan *client
	unregister chan *client
	latest     map[string]domain.PriceTick // owned by Run
	count      atomic.Int32
	done       chan struct{}
}

// NewHub creates an idle hub. Call Run to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan TickBatch, broadcastSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		latest:     make(map[string]domain.PriceTick),
		done:       make(chan struct{}),
	}
}

// Publish queues a flush batch for the stream. It never blocks the caller.
func (h *Hub) Publish(_ context.Context, batch map[string]domain.PriceTick) error {
	select {
	case h.broadcast <- TickBatch{Type: "update", Ticks: sortedTicks(batch)}:
	default:
		slog.Warn("Stream hub busy, dropping batch", slog.Int("ticks", len(batch)))
	}
	return nil
}

// Clients returns the number of connected stream clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Run is the hub loop. It owns the client set.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int32(len(h.clients)))
			// Initial state on connect
			c.send <- TickBatch{Type: "snapshot", Ticks: sortedTicks(h.latest)}

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}

		case batch := <-h.broadcast:
			for _, t := range batch.Ticks {
				h.latest[t.Symbol] = t
			}
			for c := range h.clients {
				select {
				case c.send <- batch:
				default:
					slog.Warn("Stream client too slow, disconnecting")
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) join(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.count.Store(int32(len(h.clients)))
}

func sortedTicks(batch map[string]domain.PriceTick) []domain.PriceTick {
	out := make([]domain.PriceTick, 0, len(batch))
	for _, t := range batch {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan TickBatch
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", slog.Any("error", err))
		return
	}

	cl := &client{
		hub:  s.hub,
		conn: conn,
		send: make(chan TickBatch, clientQueueSize),
	}
	if !s.hub.join(cl) {
		conn.Close()
		return
	}

	go cl.writePump()
	go cl.readPump()
}

// readPump discards client input and watches the connection.
func (c *client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("Stream client read error", slog.Any("error", err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case batch, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(batch); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
