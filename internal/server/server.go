package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"market_pulse/internal/domain"
	"market_pulse/internal/history"
	"market_pulse/internal/infra"
	"market_pulse/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const shutdownTimeout = 5 * time.Second

// Reader is the engine surface the API serves.
type Reader interface {
	Quotes() []service.Quote
	Quote(symbol string) (service.Quote, bool)
	GetFlushedTick(symbol string) (domain.PriceTick, bool)
	GetCandles(symbol string) []domain.Candle
	LoadHistory(ctx context.Context, symbol string, r history.Range) ([]domain.Candle, error)
	LoadMoreHistory(ctx context.Context, symbol string) ([]domain.Candle, error)
	HistoryExhausted(symbol string) bool
	GetPositionSnapshots() []domain.PositionSnapshot
	UpsertPosition(p domain.PositionSnapshot) (domain.PositionSnapshot, error)
	RemovePosition(id string) error
	AddAlert(symbol string, target decimal.Decimal, persistent, liveOnly bool) (*domain.AlertConfig, error)
	Alerts() []domain.AlertConfig
	SetFavorite(symbol string, favorite bool) error
	Instruments() []domain.Instrument
	FeedStatus() []domain.SymbolSubscription
	Metrics() infra.MetricsSnapshot
}

// Catalog persists instrument flags toggled through the API.
type Catalog interface {
	ToggleFavorite(symbol string) (bool, error)
}

// Server is the HTTP consumer API plus the /ws tick stream.
type Server struct {
	reader  Reader
	catalog Catalog
	hub     *Hub
	engine  *gin.Engine
	http    *http.Server
	started time.Time
}

// New builds the router. catalog may be nil; a nil hub gets a fresh one.
func New(cfg *infra.Config, reader Reader, catalog Catalog, hub *Hub) *Server {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	if hub == nil {
		hub = NewHub()
	}

	s := &Server{
		reader:  reader,
		catalog: catalog,
		hub:     hub,
		engine:  gin.New(),
		started: time.Now(),
	}
	s.engine.Use(gin.Recovery(), requestLogger(), cors())
	s.setupRoutes()

	s.http = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.getHealth)
	api.GET("/metrics", s.getMetrics)
	api.GET("/feeds", s.getFeeds)

	api.GET("/instruments", s.getInstruments)
	api.POST("/instruments/:symbol/favorite", s.toggleFavorite)

	api.GET("/ticks", s.getTicks)
	api.GET("/ticks/:symbol", s.getTick)

	api.GET("/candles/:symbol", s.getCandles)
	api.POST("/candles/:symbol/more", s.loadMoreCandles)

	api.GET("/positions", s.getPositions)
	api.POST("/positions", s.upsertPosition)
	api.DELETE("/positions/:id", s.deletePosition)

	api.GET("/alerts", s.getAlerts)
	api.POST("/alerts", s.addAlert)

	s.engine.GET("/ws", s.handleWebSocket)
}

// Hub returns the tick stream hub. Register it as a flush sink.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler exposes the router (tests).
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown. It returns nil on a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	slog.Info("HTTP server listening", slog.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/ws" {
			return
		}
		slog.Debug("HTTP request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}

// cors allows local dashboards to call the API.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if strings.HasPrefix(origin, "http://127.0.0.1:") || strings.HasPrefix(origin, "http://localhost:") {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, Cache-Control")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
