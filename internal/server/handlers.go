package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"market_pulse/internal/domain"
	"market_pulse/internal/engine"
	"market_pulse/internal/history"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func (s *Server) getHealth(c *gin.Context) {
	feeds := s.reader.FeedStatus()
	degraded := 0
	for _, f := range feeds {
		if f.Degraded {
			degraded++
		}
	}

	status := "ok"
	if degraded > 0 {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"feeds":       len(feeds),
		"degraded":    degraded,
		"connections": s.hub.Clients(),
		"uptime_sec":  int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.reader.Metrics())
}

func (s *Server) getFeeds(c *gin.Context) {
	c.JSON(http.StatusOK, s.reader.FeedStatus())
}

func (s *Server) getInstruments(c *gin.Context) {
	c.JSON(http.StatusOK, s.reader.Instruments())
}

func (s *Server) toggleFavorite(c *gin.Context) {
	symbol := domain.NormalizeSymbol(c.Param("symbol"))
	if s.catalog == nil {
		respondError(c, http.StatusServiceUnavailable, errors.New("catalog disabled"))
		return
	}

	fav, err := s.catalog.ToggleFavorite(symbol)
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	if err := s.reader.SetFavorite(symbol, fav); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "is_favorite": fav})
}

func (s *Server) getTicks(c *gin.Context) {
	c.JSON(http.StatusOK, s.reader.Quotes())
}

func (s *Server) getTick(c *gin.Context) {
	q, ok := s.reader.Quote(c.Param("symbol"))
	if !ok {
		respondError(c, http.StatusNotFound, domain.ErrInvalidSymbol)
		return
	}
	if !q.HasTick {
		respondError(c, http.StatusNotFound, domain.ErrNoData)
		return
	}
	c.JSON(http.StatusOK, q)
}

type candlesResponse struct {
	Symbol    string          `json:"symbol"`
	Candles   []domain.Candle `json:"candles"`
	Exhausted bool            `json:"exhausted"`
}

// getCandles returns the merged series, loading the first page when none is held
// or when interval/limit/end_time ask for a specific range.
func (s *Server) getCandles(c *gin.Context) {
	symbol := domain.NormalizeSymbol(c.Param("symbol"))

	r := history.Range{Interval: c.Query("interval")}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		r.Limit = n
	}
	if v := c.Query("end_time"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			respondError(c, http.StatusBadRequest, errors.New("end_time must be epoch milliseconds"))
			return
		}
		r.EndTimeMs = ms
	}

	candles := s.reader.GetCandles(symbol)
	if len(candles) == 0 || r != (history.Range{}) {
		loaded, err := s.reader.LoadHistory(c.Request.Context(), symbol, r)
		if err != nil && !errors.Is(err, domain.ErrNoData) {
			respondError(c, statusFor(err), err)
			return
		}
		candles = loaded
	}

	c.JSON(http.StatusOK, candlesResponse{
		Symbol:    symbol,
		Candles:   nonNil(candles),
		Exhausted: s.reader.HistoryExhausted(symbol),
	})
}

func (s *Server) loadMoreCandles(c *gin.Context) {
	symbol := domain.NormalizeSymbol(c.Param("symbol"))

	candles, err := s.reader.LoadMoreHistory(c.Request.Context(), symbol)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNoMoreData):
		candles = s.reader.GetCandles(symbol)
	default:
		respondError(c, statusFor(err), err)
		return
	}

	c.JSON(http.StatusOK, candlesResponse{
		Symbol:    symbol,
		Candles:   nonNil(candles),
		Exhausted: s.reader.HistoryExhausted(symbol),
	})
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, s.reader.GetPositionSnapshots())
}

func (s *Server) upsertPosition(c *gin.Context) {
	var p domain.PositionSnapshot
	if err := c.ShouldBindJSON(&p); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	saved, err := s.reader.UpsertPosition(p)
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (s *Server) deletePosition(c *gin.Context) {
	if err := s.reader.RemovePosition(c.Param("id")); err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, s.reader.Alerts())
}

type alertRequest struct {
	Symbol     string          `json:"symbol" binding:"required"`
	Target     decimal.Decimal `json:"target"`
	Persistent bool            `json:"persistent"`
	LiveOnly   bool            `json:"live_only"`
}

func (s *Server) addAlert(c *gin.Context) {
	var req alertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if !req.Target.IsPositive() {
		respondError(c, http.StatusBadRequest, errors.New("target must be positive"))
		return
	}

	a, err := s.reader.AddAlert(req.Symbol, req.Target, req.Persistent, req.LiveOnly)
	if err != nil {
		respondError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidSymbol),
		errors.Is(err, domain.ErrNoData):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInterval),
		errors.Is(err, domain.ErrInvalidPosition):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrBackfillInFlight):
		return http.StatusConflict
	case errors.Is(err, engine.ErrHistoryDisabled):
		return http.StatusServiceUnavailable
	case domain.IsRateLimited(err):
		return http.StatusTooManyRequests
	case domain.IsRetriable(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed",
			slog.String("path", c.Request.URL.Path),
			slog.Any("error", err),
		)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func nonNil(c []domain.Candle) []domain.Candle {
	if c == nil {
		return []domain.Candle{}
	}
	return c
}
