package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"market_pulse/internal/domain"
	"market_pulse/internal/infra"

	"github.com/shopspring/decimal"
)

const (
	klinesPath     = "/api/v3/klines"
	maxKlinesLimit = 1000
	maxBodyBytes   = 8 << 20
)

// apiError is the error object the exchange returns instead of data.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Client talks to the exchange REST API and the batched snapshot endpoint.
type Client struct {
	restURL     string
	snapshotURL string
	httpClient  *http.Client
}

// NewClient creates a REST client. snapshotURL may be empty when no snapshot service exists.
func NewClient(restURL, snapshotURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		restURL:     strings.TrimRight(restURL, "/"),
		snapshotURL: snapshotURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchCandles loads one page of klines ending at req.EndTimeMs (0 = now).
// An error object from the exchange is treated as an empty page.
func (c *Client) FetchCandles(ctx context.Context, req domain.CandleRequest) ([]domain.Candle, error) {
	symbol := domain.NormalizeSymbol(req.Symbol)
	if symbol == "" {
		return nil, domain.ErrInvalidSymbol
	}
	if _, err := domain.IntervalSeconds(req.Interval); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", req.Interval)
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(min(req.Limit, maxKlinesLimit)))
	}
	if req.EndTimeMs > 0 {
		q.Set("endTime", strconv.FormatInt(req.EndTimeMs, 10))
	}

	body, status, err := c.get(ctx, "klines", c.restURL+klinesPath+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(body)
	if status < http.StatusInternalServerError && len(trimmed) > 0 && trimmed[0] == '{' {
		var apiErr apiError
		if err := json.Unmarshal(trimmed, &apiErr); err == nil && (apiErr.Code != 0 || apiErr.Msg != "") {
			slog.Warn("Exchange returned no candles",
				slog.String("symbol", symbol),
				slog.Int("code", apiErr.Code),
				slog.String("msg", apiErr.Msg),
			)
			return nil, nil
		}
	}
	if status != http.StatusOK {
		return nil, domain.NewNetworkError("klines", fmt.Errorf("unexpected status code: %d", status))
	}

	return parseKlines(trimmed)
}

// parseKlines decodes [[openTimeMs, open, high, low, close, volume, ...], ...].
func parseKlines(body []byte) ([]domain.Candle, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	candles := make([]domain.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("decode klines: row %d has %d fields", i, len(row))
		}

		var openMs int64
		if err := json.Unmarshal(row[0], &openMs); err != nil {
			return nil, fmt.Errorf("decode klines: row %d open time: %w", i, err)
		}

		var vals [5]decimal.Decimal
		for j := range vals {
			if err := vals[j].UnmarshalJSON(row[j+1]); err != nil {
				return nil, fmt.Errorf("decode klines: row %d field %d: %w", i, j+1, err)
			}
		}

		candles = append(candles, domain.Candle{
			TimeSec: openMs / 1000,
			Open:    vals[0],
			High:    vals[1],
			Low:     vals[2],
			Close:   vals[3],
			Volume:  vals[4],
		})
	}
	return candles, nil
}

// FetchSnapshot loads price, 24h change and volume for symbols in one request.
// Symbols missing from the response are simply absent from the result.
func (c *Client) FetchSnapshot(ctx context.Context, symbols []string) (map[string]domain.Snapshot, error) {
	if c.snapshotURL == "" {
		return nil, fmt.Errorf("snapshot: %w: no snapshot url configured", domain.ErrNoData)
	}
	if len(symbols) == 0 {
		return map[string]domain.Snapshot{}, nil
	}

	normalized := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if n := domain.NormalizeSymbol(s); n != "" {
			normalized = append(normalized, n)
		}
	}

	sep := "?"
	if strings.Contains(c.snapshotURL, "?") {
		sep = "&"
	}
	target := c.snapshotURL + sep + "symbols=" + url.QueryEscape(strings.Join(normalized, ","))

	body, status, err := c.get(ctx, "snapshot", target)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, domain.NewNetworkError("snapshot", fmt.Errorf("unexpected status code: %d", status))
	}

	var raw map[string]domain.Snapshot
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	out := make(map[string]domain.Snapshot, len(raw))
	for sym, snap := range raw {
		if !snap.Price.IsPositive() {
			continue
		}
		out[domain.NormalizeSymbol(sym)] = snap
	}
	return out, nil
}

// get performs a GET and classifies transport and throttling failures.
func (c *Client) get(ctx context.Context, op, target string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, domain.NewFatalNetworkError(op, err)
	}
	req.Header.Set("User-Agent", infra.DefaultUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, domain.NewNetworkError(op, err)
	}
	defer resp.Body.Close()

	if domain.IsRateLimitStatus(resp.StatusCode) {
		return nil, resp.StatusCode, &domain.RateLimitError{Op: op, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, domain.NewNetworkError(op, err)
	}
	return body, resp.StatusCode, nil
}
