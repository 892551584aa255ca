package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "dial", "read", "klines")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// RateLimitError is returned when the exchange throttles or geo-blocks us.
// It is persistent: callers fall back instead of retrying at full speed.
type RateLimitError struct {
	Op         string
	StatusCode int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited (status %d)", e.Op, e.StatusCode)
}

func (e *RateLimitError) IsRetriable() bool {
	return false
}

// IsRateLimitStatus reports whether an HTTP status means throttling or access denial.
func IsRateLimitStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusUnavailableForLegalReasons ||
		code == http.StatusTeapot // Binance uses 418 for IP bans
}

// IsRateLimited checks whether err carries a RateLimitError.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrConnectionFailed is returned when websocket connection fails. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrInvalidSymbol is returned when a symbol is not supported or malformed. Not retriable.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrInvalidInterval is returned for an unparseable candle interval label.
	ErrInvalidInterval = errors.New("invalid interval")

	// ErrMalformedFrame is returned when a feed frame cannot be turned into a tick.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownHandle is returned when a subscription handle was never issued or already released.
	ErrUnknownHandle = errors.New("unknown subscription handle")

	// ErrNoData means a fetch produced nothing usable. It never poisons backfill state.
	ErrNoData = errors.New("no data")

	// ErrNoMoreData means backfill reached the start of the available history.
	ErrNoMoreData = errors.New("no more data")

	// ErrBackfillInFlight is returned when a backfill for the symbol is still running.
	ErrBackfillInFlight = errors.New("backfill in flight")

	// ErrInvalidPosition is returned for a position that cannot enter the book.
	ErrInvalidPosition = errors.New("invalid position")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
