package domain

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar. Series are kept strictly ascending by TimeSec.
type Candle struct {
	TimeSec int64           `json:"time"`
	Open    decimal.Decimal `json:"open"`
	High    decimal.Decimal `json:"high"`
	Low     decimal.Decimal `json:"low"`
	Close   decimal.Decimal `json:"close"`
	Volume  decimal.Decimal `json:"volume"`
}

// CandleRequest is the argument of a historical candle fetch.
// EndTimeMs == 0 means "up to now".
type CandleRequest struct {
	Symbol    string
	Interval  string
	Limit     int
	EndTimeMs int64
}

// IntervalSeconds converts an interval label ("1m", "4h", "1d", "1w") into seconds.
func IntervalSeconds(label string) (int64, error) {
	if len(label) < 2 {
		return 0, fmt.Errorf("%w: interval %q", ErrInvalidInterval, label)
	}

	n, err := strconv.ParseInt(label[:len(label)-1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: interval %q", ErrInvalidInterval, label)
	}

	switch label[len(label)-1] {
	case 's':
		return n, nil
	case 'm':
		return n * 60, nil
	case 'h':
		return n * 3600, nil
	case 'd':
		return n * 86400, nil
	case 'w':
		return n * 7 * 86400, nil
	default:
		return 0, fmt.Errorf("%w: interval %q", ErrInvalidInterval, label)
	}
}

// CandleFromTick opens a new bar at bucketSec seeded with the tick price.
func CandleFromTick(bucketSec int64, t PriceTick) Candle {
	return Candle{
		TimeSec: bucketSec,
		Open:    t.Price,
		High:    t.Price,
		Low:     t.Price,
		Close:   t.Price,
		Volume:  decimal.Zero,
	}
}

// Fold updates the bar with a later price in the same bucket.
func (c Candle) Fold(price decimal.Decimal) Candle {
	if price.GreaterThan(c.High) {
		c.High = price
	}
	if price.LessThan(c.Low) {
		c.Low = price
	}
	c.Close = price
	return c
}
