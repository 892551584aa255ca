package feed

import (
	"encoding/json"
	"fmt"

	"market_pulse/internal/domain"

	"github.com/shopspring/decimal"
)

// tickerFrame is the subset of the exchange 24h ticker stream we consume.
// "p" and "C" are declared so case-insensitive key matching cannot bleed into "P" and "c".
type tickerFrame struct {
	Symbol      string           `json:"s"`
	Close       *decimal.Decimal `json:"c"` // last price
	ChangePct   *decimal.Decimal `json:"P"` // 24h change (%)
	PriceChange *decimal.Decimal `json:"p"`
	CloseTimeMs int64            `json:"C"`
}

// combinedFrame wraps a stream payload when the combined endpoint is used.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// parseFrame turns a raw frame into a live tick for symbol stamped with receivedMs.
// Local receive time is used so live and simulated ticks share one clock.
func parseFrame(symbol string, msg []byte, receivedMs int64) (domain.PriceTick, error) {
	var env combinedFrame
	if err := json.Unmarshal(msg, &env); err != nil {
		return domain.PriceTick{}, fmt.Errorf("%w: %v", domain.ErrMalformedFrame, err)
	}
	if env.Stream != "" && len(env.Data) > 0 {
		msg = env.Data
	}

	var f tickerFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		return domain.PriceTick{}, fmt.Errorf("%w: %v", domain.ErrMalformedFrame, err)
	}
	if f.Close == nil || f.ChangePct == nil {
		return domain.PriceTick{}, fmt.Errorf("%w: missing c or P", domain.ErrMalformedFrame)
	}
	if !f.Close.IsPositive() {
		return domain.PriceTick{}, fmt.Errorf("%w: non-positive price %s", domain.ErrMalformedFrame, f.Close)
	}

	return domain.PriceTick{
		Symbol:      symbol,
		Price:       *f.Close,
		ChangePct:   *f.ChangePct,
		TimestampMs: receivedMs,
		Source:      domain.SourceLive,
	}, nil
}
