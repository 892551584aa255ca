package infra

import (
	"errors"
	"testing"

	"market_pulse/internal/domain"
)

const validYAML = `
app:
  name: market-pulse
exchange:
  ws_url: wss://stream.example.com/ws
  rest_url: https://api.example.com
instruments:
  - symbol: btc/usdt
    category: crypto
    base_price: "50000"
    stream: true
  - symbol: XYZ
    category: synthetics
    base_price: 100
volatility:
  crypto:
    base_volatility: 0.003
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(validYAML))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if cfg.Engine.FlushIntervalMs != 250 || cfg.History.Interval != "1m" || cfg.Feed.MaxRetries != 5 {
		t.Errorf("Defaults not applied: %+v %+v %+v", cfg.Engine, cfg.History, cfg.Feed)
	}
	if cfg.Instruments[0].BasePrice.String() != "50000" || cfg.Instruments[1].BasePrice.String() != "100" {
		t.Errorf("Unexpected base prices: %v", cfg.Instruments)
	}
	if got := cfg.Volatility[domain.CategoryCrypto].BaseVolatility; got != 0.003 {
		t.Errorf("Volatility override = %v, want 0.003", got)
	}
	if cfg.FlushInterval().Milliseconds() != 250 {
		t.Errorf("FlushInterval = %v", cfg.FlushInterval())
	}
}

func TestParseConfig_EnvOverride(t *testing.T) {
	t.Setenv("MARKET_PULSE_WS_URL", "ws://localhost:9000/ws")
	t.Setenv("MARKET_PULSE_REDIS_ADDR", "localhost:6380")
	t.Setenv("MARKET_PULSE_REDIS_DB", "2")

	cfg, err := ParseConfig([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Exchange.WSURL != "ws://localhost:9000/ws" {
		t.Errorf("WSURL = %q", cfg.Exchange.WSURL)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "localhost:6380" || cfg.Redis.DB != 2 {
		t.Errorf("Redis override not applied: %+v", cfg.Redis)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name:  "bad ws url",
			yaml:  "exchange: {ws_url: http://x, rest_url: https://x}\ninstruments: [{symbol: A, category: crypto}]",
			field: "exchange.ws_url",
		},
		{
			name:  "bad rest url",
			yaml:  "exchange: {ws_url: ws://x, rest_url: ftp://x}\ninstruments: [{symbol: A, category: crypto}]",
			field: "exchange.rest_url",
		},
		{
			name:  "no instruments",
			yaml:  "exchange: {ws_url: ws://x, rest_url: https://x}",
			field: "instruments",
		},
		{
			name:  "unknown category",
			yaml:  "exchange: {ws_url: ws://x, rest_url: https://x}\ninstruments: [{symbol: A, category: bonds}]",
			field: "instruments[0].category",
		},
		{
			name:  "duplicate symbol",
			yaml:  "exchange: {ws_url: ws://x, rest_url: https://x}\ninstruments: [{symbol: A-B, category: crypto}, {symbol: ab, category: crypto}]",
			field: "instruments[1].symbol",
		},
		{
			name:  "bad interval",
			yaml:  "exchange: {ws_url: ws://x, rest_url: https://x}\nhistory: {interval: 1y}\ninstruments: [{symbol: A, category: crypto}]",
			field: "history.interval",
		},
		{
			name:  "unknown volatility category",
			yaml:  "exchange: {ws_url: ws://x, rest_url: https://x}\ninstruments: [{symbol: A, category: crypto}]\nvolatility: {bonds: {base_volatility: 1}}",
			field: "volatility.bonds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			var ce *domain.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Expected ConfigError, got %v", err)
			}
			if ce.Field != tt.field {
				t.Errorf("Field = %q, want %q", ce.Field, tt.field)
			}
		})
	}
}
