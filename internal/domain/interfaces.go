package domain

import "context"

// CandleFetcher loads historical candles from the exchange REST API.
// An empty slice with a nil error means the exchange has nothing for the range.
type CandleFetcher interface {
	FetchCandles(ctx context.Context, req CandleRequest) ([]Candle, error)
}

// SnapshotFetcher loads the batched price snapshot for a set of symbols.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, symbols []string) (map[string]Snapshot, error)
}

// PositionRepository is the trading collaborator's store of positions.
type PositionRepository interface {
	OpenPositions() ([]PositionSnapshot, error)
}

// InstrumentRepository reads the instrument catalog.
type InstrumentRepository interface {
	GetAllInstruments() ([]Instrument, error)
}
