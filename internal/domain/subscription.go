package domain

// FeedState is the per-symbol connection state.
type FeedState string

const (
	FeedIdle       FeedState = "idle"
	FeedConnecting FeedState = "connecting"
	FeedOpen       FeedState = "open"
	FeedBackoff    FeedState = "backoff"
	FeedClosed     FeedState = "closed"
)

// SymbolSubscription is one row of the feed manager's subscription table.
// Copies are handed out; the manager keeps its own.
type SymbolSubscription struct {
	Symbol        string    `json:"symbol"`
	RefCount      int       `json:"ref_count"`
	Status        FeedState `json:"status"`
	RetryCount    int       `json:"retry_count"`
	Degraded      bool      `json:"degraded"` // Feed unavailable, simulated fallback active
	LastMessageMs int64     `json:"last_message_ms"`
}
