package event

import (
	"market_pulse/internal/domain"
)

// Type tags an engine message.
type Type string

const (
	TypeTick       Type = "tick"
	TypeFeedStatus Type = "feed_status"
	TypeSnapshot   Type = "snapshot"
)

// Event is an immutable message written to the engine inbox.
// Producers (feed connections, pollers) never call into the engine directly.
type Event interface {
	GetType() Type
}

// TickEvent carries one raw tick from a live connection.
type TickEvent struct {
	Tick domain.PriceTick
}

func (e TickEvent) GetType() Type { return TypeTick }

// FeedStatus is the availability signal for a symbol's live feed.
type FeedStatus string

const (
	FeedUnavailable FeedStatus = "unavailable"
	FeedRestored    FeedStatus = "restored"
)

// FeedStatusEvent reports that a symbol's feed went down or came back.
type FeedStatusEvent struct {
	Symbol string
	Status FeedStatus
	Reason error // nil on restore
}

func (e FeedStatusEvent) GetType() Type { return TypeFeedStatus }

// SnapshotEvent carries the result of a batched snapshot poll.
type SnapshotEvent struct {
	Snapshots   map[string]domain.Snapshot
	TimestampMs int64
}

func (e SnapshotEvent) GetType() Type { return TypeSnapshot }
