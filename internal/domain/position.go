package domain

import "github.com/shopspring/decimal"

// Direction of a position.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// PositionStatus mirrors the trading domain's lifecycle.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "open"
	PositionPending PositionStatus = "pending"
	PositionClosed  PositionStatus = "closed"
)

// PositionSnapshot is a position owned by the trading domain.
// The reconciler only ever writes CurrentPrice and Profit.
type PositionSnapshot struct {
	ID           string          `gorm:"primaryKey" json:"id"`
	Symbol       string          `gorm:"index" json:"symbol"`
	Direction    Direction       `json:"direction"`
	OpenPrice    decimal.Decimal `json:"open_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Amount       decimal.Decimal `json:"amount"`
	Leverage     int             `json:"leverage"`
	Profit       decimal.Decimal `json:"profit"`
	Status       PositionStatus  `gorm:"index" json:"status"`
}

// TableName keeps the table name stable regardless of the struct name.
func (PositionSnapshot) TableName() string {
	return "positions"
}

// IsOpen checks if the position is still valued against live prices.
func (p *PositionSnapshot) IsOpen() bool {
	return p.Status == PositionOpen
}

// IsShort checks if the position profits from falling prices.
func (p *PositionSnapshot) IsShort() bool {
	return p.Direction == DirectionShort
}
