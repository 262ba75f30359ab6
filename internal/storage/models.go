package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AnomalyRecord captures an emitted anomaly for auditing and the digest
// history views.
type AnomalyRecord struct {
	ID           uuid.UUID
	RuleName     string
	CoinName     string
	Exchange     string
	TimeA        time.Time
	TimeB        time.Time
	VirtualDropA decimal.Decimal
	VirtualDropB decimal.Decimal
	Price        decimal.Decimal
	Condition    string
	TriggeredAt  time.Time
	CreatedAt    time.Time
}

// HighLowStat tracks the historical extremes of one instrument on one
// timeframe, maintained incrementally as bars close.
type HighLowStat struct {
	Region    string
	Timeframe string
	CoinName  string
	Exchange  string
	High      decimal.Decimal
	HighAt    time.Time
	Low       decimal.Decimal
	LowAt     time.Time
	UpdatedAt time.Time
}
