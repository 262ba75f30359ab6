package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"virtual-drop-alerts/internal/market"
)

// CandidatePair holds two historical decline instants (A before B) for one
// instrument. Pairs live only for the duration of one evaluation tick.
type CandidatePair struct {
	CoinName     string
	Exchange     string
	TimeA        time.Time
	TimeB        time.Time
	OpenA        decimal.Decimal
	OpenB        decimal.Decimal
	CloseA       decimal.Decimal
	CloseB       decimal.Decimal
	LowA         decimal.Decimal
	LowB         decimal.Decimal
	ChangeA      decimal.Decimal
	ChangeB      decimal.Decimal
	VirtualDropA decimal.Decimal
	VirtualDropB decimal.Decimal

	// PriceC is the current instant's representative price, filled during
	// C validation.
	PriceC decimal.Decimal
	// Condition records which confirmation condition let the pair through.
	Condition string
}

// Key returns the instrument identity of the pair.
func (p CandidatePair) Key() market.InstrumentKey {
	return market.InstrumentKey{CoinName: p.CoinName, Exchange: p.Exchange}
}

// AnomalyEvent is one emitted detection, deduplicated against the ledger.
type AnomalyEvent struct {
	ID           uuid.UUID
	CoinName     string
	Exchange     string
	RuleName     string
	TimeA        time.Time
	TimeB        time.Time
	VirtualDropA decimal.Decimal
	VirtualDropB decimal.Decimal
	Price        decimal.Decimal
	Condition    string
	TriggeredAt  time.Time
}

// AlertBatch is the output of one rule evaluation.
type AlertBatch struct {
	RuleName  string
	Timeframe market.Timeframe
	Events    []AnomalyEvent
}
