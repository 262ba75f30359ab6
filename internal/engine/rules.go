package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"virtual-drop-alerts/internal/market"
)

// Thresholds are the base numeric gates of the A/B candidate search.
type Thresholds struct {
	// ABVirtualDrop is the minimum virtual drop for a bar to qualify as A or B.
	ABVirtualDrop decimal.Decimal
	// ABChange is the maximum (signed) change for a bar to qualify as A or B.
	ABChange decimal.Decimal
	// CloseRatio gates the pair: close_A * CloseRatio must exceed close_B.
	CloseRatio decimal.Decimal
	// InvalidationK scales the B-invalidation threshold:
	// low_B * (virtual_drop_B * K + 1).
	InvalidationK decimal.Decimal
	// PriorPeriods is how many preceding periods C must undercut.
	PriorPeriods int
	// PreWindowPeriods is the lookback for confirmation condition 2.
	PreWindowPeriods int
}

// ClassThresholds hold the per-exchange-class confirmation gates. Binance
// instruments and everything else run with different values.
type ClassThresholds struct {
	Magnification   decimal.Decimal
	ChangeCap       decimal.Decimal
	BeforeChangeCap decimal.Decimal
	IntlChangeCap   decimal.Decimal
}

// DedupPolicy controls the ledger for one rule family.
type DedupPolicy struct {
	Family       string
	Window       time.Duration
	CapCount     int
	WorsenFactor decimal.Decimal
	// KeyByPair includes the A/B instants in the ledger key (the
	// hour-minute echo family tracks each pair separately).
	KeyByPair bool
	// BoundaryReset drops records at the next hour/day boundary instead of
	// after the rolling window.
	BoundaryReset market.Timeframe
}

// RuleConfig parameterises one detection rule on one timeframe. Minute,
// hour, and day rules share the same engine code and differ only here.
type RuleConfig struct {
	Name      string
	Timeframe market.Timeframe
	// History is the timeframe of the bars the rule scans. The minute rule
	// scans hour bars; hour and day rules scan their own timeframe. Zero
	// means same as Timeframe.
	History market.Timeframe
	// Window is the A..C lookback (e.g. 24h for hour rules, 24 days for
	// day rules).
	Window time.Duration
	// PreWindow extends the history read before A for condition 2.
	PreWindow  time.Duration
	Thresholds Thresholds
	Binance    ClassThresholds
	Other      ClassThresholds
	Dedup      DedupPolicy
}

// Input carries everything one evaluation tick needs. History spans
// [now-Window-PreWindow, now); Ticks cover the detail series used for
// B invalidation and the minute-rule C price.
type Input struct {
	Now     time.Time
	History []market.Bar
	Ticks   []market.Tick
	// Current holds the C bar per instrument for hour/day rules; nil for
	// minute rules, where C comes from the last tick price.
	Current map[market.InstrumentKey]market.Bar
	// RefPrices holds the international-reference price per instrument.
	RefPrices map[market.InstrumentKey]decimal.Decimal
}
