package market

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe selects the bar granularity a rule family operates on.
type Timeframe string

const (
	TimeframeMinute Timeframe = "minute"
	TimeframeHour   Timeframe = "hour"
	TimeframeDay    Timeframe = "day"
)

// Period returns the wall-clock length of one bar of this timeframe.
func (tf Timeframe) Period() time.Duration {
	switch tf {
	case TimeframeMinute:
		return time.Minute
	case TimeframeDay:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// InstrumentKey identifies one quoted instrument across the system.
type InstrumentKey struct {
	CoinName string
	Exchange string
}

// Tick is a single raw price observation produced by a scraper.
type Tick struct {
	CoinName   string
	Exchange   string
	Price      decimal.Decimal
	ObservedAt time.Time
}

// Key returns the instrument identity of the tick.
func (t Tick) Key() InstrumentKey {
	return InstrumentKey{CoinName: t.CoinName, Exchange: t.Exchange}
}

// Bar is one OHLC period for an instrument, with the derived percentages
// the detection rules operate on. Bars are derived once per period and
// never mutated afterwards.
type Bar struct {
	CoinName       string
	Exchange       string
	PeriodStart    time.Time
	Open           decimal.Decimal
	High           decimal.Decimal
	Low            decimal.Decimal
	Close          decimal.Decimal
	ChangePct      decimal.Decimal
	AmplitudePct   decimal.Decimal
	VirtualDropPct decimal.Decimal
}

// Key returns the instrument identity of the bar.
func (b Bar) Key() InstrumentKey {
	return InstrumentKey{CoinName: b.CoinName, Exchange: b.Exchange}
}

var dec100 = decimal.NewFromInt(100)

// ComputeDerived fills change/amplitude/virtual-drop from the OHLC fields.
//
// virtual drop measures how far price fell from its open before any
// recovery: (open-low)/open when the period closed flat or up, otherwise
// (close-low)/open. Non-negative whenever open > 0.
func (b *Bar) ComputeDerived() {
	if b.Open.IsZero() {
		b.ChangePct = decimal.Zero
		b.AmplitudePct = decimal.Zero
		b.VirtualDropPct = decimal.Zero
		return
	}

	b.ChangePct = b.Close.Sub(b.Open).Div(b.Open).Mul(dec100)
	b.AmplitudePct = b.High.Sub(b.Low).Div(b.Open).Mul(dec100)

	if b.ChangePct.Sign() >= 0 {
		b.VirtualDropPct = b.Open.Sub(b.Low).Div(b.Open).Mul(dec100)
	} else {
		b.VirtualDropPct = b.Close.Sub(b.Low).Div(b.Open).Mul(dec100)
	}
}

// MinOpenClose returns the smaller of open and close.
func (b Bar) MinOpenClose() decimal.Decimal {
	if b.Open.LessThan(b.Close) {
		return b.Open
	}
	return b.Close
}

// MaxOpenClose returns the larger of open and close.
func (b Bar) MaxOpenClose() decimal.Decimal {
	if b.Open.GreaterThan(b.Close) {
		return b.Open
	}
	return b.Close
}

// GroupBars splits a bar slice per instrument, each group sorted by
// ascending period start.
func GroupBars(bars []Bar) map[InstrumentKey][]Bar {
	grouped := make(map[InstrumentKey][]Bar)
	for _, bar := range bars {
		key := bar.Key()
		grouped[key] = append(grouped[key], bar)
	}
	for _, group := range grouped {
		group := group
		sort.Slice(group, func(i, j int) bool {
			return group[i].PeriodStart.Before(group[j].PeriodStart)
		})
	}
	return grouped
}

// GroupTicks splits a tick slice per instrument, each group sorted by
// ascending observation time.
func GroupTicks(ticks []Tick) map[InstrumentKey][]Tick {
	grouped := make(map[InstrumentKey][]Tick)
	for _, tick := range ticks {
		grouped[tick.Key()] = append(grouped[tick.Key()], tick)
	}
	for _, group := range grouped {
		group := group
		sort.Slice(group, func(i, j int) bool {
			return group[i].ObservedAt.Before(group[j].ObservedAt)
		})
	}
	return grouped
}
