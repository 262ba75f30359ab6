package market

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Aggregator builds per-period bars from raw ticks and prior bar history.
// Missing quotes are carried forward from the previous period; instruments
// without any history at all are skipped for the period.
type Aggregator struct {
	logger zerolog.Logger
}

// NewAggregator constructs an Aggregator.
func NewAggregator(logger zerolog.Logger) *Aggregator {
	return &Aggregator{logger: logger.With().Str("component", "aggregator").Logger()}
}

// Aggregate computes one bar for a single instrument from the period's
// ticks (sorted ascending) and the immediately preceding bar. Zero-price
// ticks are treated as bad reads and dropped. With no usable ticks the
// prior close is carried forward into a flat bar; with no prior bar either,
// ok is false and the instrument is excluded for this period.
func (a *Aggregator) Aggregate(ticks []Tick, prior *Bar, periodStart time.Time) (Bar, bool) {
	usable := ticks[:0:0]
	for _, tick := range ticks {
		if tick.Price.IsZero() {
			continue
		}
		usable = append(usable, tick)
	}

	if len(usable) == 0 {
		if prior == nil {
			return Bar{}, false
		}
		bar := Bar{
			CoinName:    prior.CoinName,
			Exchange:    prior.Exchange,
			PeriodStart: periodStart,
			Open:        prior.Close,
			High:        prior.Close,
			Low:         prior.Close,
			Close:       prior.Close,
		}
		bar.ComputeDerived()
		return bar, true
	}

	open := usable[0].Price
	if prior != nil && !prior.Close.IsZero() {
		open = prior.Close
	}

	high, low := open, open
	for _, tick := range usable {
		if tick.Price.GreaterThan(high) {
			high = tick.Price
		}
		if tick.Price.LessThan(low) {
			low = tick.Price
		}
	}

	bar := Bar{
		CoinName:    usable[0].CoinName,
		Exchange:    usable[0].Exchange,
		PeriodStart: periodStart,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       usable[len(usable)-1].Price,
	}
	bar.ComputeDerived()
	return bar, true
}

// AggregateAll builds the period's bar set for every instrument seen in
// either the tick batch or the prior-bar history. priorBars holds the
// latest bar per instrument from the preceding period.
func (a *Aggregator) AggregateAll(ticks []Tick, priorBars map[InstrumentKey]Bar, periodStart time.Time) []Bar {
	grouped := GroupTicks(ticks)

	keys := make(map[InstrumentKey]struct{}, len(grouped)+len(priorBars))
	for key := range grouped {
		keys[key] = struct{}{}
	}
	for key := range priorBars {
		keys[key] = struct{}{}
	}

	bars := make([]Bar, 0, len(keys))
	skipped := 0
	for key := range keys {
		var prior *Bar
		if pb, ok := priorBars[key]; ok {
			pb := pb
			prior = &pb
		}
		bar, ok := a.Aggregate(grouped[key], prior, periodStart)
		if !ok {
			skipped++
			continue
		}
		bars = append(bars, bar)
	}

	if skipped > 0 {
		a.logger.Warn().Int("skipped", skipped).Time("period", periodStart).
			Msg("instruments without ticks or history excluded from period")
	}
	return bars
}

// AggregateDaily folds a day's hourly bars (sorted ascending) into one
// daily bar per instrument.
func (a *Aggregator) AggregateDaily(hourly []Bar, periodStart time.Time) []Bar {
	grouped := GroupBars(hourly)

	bars := make([]Bar, 0, len(grouped))
	for key, group := range grouped {
		if len(group) == 0 {
			continue
		}
		bar := Bar{
			CoinName:    key.CoinName,
			Exchange:    key.Exchange,
			PeriodStart: periodStart,
			Open:        group[0].Open,
			High:        group[0].High,
			Low:         group[0].Low,
			Close:       group[len(group)-1].Close,
		}
		for _, hb := range group[1:] {
			if hb.High.GreaterThan(bar.High) {
				bar.High = hb.High
			}
			if hb.Low.LessThan(bar.Low) {
				bar.Low = hb.Low
			}
		}
		bar.ComputeDerived()
		bars = append(bars, bar)
	}
	return bars
}

// LatestBars reduces a bar history to the most recent bar per instrument.
func LatestBars(bars []Bar) map[InstrumentKey]Bar {
	latest := make(map[InstrumentKey]Bar)
	for _, bar := range bars {
		cur, ok := latest[bar.Key()]
		if !ok || bar.PeriodStart.After(cur.PeriodStart) {
			latest[bar.Key()] = bar
		}
	}
	return latest
}

// LastPrices reduces a tick batch to the most recent non-zero price per
// instrument.
func LastPrices(ticks []Tick) map[InstrumentKey]decimal.Decimal {
	seen := make(map[InstrumentKey]Tick)
	for _, tick := range ticks {
		if tick.Price.IsZero() {
			continue
		}
		cur, ok := seen[tick.Key()]
		if !ok || !tick.ObservedAt.Before(cur.ObservedAt) {
			seen[tick.Key()] = tick
		}
	}
	prices := make(map[InstrumentKey]decimal.Decimal, len(seen))
	for key, tick := range seen {
		prices[key] = tick.Price
	}
	return prices
}
