package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"virtual-drop-alerts/internal/market"
)

var decOne = decimal.NewFromInt(1)

// FindPairs scans the lookback window for qualifying (A, B) decline pairs,
// at most one per instrument. Bars must first clear the base virtual-drop
// and change gates; among the survivors (sorted ascending by time) the
// first i<j pair with close_i * CloseRatio > close_j is retained.
//
// The scan is deliberately an O(n²) nested loop with first-match
// semantics: earliest A, then earliest qualifying B. Window sizes are tens
// of points at most.
func FindPairs(history []market.Bar, th Thresholds) []CandidatePair {
	pairs := make([]CandidatePair, 0)
	for _, group := range market.GroupBars(history) {
		candidates := group[:0:0]
		for _, bar := range group {
			if bar.VirtualDropPct.GreaterThanOrEqual(th.ABVirtualDrop) &&
				bar.ChangePct.LessThanOrEqual(th.ABChange) {
				candidates = append(candidates, bar)
			}
		}
		if pair, ok := firstQualifyingPair(candidates, th.CloseRatio); ok {
			pairs = append(pairs, pair)
		}
	}
	return pairs
}

func firstQualifyingPair(candidates []market.Bar, closeRatio decimal.Decimal) (CandidatePair, bool) {
	for i := 0; i < len(candidates)-1; i++ {
		for j := i + 1; j < len(candidates); j++ {
			if candidates[i].Close.Mul(closeRatio).GreaterThan(candidates[j].Close) {
				return newPair(candidates[i], candidates[j]), true
			}
		}
	}
	return CandidatePair{}, false
}

func newPair(a, b market.Bar) CandidatePair {
	return CandidatePair{
		CoinName:     a.CoinName,
		Exchange:     a.Exchange,
		TimeA:        a.PeriodStart,
		TimeB:        b.PeriodStart,
		OpenA:        a.Open,
		OpenB:        b.Open,
		CloseA:       a.Close,
		CloseB:       b.Close,
		LowA:         a.Low,
		LowB:         b.Low,
		ChangeA:      a.ChangePct,
		ChangeB:      b.ChangePct,
		VirtualDropA: a.VirtualDropPct,
		VirtualDropB: b.VirtualDropPct,
	}
}

// InvalidateB reports whether the pair's B instant has already been
// resolved: a tick after time_B dropped strictly below
// low_B*(virtual_drop_B*k+1) and a later tick rose strictly back above it.
// ticksAfterB must be sorted ascending and contain only this instrument.
func InvalidateB(pair CandidatePair, ticksAfterB []market.Tick, k decimal.Decimal) bool {
	threshold := pair.LowB.Mul(pair.VirtualDropB.Mul(k).Add(decOne))

	dipped := false
	for _, tick := range ticksAfterB {
		if !tick.ObservedAt.After(pair.TimeB) {
			continue
		}
		if !dipped {
			if tick.Price.LessThan(threshold) {
				dipped = true
			}
			continue
		}
		if tick.Price.GreaterThan(threshold) {
			return true
		}
	}
	return false
}

// DropInvalidatedB removes pairs whose B has been resolved by a later
// dip-and-recovery through the invalidation threshold.
func DropInvalidatedB(pairs []CandidatePair, ticks []market.Tick, k decimal.Decimal) []CandidatePair {
	grouped := market.GroupTicks(ticks)
	kept := pairs[:0:0]
	for _, pair := range pairs {
		if InvalidateB(pair, grouped[pair.Key()], k) {
			continue
		}
		kept = append(kept, pair)
	}
	return kept
}

// ValidateC keeps pairs whose current price undercuts both A's and B's low
// (inclusive) and is strictly below the minimum of open/close over the
// PriorPeriods closed periods ending at priorEnd, the start of the period
// being evaluated. current maps each instrument to its C price; history
// supplies the preceding periods.
func ValidateC(pairs []CandidatePair, current map[market.InstrumentKey]decimal.Decimal,
	history []market.Bar, priorEnd time.Time, tf market.Timeframe, th Thresholds) []CandidatePair {

	priorFrom := priorEnd.Add(-time.Duration(th.PriorPeriods) * tf.Period())
	priorMin := make(map[market.InstrumentKey]decimal.Decimal)
	for _, bar := range history {
		if bar.PeriodStart.Before(priorFrom) || !bar.PeriodStart.Before(priorEnd) {
			continue
		}
		low := bar.MinOpenClose()
		if cur, ok := priorMin[bar.Key()]; !ok || low.LessThan(cur) {
			priorMin[bar.Key()] = low
		}
	}

	kept := pairs[:0:0]
	for _, pair := range pairs {
		price, ok := current[pair.Key()]
		if !ok || price.IsZero() {
			continue
		}
		if price.GreaterThan(pair.LowA) || price.GreaterThan(pair.LowB) {
			continue
		}
		floor, ok := priorMin[pair.Key()]
		if !ok || !price.LessThan(floor) {
			continue
		}
		pair.PriceC = price
		kept = append(kept, pair)
	}
	return kept
}
