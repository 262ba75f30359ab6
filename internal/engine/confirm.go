package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"virtual-drop-alerts/internal/market"
)

// ExchangeClass separates binance-listed instruments from everything else;
// the two classes run with different confirmation thresholds.
type ExchangeClass string

const (
	ClassBinance ExchangeClass = "binance"
	ClassOther   ExchangeClass = "other"
)

// Classifier reports the exchange class of an instrument.
type Classifier func(key market.InstrumentKey) ExchangeClass

// Confirm applies the secondary magnitude/lookback filters on top of base
// candidates. A pair passes when at least one of:
//
//  1. change_A <= ChangeCap and virtual_drop_A > |change_A| * Magnification
//     (or the same at B);
//  2. within PreWindowPeriods periods strictly before A (or B) there is a
//     period with change <= BeforeChangeCap whose open already cleared
//     max(open, close) at A (or B).
//
// The satisfied condition is recorded on the pair for the digest.
func Confirm(pairs []CandidatePair, classify Classifier, history []market.Bar,
	tf market.Timeframe, th Thresholds, binance, other ClassThresholds) []CandidatePair {

	grouped := market.GroupBars(history)
	kept := pairs[:0:0]
	for _, pair := range pairs {
		cls := classify(pair.Key())
		cfg := other
		if cls == ClassBinance {
			cfg = binance
		}

		if magnifiedDrop(pair.ChangeA, pair.VirtualDropA, cfg) ||
			magnifiedDrop(pair.ChangeB, pair.VirtualDropB, cfg) {
			pair.Condition = fmt.Sprintf("change<=%s drop>%sx (%s)",
				cfg.ChangeCap.String(), cfg.Magnification.String(), cls)
			kept = append(kept, pair)
			continue
		}

		bars := grouped[pair.Key()]
		preWindow := time.Duration(th.PreWindowPeriods) * tf.Period()
		if priorSharperDrop(bars, pair.TimeA, preWindow, cfg.BeforeChangeCap, maxDec(pair.OpenA, pair.CloseA)) ||
			priorSharperDrop(bars, pair.TimeB, preWindow, cfg.BeforeChangeCap, maxDec(pair.OpenB, pair.CloseB)) {
			pair.Condition = fmt.Sprintf("prior drop<=%s%% rebound above peak (%s)",
				cfg.BeforeChangeCap.String(), cls)
			kept = append(kept, pair)
		}
	}
	return kept
}

func magnifiedDrop(change, virtualDrop decimal.Decimal, cfg ClassThresholds) bool {
	return change.LessThanOrEqual(cfg.ChangeCap) &&
		virtualDrop.GreaterThan(change.Abs().Mul(cfg.Magnification))
}

// priorSharperDrop looks for a period in [at-window, at) with
// change <= cap and open >= peak.
func priorSharperDrop(bars []market.Bar, at time.Time, window time.Duration,
	changeCap, peak decimal.Decimal) bool {

	from := at.Add(-window)
	for _, bar := range bars {
		if bar.PeriodStart.Before(from) || !bar.PeriodStart.Before(at) {
			continue
		}
		if bar.ChangePct.LessThanOrEqual(changeCap) && bar.Open.GreaterThanOrEqual(peak) {
			return true
		}
	}
	return false
}

func maxDec(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// InternationalReference returns the most recent international-midnight
// instant: refHour:00 of the current day, rolling back one day when that
// hour has not been reached yet.
func InternationalReference(now time.Time, refHour int) time.Time {
	ref := time.Date(now.Year(), now.Month(), now.Day(), refHour, 0, 0, 0, now.Location())
	if now.Before(ref) {
		ref = ref.AddDate(0, 0, -1)
	}
	return ref
}

// InternationalFilter rejects pairs whose change since the international
// reference instant exceeds the class cap, guarding against rules firing
// on a market-wide move. Instruments without a usable reference price are
// dropped.
func InternationalFilter(pairs []CandidatePair, classify Classifier,
	refPrices map[market.InstrumentKey]decimal.Decimal, binance, other ClassThresholds) []CandidatePair {

	kept := pairs[:0:0]
	for _, pair := range pairs {
		refPrice, ok := refPrices[pair.Key()]
		if !ok || refPrice.IsZero() {
			continue
		}
		capPct := other.IntlChangeCap
		if classify(pair.Key()) == ClassBinance {
			capPct = binance.IntlChangeCap
		}
		change := pair.PriceC.Sub(refPrice).Div(refPrice).Mul(dec100)
		if change.LessThanOrEqual(capPct) {
			kept = append(kept, pair)
		}
	}
	return kept
}

var dec100 = decimal.NewFromInt(100)
