package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"virtual-drop-alerts/internal/dedup"
	"virtual-drop-alerts/internal/market"
)

// stage names the evaluation pipeline steps for logging.
type stage string

const (
	stageSearching  stage = "searching"
	stageConfirming stage = "confirming"
	stageDeduping   stage = "deduping"
	stageEmitted    stage = "emitted"
)

// Engine runs one rule configuration over one evaluation tick. Minute,
// hour, and day rules are the same engine with different RuleConfigs.
type Engine struct {
	cfg      RuleConfig
	classify Classifier
	logger   zerolog.Logger
}

// New constructs an Engine for one rule.
func New(cfg RuleConfig, classify Classifier, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		classify: classify,
		logger: logger.With().
			Str("component", "engine").
			Str("rule", cfg.Name).
			Str("timeframe", string(cfg.Timeframe)).
			Logger(),
	}
}

// Config returns the engine's rule configuration.
func (e *Engine) Config() RuleConfig {
	return e.cfg
}

// Evaluate runs search, confirmation, and dedup admission for one tick and
// returns the surviving events. The ledger is mutated; the caller persists
// it afterwards. Evaluate never panics its caller: unexpected failures in
// a single rule are contained and surface as an error.
func (e *Engine) Evaluate(in Input, ledger *dedup.Ledger) (batch AlertBatch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule %s: evaluation panic: %v", e.cfg.Name, r)
		}
	}()

	batch = AlertBatch{RuleName: e.cfg.Name, Timeframe: e.cfg.Timeframe}

	if len(in.History) == 0 {
		e.logger.Warn().Time("now", in.Now).Msg("no history for window; emitting nothing")
		return batch, nil
	}

	priorEnd := e.currentPeriodStart(in)
	windowBars := barsBetween(in.History, in.Now.Add(-e.cfg.Window), priorEnd)

	e.logStage(stageSearching, len(windowBars))
	pairs := FindPairs(windowBars, e.cfg.Thresholds)
	pairs = DropInvalidatedB(pairs, in.Ticks, e.cfg.Thresholds.InvalidationK)
	pairs = ValidateC(pairs, e.currentPrices(in), in.History, priorEnd, e.historyTimeframe(), e.cfg.Thresholds)
	if len(pairs) == 0 {
		return batch, nil
	}

	e.logStage(stageConfirming, len(pairs))
	pairs = Confirm(pairs, e.classify, in.History, e.historyTimeframe(), e.cfg.Thresholds, e.cfg.Binance, e.cfg.Other)
	pairs = InternationalFilter(pairs, e.classify, in.RefPrices, e.cfg.Binance, e.cfg.Other)
	if len(pairs) == 0 {
		return batch, nil
	}

	e.logStage(stageDeduping, len(pairs))
	ledger.Expire(in.Now)
	for _, pair := range pairs {
		key := dedup.Key{CoinName: pair.CoinName, Exchange: pair.Exchange}
		if e.cfg.Dedup.KeyByPair {
			key.TimeA = pair.TimeA
			key.TimeB = pair.TimeB
		}
		if !ledger.Admit(key, pair.PriceC, in.Now) {
			continue
		}
		batch.Events = append(batch.Events, AnomalyEvent{
			ID:           uuid.New(),
			CoinName:     pair.CoinName,
			Exchange:     pair.Exchange,
			RuleName:     e.cfg.Name,
			TimeA:        pair.TimeA,
			TimeB:        pair.TimeB,
			VirtualDropA: pair.VirtualDropA,
			VirtualDropB: pair.VirtualDropB,
			Price:        pair.PriceC,
			Condition:    pair.Condition,
			TriggeredAt:  in.Now,
		})
	}

	e.logStage(stageEmitted, len(batch.Events))
	return batch, nil
}

// historyTimeframe resolves the timeframe of the scanned bars.
func (e *Engine) historyTimeframe() market.Timeframe {
	if e.cfg.History != "" {
		return e.cfg.History
	}
	return e.cfg.Timeframe
}

// currentPeriodStart resolves the start of the C period. Bars at or after
// this instant belong to the period being evaluated and must stay out of
// both the pair search and the prior-minimum floor; otherwise the C bar's
// own close would cap the floor at the C price and no pair could ever
// validate.
func (e *Engine) currentPeriodStart(in Input) time.Time {
	// Current bars all close on the same boundary.
	for _, bar := range in.Current {
		return bar.PeriodStart
	}
	period := e.historyTimeframe().Period()
	if e.cfg.Timeframe == market.TimeframeMinute {
		return in.Now.Truncate(period)
	}
	return in.Now.Add(-period)
}

// currentPrices resolves the C price per instrument: the current bar's
// close for hour/day rules, the last tick price for minute rules.
func (e *Engine) currentPrices(in Input) map[market.InstrumentKey]decimal.Decimal {
	if e.cfg.Timeframe == market.TimeframeMinute {
		return market.LastPrices(in.Ticks)
	}
	prices := make(map[market.InstrumentKey]decimal.Decimal, len(in.Current))
	for key, bar := range in.Current {
		prices[key] = bar.Close
	}
	return prices
}

func (e *Engine) logStage(s stage, count int) {
	e.logger.Debug().Str("stage", string(s)).Int("count", count).Msg("stage transition")
}

func barsBetween(bars []market.Bar, from, to time.Time) []market.Bar {
	out := bars[:0:0]
	for _, bar := range bars {
		if bar.PeriodStart.Before(from) || !bar.PeriodStart.Before(to) {
			continue
		}
		out = append(out, bar)
	}
	return out
}
