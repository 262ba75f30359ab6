// Package service wires ingestion, aggregation, the rule engines, dedup,
// and notification into the per-minute evaluation tick. Every failure
// inside a tick degrades to a partial digest; nothing here may kill the
// scheduler loop.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"virtual-drop-alerts/internal/alerting"
	"virtual-drop-alerts/internal/config"
	"virtual-drop-alerts/internal/dedup"
	"virtual-drop-alerts/internal/engine"
	"virtual-drop-alerts/internal/ingest"
	"virtual-drop-alerts/internal/market"
	"virtual-drop-alerts/internal/scheduler"
	"virtual-drop-alerts/internal/storage"
)

// Repository is the slice of storage the service needs per tick.
type Repository interface {
	storage.BarStore
	storage.TickStore
	storage.DedupStore
	storage.AnomalyStore
	storage.StatsStore
}

// Service orchestrates the evaluation loop.
type Service struct {
	snapshots  *config.Watcher
	scheduler  *scheduler.Scheduler
	collector  *ingest.Collector
	repo       Repository
	notifier   alerting.Notifier
	aggregator *market.Aggregator
	logger     zerolog.Logger

	locker  storage.AdvisoryLocker
	lockKey int64
}

// New constructs the detection service.
func New(snapshots *config.Watcher, sched *scheduler.Scheduler, collector *ingest.Collector, repo Repository, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := repo.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		snapshots:  snapshots,
		scheduler:  sched,
		collector:  collector,
		repo:       repo,
		notifier:   notifier,
		aggregator: market.NewAggregator(logger),
		logger:     logger.With().Str("component", "service").Logger(),
		locker:     locker,
		lockKey:    snapshots.Current().Scheduler.AdvisoryLockKey,
	}
}

// Run begins the aligned evaluation loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick 执行单个分钟刻度的完整评估流程。
func (s *Service) ProcessTick(ctx context.Context, now time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", now).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeTick(ctx, now)
}

func (s *Service) executeTick(ctx context.Context, now time.Time) error {
	cfg := s.snapshots.Current()

	ticks := s.collector.FetchAll(ctx)
	if len(ticks) == 0 {
		s.logger.Warn().Time("tick", now).Msg("no ticks ingested; evaluating from stored history only")
	} else if err := s.repo.InsertTicks(ctx, ticks); err != nil {
		s.logger.Error().Err(err).Time("tick", now).Msg("failed to persist detail ticks")
	}

	refPrices := s.referencePrices(ctx, cfg, now)

	digest := alerting.Digest{TickAt: now}

	if cfg.Rules.Minute.Enabled {
		batch := s.evaluateRule(ctx, "base_minute", market.TimeframeMinute, cfg.Rules.Minute, cfg, now, ticks, nil, refPrices)
		digest.Batches = append(digest.Batches, batch)
	}

	if now.Minute() == 0 {
		hourBars := s.closeHourBars(ctx, cfg, now)

		if cfg.Rules.Hour.Enabled {
			batch := s.evaluateRule(ctx, "base_hour", market.TimeframeHour, cfg.Rules.Hour, cfg, now, ticks, hourBars, refPrices)
			digest.Batches = append(digest.Batches, batch)
		}

		if now.Hour() == 0 {
			dayBars := s.closeDayBars(ctx, cfg, cfg.Regions.Local, now)
			if cfg.Rules.Day.Enabled {
				batch := s.evaluateRule(ctx, "base_day", market.TimeframeDay, cfg.Rules.Day, cfg, now, ticks, dayBars, refPrices)
				digest.Batches = append(digest.Batches, batch)
			}
		}
		if now.Hour() == cfg.Regions.IntlReferenceHour {
			s.closeDayBars(ctx, cfg, cfg.Regions.Intl, now)
		}

		s.enforceRetention(ctx, cfg, now)
	}

	s.persistAnomalies(ctx, digest)

	if cfg.Alerting.Enabled && s.notifier != nil && !digest.Empty() {
		if err := s.notifier.Notify(ctx, digest); err != nil {
			s.logger.Error().Err(err).Time("tick", now).Msg("failed to dispatch digest")
		}
	}

	return nil
}

// evaluateRule runs one rule family end to end: load history and the
// family's dedup ledger, evaluate, write the surviving ledger back. Any
// failure returns an empty batch for this rule without touching siblings.
func (s *Service) evaluateRule(ctx context.Context, name string, tf market.Timeframe, rs config.RuleSettings, cfg *config.Config, now time.Time, ticks []market.Tick, current map[market.InstrumentKey]market.Bar, refPrices map[market.InstrumentKey]decimal.Decimal) engine.AlertBatch {
	ruleCfg := BuildRuleConfig(name, tf, rs)
	eng := engine.New(ruleCfg, s.classifier(), s.logger)

	historyFrom := now.Add(-ruleCfg.Window - ruleCfg.PreWindow)
	history, err := s.repo.ListBarsBetween(ctx, cfg.Regions.Local.Name, ruleCfg.History, historyFrom, now)
	if err != nil {
		s.logger.Error().Err(err).Str("rule", name).Msg("failed to load bar history; skipping rule")
		return engine.AlertBatch{RuleName: name, Timeframe: tf}
	}

	windowTicks, err := s.repo.ListTicksBetween(ctx, now.Add(-ruleCfg.Window), now)
	if err != nil {
		s.logger.Warn().Err(err).Str("rule", name).Msg("failed to load detail ticks; B invalidation degraded")
		windowTicks = nil
	}
	// The batch fetched this tick is stamped at or after the aligned
	// instant, so the range query above never returns it. Appending keeps
	// the ascending order InvalidateB relies on.
	windowTicks = append(windowTicks, ticks...)

	records, err := s.repo.LoadDedupRecords(ctx, ruleCfg.Dedup.Family)
	if err != nil {
		s.logger.Warn().Err(err).Str("rule", name).Msg("failed to load dedup ledger; starting empty")
		records = nil
	}
	ledger := dedup.NewLedger(records, DedupOptions(ruleCfg.Dedup))

	batch, err := eng.Evaluate(engine.Input{
		Now:       now,
		History:   history,
		Ticks:     windowTicks,
		Current:   current,
		RefPrices: refPrices,
	}, ledger)
	if err != nil {
		s.logger.Error().Err(err).Str("rule", name).Msg("rule evaluation failed")
		return engine.AlertBatch{RuleName: name, Timeframe: tf}
	}

	if err := s.repo.ReplaceDedupRecords(ctx, ruleCfg.Dedup.Family, ledger.Records()); err != nil {
		// Retried implicitly next tick; worst case one duplicate alert.
		s.logger.Error().Err(err).Str("rule", name).Msg("failed to persist dedup ledger")
	}

	return batch
}

// closeHourBars aggregates the just-finished hour from detail ticks and
// prior bars, persisting the result under both regions.
func (s *Service) closeHourBars(ctx context.Context, cfg *config.Config, now time.Time) map[market.InstrumentKey]market.Bar {
	periodStart := now.Add(-time.Hour)
	periodTicks, err := s.repo.ListTicksBetween(ctx, periodStart, now)
	if err != nil {
		s.logger.Error().Err(err).Time("tick", now).Msg("failed to load period ticks; hour bars skipped")
		return nil
	}

	prior, err := s.repo.LatestBars(ctx, cfg.Regions.Local.Name, market.TimeframeHour)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load prior hour bars; aggregating without history")
		prior = nil
	}

	bars := s.aggregator.AggregateAll(periodTicks, market.LatestBars(prior), periodStart)
	if len(bars) == 0 {
		return nil
	}

	for _, region := range []config.RegionConfig{cfg.Regions.Local, cfg.Regions.Intl} {
		regionBars := shiftBars(bars, region.Offset)
		if err := s.repo.UpsertBars(ctx, region.Name, market.TimeframeHour, regionBars); err != nil {
			s.logger.Error().Err(err).Str("region", region.Name).Msg("failed to persist hour bars")
			continue
		}
		if err := s.repo.MergeHighLow(ctx, region.Name, market.TimeframeHour, regionBars, now); err != nil {
			s.logger.Warn().Err(err).Str("region", region.Name).Msg("failed to update hour high/low stats")
		}
	}
	return market.LatestBars(bars)
}

// closeDayBars folds the region's last 24 hourly bars into day bars.
func (s *Service) closeDayBars(ctx context.Context, cfg *config.Config, region config.RegionConfig, now time.Time) map[market.InstrumentKey]market.Bar {
	regionNow := now.Add(region.Offset)
	dayStart := regionNow.AddDate(0, 0, -1)

	hourBars, err := s.repo.ListBarsBetween(ctx, region.Name, market.TimeframeHour, dayStart, regionNow)
	if err != nil {
		s.logger.Error().Err(err).Str("region", region.Name).Msg("failed to load hourly bars; day bars skipped")
		return nil
	}

	bars := s.aggregator.AggregateDaily(hourBars, dayStart)
	if len(bars) == 0 {
		return nil
	}

	if err := s.repo.UpsertBars(ctx, region.Name, market.TimeframeDay, bars); err != nil {
		s.logger.Error().Err(err).Str("region", region.Name).Msg("failed to persist day bars")
	}
	if err := s.repo.MergeHighLow(ctx, region.Name, market.TimeframeDay, bars, now); err != nil {
		s.logger.Warn().Err(err).Str("region", region.Name).Msg("failed to update day high/low stats")
	}
	return market.LatestBars(bars)
}

// referencePrices resolves each instrument's price at the most recent
// international reference instant (bar open at that hour).
func (s *Service) referencePrices(ctx context.Context, cfg *config.Config, now time.Time) map[market.InstrumentKey]decimal.Decimal {
	ref := engine.InternationalReference(now, cfg.Regions.IntlReferenceHour)
	bars, err := s.repo.ListBarsBetween(ctx, cfg.Regions.Local.Name, market.TimeframeHour, ref, ref.Add(time.Hour))
	if err != nil {
		s.logger.Warn().Err(err).Time("ref", ref).Msg("failed to load reference bars; international filter degraded")
		return nil
	}

	prices := make(map[market.InstrumentKey]decimal.Decimal, len(bars))
	for _, bar := range bars {
		prices[bar.Key()] = bar.Open
	}
	return prices
}

func (s *Service) enforceRetention(ctx context.Context, cfg *config.Config, now time.Time) {
	if cfg.Retention.Ticks > 0 {
		if err := s.repo.DeleteTicksBefore(ctx, now.Add(-cfg.Retention.Ticks)); err != nil {
			s.logger.Warn().Err(err).Msg("failed to trim detail ticks")
		}
	}
	if cfg.Retention.Bars > 0 {
		cutoff := now.Add(-cfg.Retention.Bars)
		for _, region := range []config.RegionConfig{cfg.Regions.Local, cfg.Regions.Intl} {
			for _, tf := range []market.Timeframe{market.TimeframeHour, market.TimeframeDay} {
				if err := s.repo.DeleteBarsBefore(ctx, region.Name, tf, cutoff); err != nil {
					s.logger.Warn().Err(err).Str("region", region.Name).Msg("failed to trim bars")
				}
			}
		}
	}
}

func (s *Service) persistAnomalies(ctx context.Context, digest alerting.Digest) {
	var records []storage.AnomalyRecord
	for _, batch := range digest.Batches {
		for _, ev := range batch.Events {
			records = append(records, storage.AnomalyRecord{
				ID:           ev.ID,
				RuleName:     ev.RuleName,
				CoinName:     ev.CoinName,
				Exchange:     ev.Exchange,
				TimeA:        ev.TimeA,
				TimeB:        ev.TimeB,
				VirtualDropA: ev.VirtualDropA,
				VirtualDropB: ev.VirtualDropB,
				Price:        ev.Price,
				Condition:    ev.Condition,
				TriggeredAt:  ev.TriggeredAt,
			})
		}
	}
	if len(records) == 0 {
		return
	}
	if err := s.repo.InsertAnomalies(ctx, records); err != nil {
		s.logger.Error().Err(err).Int("count", len(records)).Msg("failed to persist anomalies")
	}
}

// classifier assigns the binance confirmation thresholds to instruments
// quoted on binance, everything else to the other class.
func (s *Service) classifier() engine.Classifier {
	return func(key market.InstrumentKey) engine.ExchangeClass {
		if key.Exchange == "binance" {
			return engine.ClassBinance
		}
		return engine.ClassOther
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// BuildRuleConfig converts the plain-float config values into the decimal
// thresholds the engine runs on.
func BuildRuleConfig(name string, tf market.Timeframe, rs config.RuleSettings) engine.RuleConfig {
	historyTF := historyTimeframe(tf)
	return engine.RuleConfig{
		Name:      name,
		Timeframe: tf,
		History:   historyTF,
		Window:    rs.Window,
		PreWindow: time.Duration(rs.PreWindowPeriods) * historyTF.Period(),
		Thresholds: engine.Thresholds{
			ABVirtualDrop:    decimal.NewFromFloat(rs.ABVirtualDrop),
			ABChange:         decimal.NewFromFloat(rs.ABChange),
			CloseRatio:       decimal.NewFromFloat(rs.CloseRatio),
			InvalidationK:    decimal.NewFromFloat(rs.InvalidationK),
			PriorPeriods:     rs.PriorPeriods,
			PreWindowPeriods: rs.PreWindowPeriods,
		},
		Binance: classThresholds(rs.Binance),
		Other:   classThresholds(rs.Other),
		Dedup: engine.DedupPolicy{
			Family:       rs.Dedup.Family,
			Window:       rs.Dedup.Window,
			CapCount:     rs.Dedup.CapCount,
			WorsenFactor: decimal.NewFromFloat(rs.Dedup.WorsenFactor),
			KeyByPair:    rs.Dedup.KeyByPair,
			BoundaryReset: map[string]market.Timeframe{
				"hour": market.TimeframeHour,
				"day":  market.TimeframeDay,
			}[rs.Dedup.BoundaryReset],
		},
	}
}

// historyTimeframe maps a rule timeframe to the bar resolution it scans.
// Minute and hour rules both search hour bars; day rules search day bars.
func historyTimeframe(tf market.Timeframe) market.Timeframe {
	if tf == market.TimeframeDay {
		return market.TimeframeDay
	}
	return market.TimeframeHour
}

func classThresholds(cs config.ClassSettings) engine.ClassThresholds {
	return engine.ClassThresholds{
		Magnification:   decimal.NewFromFloat(cs.Magnification),
		ChangeCap:       decimal.NewFromFloat(cs.ChangeCap),
		BeforeChangeCap: decimal.NewFromFloat(cs.BeforeChangeCap),
		IntlChangeCap:   decimal.NewFromFloat(cs.IntlChangeCap),
	}
}

func DedupOptions(p engine.DedupPolicy) dedup.Options {
	opts := dedup.Options{
		Window:       p.Window,
		CapCount:     p.CapCount,
		WorsenFactor: p.WorsenFactor,
	}
	switch p.BoundaryReset {
	case market.TimeframeHour:
		opts.BoundaryUnit = time.Hour
	case market.TimeframeDay:
		opts.BoundaryUnit = 24 * time.Hour
	}
	return opts
}

// shiftBars relabels bar period starts into a region's offset clock.
func shiftBars(bars []market.Bar, offset time.Duration) []market.Bar {
	if offset == 0 {
		return bars
	}
	shifted := make([]market.Bar, len(bars))
	copy(shifted, bars)
	for i := range shifted {
		shifted[i].PeriodStart = shifted[i].PeriodStart.Add(offset)
	}
	return shifted
}
