package app

import (
	"context"
	"errors"
	"time"

	"virtual-drop-alerts/internal/config"
	"virtual-drop-alerts/internal/market"
	"virtual-drop-alerts/internal/storage"
)

// Backfill recomputes hour and day bars from the stored detail ticks。
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	start := alignForward(opts.From, time.Hour)
	end := opts.To
	if !start.Before(end) {
		return errors.New("回填范围为空，请检查 --from/--to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法回填")
	}
	defer closeStore()

	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
	}

	cfg := a.Config()
	aggregator := market.NewAggregator(a.Logger)

	processed := 0
	failed := 0
	var prior map[market.InstrumentKey]market.Bar

	for periodStart := start; periodStart.Before(end); periodStart = periodStart.Add(time.Hour) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ticks, err := store.ListTicksBetween(ctx, periodStart, periodStart.Add(time.Hour))
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Time("period", periodStart).Msg("回填读取行情失败")
			continue
		}

		bars := aggregator.AggregateAll(ticks, prior, periodStart)
		prior = market.LatestBars(bars)
		if len(bars) == 0 {
			continue
		}

		if !opts.DryRun {
			if err := a.persistBackfilled(ctx, store, cfg, bars); err != nil {
				failed++
				a.Logger.Error().Err(err).Time("period", periodStart).Msg("回填写入失败")
				continue
			}
		}
		processed++

		// Close the day at each region's midnight boundary.
		if !opts.DryRun {
			a.backfillDayBars(ctx, store, cfg, aggregator, periodStart.Add(time.Hour))
		}
	}

	a.Logger.Info().Int("processed", processed).Int("failed", failed).Msg("回填完成")
	if failed > 0 {
		return errors.New("部分时段回填失败，请检查日志")
	}
	return nil
}

func (a *App) persistBackfilled(ctx context.Context, store *storage.Store, cfg *config.Config, bars []market.Bar) error {
	for _, region := range []config.RegionConfig{cfg.Regions.Local, cfg.Regions.Intl} {
		regionBars := make([]market.Bar, len(bars))
		copy(regionBars, bars)
		for i := range regionBars {
			regionBars[i].PeriodStart = regionBars[i].PeriodStart.Add(region.Offset)
		}
		if err := store.UpsertBars(ctx, region.Name, market.TimeframeHour, regionBars); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) backfillDayBars(ctx context.Context, store *storage.Store, cfg *config.Config, aggregator *market.Aggregator, boundary time.Time) {
	for _, region := range []config.RegionConfig{cfg.Regions.Local, cfg.Regions.Intl} {
		regionBoundary := boundary.Add(region.Offset)
		if regionBoundary.Hour() != 0 {
			continue
		}
		dayStart := regionBoundary.AddDate(0, 0, -1)
		hourBars, err := store.ListBarsBetween(ctx, region.Name, market.TimeframeHour, dayStart, regionBoundary)
		if err != nil {
			a.Logger.Warn().Err(err).Str("region", region.Name).Msg("回填读取小时线失败")
			continue
		}
		dayBars := aggregator.AggregateDaily(hourBars, dayStart)
		if len(dayBars) == 0 {
			continue
		}
		if err := store.UpsertBars(ctx, region.Name, market.TimeframeDay, dayBars); err != nil {
			a.Logger.Warn().Err(err).Str("region", region.Name).Msg("回填写入日线失败")
		}
	}
}

func alignForward(t time.Time, interval time.Duration) time.Time {
	truncated := t.Truncate(interval)
	if truncated.Before(t) {
		return truncated.Add(interval)
	}
	return truncated
}
