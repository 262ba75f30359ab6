package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"virtual-drop-alerts/internal/alerting"
	"virtual-drop-alerts/internal/dedup"
	"virtual-drop-alerts/internal/engine"
	"virtual-drop-alerts/internal/market"
	"virtual-drop-alerts/internal/service"
)

// SimulateAlert 构造一个满足 A/B/C 形态的合成行情并走完整的
// 搜索/确认/去重/通知流程，用于验证告警链路配置。
func (a *App) SimulateAlert(ctx context.Context, coin, exchange string) error {
	cfg := a.Config()
	if !cfg.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	if coin == "" {
		coin = "SIMUSDT"
	}
	if exchange == "" {
		exchange = "binance"
	}

	now := time.Now().Truncate(time.Hour)
	history, ticks, refPrices := syntheticScenario(coin, exchange, now)

	ruleCfg := service.BuildRuleConfig("simulated", market.TimeframeMinute, cfg.Rules.Minute)
	classify := func(key market.InstrumentKey) engine.ExchangeClass {
		if key.Exchange == "binance" {
			return engine.ClassBinance
		}
		return engine.ClassOther
	}

	eng := engine.New(ruleCfg, classify, a.Logger)
	ledger := dedup.NewLedger(nil, service.DedupOptions(ruleCfg.Dedup))

	batch, err := eng.Evaluate(engine.Input{
		Now:       now,
		History:   history,
		Ticks:     ticks,
		RefPrices: refPrices,
	}, ledger)
	if err != nil {
		return err
	}
	if len(batch.Events) == 0 {
		return errors.New("合成场景未产生告警，请检查规则阈值配置")
	}

	digest := alerting.Digest{TickAt: now, Batches: []engine.AlertBatch{batch}}
	return notifier.Notify(ctx, digest)
}

// syntheticScenario builds an hour-bar history with a qualifying A (t-20h),
// B (t-5h), and a current price below both lows and the recent minimum.
func syntheticScenario(coin, exchange string, now time.Time) ([]market.Bar, []market.Tick, map[market.InstrumentKey]decimal.Decimal) {
	key := market.InstrumentKey{CoinName: coin, Exchange: exchange}

	bar := func(hoursAgo int, open, high, low, close string) market.Bar {
		b := market.Bar{
			CoinName:    coin,
			Exchange:    exchange,
			PeriodStart: now.Add(-time.Duration(hoursAgo) * time.Hour),
			Open:        decimal.RequireFromString(open),
			High:        decimal.RequireFromString(high),
			Low:         decimal.RequireFromString(low),
			Close:       decimal.RequireFromString(close),
		}
		b.ComputeDerived()
		return b
	}

	history := []market.Bar{
		// A: change -1.5%, deep wick.
		bar(20, "100", "100.2", "96", "98.5"),
		bar(12, "98.5", "98.6", "98.2", "98.4"),
		// B: qualifies and close_B < close_A * 0.99.
		bar(5, "97", "97.1", "93.5", "95.8"),
		// Two quiet periods so C undercuts the recent minimum.
		bar(2, "95.8", "95.9", "95.5", "95.7"),
		bar(1, "95.7", "95.8", "95.4", "95.6"),
	}

	ticks := []market.Tick{{
		CoinName:   coin,
		Exchange:   exchange,
		Price:      decimal.RequireFromString("92.5"),
		ObservedAt: now,
	}}

	refPrices := map[market.InstrumentKey]decimal.Decimal{
		key: decimal.RequireFromString("95.9"),
	}
	return history, ticks, refPrices
}
