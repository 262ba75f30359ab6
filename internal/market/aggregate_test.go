package market

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func tick(t *testing.T, coin, exchange, price string, at time.Time) Tick {
	t.Helper()
	return Tick{CoinName: coin, Exchange: exchange, Price: dec(t, price), ObservedAt: at}
}

func TestComputeDerivedDownPeriod(t *testing.T) {
	bar := Bar{
		Open:  dec(t, "100"),
		High:  dec(t, "101"),
		Low:   dec(t, "95"),
		Close: dec(t, "98"),
	}
	bar.ComputeDerived()

	if got := bar.ChangePct; !got.Equal(dec(t, "-2")) {
		t.Fatalf("change_pct = %s, want -2", got)
	}
	if got := bar.AmplitudePct; !got.Equal(dec(t, "6")) {
		t.Fatalf("amplitude_pct = %s, want 6", got)
	}
	// Down period: (close-low)/open.
	if got := bar.VirtualDropPct; !got.Equal(dec(t, "3")) {
		t.Fatalf("virtual_drop_pct = %s, want 3", got)
	}
}

func TestComputeDerivedFlatOrUpPeriod(t *testing.T) {
	bar := Bar{
		Open:  dec(t, "100"),
		High:  dec(t, "103"),
		Low:   dec(t, "97"),
		Close: dec(t, "102"),
	}
	bar.ComputeDerived()

	// Up period: (open-low)/open.
	if got := bar.VirtualDropPct; !got.Equal(dec(t, "3")) {
		t.Fatalf("virtual_drop_pct = %s, want 3", got)
	}

	flat := Bar{Open: dec(t, "100"), High: dec(t, "100"), Low: dec(t, "99"), Close: dec(t, "100")}
	flat.ComputeDerived()
	if got := flat.VirtualDropPct; !got.Equal(dec(t, "1")) {
		t.Fatalf("flat virtual_drop_pct = %s, want 1", got)
	}
}

func TestComputeDerivedZeroOpen(t *testing.T) {
	bar := Bar{Close: dec(t, "5"), High: dec(t, "5")}
	bar.ComputeDerived()
	if !bar.ChangePct.IsZero() || !bar.AmplitudePct.IsZero() || !bar.VirtualDropPct.IsZero() {
		t.Fatalf("derived metrics for zero open must be zero, got %s/%s/%s",
			bar.ChangePct, bar.AmplitudePct, bar.VirtualDropPct)
	}
}

func TestAggregateOpensAtPriorClose(t *testing.T) {
	agg := NewAggregator(zerolog.Nop())
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	prior := Bar{CoinName: "BTCUSDT", Exchange: "binance", Close: dec(t, "100")}
	ticks := []Tick{
		tick(t, "BTCUSDT", "binance", "101", start.Add(time.Minute)),
		tick(t, "BTCUSDT", "binance", "0", start.Add(2*time.Minute)),
		tick(t, "BTCUSDT", "binance", "99", start.Add(3*time.Minute)),
		tick(t, "BTCUSDT", "binance", "100.5", start.Add(4*time.Minute)),
	}

	bar, ok := agg.Aggregate(ticks, &prior, start)
	if !ok {
		t.Fatal("expected a bar")
	}
	if !bar.Open.Equal(dec(t, "100")) {
		t.Fatalf("open = %s, want prior close 100", bar.Open)
	}
	if !bar.High.Equal(dec(t, "101")) || !bar.Low.Equal(dec(t, "99")) {
		t.Fatalf("high/low = %s/%s, want 101/99", bar.High, bar.Low)
	}
	if !bar.Close.Equal(dec(t, "100.5")) {
		t.Fatalf("close = %s, want 100.5 (zero-price tick must be ignored)", bar.Close)
	}
}

func TestAggregateCarriesForwardWithoutTicks(t *testing.T) {
	agg := NewAggregator(zerolog.Nop())
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	prior := Bar{CoinName: "ETHUSDT", Exchange: "okx", Close: dec(t, "42")}
	bar, ok := agg.Aggregate(nil, &prior, start)
	if !ok {
		t.Fatal("expected a carried-forward bar")
	}
	for _, got := range []decimal.Decimal{bar.Open, bar.High, bar.Low, bar.Close} {
		if !got.Equal(dec(t, "42")) {
			t.Fatalf("carried bar must be flat at prior close, got %+v", bar)
		}
	}
	if !bar.ChangePct.IsZero() || !bar.VirtualDropPct.IsZero() {
		t.Fatalf("carried bar must have zero derived metrics, got %+v", bar)
	}

	if _, ok := agg.Aggregate(nil, nil, start); ok {
		t.Fatal("no ticks and no history must not yield a bar")
	}
}

func TestAggregateAllSkipsUnknownInstruments(t *testing.T) {
	agg := NewAggregator(zerolog.Nop())
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	prior := map[InstrumentKey]Bar{
		{CoinName: "ETHUSDT", Exchange: "okx"}: {
			CoinName: "ETHUSDT", Exchange: "okx", Close: dec(t, "42"),
		},
	}
	ticks := []Tick{tick(t, "BTCUSDT", "binance", "100", start)}

	bars := agg.AggregateAll(ticks, prior, start)
	if len(bars) != 2 {
		t.Fatalf("期望 2 根K线, 实际 %d", len(bars))
	}

	byKey := LatestBars(bars)
	if _, ok := byKey[InstrumentKey{CoinName: "BTCUSDT", Exchange: "binance"}]; !ok {
		t.Fatal("missing bar for ticked instrument")
	}
	carried, ok := byKey[InstrumentKey{CoinName: "ETHUSDT", Exchange: "okx"}]
	if !ok {
		t.Fatal("missing carried-forward bar for quiet instrument")
	}
	if !carried.Close.Equal(dec(t, "42")) {
		t.Fatalf("carried close = %s, want 42", carried.Close)
	}
}

func TestAggregateDaily(t *testing.T) {
	agg := NewAggregator(zerolog.Nop())
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mk := func(hour int, open, high, low, close string) Bar {
		b := Bar{
			CoinName:    "BTCUSDT",
			Exchange:    "binance",
			PeriodStart: day.Add(time.Duration(hour) * time.Hour),
			Open:        dec(t, open),
			High:        dec(t, high),
			Low:         dec(t, low),
			Close:       dec(t, close),
		}
		b.ComputeDerived()
		return b
	}

	hourly := []Bar{
		mk(2, "99", "104", "98", "103"),
		mk(0, "100", "101", "97", "99"),
		mk(1, "99", "100", "96", "99"),
	}

	days := agg.AggregateDaily(hourly, day)
	if len(days) != 1 {
		t.Fatalf("expected 1 day bar, got %d", len(days))
	}
	bar := days[0]
	if !bar.Open.Equal(dec(t, "100")) || !bar.Close.Equal(dec(t, "103")) {
		t.Fatalf("open/close = %s/%s, want 100/103 (hourly bars must be time-ordered)", bar.Open, bar.Close)
	}
	if !bar.High.Equal(dec(t, "104")) || !bar.Low.Equal(dec(t, "96")) {
		t.Fatalf("high/low = %s/%s, want 104/96", bar.High, bar.Low)
	}
}

func TestLastPrices(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ticks := []Tick{
		tick(t, "BTCUSDT", "binance", "100", start),
		tick(t, "BTCUSDT", "binance", "0", start.Add(2*time.Minute)),
		tick(t, "BTCUSDT", "binance", "101", start.Add(time.Minute)),
	}

	prices := LastPrices(ticks)
	got, ok := prices[InstrumentKey{CoinName: "BTCUSDT", Exchange: "binance"}]
	if !ok {
		t.Fatal("missing price")
	}
	if !got.Equal(dec(t, "101")) {
		t.Fatalf("last price = %s, want 101 (zero prices ignored)", got)
	}
}
