package dedup

import (
	"testing"
	"time"

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

func TestAdmitWorseningSequence(t *testing.T) {
	ledger := NewLedger(nil, Options{Window: time.Hour})
	key := Key{CoinName: "BTCUSDT", Exchange: "binance"}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// First sighting admits unconditionally.
	if !ledger.Admit(key, dec(t, "100"), now) {
		t.Fatal("首次出现应当放行")
	}
	// 99 <= 100*0.99, keeps worsening.
	if !ledger.Admit(key, dec(t, "99"), now.Add(time.Minute)) {
		t.Fatal("价格继续恶化应当放行")
	}
	// 99.5 > 99*0.99, recovery is suppressed.
	if ledger.Admit(key, dec(t, "99.5"), now.Add(2*time.Minute)) {
		t.Fatal("价格回升不应重复告警")
	}
	// 98 <= 99*0.99, worsens past the last admitted price.
	if !ledger.Admit(key, dec(t, "98"), now.Add(3*time.Minute)) {
		t.Fatal("突破上次低点应当放行")
	}
}

func TestAdmitCapCount(t *testing.T) {
	ledger := NewLedger(nil, Options{Window: time.Hour, CapCount: 3})
	key := Key{CoinName: "BTCUSDT", Exchange: "binance"}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	price := dec(t, "100")
	for i := 0; i < 3; i++ {
		if !ledger.Admit(key, price, now.Add(time.Duration(i)*time.Minute)) {
			t.Fatalf("admission %d should pass", i+1)
		}
		price = price.Mul(dec(t, "0.9"))
	}
	if ledger.Admit(key, dec(t, "1"), now.Add(10*time.Minute)) {
		t.Fatal("cap reached; further admissions must be rejected")
	}
}

func TestKeyByPairTracksPairsSeparately(t *testing.T) {
	ledger := NewLedger(nil, Options{Window: 23 * time.Hour, CapCount: 5})
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first := Key{CoinName: "BTCUSDT", Exchange: "binance", TimeA: now.Add(-20 * time.Hour), TimeB: now.Add(-5 * time.Hour)}
	second := Key{CoinName: "BTCUSDT", Exchange: "binance", TimeA: now.Add(-18 * time.Hour), TimeB: now.Add(-5 * time.Hour)}

	if !ledger.Admit(first, dec(t, "100"), now) {
		t.Fatal("first pair should admit")
	}
	if !ledger.Admit(second, dec(t, "100"), now) {
		t.Fatal("a distinct A/B pair is a distinct ledger key")
	}
	if ledger.Len() != 2 {
		t.Fatalf("ledger len = %d, want 2", ledger.Len())
	}
}

func TestExpireRollingWindow(t *testing.T) {
	ledger := NewLedger(nil, Options{Window: 23 * time.Hour})
	key := Key{CoinName: "BTCUSDT", Exchange: "binance"}
	seen := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	ledger.Admit(key, dec(t, "100"), seen)

	ledger.Expire(seen.Add(23 * time.Hour))
	if ledger.Len() != 1 {
		t.Fatal("record inside the rolling window must survive")
	}

	ledger.Expire(seen.Add(23*time.Hour + time.Second))
	if ledger.Len() != 0 {
		t.Fatal("record past the rolling window must expire")
	}

	// After expiry the same key admits again.
	if !ledger.Admit(key, dec(t, "200"), seen.Add(24*time.Hour)) {
		t.Fatal("expired key must be treated as a first sighting")
	}
}

func TestExpireAtBoundary(t *testing.T) {
	ledger := NewLedger(nil, Options{BoundaryUnit: time.Hour})
	key := Key{CoinName: "BTCUSDT", Exchange: "binance"}
	seen := time.Date(2026, 3, 1, 10, 40, 0, 0, time.UTC)

	ledger.Admit(key, dec(t, "100"), seen)

	ledger.Expire(time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC))
	if ledger.Len() != 1 {
		t.Fatal("record must survive inside its hour")
	}

	ledger.Expire(time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC))
	if ledger.Len() != 0 {
		t.Fatal("record must be dropped at the next hour boundary")
	}
}

func TestNewLedgerRestoresRecords(t *testing.T) {
	key := Key{CoinName: "BTCUSDT", Exchange: "binance"}
	seen := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []Record{{Key: key, EmitCount: 3, LastPrice: dec(t, "90"), FirstSeenAt: seen}}

	ledger := NewLedger(records, Options{Window: time.Hour, CapCount: 3})
	if ledger.Admit(key, dec(t, "1"), seen.Add(time.Minute)) {
		t.Fatal("restored record at cap must keep rejecting")
	}

	out := ledger.Records()
	if len(out) != 1 || out[0].EmitCount != 3 {
		t.Fatalf("records round-trip broken: %+v", out)
	}
}
