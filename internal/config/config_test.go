package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("explicit missing config file must fail")
	}

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}

	if cfg.Scheduler.Interval != time.Minute {
		t.Fatalf("scheduler.interval = %s, want 1m", cfg.Scheduler.Interval)
	}
	if cfg.Regions.Intl.Offset != -8*time.Hour {
		t.Fatalf("regions.intl.offset = %s, want -8h", cfg.Regions.Intl.Offset)
	}
	if cfg.Regions.IntlReferenceHour != 8 {
		t.Fatalf("regions.intl_reference_hour = %d, want 8", cfg.Regions.IntlReferenceHour)
	}

	minute := cfg.Rules.Minute
	if !minute.Enabled || minute.Window != time.Hour {
		t.Fatalf("unexpected minute rule defaults: %+v", minute)
	}
	if minute.ABVirtualDrop != 1.1 || minute.ABChange != 1.0 || minute.CloseRatio != 0.99 {
		t.Fatalf("unexpected minute gates: %+v", minute)
	}
	if minute.Dedup.BoundaryReset != "hour" || minute.Dedup.CapCount != 3 {
		t.Fatalf("unexpected minute dedup defaults: %+v", minute.Dedup)
	}

	hour := cfg.Rules.Hour
	if hour.Window != 24*time.Hour || hour.Dedup.Window != 23*time.Hour {
		t.Fatalf("unexpected hour rule defaults: %+v", hour)
	}
	if !hour.Dedup.KeyByPair || hour.Dedup.CapCount != 5 {
		t.Fatalf("hour dedup must key by pair with cap 5: %+v", hour.Dedup)
	}

	day := cfg.Rules.Day
	if day.Window != 576*time.Hour || day.Dedup.BoundaryReset != "day" {
		t.Fatalf("unexpected day rule defaults: %+v", day)
	}

	if cfg.Rules.Minute.Binance.Magnification != 1.7 || cfg.Rules.Minute.Other.Magnification != 3.0 {
		t.Fatalf("unexpected class magnifications: %+v", cfg.Rules.Minute)
	}
	if cfg.Rules.Minute.Other.IntlChangeCap != -5.0 {
		t.Fatalf("other.intl_change_cap = %v, want -5", cfg.Rules.Minute.Other.IntlChangeCap)
	}

	if cfg.Retention.Ticks != 48*time.Hour {
		t.Fatalf("retention.ticks = %s, want 48h", cfg.Retention.Ticks)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
scheduler:
  interval: 30s
rules:
  minute:
    ab_virtual_drop: 2.5
ingest:
  sources:
    - exchange: binance
      url: https://api.binance.com/api/v3/ticker/price
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Interval != 30*time.Second {
		t.Fatalf("scheduler.interval = %s, want 30s", cfg.Scheduler.Interval)
	}
	if cfg.Rules.Minute.ABVirtualDrop != 2.5 {
		t.Fatalf("ab_virtual_drop = %v, want override 2.5", cfg.Rules.Minute.ABVirtualDrop)
	}
	// Untouched defaults survive alongside overrides.
	if cfg.Rules.Minute.CloseRatio != 0.99 {
		t.Fatalf("close_ratio = %v, want default 0.99", cfg.Rules.Minute.CloseRatio)
	}
	if len(cfg.Ingest.Sources) != 1 || cfg.Ingest.Sources[0].Exchange != "binance" {
		t.Fatalf("unexpected sources: %+v", cfg.Ingest.Sources)
	}
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		t.Helper()
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("load defaults: %v", err)
		}
		return cfg
	}

	cfg := base(t)
	cfg.Rules.Hour.CloseRatio = 1.0
	if err := cfg.Validate(); err == nil {
		t.Fatal("close_ratio of 1 must be rejected")
	}

	cfg = base(t)
	cfg.Rules.Hour.Enabled = false
	cfg.Rules.Hour.CloseRatio = 1.0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled rules are not validated: %v", err)
	}

	cfg = base(t)
	cfg.Regions.IntlReferenceHour = 24
	if err := cfg.Validate(); err == nil {
		t.Fatal("reference hour 24 must be rejected")
	}

	cfg = base(t)
	cfg.Rules.Day.Dedup.BoundaryReset = "week"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown boundary_reset must be rejected")
	}

	cfg = base(t)
	cfg.Alerting.Telegram.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("telegram 启用但缺少 bot_token 应当报错")
	}

	cfg = base(t)
	cfg.Ingest.Onchain.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("onchain 启用但缺少 rpc_url 应当报错")
	}

	cfg = base(t)
	cfg.Ingest.Sources = []SourceConfig{{Exchange: "binance"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("source without url must be rejected")
	}
}

func TestStaticWatcher(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}

	w := Static(cfg)
	if w.Current() != cfg {
		t.Fatal("static watcher must serve the wrapped config")
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 500}}
	if got := cfg.ResolveMaxPoints(0); got != 500 {
		t.Fatalf("default = %d, want 500", got)
	}
	if got := cfg.ResolveMaxPoints(42); got != 42 {
		t.Fatalf("override = %d, want 42", got)
	}
}
