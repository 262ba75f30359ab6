package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"virtual-drop-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Regions   RegionsConfig   `mapstructure:"regions"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Retention RetentionConfig `mapstructure:"retention"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the evaluation cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// IngestConfig describes the market data sources.
type IngestConfig struct {
	Sources        []SourceConfig `mapstructure:"sources"`
	Onchain        OnchainConfig  `mapstructure:"onchain"`
	BlacklistPath  string         `mapstructure:"blacklist_path"`
	RequestTimeout time.Duration  `mapstructure:"request_timeout"`
	UserAgent      string         `mapstructure:"user_agent"`
}

// SourceConfig maps one HTTP ticker endpoint.
type SourceConfig struct {
	Exchange string `mapstructure:"exchange"`
	URL      string `mapstructure:"url"`
	// CoinsField unwraps the ticker array from an enclosing object key;
	// empty for endpoints returning a bare array.
	CoinsField  string `mapstructure:"coins_field"`
	SymbolField string `mapstructure:"symbol_field"`
	PriceField  string `mapstructure:"price_field"`
}

// OnchainConfig covers the Chainlink feed source.
type OnchainConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Feeds          []FeedConfig  `mapstructure:"feeds"`
}

// FeedConfig names one Chainlink aggregator.
type FeedConfig struct {
	Coin     string `mapstructure:"coin"`
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`
}

// RegionsConfig splits bar bookkeeping into a local and a shifted
// international region.
type RegionsConfig struct {
	Local RegionConfig `mapstructure:"local"`
	Intl  RegionConfig `mapstructure:"intl"`
	// IntlReferenceHour is the local hour used as the international
	// reference instant (and the intl region's day boundary).
	IntlReferenceHour int `mapstructure:"intl_reference_hour"`
}

// RegionConfig names one region and its offset from local time.
type RegionConfig struct {
	Name   string        `mapstructure:"name"`
	Offset time.Duration `mapstructure:"offset"`
}

// RulesConfig holds the per-timeframe rule parameter sets.
type RulesConfig struct {
	Minute RuleSettings `mapstructure:"minute"`
	Hour   RuleSettings `mapstructure:"hour"`
	Day    RuleSettings `mapstructure:"day"`
}

// RuleSettings parameterise one detection rule. Values are plain floats
// here; the engine converts them to decimals once at construction.
type RuleSettings struct {
	Enabled          bool          `mapstructure:"enabled"`
	Window           time.Duration `mapstructure:"window"`
	ABVirtualDrop    float64       `mapstructure:"ab_virtual_drop"`
	ABChange         float64       `mapstructure:"ab_change"`
	CloseRatio       float64       `mapstructure:"close_ratio"`
	InvalidationK    float64       `mapstructure:"invalidation_k"`
	PriorPeriods     int           `mapstructure:"prior_periods"`
	PreWindowPeriods int           `mapstructure:"pre_window_periods"`
	Binance          ClassSettings `mapstructure:"binance"`
	Other            ClassSettings `mapstructure:"other"`
	Dedup            DedupSettings `mapstructure:"dedup"`
}

// ClassSettings carry the exchange-class-specific confirmation gates.
type ClassSettings struct {
	Magnification   float64 `mapstructure:"magnification"`
	ChangeCap       float64 `mapstructure:"change_cap"`
	BeforeChangeCap float64 `mapstructure:"before_change_cap"`
	IntlChangeCap   float64 `mapstructure:"intl_change_cap"`
}

// DedupSettings tune one rule family's rate-limit ledger.
type DedupSettings struct {
	Family       string        `mapstructure:"family"`
	Window       time.Duration `mapstructure:"window"`
	CapCount     int           `mapstructure:"cap_count"`
	WorsenFactor float64       `mapstructure:"worsen_factor"`
	KeyByPair    bool          `mapstructure:"key_by_pair"`
	// BoundaryReset expires records at the next hour/day boundary instead
	// of a rolling window. Empty means rolling.
	BoundaryReset string `mapstructure:"boundary_reset"`
}

// RetentionConfig bounds the stored detail series.
type RetentionConfig struct {
	Ticks time.Duration `mapstructure:"ticks"`
	Bars  time.Duration `mapstructure:"bars"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := newViper(path)

	if err := readConfig(v); err != nil {
		return nil, err
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("DROPWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "dropwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x64726f70))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("ingest.request_timeout", "10s")
	v.SetDefault("ingest.user_agent", "dropwatch/1.0")
	v.SetDefault("ingest.blacklist_path", "data/blacklist.txt")
	v.SetDefault("ingest.onchain.enabled", false)
	v.SetDefault("ingest.onchain.request_timeout", "10s")

	v.SetDefault("regions.local.name", "local")
	v.SetDefault("regions.local.offset", "0s")
	v.SetDefault("regions.intl.name", "intl")
	v.SetDefault("regions.intl.offset", "-8h")
	v.SetDefault("regions.intl_reference_hour", 8)

	setRuleDefaults(v, "rules.minute", "1h", map[string]any{
		"dedup.family":         "minute",
		"dedup.boundary_reset": "hour",
		"dedup.cap_count":      3,
	})
	setRuleDefaults(v, "rules.hour", "24h", map[string]any{
		"dedup.family":      "hour",
		"dedup.window":      "23h",
		"dedup.cap_count":   5,
		"dedup.key_by_pair": true,
	})
	setRuleDefaults(v, "rules.day", "576h", map[string]any{
		"dedup.family":         "day",
		"dedup.boundary_reset": "day",
		"dedup.cap_count":      3,
	})

	v.SetDefault("retention.ticks", "48h")
	v.SetDefault("retention.bars", "1440h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

// setRuleDefaults applies the shared rule parameter defaults plus the
// per-timeframe overrides. The numeric gates mirror the tuned production
// values: AB virtual drop 1.1, AB change 1, close ratio 0.99, k 0.005,
// binance magnification 1.7 / others 3.
func setRuleDefaults(v *viper.Viper, prefix, window string, overrides map[string]any) {
	v.SetDefault(prefix+".enabled", true)
	v.SetDefault(prefix+".window", window)
	v.SetDefault(prefix+".ab_virtual_drop", 1.1)
	v.SetDefault(prefix+".ab_change", 1.0)
	v.SetDefault(prefix+".close_ratio", 0.99)
	v.SetDefault(prefix+".invalidation_k", 0.005)
	v.SetDefault(prefix+".prior_periods", 2)
	v.SetDefault(prefix+".pre_window_periods", 6)

	v.SetDefault(prefix+".binance.magnification", 1.7)
	v.SetDefault(prefix+".binance.change_cap", -0.7)
	v.SetDefault(prefix+".binance.before_change_cap", -2.0)
	v.SetDefault(prefix+".binance.intl_change_cap", 4.0)

	v.SetDefault(prefix+".other.magnification", 3.0)
	v.SetDefault(prefix+".other.change_cap", -0.7)
	v.SetDefault(prefix+".other.before_change_cap", -3.5)
	v.SetDefault(prefix+".other.intl_change_cap", -5.0)

	v.SetDefault(prefix+".dedup.cap_count", 3)
	v.SetDefault(prefix+".dedup.worsen_factor", 0.99)
	v.SetDefault(prefix+".dedup.key_by_pair", false)
	v.SetDefault(prefix+".dedup.boundary_reset", "")
	v.SetDefault(prefix+".dedup.window", "0s")

	for key, value := range overrides {
		v.SetDefault(prefix+"."+key, value)
	}
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Regions.IntlReferenceHour < 0 || c.Regions.IntlReferenceHour > 23 {
		return fmt.Errorf("regions.intl_reference_hour must be within 0..23")
	}
	for name, rule := range map[string]RuleSettings{
		"rules.minute": c.Rules.Minute,
		"rules.hour":   c.Rules.Hour,
		"rules.day":    c.Rules.Day,
	} {
		if !rule.Enabled {
			continue
		}
		if rule.Window <= 0 {
			return fmt.Errorf("%s.window must be greater than zero", name)
		}
		if rule.CloseRatio <= 0 || rule.CloseRatio >= 1 {
			return fmt.Errorf("%s.close_ratio must be within (0, 1)", name)
		}
		if rule.Dedup.CapCount <= 0 {
			return fmt.Errorf("%s.dedup.cap_count must be greater than zero", name)
		}
		switch rule.Dedup.BoundaryReset {
		case "", "hour", "day":
		default:
			return fmt.Errorf("%s.dedup.boundary_reset must be empty, hour, or day", name)
		}
	}
	for i, src := range c.Ingest.Sources {
		if src.Exchange == "" || src.URL == "" {
			return fmt.Errorf("ingest.sources[%d] requires exchange and url", i)
		}
	}
	if c.Ingest.Onchain.Enabled && c.Ingest.Onchain.RPCURL == "" {
		return fmt.Errorf("ingest.onchain.rpc_url 必须配置")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
