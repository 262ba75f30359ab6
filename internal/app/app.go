package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"virtual-drop-alerts/internal/alerting"
	"virtual-drop-alerts/internal/config"
	"virtual-drop-alerts/internal/ingest"
	"virtual-drop-alerts/internal/market"
	"virtual-drop-alerts/internal/scheduler"
	"virtual-drop-alerts/internal/service"
	"virtual-drop-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Snapshots *config.Watcher
	Logger    zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(snapshots *config.Watcher, logger zerolog.Logger) *App {
	return &App{Snapshots: snapshots, Logger: logger.With().Str("component", "app").Logger()}
}

// Config returns the current configuration snapshot.
func (a *App) Config() *config.Config {
	return a.Snapshots.Current()
}

func (a *App) newCollector() *ingest.Collector {
	cfg := a.Config()

	scrapers := make([]ingest.Scraper, 0, len(cfg.Ingest.Sources)+1)
	for _, src := range cfg.Ingest.Sources {
		scrapers = append(scrapers, ingest.NewREST(ingest.RESTOptions{
			Exchange:    src.Exchange,
			URL:         src.URL,
			CoinsField:  src.CoinsField,
			SymbolField: src.SymbolField,
			PriceField:  src.PriceField,
			Timeout:     cfg.Ingest.RequestTimeout,
			UserAgent:   cfg.Ingest.UserAgent,
		}, a.Logger))
	}

	if cfg.Ingest.Onchain.Enabled {
		feeds := make([]ingest.Feed, 0, len(cfg.Ingest.Onchain.Feeds))
		for _, feed := range cfg.Ingest.Onchain.Feeds {
			feeds = append(feeds, ingest.Feed{
				CoinName: feed.Coin,
				Address:  feed.Address,
				Decimals: feed.Decimals,
			})
		}
		scrapers = append(scrapers, ingest.NewOnchain(ingest.OnchainOptions{
			RPCURL:  cfg.Ingest.Onchain.RPCURL,
			Feeds:   feeds,
			Timeout: cfg.Ingest.Onchain.RequestTimeout,
		}, a.Logger))
	}

	var blacklist *ingest.Blacklist
	if cfg.Ingest.BlacklistPath != "" {
		blacklist = ingest.NewBlacklist(cfg.Ingest.BlacklistPath, a.Logger)
	}

	return ingest.NewCollector(scrapers, blacklist, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	cfg := a.Config()
	if cfg.Alerting.Telegram.Enabled {
		tg := cfg.Alerting.Telegram
		return alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	cfg := a.Config()
	if cfg.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running detection service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn is required for the detection loop")
	}
	defer closeStore()

	cfg := a.Config()
	sched := scheduler.New(scheduler.Options{
		Interval:     cfg.Scheduler.Interval,
		AlignToStart: cfg.Scheduler.AlignToBucket,
		StartupDelay: cfg.Scheduler.StartupDelay,
	}, a.Logger)

	svc := service.New(a.Snapshots, sched, a.newCollector(), store, a.newNotifier(), a.Logger)

	a.Logger.Info().Msg("starting detection service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("detection service stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical bars.
type ExportOptions struct {
	Coin      string
	Exchange  string
	Region    string
	Timeframe market.Timeframe
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
}
