// Package ingest collects price ticks from the configured market sources.
// Sources are polled concurrently each cycle; a failing source degrades to
// an empty contribution instead of failing the cycle.
package ingest

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"virtual-drop-alerts/internal/market"
)

// Scraper retrieves the current prices from one market source.
type Scraper interface {
	Name() string
	Fetch(ctx context.Context) ([]market.Tick, error)
}

// Collector fans out to all scrapers and merges their ticks.
type Collector struct {
	scrapers  []Scraper
	blacklist *Blacklist
	logger    zerolog.Logger
}

// NewCollector builds a collector over the given scrapers. blacklist may
// be nil when no symbols are excluded.
func NewCollector(scrapers []Scraper, blacklist *Blacklist, logger zerolog.Logger) *Collector {
	return &Collector{
		scrapers:  scrapers,
		blacklist: blacklist,
		logger:    logger.With().Str("component", "ingest").Logger(),
	}
}

// FetchAll polls every scraper concurrently and returns the merged ticks,
// blacklisted symbols removed. Individual scraper failures are logged and
// skipped; FetchAll itself only fails when the context is done before any
// scraper returns.
func (c *Collector) FetchAll(ctx context.Context) []market.Tick {
	type result struct {
		source string
		ticks  []market.Tick
		err    error
	}

	results := make(chan result, len(c.scrapers))
	var wg sync.WaitGroup
	for _, s := range c.scrapers {
		wg.Add(1)
		go func(s Scraper) {
			defer wg.Done()
			ticks, err := s.Fetch(ctx)
			results <- result{source: s.Name(), ticks: ticks, err: err}
		}(s)
	}
	wg.Wait()
	close(results)

	var merged []market.Tick
	for res := range results {
		if res.err != nil {
			c.logger.Warn().Err(res.err).Str("source", res.source).Msg("scraper fetch failed; skipping source this cycle")
			continue
		}
		for _, tick := range res.ticks {
			if c.blacklist != nil && c.blacklist.Contains(tick.CoinName) {
				continue
			}
			merged = append(merged, tick)
		}
	}

	c.logger.Debug().Int("ticks", len(merged)).Int("sources", len(c.scrapers)).Msg("fetch cycle complete")
	return merged
}
