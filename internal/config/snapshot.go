package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher serves an atomically swapped configuration snapshot. The
// scheduler reads Current() once per tick so threshold changes land
// between evaluations, never mid-evaluation.
type Watcher struct {
	current atomic.Pointer[Config]
}

// Watch loads the configuration and re-reads it whenever the backing file
// changes. A reload that fails validation keeps the previous snapshot.
func Watch(path string, logger zerolog.Logger) (*Watcher, error) {
	v := newViper(path)

	if err := readConfig(v); err != nil {
		return nil, err
	}
	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}

	w := &Watcher{}
	w.current.Store(cfg)

	log := logger.With().Str("component", "config_watcher").Logger()
	v.OnConfigChange(func(e fsnotify.Event) {
		reloaded, err := unmarshal(v)
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("config reload rejected; keeping previous snapshot")
			return
		}
		w.current.Store(reloaded)
		log.Info().Str("file", e.Name).Msg("config snapshot reloaded")
	})
	v.WatchConfig()

	return w, nil
}

// Current returns the latest valid snapshot.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Static wraps an already-loaded configuration in a non-reloading Watcher.
// One-shot commands (simulate, backfill, export) use it in place of Watch.
func Static(cfg *Config) *Watcher {
	w := &Watcher{}
	w.current.Store(cfg)
	return w
}
