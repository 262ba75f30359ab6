package ingest

import (
	"bufio"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Blacklist excludes symbols from ingestion. It is backed by a flat file
// with one symbol per line ('#' starts a comment) and reloads on change
// without a restart.
type Blacklist struct {
	path   string
	logger zerolog.Logger

	mux     sync.Mutex
	symbols map[string]struct{}
	modTime int64
}

// NewBlacklist loads the blacklist file at path. A missing file is an
// empty blacklist, not an error.
func NewBlacklist(path string, logger zerolog.Logger) *Blacklist {
	b := &Blacklist{
		path:    path,
		logger:  logger.With().Str("component", "blacklist").Logger(),
		symbols: map[string]struct{}{},
	}
	b.reload()
	return b
}

// Contains reports whether the symbol is blacklisted, reloading the file
// first when it changed on disk.
func (b *Blacklist) Contains(symbol string) bool {
	b.mux.Lock()
	defer b.mux.Unlock()

	b.reload()
	_, ok := b.symbols[strings.ToUpper(symbol)]
	return ok
}

// Len reports the number of blacklisted symbols.
func (b *Blacklist) Len() int {
	b.mux.Lock()
	defer b.mux.Unlock()
	return len(b.symbols)
}

func (b *Blacklist) reload() {
	if b.path == "" {
		return
	}

	info, err := os.Stat(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.Warn().Err(err).Str("path", b.path).Msg("stat blacklist failed")
		}
		b.symbols = map[string]struct{}{}
		b.modTime = 0
		return
	}
	if info.ModTime().UnixNano() == b.modTime {
		return
	}

	file, err := os.Open(b.path)
	if err != nil {
		b.logger.Warn().Err(err).Str("path", b.path).Msg("open blacklist failed")
		return
	}
	defer file.Close()

	symbols := map[string]struct{}{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		symbols[strings.ToUpper(line)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		b.logger.Warn().Err(err).Str("path", b.path).Msg("read blacklist failed")
		return
	}

	b.symbols = symbols
	b.modTime = info.ModTime().UnixNano()
	b.logger.Info().Int("symbols", len(symbols)).Msg("blacklist reloaded")
}
