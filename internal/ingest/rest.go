package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"virtual-drop-alerts/internal/market"
)

// RESTOptions parameterise one HTTP ticker source. The endpoint must return
// a JSON array of objects, either at the top level or nested under
// CoinsField; SymbolField and PriceField name the keys holding the
// instrument symbol and its latest price.
type RESTOptions struct {
	Exchange string
	URL      string
	// CoinsField, when set, unwraps the ticker array from an enclosing
	// object (e.g. {"data": [...]}).
	CoinsField  string
	SymbolField string
	PriceField  string
	Timeout     time.Duration
	UserAgent   string
}

// REST polls a ticker endpoint over HTTP.
type REST struct {
	opts   RESTOptions
	logger zerolog.Logger
	client *http.Client
}

// NewREST constructs a REST scraper.
func NewREST(opts RESTOptions, logger zerolog.Logger) *REST {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.SymbolField == "" {
		opts.SymbolField = "symbol"
	}
	if opts.PriceField == "" {
		opts.PriceField = "price"
	}

	return &REST{
		opts:   opts,
		logger: logger.With().Str("component", "rest_scraper").Str("exchange", opts.Exchange).Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// Name identifies the source in logs and tick tags.
func (r *REST) Name() string {
	return r.opts.Exchange
}

// Fetch retrieves the current ticker set. Entries whose price fails to
// parse or is non-positive are dropped with a log line rather than failing
// the whole batch.
func (r *REST) Fetch(ctx context.Context) ([]market.Tick, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(r.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "dropwatch/1.0")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &FetchError{Exchange: r.opts.Exchange, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Exchange: r.opts.Exchange, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{Exchange: r.opts.Exchange, Status: resp.StatusCode, Body: payload}
	}

	if r.opts.CoinsField != "" {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(payload, &wrapper); err != nil {
			return nil, &FetchError{Exchange: r.opts.Exchange, Err: fmt.Errorf("parse ticker wrapper: %w", err)}
		}
		inner, ok := wrapper[r.opts.CoinsField]
		if !ok {
			return nil, &FetchError{Exchange: r.opts.Exchange, Err: fmt.Errorf("ticker wrapper missing %q", r.opts.CoinsField)}
		}
		payload = inner
	}

	var rows []map[string]json.RawMessage
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, &FetchError{Exchange: r.opts.Exchange, Err: fmt.Errorf("parse ticker payload: %w", err)}
	}

	now := time.Now()
	ticks := make([]market.Tick, 0, len(rows))
	for _, row := range rows {
		symbol, ok := stringField(row, r.opts.SymbolField)
		if !ok || symbol == "" {
			continue
		}
		raw, ok := stringField(row, r.opts.PriceField)
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(raw)
		if err != nil || price.Sign() <= 0 {
			r.logger.Debug().Str("symbol", symbol).Str("price", raw).Msg("dropping unparseable ticker entry")
			continue
		}
		ticks = append(ticks, market.Tick{
			CoinName:   symbol,
			Exchange:   r.opts.Exchange,
			Price:      price,
			ObservedAt: now,
		})
	}
	return ticks, nil
}

// stringField reads a field that may arrive as a JSON string or number.
func stringField(row map[string]json.RawMessage, field string) (string, bool) {
	raw, ok := row[field]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// FetchError reports a failed ticker fetch: a non-200 response, a network
// failure, or an unparseable payload. Exchange always names the source.
type FetchError struct {
	Exchange string
	Status   int
	Body     []byte
	Err      error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s ticker error: %v", e.Exchange, e.Err)
	}
	if len(e.Body) > 0 {
		return fmt.Sprintf("%s ticker error (%d): %s", e.Exchange, e.Status, strings.TrimSpace(string(e.Body)))
	}
	return fmt.Sprintf("%s ticker error (%d)", e.Exchange, e.Status)
}

func (e *FetchError) Unwrap() error { return e.Err }

var _ Scraper = (*REST)(nil)
