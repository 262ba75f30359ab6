package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"virtual-drop-alerts/internal/dedup"
	"virtual-drop-alerts/internal/market"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertBarSQL = `INSERT INTO bars (
        region,
        timeframe,
        coin_name,
        exchange,
        period_start,
        open,
        high,
        low,
        close,
        change_pct,
        amplitude_pct,
        virtual_drop_pct
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    ON CONFLICT (region, timeframe, coin_name, exchange, period_start) DO UPDATE
    SET
        open             = EXCLUDED.open,
        high             = EXCLUDED.high,
        low              = EXCLUDED.low,
        close            = EXCLUDED.close,
        change_pct       = EXCLUDED.change_pct,
        amplitude_pct    = EXCLUDED.amplitude_pct,
        virtual_drop_pct = EXCLUDED.virtual_drop_pct;`

	listBarsBetweenSQL = `SELECT
        coin_name,
        exchange,
        period_start,
        open,
        high,
        low,
        close,
        change_pct,
        amplitude_pct,
        virtual_drop_pct
    FROM bars
    WHERE region = $1
      AND timeframe = $2
      AND period_start >= $3
      AND period_start < $4
    ORDER BY coin_name, exchange, period_start;`

	latestBarsSQL = `SELECT DISTINCT ON (coin_name, exchange)
        coin_name,
        exchange,
        period_start,
        open,
        high,
        low,
        close,
        change_pct,
        amplitude_pct,
        virtual_drop_pct
    FROM bars
    WHERE region = $1
      AND timeframe = $2
    ORDER BY coin_name, exchange, period_start DESC;`

	deleteBarsBeforeSQL = `DELETE FROM bars
    WHERE region = $1 AND timeframe = $2 AND period_start < $3;`

	insertTickSQL = `INSERT INTO ticks (
        coin_name,
        exchange,
        price,
        observed_at
    ) VALUES ($1,$2,$3,$4);`

	listTicksBetweenSQL = `SELECT
        coin_name,
        exchange,
        price,
        observed_at
    FROM ticks
    WHERE observed_at >= $1
      AND observed_at < $2
    ORDER BY observed_at;`

	deleteTicksBeforeSQL = `DELETE FROM ticks WHERE observed_at < $1;`

	listDedupRecordsSQL = `SELECT
        coin_name,
        exchange,
        time_a,
        time_b,
        emit_count,
        last_price,
        first_seen_at
    FROM dedup_records
    WHERE family = $1;`

	deleteDedupFamilySQL = `DELETE FROM dedup_records WHERE family = $1;`

	insertDedupRecordSQL = `INSERT INTO dedup_records (
        family,
        coin_name,
        exchange,
        time_a,
        time_b,
        emit_count,
        last_price,
        first_seen_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`

	insertAnomalySQL = `INSERT INTO anomalies (
        id,
        rule_name,
        coin_name,
        exchange,
        time_a,
        time_b,
        virtual_drop_a,
        virtual_drop_b,
        price,
        condition,
        triggered_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (id) DO NOTHING;`

	listRecentAnomaliesSQL = `SELECT
        id,
        rule_name,
        coin_name,
        exchange,
        time_a,
        time_b,
        virtual_drop_a,
        virtual_drop_b,
        price,
        condition,
        triggered_at,
        created_at
    FROM anomalies
    ORDER BY triggered_at DESC
    LIMIT $1;`

	countAnomaliesSQL = `SELECT COUNT(*) FROM anomalies;`

	mergeHighLowSQL = `INSERT INTO high_low_stats (
        region,
        timeframe,
        coin_name,
        exchange,
        high,
        high_at,
        low,
        low_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (region, timeframe, coin_name, exchange) DO UPDATE
    SET
        high       = CASE WHEN EXCLUDED.high > high_low_stats.high THEN EXCLUDED.high ELSE high_low_stats.high END,
        high_at    = CASE WHEN EXCLUDED.high > high_low_stats.high THEN EXCLUDED.high_at ELSE high_low_stats.high_at END,
        low        = CASE WHEN EXCLUDED.low < high_low_stats.low THEN EXCLUDED.low ELSE high_low_stats.low END,
        low_at     = CASE WHEN EXCLUDED.low < high_low_stats.low THEN EXCLUDED.low_at ELSE high_low_stats.low_at END,
        updated_at = EXCLUDED.updated_at;`

	listHighLowSQL = `SELECT
        region,
        timeframe,
        coin_name,
        exchange,
        high,
        high_at,
        low,
        low_at,
        updated_at
    FROM high_low_stats
    WHERE region = $1 AND timeframe = $2
    ORDER BY coin_name, exchange;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// BarStore defines operations for aggregated bar persistence.
type BarStore interface {
	UpsertBars(ctx context.Context, region string, tf market.Timeframe, bars []market.Bar) error
	ListBarsBetween(ctx context.Context, region string, tf market.Timeframe, from, to time.Time) ([]market.Bar, error)
	LatestBars(ctx context.Context, region string, tf market.Timeframe) ([]market.Bar, error)
	DeleteBarsBefore(ctx context.Context, region string, tf market.Timeframe, olderThan time.Time) error
}

// TickStore defines operations for the raw tick detail series.
type TickStore interface {
	InsertTicks(ctx context.Context, ticks []market.Tick) error
	ListTicksBetween(ctx context.Context, from, to time.Time) ([]market.Tick, error)
	DeleteTicksBefore(ctx context.Context, olderThan time.Time) error
}

// DedupStore persists the per-family dedup ledgers between ticks.
type DedupStore interface {
	LoadDedupRecords(ctx context.Context, family string) ([]dedup.Record, error)
	ReplaceDedupRecords(ctx context.Context, family string, records []dedup.Record) error
}

// AnomalyStore defines operations for anomaly auditing.
type AnomalyStore interface {
	InsertAnomalies(ctx context.Context, records []AnomalyRecord) error
	ListRecentAnomalies(ctx context.Context, limit int) ([]AnomalyRecord, error)
	CountAnomalies(ctx context.Context) (int64, error)
}

// StatsStore maintains the historical high/low tables.
type StatsStore interface {
	MergeHighLow(ctx context.Context, region string, tf market.Timeframe, bars []market.Bar, now time.Time) error
	ListHighLow(ctx context.Context, region string, tf market.Timeframe) ([]HighLowStat, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to bars, ticks, dedup ledgers, and anomalies.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertBars persists or updates one region/timeframe batch of bars.
func (s *Store) UpsertBars(ctx context.Context, region string, tf market.Timeframe, bars []market.Bar) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, bar := range bars {
		batch.Queue(upsertBarSQL,
			region,
			string(tf),
			bar.CoinName,
			bar.Exchange,
			bar.PeriodStart,
			bar.Open.String(),
			bar.High.String(),
			bar.Low.String(),
			bar.Close.String(),
			bar.ChangePct.String(),
			bar.AmplitudePct.String(),
			bar.VirtualDropPct.String(),
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range bars {
		if _, execErr := results.Exec(); execErr != nil {
			return fmt.Errorf("upsert bar: %w", execErr)
		}
	}
	return nil
}

// ListBarsBetween lists bars of one region/timeframe within a time window.
func (s *Store) ListBarsBetween(ctx context.Context, region string, tf market.Timeframe, from, to time.Time) ([]market.Bar, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listBarsBetweenSQL, region, string(tf), from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list bars between: %w", queryErr)
	}
	defer rows.Close()

	return scanBars(rows)
}

// LatestBars returns the most recent bar per instrument for one
// region/timeframe.
func (s *Store) LatestBars(ctx context.Context, region string, tf market.Timeframe) ([]market.Bar, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, latestBarsSQL, region, string(tf))
	if queryErr != nil {
		return nil, fmt.Errorf("latest bars: %w", queryErr)
	}
	defer rows.Close()

	return scanBars(rows)
}

// DeleteBarsBefore trims bars older than the retention cutoff.
func (s *Store) DeleteBarsBefore(ctx context.Context, region string, tf market.Timeframe, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteBarsBeforeSQL, region, string(tf), olderThan); execErr != nil {
		return fmt.Errorf("delete bars before: %w", execErr)
	}
	return nil
}

// InsertTicks appends raw ticks to the detail series.
func (s *Store) InsertTicks(ctx context.Context, ticks []market.Tick) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, tick := range ticks {
		batch.Queue(insertTickSQL,
			tick.CoinName,
			tick.Exchange,
			tick.Price.String(),
			tick.ObservedAt,
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range ticks {
		if _, execErr := results.Exec(); execErr != nil {
			return fmt.Errorf("insert tick: %w", execErr)
		}
	}
	return nil
}

// ListTicksBetween lists raw ticks within a time window.
func (s *Store) ListTicksBetween(ctx context.Context, from, to time.Time) ([]market.Tick, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTicksBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list ticks between: %w", queryErr)
	}
	defer rows.Close()

	ticks := make([]market.Tick, 0)
	for rows.Next() {
		var (
			tick     market.Tick
			priceStr string
		)
		if err := rows.Scan(&tick.CoinName, &tick.Exchange, &priceStr, &tick.ObservedAt); err != nil {
			return nil, err
		}
		tick.Price, err = decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse tick price: %w", err)
		}
		ticks = append(ticks, tick)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ticks, nil
}

// DeleteTicksBefore trims the detail series past the retention cutoff.
func (s *Store) DeleteTicksBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteTicksBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete ticks before: %w", execErr)
	}
	return nil
}

// LoadDedupRecords loads one rule family's ledger records.
func (s *Store) LoadDedupRecords(ctx context.Context, family string) ([]dedup.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDedupRecordsSQL, family)
	if queryErr != nil {
		return nil, fmt.Errorf("load dedup records: %w", queryErr)
	}
	defer rows.Close()

	records := make([]dedup.Record, 0)
	for rows.Next() {
		var (
			rec      dedup.Record
			priceStr string
		)
		if err := rows.Scan(
			&rec.Key.CoinName,
			&rec.Key.Exchange,
			&rec.Key.TimeA,
			&rec.Key.TimeB,
			&rec.EmitCount,
			&priceStr,
			&rec.FirstSeenAt,
		); err != nil {
			return nil, err
		}
		rec.LastPrice, err = decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse dedup price: %w", err)
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// ReplaceDedupRecords atomically swaps one rule family's ledger for the
// post-tick state. The delete and inserts share a transaction so a crash
// mid-write cannot lose the ledger.
func (s *Store) ReplaceDedupRecords(ctx context.Context, family string, records []dedup.Record) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin dedup replace: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, execErr := tx.Exec(ctx, deleteDedupFamilySQL, family); execErr != nil {
		return fmt.Errorf("clear dedup family: %w", execErr)
	}
	for _, rec := range records {
		if _, execErr := tx.Exec(ctx, insertDedupRecordSQL,
			family,
			rec.Key.CoinName,
			rec.Key.Exchange,
			rec.Key.TimeA,
			rec.Key.TimeB,
			rec.EmitCount,
			rec.LastPrice.String(),
			rec.FirstSeenAt,
		); execErr != nil {
			return fmt.Errorf("insert dedup record: %w", execErr)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit dedup replace: %w", err)
	}
	return nil
}

// InsertAnomalies persists a batch of emitted anomalies.
func (s *Store) InsertAnomalies(ctx context.Context, records []AnomalyRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(insertAnomalySQL,
			rec.ID,
			rec.RuleName,
			rec.CoinName,
			rec.Exchange,
			rec.TimeA,
			rec.TimeB,
			rec.VirtualDropA.String(),
			rec.VirtualDropB.String(),
			rec.Price.String(),
			rec.Condition,
			rec.TriggeredAt,
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, execErr := results.Exec(); execErr != nil {
			return fmt.Errorf("insert anomaly: %w", execErr)
		}
	}
	return nil
}

// ListRecentAnomalies lists most recent anomalies.
func (s *Store) ListRecentAnomalies(ctx context.Context, limit int) ([]AnomalyRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAnomaliesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent anomalies: %w", queryErr)
	}
	defer rows.Close()

	records := make([]AnomalyRecord, 0, limit)
	for rows.Next() {
		var (
			rec      AnomalyRecord
			dropAStr string
			dropBStr string
			priceStr string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.RuleName,
			&rec.CoinName,
			&rec.Exchange,
			&rec.TimeA,
			&rec.TimeB,
			&dropAStr,
			&dropBStr,
			&priceStr,
			&rec.Condition,
			&rec.TriggeredAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.VirtualDropA, convErr = decimal.NewFromString(dropAStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse virtual drop a: %w", convErr)
		}
		rec.VirtualDropB, convErr = decimal.NewFromString(dropBStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse virtual drop b: %w", convErr)
		}
		rec.Price, convErr = decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse anomaly price: %w", convErr)
		}

		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CountAnomalies counts stored anomalies.
func (s *Store) CountAnomalies(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countAnomaliesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count anomalies: %w", scanErr)
	}
	return count, nil
}

// MergeHighLow folds a batch of closed bars into the historical extreme
// tables for one region/timeframe.
func (s *Store) MergeHighLow(ctx context.Context, region string, tf market.Timeframe, bars []market.Bar, now time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, bar := range bars {
		batch.Queue(mergeHighLowSQL,
			region,
			string(tf),
			bar.CoinName,
			bar.Exchange,
			bar.High.String(),
			bar.PeriodStart,
			bar.Low.String(),
			bar.PeriodStart,
			now,
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range bars {
		if _, execErr := results.Exec(); execErr != nil {
			return fmt.Errorf("merge high/low: %w", execErr)
		}
	}
	return nil
}

// ListHighLow lists the historical extremes of one region/timeframe.
func (s *Store) ListHighLow(ctx context.Context, region string, tf market.Timeframe) ([]HighLowStat, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listHighLowSQL, region, string(tf))
	if queryErr != nil {
		return nil, fmt.Errorf("list high/low: %w", queryErr)
	}
	defer rows.Close()

	stats := make([]HighLowStat, 0)
	for rows.Next() {
		var (
			stat    HighLowStat
			highStr string
			lowStr  string
		)
		if err := rows.Scan(
			&stat.Region,
			&stat.Timeframe,
			&stat.CoinName,
			&stat.Exchange,
			&highStr,
			&stat.HighAt,
			&lowStr,
			&stat.LowAt,
			&stat.UpdatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		stat.High, convErr = decimal.NewFromString(highStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse high: %w", convErr)
		}
		stat.Low, convErr = decimal.NewFromString(lowStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse low: %w", convErr)
		}

		stats = append(stats, stat)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return stats, nil
}

func scanBars(rows pgx.Rows) ([]market.Bar, error) {
	bars := make([]market.Bar, 0)
	for rows.Next() {
		var (
			bar       market.Bar
			openStr   string
			highStr   string
			lowStr    string
			closeStr  string
			changeStr string
			ampStr    string
			dropStr   string
		)
		if err := rows.Scan(
			&bar.CoinName,
			&bar.Exchange,
			&bar.PeriodStart,
			&openStr,
			&highStr,
			&lowStr,
			&closeStr,
			&changeStr,
			&ampStr,
			&dropStr,
		); err != nil {
			return nil, err
		}

		if err := parseBarDecimals(&bar, openStr, highStr, lowStr, closeStr, changeStr, ampStr, dropStr); err != nil {
			return nil, err
		}

		bars = append(bars, bar)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return bars, nil
}

// parseBarDecimals rehydrates a bar's price columns from the string form
// they travel in. NUMERIC columns preserve scale, so value and exponent
// survive the round trip unchanged.
func parseBarDecimals(bar *market.Bar, open, high, low, closePrice, change, amplitude, drop string) error {
	fields := []struct {
		dst *decimal.Decimal
		src string
		tag string
	}{
		{&bar.Open, open, "open"},
		{&bar.High, high, "high"},
		{&bar.Low, low, "low"},
		{&bar.Close, closePrice, "close"},
		{&bar.ChangePct, change, "change pct"},
		{&bar.AmplitudePct, amplitude, "amplitude pct"},
		{&bar.VirtualDropPct, drop, "virtual drop pct"},
	}
	for _, f := range fields {
		value, err := decimal.NewFromString(f.src)
		if err != nil {
			return fmt.Errorf("parse %s: %w", f.tag, err)
		}
		*f.dst = value
	}
	return nil
}

var (
	_ BarStore       = (*Store)(nil)
	_ TickStore      = (*Store)(nil)
	_ DedupStore     = (*Store)(nil)
	_ AnomalyStore   = (*Store)(nil)
	_ StatsStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
