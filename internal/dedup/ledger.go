// Package dedup implements the persisted rate-limiting state that keeps
// one recurring anomaly from alerting more than its cap within a rolling
// window. The ledger itself is pure in-memory logic; the caller loads the
// records at the start of a tick and writes the survivors back afterwards.
package dedup

import (
	"time"

	"github.com/shopspring/decimal"
)

// Key identifies one rate-limited condition. TimeA/TimeB are zero for rule
// families keyed by instrument only.
type Key struct {
	CoinName string
	Exchange string
	TimeA    time.Time
	TimeB    time.Time
}

// Record is one persisted ledger entry.
type Record struct {
	Key         Key
	EmitCount   int
	LastPrice   decimal.Decimal
	FirstSeenAt time.Time
}

// Options tune one ledger instance (one rule family).
type Options struct {
	// Window is the rolling expiry measured from first sighting. Ignored
	// when BoundaryUnit is set.
	Window time.Duration
	// BoundaryUnit, when non-zero, expires records at the next wall-clock
	// boundary of that unit (hour or day) after first sighting instead of
	// after Window.
	BoundaryUnit time.Duration
	// CapCount is the maximum number of admissions per key per window.
	CapCount int
	// WorsenFactor gates repeat admissions: the new price must be at or
	// below last * WorsenFactor.
	WorsenFactor decimal.Decimal
}

// Ledger applies admission and expiry rules over a record set.
type Ledger struct {
	opts    Options
	records map[Key]*Record
}

// NewLedger builds a ledger from previously persisted records. A nil or
// empty slice is a valid (empty) ledger; a missing backing file never
// fails the tick.
func NewLedger(records []Record, opts Options) *Ledger {
	if opts.CapCount <= 0 {
		opts.CapCount = 3
	}
	if opts.WorsenFactor.IsZero() {
		opts.WorsenFactor = decimal.RequireFromString("0.99")
	}

	indexed := make(map[Key]*Record, len(records))
	for i := range records {
		rec := records[i]
		indexed[rec.Key] = &rec
	}
	return &Ledger{opts: opts, records: indexed}
}

// Admit decides whether a sighting of key at the given price may alert.
// First sighting within a window always admits; repeats admit only while
// under the cap and while the price keeps worsening by the configured
// factor. The record is updated in place either way.
func (l *Ledger) Admit(key Key, price decimal.Decimal, now time.Time) bool {
	rec, ok := l.records[key]
	if !ok {
		l.records[key] = &Record{
			Key:         key,
			EmitCount:   1,
			LastPrice:   price,
			FirstSeenAt: now,
		}
		return true
	}

	if rec.EmitCount >= l.opts.CapCount {
		return false
	}
	if price.GreaterThan(rec.LastPrice.Mul(l.opts.WorsenFactor)) {
		return false
	}

	rec.EmitCount++
	rec.LastPrice = price
	return true
}

// Expire drops records whose window has elapsed. Expiry is independent of
// admission outcome; it bounds ledger growth and resets the rate limits.
func (l *Ledger) Expire(now time.Time) {
	for key, rec := range l.records {
		if l.expired(rec, now) {
			delete(l.records, key)
		}
	}
}

func (l *Ledger) expired(rec *Record, now time.Time) bool {
	if l.opts.BoundaryUnit > 0 {
		boundary := rec.FirstSeenAt.Truncate(l.opts.BoundaryUnit).Add(l.opts.BoundaryUnit)
		return !now.Before(boundary)
	}
	if l.opts.Window <= 0 {
		return false
	}
	return now.Sub(rec.FirstSeenAt) > l.opts.Window
}

// Records returns the current record set for persistence, order unspecified.
func (l *Ledger) Records() []Record {
	out := make([]Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, *rec)
	}
	return out
}

// Len reports the number of live records.
func (l *Ledger) Len() int {
	return len(l.records)
}
