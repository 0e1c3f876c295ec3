package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/domain"
)

const readingPlaces = 2

// ReadingStore is the append-only production series.
type ReadingStore interface {
	LatestPowerReading(ctx context.Context, inverterID int64) (*domain.PowerReading, error)
	InsertPowerReading(ctx context.Context, inverterID int64, value decimal.NullDecimal, ts time.Time) (*domain.PowerReading, error)
}

// InverterLocker is implemented by transactional stores that can serialise
// writers per inverter until the transaction ends.
type InverterLocker interface {
	LockInverter(ctx context.Context, inverterID int64) error
}

// TxFunc runs fn against a store bound to a single transaction.
type TxFunc func(ctx context.Context, fn func(ReadingStore) error) error

// Change describes what a Record call did to the series.
type Change int

const (
	NoChange Change = iota
	FirstReading
	ValueChanged
	WentUnknown
	Recovered
	// Stale means the reading is older than the latest stored row and was
	// dropped.
	Stale
)

func (c Change) String() string {
	switch c {
	case NoChange:
		return "no_change"
	case FirstReading:
		return "first_reading"
	case ValueChanged:
		return "value_changed"
	case WentUnknown:
		return "went_unknown"
	case Recovered:
		return "recovered"
	case Stale:
		return "stale"
	}
	return fmt.Sprintf("change(%d)", int(c))
}

// Written reports whether the series grew.
func (c Change) Written() bool { return c != NoChange && c != Stale }

// Recorder plateau-compresses readings. A row is appended only when the
// rounded value differs from the latest stored one, and every change first
// re-stamps the previous plateau's value at the new timestamp so each
// plateau's start and end are both present in the series. Unknown (null)
// is a plateau like any other.
type Recorder struct {
	store ReadingStore
	inTx  TxFunc
}

type RecorderOption func(*Recorder)

// WithTransactions makes every read-compare-write sequence atomic.
func WithTransactions(fn TxFunc) RecorderOption {
	return func(r *Recorder) { r.inTx = fn }
}

func NewRecorder(store ReadingStore, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store}
	r.inTx = func(ctx context.Context, fn func(ReadingStore) error) error { return fn(r.store) }

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Round applies the half-up rounding used for every stored reading.
func Round(v decimal.Decimal) decimal.Decimal {
	return v.Round(readingPlaces)
}

// RecordValue stores a successful reading. The returned value is the
// rounded reading.
func (r *Recorder) RecordValue(ctx context.Context, inverterID int64, value decimal.Decimal, ts time.Time) (decimal.Decimal, Change, error) {
	current := Round(value)
	change := NoChange

	err := r.inTx(ctx, func(s ReadingStore) error {
		latest, err := latestLocked(ctx, s, inverterID)
		if err != nil {
			return err
		}

		switch {
		case latest == nil:
			change = FirstReading
		case ts.Before(latest.Timestamp):
			change = Stale
			return nil
		case !latest.ActivePower.Valid:
			change = Recovered
		case Round(latest.ActivePower.Decimal).Equal(current):
			return nil
		default:
			change = ValueChanged
		}

		if latest != nil {
			if err := closePlateau(ctx, s, inverterID, latest, ts); err != nil {
				return err
			}
		}

		_, err = s.InsertPowerReading(ctx, inverterID, decimal.NewNullDecimal(current), ts)
		return err
	})
	if err != nil {
		return current, NoChange, fmt.Errorf("record reading for inverter %d: %w", inverterID, err)
	}

	return current, change, nil
}

// RecordUnknown stores a failed fetch as a null row, unless the series is
// already in an unknown plateau.
func (r *Recorder) RecordUnknown(ctx context.Context, inverterID int64, ts time.Time) (Change, error) {
	change := NoChange

	err := r.inTx(ctx, func(s ReadingStore) error {
		latest, err := latestLocked(ctx, s, inverterID)
		if err != nil {
			return err
		}

		switch {
		case latest == nil:
			change = FirstReading
		case ts.Before(latest.Timestamp):
			change = Stale
			return nil
		case !latest.ActivePower.Valid:
			return nil
		default:
			change = WentUnknown
			if err := closePlateau(ctx, s, inverterID, latest, ts); err != nil {
				return err
			}
		}

		_, err = s.InsertPowerReading(ctx, inverterID, decimal.NullDecimal{}, ts)
		return err
	})
	if err != nil {
		return NoChange, fmt.Errorf("record unknown reading for inverter %d: %w", inverterID, err)
	}

	return change, nil
}

// latestLocked reads the latest row after taking the inverter lock, if the
// store offers one, so concurrent writers never compare against the same row.
func latestLocked(ctx context.Context, s ReadingStore, inverterID int64) (*domain.PowerReading, error) {
	if l, ok := s.(InverterLocker); ok {
		if err := l.LockInverter(ctx, inverterID); err != nil {
			return nil, fmt.Errorf("lock inverter: %w", err)
		}
	}
	return s.LatestPowerReading(ctx, inverterID)
}

func closePlateau(ctx context.Context, s ReadingStore, inverterID int64, latest *domain.PowerReading, ts time.Time) error {
	value := latest.ActivePower
	if value.Valid {
		value.Decimal = Round(value.Decimal)
	}
	_, err := s.InsertPowerReading(ctx, inverterID, value, ts)
	return err
}
