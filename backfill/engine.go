package backfill

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"metersync/logger"
	"metersync/models"
)

// ErrNoReadings is returned when Backfill is called with an empty
// batch. It is a no-op failure, distinct from a write error.
var ErrNoReadings = errors.New("no cumulative readings to backfill")

// sqliteTimeLayout is the recorder's timestamp column format (UTC).
// Lexicographic comparison of these strings matches time order.
const sqliteTimeLayout = "2006-01-02 15:04:05"

// createdOffset is added to the reading timestamp to form the row's
// created column, mimicking the recorder writing shortly after the
// bucket closes.
const createdOffset = 10 * time.Second

// Options configure an Engine. Bucket widths are named parameters, not
// derived from the 15-minute reading cadence.
type Options struct {
	LongTermBucket  time.Duration
	ShortTermBucket time.Duration
	ShortTermWindow time.Duration
	// AnchorToStore continues the batch's cumulative series from the
	// last sum already stored for the sensor, keeping the series
	// monotonic across non-contiguous backfill runs. When disabled
	// each batch restarts at its own first value.
	AnchorToStore bool
}

// Engine writes cumulative statistics into the recorder's two
// resolution tiers with idempotent replace-by-range semantics: within a
// single transaction it deletes every row its own inserts could collide
// with, then inserts the batch. Re-running with the same input leaves
// the store unchanged. Callers must not invoke Backfill concurrently
// for overlapping sensor/time-range pairs.
type Engine struct {
	db   *sqlx.DB
	opts Options
	now  func() time.Time
	log  *logger.Log
}

func NewEngine(db *sqlx.DB, opts Options) *Engine {
	if opts.LongTermBucket <= 0 {
		opts.LongTermBucket = time.Hour
	}
	if opts.ShortTermBucket <= 0 {
		opts.ShortTermBucket = 5 * time.Minute
	}
	if opts.ShortTermWindow <= 0 {
		opts.ShortTermWindow = 14 * 24 * time.Hour
	}
	return &Engine{db: db, opts: opts, now: time.Now, log: logger.GetLogger()}
}

// Backfill atomically replaces the statistics rows overlapping the
// batch's time range for the given sensor. Any error rolls back the
// whole transaction; partial writes are never visible. The input slice
// is not modified, so callers keep it for diagnosis on failure.
func (e *Engine) Backfill(ctx context.Context, readings []models.CumulativeReading, metadataID int64) error {
	if len(readings) == 0 {
		return ErrNoReadings
	}

	log := e.log.WithComponent("backfill_engine").WithFields(logger.Fields{"metadata_id": metadataID})

	rangeStart, rangeEnd := readingsRange(readings)
	log.WithFields(logger.Fields{
		"readings":    len(readings),
		"range_start": rangeStart,
		"range_end":   rangeEnd,
	}).Info("starting backfill")

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin backfill transaction: %w", err)
	}
	defer tx.Rollback()

	var offset float64
	if e.opts.AnchorToStore {
		offset, err = e.anchorOffset(ctx, tx, metadataID, rangeStart)
		if err != nil {
			return err
		}
		if offset > 0 {
			log.WithFields(logger.Fields{"anchor_kwh": offset}).Info("continuing from stored cumulative total")
		}
	}

	// The deletion window is widened by one bucket at the lower edge so
	// it covers the bucket starts the inserts below will produce;
	// otherwise a re-run would duplicate the first bucket's rows.
	if err := e.deleteRange(ctx, tx, "statistics", metadataID,
		rangeStart.Add(-e.opts.LongTermBucket), rangeEnd); err != nil {
		return err
	}
	if err := e.deleteRange(ctx, tx, "statistics_short_term", metadataID,
		rangeStart.Add(-e.opts.ShortTermBucket), rangeEnd); err != nil {
		return err
	}

	longRows, shortRows := 0, 0
	shortTermCutoff := e.now().UTC().Add(-e.opts.ShortTermWindow)
	for _, r := range readings {
		t := r.Timestamp.UTC()
		value := r.CumulativeKWh + offset

		if onHourBoundary(t) {
			if err := insertRow(ctx, tx, "statistics", models.StatisticRow{
				Created:    t.Add(createdOffset),
				Start:      t.Add(-e.opts.LongTermBucket),
				State:      value,
				Sum:        value,
				MetadataID: metadataID,
			}); err != nil {
				return err
			}
			longRows++
		}

		if t.After(shortTermCutoff) {
			if err := insertRow(ctx, tx, "statistics_short_term", models.StatisticRow{
				Created:    t.Add(createdOffset),
				Start:      t.Add(-e.opts.ShortTermBucket),
				State:      value,
				Sum:        value,
				MetadataID: metadataID,
			}); err != nil {
				return err
			}
			shortRows++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit backfill transaction: %w", err)
	}

	log.WithFields(logger.Fields{
		"long_term_rows":  longRows,
		"short_term_rows": shortRows,
	}).Info("backfill committed")
	return nil
}

// anchorOffset returns the last stored cumulative sum that will survive
// the deletion below, from whichever resolution tier has the most
// recent surviving row. Each table is cut off at its own deletion
// bound, so rows an earlier adjacent batch left just below the range
// are still considered.
func (e *Engine) anchorOffset(ctx context.Context, tx *sqlx.Tx, metadataID int64, rangeStart time.Time) (float64, error) {
	type lastRow struct {
		Start string  `db:"start"`
		Sum   float64 `db:"sum"`
	}

	tables := []struct {
		name   string
		bucket time.Duration
	}{
		{"statistics", e.opts.LongTermBucket},
		{"statistics_short_term", e.opts.ShortTermBucket},
	}

	var best *lastRow
	for _, table := range tables {
		cutoff := rangeStart.Add(-table.bucket).UTC().Format(sqliteTimeLayout)
		var row lastRow
		err := tx.GetContext(ctx, &row,
			fmt.Sprintf(`SELECT start, sum FROM %s
			             WHERE metadata_id = ? AND start < ?
			             ORDER BY start DESC LIMIT 1`, table.name),
			metadataID, cutoff)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("query last stored sum from %s: %w", table.name, err)
		}
		if best == nil || row.Start > best.Start {
			r := row
			best = &r
		}
	}
	if best == nil {
		return 0, nil
	}
	return best.Sum, nil
}

func (e *Engine) deleteRange(ctx context.Context, tx *sqlx.Tx, table string, metadataID int64, from, to time.Time) error {
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE metadata_id = ? AND start >= ? AND start <= ?`, table),
		metadataID,
		from.UTC().Format(sqliteTimeLayout),
		to.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return fmt.Errorf("delete existing rows from %s: %w", table, err)
	}
	if deleted, err := res.RowsAffected(); err == nil && deleted > 0 {
		e.log.WithComponent("backfill_engine").WithFields(logger.Fields{
			"table":   table,
			"deleted": deleted,
		}).Debug("deleted overlapping rows")
	}
	return nil
}

func insertRow(ctx context.Context, tx *sqlx.Tx, table string, row models.StatisticRow) error {
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (created, start, state, sum, metadata_id)
		             VALUES (?, ?, ?, ?, ?)`, table),
		row.Created.UTC().Format(sqliteTimeLayout),
		row.Start.UTC().Format(sqliteTimeLayout),
		row.State,
		row.Sum,
		row.MetadataID)
	if err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

func onHourBoundary(t time.Time) bool {
	return t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}

func readingsRange(readings []models.CumulativeReading) (time.Time, time.Time) {
	min, max := readings[0].Timestamp, readings[0].Timestamp
	for _, r := range readings[1:] {
		if r.Timestamp.Before(min) {
			min = r.Timestamp
		}
		if r.Timestamp.After(max) {
			max = r.Timestamp
		}
	}
	return min.UTC(), max.UTC()
}
