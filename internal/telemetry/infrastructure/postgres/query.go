package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	telemetry "engineroom-monitor/internal/telemetry/domain"
)

// ReadingQuery is a Postgres query implementation over stored readings.
type ReadingQuery struct {
	db    *sql.DB
	table string
}

// NewReadingQuery constructs a query with the default table name.
func NewReadingQuery(db *sql.DB, opts ...QueryOption) *ReadingQuery {
	query := &ReadingQuery{db: db, table: defaultReadingTable}
	for _, opt := range opts {
		opt(query)
	}
	return query
}

// QueryRange returns readings for one equipment within [start, end),
// newest last. metric and point narrow the result when non-empty.
func (q *ReadingQuery) QueryRange(ctx context.Context, equipmentID string, metric telemetry.MetricType, point string, start, end time.Time, limit int) ([]telemetry.Reading, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("reading query: nil db")
	}
	if equipmentID == "" || start.IsZero() || end.IsZero() {
		return nil, errors.New("reading query: invalid arguments")
	}
	if limit <= 0 || limit > 10000 {
		limit = 10000
	}

	query := fmt.Sprintf(`
SELECT id, equipment_id, metric_type, monitoring_point, value, unit, quality, source, ts
FROM %s
WHERE equipment_id = $1
	AND ts >= $2
	AND ts < $3
	AND ($4 = '' OR metric_type = $4)
	AND ($5 = '' OR monitoring_point = $5)
ORDER BY ts ASC
LIMIT %d`, q.table, limit)

	rows, err := q.db.QueryContext(ctx, query, equipmentID, start, end, string(metric), point)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanReadings(rows)
}

// LatestByEquipment returns the newest value per (metric, point) pair.
func (q *ReadingQuery) LatestByEquipment(ctx context.Context, equipmentID string) ([]telemetry.LatestValue, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("reading query: nil db")
	}
	if equipmentID == "" {
		return nil, errors.New("reading query: equipment id required")
	}

	query := fmt.Sprintf(`
SELECT DISTINCT ON (metric_type, monitoring_point)
	metric_type, monitoring_point, value, unit, quality, ts
FROM %s
WHERE equipment_id = $1
ORDER BY metric_type, monitoring_point, ts DESC`, q.table)

	rows, err := q.db.QueryContext(ctx, query, equipmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	latest := make([]telemetry.LatestValue, 0)
	for rows.Next() {
		var lv telemetry.LatestValue
		var metric string
		if err := rows.Scan(&metric, &lv.MonitoringPoint, &lv.Value, &lv.Unit, &lv.Quality, &lv.TS); err != nil {
			return nil, err
		}
		lv.MetricType = telemetry.MetricType(metric)
		lv.TS = lv.TS.UTC()
		latest = append(latest, lv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return latest, nil
}

// QueryAllOrdered returns every reading within [start, end) ordered by
// (equipment_id, ts) for full recomputes. Zero bounds widen the range to
// the whole table.
func (q *ReadingQuery) QueryAllOrdered(ctx context.Context, start, end time.Time) ([]telemetry.Reading, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("reading query: nil db")
	}
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	if end.IsZero() {
		end = time.Now().UTC().Add(24 * time.Hour)
	}

	query := fmt.Sprintf(`
SELECT id, equipment_id, metric_type, monitoring_point, value, unit, quality, source, ts
FROM %s
WHERE ts >= $1 AND ts < $2
ORDER BY equipment_id ASC, ts ASC`, q.table)

	rows, err := q.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanReadings(rows)
}

func scanReadings(rows *sql.Rows) ([]telemetry.Reading, error) {
	readings := make([]telemetry.Reading, 0)
	for rows.Next() {
		var reading telemetry.Reading
		var metric string
		if err := rows.Scan(
			&reading.ID,
			&reading.EquipmentID,
			&metric,
			&reading.MonitoringPoint,
			&reading.Value,
			&reading.Unit,
			&reading.Quality,
			&reading.Source,
			&reading.TS,
		); err != nil {
			return nil, err
		}
		reading.MetricType = telemetry.MetricType(metric)
		reading.TS = reading.TS.UTC()
		readings = append(readings, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return readings, nil
}

// QueryOption configures the reading query.
type QueryOption func(*ReadingQuery)

// WithQueryTable overrides the default table name for queries.
func WithQueryTable(table string) QueryOption {
	return func(query *ReadingQuery) {
		if query != nil && table != "" {
			query.table = table
		}
	}
}
