package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	telemetry "engineroom-monitor/internal/telemetry/domain"
)

const defaultReadingTable = "equipment_readings"

// ReadingRepository is a Postgres implementation for telemetry readings.
type ReadingRepository struct {
	db    *sql.DB
	table string
}

// NewReadingRepository constructs a repository with the default table name.
func NewReadingRepository(db *sql.DB, opts ...RepositoryOption) *ReadingRepository {
	repo := &ReadingRepository{db: db, table: defaultReadingTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RepositoryOption configures the repository.
type RepositoryOption func(*ReadingRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *ReadingRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// InsertReadings stores a batch of readings. Readings are immutable, so a
// duplicate (equipment, metric, point, ts) row is left untouched rather
// than overwritten.
func (r *ReadingRepository) InsertReadings(ctx context.Context, readings []telemetry.Reading) error {
	if r == nil || r.db == nil {
		return errors.New("reading repo: nil db")
	}
	if len(readings) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	equipment_id,
	metric_type,
	monitoring_point,
	value,
	unit,
	quality,
	source,
	ts
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9
)
ON CONFLICT (equipment_id, metric_type, monitoring_point, ts)
DO NOTHING`, r.table)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, reading := range readings {
		if err := reading.Validate(); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("reading repo: %w", err)
		}

		quality := reading.Quality
		if quality == "" {
			quality = telemetry.QualityNormal
		}
		source := reading.Source
		if source == "" {
			source = telemetry.SourceSensorUpload
		}

		if _, err := stmt.ExecContext(
			ctx,
			reading.ID,
			reading.EquipmentID,
			string(reading.MetricType),
			reading.MonitoringPoint,
			reading.Value,
			reading.Unit,
			quality,
			source,
			reading.TS.UTC(),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}
