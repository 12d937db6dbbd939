package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	masterdata "engineroom-monitor/internal/masterdata/domain"
)

const defaultEquipmentTable = "equipment"

// DBTX is the subset of *sql.DB used by repositories, satisfied by both
// *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EquipmentRepository is a Postgres implementation for equipment rows.
type EquipmentRepository struct {
	db    DBTX
	table string
}

// NewEquipmentRepository constructs a repository.
func NewEquipmentRepository(db DBTX, opts ...EquipmentOption) *EquipmentRepository {
	repo := &EquipmentRepository{db: db, table: defaultEquipmentTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// EquipmentOption configures the repository.
type EquipmentOption func(*EquipmentRepository)

// WithEquipmentTable overrides the default table name.
func WithEquipmentTable(table string) EquipmentOption {
	return func(repo *EquipmentRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// Get loads equipment by id.
func (r *EquipmentRepository) Get(ctx context.Context, id string) (*masterdata.Equipment, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("equipment repo: nil db")
	}
	if id == "" {
		return nil, errors.New("equipment repo: empty id")
	}

	query := fmt.Sprintf(`
SELECT id, name, subsystem, location, status, created_at, updated_at
FROM %s
WHERE id = $1
LIMIT 1`, r.table)

	var equipment masterdata.Equipment
	var subsystem string
	if err := r.db.QueryRowContext(ctx, query, id).Scan(
		&equipment.ID,
		&equipment.Name,
		&subsystem,
		&equipment.Location,
		&equipment.Status,
		&equipment.CreatedAt,
		&equipment.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	equipment.Subsystem = masterdata.Subsystem(subsystem)
	equipment.CreatedAt = equipment.CreatedAt.UTC()
	equipment.UpdatedAt = equipment.UpdatedAt.UTC()
	return &equipment, nil
}

// List returns equipment, optionally narrowed to one subsystem.
func (r *EquipmentRepository) List(ctx context.Context, subsystem masterdata.Subsystem) ([]masterdata.Equipment, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("equipment repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT id, name, subsystem, location, status, created_at, updated_at
FROM %s
WHERE ($1 = '' OR subsystem = $1)
ORDER BY subsystem ASC, name ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, string(subsystem))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]masterdata.Equipment, 0)
	for rows.Next() {
		var equipment masterdata.Equipment
		var sub string
		if err := rows.Scan(
			&equipment.ID,
			&equipment.Name,
			&sub,
			&equipment.Location,
			&equipment.Status,
			&equipment.CreatedAt,
			&equipment.UpdatedAt,
		); err != nil {
			return nil, err
		}
		equipment.Subsystem = masterdata.Subsystem(sub)
		equipment.CreatedAt = equipment.CreatedAt.UTC()
		equipment.UpdatedAt = equipment.UpdatedAt.UTC()
		result = append(result, equipment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Save upserts an equipment row.
func (r *EquipmentRepository) Save(ctx context.Context, equipment *masterdata.Equipment) error {
	if r == nil || r.db == nil {
		return errors.New("equipment repo: nil db")
	}
	if equipment == nil {
		return errors.New("equipment repo: nil equipment")
	}
	if err := equipment.Validate(); err != nil {
		return err
	}

	status := equipment.Status
	if status == "" {
		status = masterdata.EquipmentRunning
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	name,
	subsystem,
	location,
	status
) VALUES (
	$1, $2, $3, $4, $5
)
ON CONFLICT (id)
DO UPDATE SET
	name = EXCLUDED.name,
	subsystem = EXCLUDED.subsystem,
	location = EXCLUDED.location,
	status = EXCLUDED.status,
	updated_at = NOW()`, r.table)

	_, err := r.db.ExecContext(
		ctx,
		query,
		equipment.ID,
		equipment.Name,
		string(equipment.Subsystem),
		equipment.Location,
		status,
	)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if equipment.CreatedAt.IsZero() {
		equipment.CreatedAt = now
	}
	equipment.UpdatedAt = now
	return nil
}
