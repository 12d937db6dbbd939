package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	alarms "engineroom-monitor/internal/alarms/domain"
)

const defaultBreachStatesTable = "breach_states"

// BreachStateRepository stores open breach episodes that have not yet
// satisfied their rule's duration gate.
type BreachStateRepository struct {
	db    *sql.DB
	table string
}

// NewBreachStateRepository constructs a repository.
func NewBreachStateRepository(db *sql.DB) *BreachStateRepository {
	return &BreachStateRepository{db: db, table: defaultBreachStatesTable}
}

// Get fetches the open breach state for a rule on one monitoring point.
func (r *BreachStateRepository) Get(ctx context.Context, ruleID, equipmentID, monitoringPoint string) (*alarms.BreachState, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("breach state repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT rule_id, equipment_id, monitoring_point, breach_start, last_value, updated_at
FROM breach_states
WHERE rule_id = $1 AND equipment_id = $2 AND monitoring_point = $3`, ruleID, equipmentID, monitoringPoint)

	var state alarms.BreachState
	var lastValue sql.NullFloat64
	if err := row.Scan(
		&state.RuleID,
		&state.EquipmentID,
		&state.MonitoringPoint,
		&state.BreachStart,
		&lastValue,
		&state.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	state.BreachStart = state.BreachStart.UTC()
	state.UpdatedAt = state.UpdatedAt.UTC()
	if lastValue.Valid {
		state.LastValue = lastValue.Float64
	}
	return &state, nil
}

// Upsert inserts or updates a breach state. The caller carries breach_start
// forward across readings of a continuing breach.
func (r *BreachStateRepository) Upsert(ctx context.Context, state *alarms.BreachState) error {
	if r == nil || r.db == nil {
		return errors.New("breach state repo: nil db")
	}
	if state == nil {
		return errors.New("breach state repo: nil state")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO breach_states (
	rule_id, equipment_id, monitoring_point, breach_start, last_value, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6
)
ON CONFLICT (rule_id, equipment_id, monitoring_point)
DO UPDATE SET
	breach_start = EXCLUDED.breach_start,
	last_value = EXCLUDED.last_value,
	updated_at = EXCLUDED.updated_at`,
		state.RuleID,
		state.EquipmentID,
		state.MonitoringPoint,
		state.BreachStart.UTC(),
		sql.NullFloat64{Float64: state.LastValue, Valid: true},
		state.UpdatedAt,
	)
	return err
}

// Clear deletes a breach state after recovery or alarm creation.
func (r *BreachStateRepository) Clear(ctx context.Context, ruleID, equipmentID, monitoringPoint string) error {
	if r == nil || r.db == nil {
		return errors.New("breach state repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
DELETE FROM breach_states
WHERE rule_id = $1 AND equipment_id = $2 AND monitoring_point = $3`, ruleID, equipmentID, monitoringPoint)
	return err
}
