package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	alarms "engineroom-monitor/internal/alarms/domain"
	telemetry "engineroom-monitor/internal/telemetry/domain"
)

const defaultAlarmRecordsTable = "alarm_records"

const (
	defaultAlarmListLimit = 50
	maxAlarmListLimit     = 500
)

// AlarmRecordRepository is a Postgres repository for alarm records.
type AlarmRecordRepository struct {
	db    *sql.DB
	table string
}

// NewAlarmRecordRepository constructs a repository.
func NewAlarmRecordRepository(db *sql.DB) *AlarmRecordRepository {
	return &AlarmRecordRepository{db: db, table: defaultAlarmRecordsTable}
}

// AlarmFilter narrows List and Count. Zero values match everything.
type AlarmFilter struct {
	EquipmentID string
	Status      string
	Severity    alarms.Severity
	MetricType  telemetry.MetricType
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// Create inserts a new alarm record. Records are append-only; status moves
// through UpdateStatus and nothing else changes after insert.
func (r *AlarmRecordRepository) Create(ctx context.Context, alarm *alarms.AlarmRecord) error {
	if r == nil || r.db == nil {
		return errors.New("alarm repo: nil db")
	}
	if alarm == nil {
		return errors.New("alarm repo: nil alarm")
	}
	if alarm.ID == "" || alarm.EquipmentID == "" || alarm.FaultName == "" {
		return errors.New("alarm repo: missing fields")
	}
	if alarm.TriggeredAt.IsZero() {
		return errors.New("alarm repo: zero trigger time")
	}
	if alarm.Status == "" {
		alarm.Status = alarms.StatusPending
	}
	if alarm.CreatedAt.IsZero() {
		alarm.CreatedAt = time.Now().UTC()
	}
	if alarm.UpdatedAt.IsZero() {
		alarm.UpdatedAt = alarm.CreatedAt
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO alarm_records (
	id, equipment_id, threshold_id, metric_type, monitoring_point,
	fault_name, recommended_action, abnormal_value, upper_limit, lower_limit,
	unit, triggered_at, severity, status, handler,
	handled_at, handle_note, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5,
	$6, $7, $8, $9, $10,
	$11, $12, $13, $14, $15,
	$16, $17, $18, $19
)`,
		alarm.ID,
		alarm.EquipmentID,
		nullableString(alarm.ThresholdID),
		string(alarm.MetricType),
		alarm.MonitoringPoint,
		alarm.FaultName,
		alarm.RecommendedAction,
		alarm.AbnormalValue,
		nullableFloat(alarm.UpperLimit),
		nullableFloat(alarm.LowerLimit),
		alarm.Unit,
		alarm.TriggeredAt.UTC(),
		string(alarm.Severity),
		alarm.Status,
		alarm.Handler,
		nullableTime(alarm.HandledAt),
		alarm.HandleNote,
		alarm.CreatedAt,
		alarm.UpdatedAt,
	)
	return err
}

// GetByID fetches an alarm record by id.
func (r *AlarmRecordRepository) GetByID(ctx context.Context, id string) (*alarms.AlarmRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, equipment_id, threshold_id, metric_type, monitoring_point,
	fault_name, recommended_action, abnormal_value, upper_limit, lower_limit,
	unit, triggered_at, severity, status, handler,
	handled_at, handle_note, created_at, updated_at
FROM alarm_records
WHERE id = $1`, id)
	return scanAlarm(row)
}

// FindOpenByRule returns the newest pending or processing alarm that a
// rule already raised for an equipment monitoring point. A non-nil result
// suppresses further alarms for the same ongoing breach.
func (r *AlarmRecordRepository) FindOpenByRule(ctx context.Context, thresholdID, equipmentID, monitoringPoint string) (*alarms.AlarmRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	if thresholdID == "" || equipmentID == "" {
		return nil, errors.New("alarm repo: invalid query")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, equipment_id, threshold_id, metric_type, monitoring_point,
	fault_name, recommended_action, abnormal_value, upper_limit, lower_limit,
	unit, triggered_at, severity, status, handler,
	handled_at, handle_note, created_at, updated_at
FROM alarm_records
WHERE threshold_id = $1 AND equipment_id = $2 AND monitoring_point = $3
	AND status IN ('pending', 'processing')
ORDER BY created_at DESC
LIMIT 1`, thresholdID, equipmentID, monitoringPoint)
	return scanAlarm(row)
}

// List returns alarm records matching the filter, newest trigger first.
func (r *AlarmRecordRepository) List(ctx context.Context, filter AlarmFilter) ([]alarms.AlarmRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAlarmListLimit
	}
	if limit > maxAlarmListLimit {
		limit = maxAlarmListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, equipment_id, threshold_id, metric_type, monitoring_point,
	fault_name, recommended_action, abnormal_value, upper_limit, lower_limit,
	unit, triggered_at, severity, status, handler,
	handled_at, handle_note, created_at, updated_at
FROM alarm_records
WHERE ($1 = '' OR equipment_id = $1)
	AND ($2 = '' OR status = $2)
	AND ($3 = '' OR severity = $3)
	AND ($4 = '' OR metric_type = $4)
	AND ($5::timestamptz IS NULL OR triggered_at >= $5)
	AND ($6::timestamptz IS NULL OR triggered_at < $6)
ORDER BY triggered_at DESC, id DESC
LIMIT $7 OFFSET $8`,
		filter.EquipmentID, filter.Status, string(filter.Severity), string(filter.MetricType),
		nullableTime(filter.From), nullableTime(filter.To), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alarms.AlarmRecord
	for rows.Next() {
		alarm, err := scanAlarm(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *alarm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Count returns how many records match the filter, ignoring pagination.
func (r *AlarmRecordRepository) Count(ctx context.Context, filter AlarmFilter) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("alarm repo: nil db")
	}
	var count int
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM alarm_records
WHERE ($1 = '' OR equipment_id = $1)
	AND ($2 = '' OR status = $2)
	AND ($3 = '' OR severity = $3)
	AND ($4 = '' OR metric_type = $4)
	AND ($5::timestamptz IS NULL OR triggered_at >= $5)
	AND ($6::timestamptz IS NULL OR triggered_at < $6)`,
		filter.EquipmentID, filter.Status, string(filter.Severity), string(filter.MetricType),
		nullableTime(filter.From), nullableTime(filter.To)).Scan(&count)
	return count, err
}

// CountByStatus returns how many alarms carry a status. The pending count
// feeds the alarm badge.
func (r *AlarmRecordRepository) CountByStatus(ctx context.Context, status string) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("alarm repo: nil db")
	}
	var count int
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM alarm_records WHERE status = $1`, status).Scan(&count)
	return count, err
}

// UpdateStatus applies an operator transition, guarded by the updated_at
// value the operator last read. Zero rows affected means the record changed
// underneath them (ErrConflict) or never existed (ErrNotFound).
func (r *AlarmRecordRepository) UpdateStatus(ctx context.Context, alarm *alarms.AlarmRecord, expectedUpdatedAt time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("alarm repo: nil db")
	}
	if alarm == nil {
		return errors.New("alarm repo: nil alarm")
	}
	if alarm.UpdatedAt.IsZero() {
		alarm.UpdatedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE alarm_records
SET status = $1, handler = $2, handled_at = $3, handle_note = $4, updated_at = $5
WHERE id = $6 AND updated_at = $7`,
		alarm.Status, alarm.Handler, nullableTime(alarm.HandledAt), alarm.HandleNote,
		alarm.UpdatedAt, alarm.ID, expectedUpdatedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		existing, err := r.GetByID(ctx, alarm.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return alarms.ErrNotFound
		}
		return alarms.ErrConflict
	}
	return nil
}

// ReplaceGenerated swaps every rule-generated alarm for the given set in
// one transaction. Manually entered alarms (no threshold id) are kept.
func (r *AlarmRecordRepository) ReplaceGenerated(ctx context.Context, records []alarms.AlarmRecord) error {
	if r == nil || r.db == nil {
		return errors.New("alarm repo: nil db")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("alarm repo: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM alarm_records WHERE threshold_id IS NOT NULL`); err != nil {
		return fmt.Errorf("alarm repo: clear generated: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO alarm_records (
	id, equipment_id, threshold_id, metric_type, monitoring_point,
	fault_name, recommended_action, abnormal_value, upper_limit, lower_limit,
	unit, triggered_at, severity, status, handler,
	handled_at, handle_note, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5,
	$6, $7, $8, $9, $10,
	$11, $12, $13, $14, $15,
	$16, $17, $18, $19
)`)
	if err != nil {
		return fmt.Errorf("alarm repo: prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range records {
		alarm := &records[i]
		if alarm.Status == "" {
			alarm.Status = alarms.StatusPending
		}
		if alarm.CreatedAt.IsZero() {
			alarm.CreatedAt = now
		}
		if alarm.UpdatedAt.IsZero() {
			alarm.UpdatedAt = alarm.CreatedAt
		}
		if _, err := stmt.ExecContext(ctx,
			alarm.ID,
			alarm.EquipmentID,
			nullableString(alarm.ThresholdID),
			string(alarm.MetricType),
			alarm.MonitoringPoint,
			alarm.FaultName,
			alarm.RecommendedAction,
			alarm.AbnormalValue,
			nullableFloat(alarm.UpperLimit),
			nullableFloat(alarm.LowerLimit),
			alarm.Unit,
			alarm.TriggeredAt.UTC(),
			string(alarm.Severity),
			alarm.Status,
			alarm.Handler,
			nullableTime(alarm.HandledAt),
			alarm.HandleNote,
			alarm.CreatedAt,
			alarm.UpdatedAt,
		); err != nil {
			return fmt.Errorf("alarm repo: insert %s: %w", alarm.ID, err)
		}
	}
	return tx.Commit()
}

type alarmScanner interface {
	Scan(dest ...any) error
}

func scanAlarm(row alarmScanner) (*alarms.AlarmRecord, error) {
	var alarm alarms.AlarmRecord
	var thresholdID, handler, handleNote sql.NullString
	var metric, severity string
	var upper, lower sql.NullFloat64
	var handledAt sql.NullTime
	if err := row.Scan(
		&alarm.ID,
		&alarm.EquipmentID,
		&thresholdID,
		&metric,
		&alarm.MonitoringPoint,
		&alarm.FaultName,
		&alarm.RecommendedAction,
		&alarm.AbnormalValue,
		&upper,
		&lower,
		&alarm.Unit,
		&alarm.TriggeredAt,
		&severity,
		&alarm.Status,
		&handler,
		&handledAt,
		&handleNote,
		&alarm.CreatedAt,
		&alarm.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	alarm.MetricType = telemetry.MetricType(metric)
	alarm.Severity = alarms.Severity(severity)
	alarm.UpperLimit = floatPtr(upper)
	alarm.LowerLimit = floatPtr(lower)
	alarm.TriggeredAt = alarm.TriggeredAt.UTC()
	alarm.CreatedAt = alarm.CreatedAt.UTC()
	alarm.UpdatedAt = alarm.UpdatedAt.UTC()
	if thresholdID.Valid {
		alarm.ThresholdID = thresholdID.String
	}
	if handler.Valid {
		alarm.Handler = handler.String
	}
	if handledAt.Valid {
		alarm.HandledAt = handledAt.Time.UTC()
	}
	if handleNote.Valid {
		alarm.HandleNote = handleNote.String
	}
	return &alarm, nil
}

func nullableTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value, Valid: true}
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullableFloat(value *float64) sql.NullFloat64 {
	if value == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *value, Valid: true}
}

func floatPtr(value sql.NullFloat64) *float64 {
	if !value.Valid {
		return nil
	}
	v := value.Float64
	return &v
}
