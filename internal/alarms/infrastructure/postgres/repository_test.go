package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarms "engineroom-monitor/internal/alarms/domain"
	telemetry "engineroom-monitor/internal/telemetry/domain"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

var alarmColumns = []string{
	"id", "equipment_id", "threshold_id", "metric_type", "monitoring_point",
	"fault_name", "recommended_action", "abnormal_value", "upper_limit", "lower_limit",
	"unit", "triggered_at", "severity", "status", "handler",
	"handled_at", "handle_note", "created_at", "updated_at",
}

var ruleColumns = []string{
	"id", "equipment_id", "metric_type", "monitoring_point", "fault_name",
	"lower_limit", "upper_limit", "duration_seconds", "severity", "unit",
	"recommended_action", "enabled", "created_at", "updated_at",
}

func TestThresholdRuleCreateDefaultsSeverity(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewThresholdRuleRepository(db)

	mock.ExpectExec(`INSERT INTO threshold_rules`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO audit_logs`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	upper := 80.0
	rule := &alarms.ThresholdRule{
		ID:          "rule-1",
		EquipmentID: "me-001",
		MetricType:  telemetry.MetricTemperature,
		FaultName:   "主机温度过高",
		UpperLimit:  &upper,
		Enabled:     true,
	}
	require.NoError(t, repo.Create(context.Background(), rule))
	assert.Equal(t, alarms.SeverityMedium, rule.Severity)
	assert.False(t, rule.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestThresholdRuleCreateRejectsInvalid(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewThresholdRuleRepository(db)

	rule := &alarms.ThresholdRule{
		ID:          "rule-1",
		EquipmentID: "me-001",
		MetricType:  telemetry.MetricTemperature,
		FaultName:   "主机温度过高",
	}
	err := repo.Create(context.Background(), rule)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "at least one limit")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestThresholdRuleGetByIDScansBounds(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewThresholdRuleRepository(db)

	created := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	rows := sqlmock.NewRows(ruleColumns).AddRow(
		"rule-1", "me-001", "temperature", "", "主机温度过高",
		nil, 80.5, 60, "high", "°C",
		"检查冷却水系统", true, created, created,
	)
	mock.ExpectQuery(`SELECT`).WithArgs("rule-1").WillReturnRows(rows)

	rule, err := repo.GetByID(context.Background(), "rule-1")
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Nil(t, rule.LowerLimit)
	require.NotNil(t, rule.UpperLimit)
	assert.Equal(t, 80.5, *rule.UpperLimit)
	assert.Equal(t, alarms.SeverityHigh, rule.Severity)
	assert.Equal(t, 60, rule.DurationSeconds)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestThresholdRuleGetByIDMissing(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewThresholdRuleRepository(db)

	mock.ExpectQuery(`SELECT`).WithArgs("rule-missing").WillReturnError(sql.ErrNoRows)

	rule, err := repo.GetByID(context.Background(), "rule-missing")
	require.NoError(t, err)
	assert.Nil(t, rule)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestThresholdRuleUpdateMissing(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewThresholdRuleRepository(db)

	mock.ExpectExec(`UPDATE threshold_rules`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	lower := 10.0
	rule := &alarms.ThresholdRule{
		ID:          "rule-missing",
		EquipmentID: "me-001",
		MetricType:  telemetry.MetricPressure,
		FaultName:   "滑油压力过低",
		LowerLimit:  &lower,
		Severity:    alarms.SeverityCritical,
	}
	err := repo.Update(context.Background(), rule)
	assert.ErrorIs(t, err, alarms.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlarmRecordCreateRequiresTriggerTime(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewAlarmRecordRepository(db)

	err := repo.Create(context.Background(), &alarms.AlarmRecord{
		ID:          "alarm-1",
		EquipmentID: "me-001",
		FaultName:   "主机温度过高",
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "zero trigger time")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlarmRecordCreateDefaultsPending(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewAlarmRecordRepository(db)

	mock.ExpectExec(`INSERT INTO alarm_records`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	alarm := &alarms.AlarmRecord{
		ID:            "alarm-1",
		EquipmentID:   "me-001",
		ThresholdID:   "rule-1",
		MetricType:    telemetry.MetricTemperature,
		FaultName:     "主机温度过高",
		AbnormalValue: 85.2,
		TriggeredAt:   time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC),
		Severity:      alarms.SeverityHigh,
	}
	require.NoError(t, repo.Create(context.Background(), alarm))
	assert.Equal(t, alarms.StatusPending, alarm.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlarmRecordFindOpenByRule(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewAlarmRecordRepository(db)

	trig := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	rows := sqlmock.NewRows(alarmColumns).AddRow(
		"alarm-1", "me-001", "rule-1", "temperature", "",
		"主机温度过高", "检查冷却水系统", 85.2, 80.0, nil,
		"°C", trig, "high", "pending", "",
		nil, "", trig, trig,
	)
	mock.ExpectQuery(`SELECT`).
		WithArgs("rule-1", "me-001", "").
		WillReturnRows(rows)

	alarm, err := repo.FindOpenByRule(context.Background(), "rule-1", "me-001", "")
	require.NoError(t, err)
	require.NotNil(t, alarm)
	assert.Equal(t, "alarm-1", alarm.ID)
	assert.Equal(t, alarms.StatusPending, alarm.Status)
	require.NotNil(t, alarm.UpperLimit)
	assert.Equal(t, 80.0, *alarm.UpperLimit)
	assert.Nil(t, alarm.LowerLimit)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlarmRecordFindOpenByRuleNone(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewAlarmRecordRepository(db)

	mock.ExpectQuery(`SELECT`).
		WithArgs("rule-1", "me-001", "").
		WillReturnError(sql.ErrNoRows)

	alarm, err := repo.FindOpenByRule(context.Background(), "rule-1", "me-001", "")
	require.NoError(t, err)
	assert.Nil(t, alarm)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlarmRecordUpdateStatusConflict(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewAlarmRecordRepository(db)

	seen := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	moved := seen.Add(time.Minute)

	mock.ExpectExec(`UPDATE alarm_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows(alarmColumns).AddRow(
		"alarm-1", "me-001", "rule-1", "temperature", "",
		"主机温度过高", "", 85.2, 80.0, nil,
		"°C", seen, "high", "processing", "chief",
		moved, "", seen, moved,
	)
	mock.ExpectQuery(`SELECT`).WithArgs("alarm-1").WillReturnRows(rows)

	alarm := &alarms.AlarmRecord{
		ID:      "alarm-1",
		Status:  alarms.StatusResolved,
		Handler: "second-engineer",
	}
	err := repo.UpdateStatus(context.Background(), alarm, seen)
	assert.ErrorIs(t, err, alarms.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlarmRecordUpdateStatusMissing(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewAlarmRecordRepository(db)

	seen := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE alarm_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT`).WithArgs("alarm-missing").WillReturnError(sql.ErrNoRows)

	alarm := &alarms.AlarmRecord{ID: "alarm-missing", Status: alarms.StatusResolved}
	err := repo.UpdateStatus(context.Background(), alarm, seen)
	assert.ErrorIs(t, err, alarms.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlarmRecordListCapsLimit(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewAlarmRecordRepository(db)

	mock.ExpectQuery(`SELECT`).
		WithArgs("", "pending", "", "", nil, nil, maxAlarmListLimit, 0).
		WillReturnRows(sqlmock.NewRows(alarmColumns))

	_, err := repo.List(context.Background(), AlarmFilter{Status: alarms.StatusPending, Limit: 99999})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlarmRecordReplaceGeneratedTransactional(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewAlarmRecordRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM alarm_records`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectPrepare(`INSERT INTO alarm_records`)
	mock.ExpectExec(`INSERT INTO alarm_records`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO alarm_records`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	trig := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	records := []alarms.AlarmRecord{
		{ID: "alarm-1", EquipmentID: "me-001", ThresholdID: "rule-1", MetricType: telemetry.MetricTemperature, FaultName: "主机温度过高", AbnormalValue: 85.2, TriggeredAt: trig, Severity: alarms.SeverityHigh},
		{ID: "alarm-2", EquipmentID: "gen-001", ThresholdID: "rule-2", MetricType: telemetry.MetricVoltage, FaultName: "发电机电压异常", AbnormalValue: 452, TriggeredAt: trig.Add(time.Minute), Severity: alarms.SeverityMedium},
	}
	require.NoError(t, repo.ReplaceGenerated(context.Background(), records))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBreachStateGetMissing(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewBreachStateRepository(db)

	mock.ExpectQuery(`SELECT`).
		WithArgs("rule-1", "me-001", "").
		WillReturnError(sql.ErrNoRows)

	state, err := repo.Get(context.Background(), "rule-1", "me-001", "")
	require.NoError(t, err)
	assert.Nil(t, state)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBreachStateUpsertAndClear(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	repo := NewBreachStateRepository(db)

	mock.ExpectExec(`INSERT INTO breach_states`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`DELETE FROM breach_states`).
		WithArgs("rule-1", "me-001", "inlet").
		WillReturnResult(sqlmock.NewResult(0, 1))

	state := &alarms.BreachState{
		RuleID:          "rule-1",
		EquipmentID:     "me-001",
		MonitoringPoint: "inlet",
		BreachStart:     time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC),
		LastValue:       85.2,
	}
	require.NoError(t, repo.Upsert(context.Background(), state))
	require.NoError(t, repo.Clear(context.Background(), "rule-1", "me-001", "inlet"))
	require.NoError(t, mock.ExpectationsWereMet())
}
