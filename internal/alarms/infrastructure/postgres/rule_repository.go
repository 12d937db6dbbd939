package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	alarms "engineroom-monitor/internal/alarms/domain"
	"engineroom-monitor/internal/audit"
	"engineroom-monitor/internal/auth"
	telemetry "engineroom-monitor/internal/telemetry/domain"
)

const defaultThresholdRulesTable = "threshold_rules"

// ThresholdRuleRepository is a Postgres repository for threshold rules.
type ThresholdRuleRepository struct {
	db    *sql.DB
	table string
}

// NewThresholdRuleRepository constructs a repository.
func NewThresholdRuleRepository(db *sql.DB) *ThresholdRuleRepository {
	return &ThresholdRuleRepository{db: db, table: defaultThresholdRulesTable}
}

// Create inserts a threshold rule.
func (r *ThresholdRuleRepository) Create(ctx context.Context, rule *alarms.ThresholdRule) error {
	if r == nil || r.db == nil {
		return errors.New("threshold rule repo: nil db")
	}
	if rule == nil {
		return errors.New("threshold rule repo: nil rule")
	}
	if rule.Severity == "" {
		rule.Severity = alarms.SeverityMedium
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = rule.CreatedAt
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO threshold_rules (
	id, equipment_id, metric_type, monitoring_point, fault_name,
	lower_limit, upper_limit, duration_seconds, severity, unit,
	recommended_action, enabled, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5,
	$6, $7, $8, $9, $10,
	$11, $12, $13, $14
)`, rule.ID, rule.EquipmentID, string(rule.MetricType), rule.MonitoringPoint, rule.FaultName,
		nullableFloat(rule.LowerLimit), nullableFloat(rule.UpperLimit), rule.DurationSeconds, string(rule.Severity), rule.Unit,
		rule.RecommendedAction, rule.Enabled, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return err
	}
	logRuleAudit(ctx, r.db, "threshold_rule.create", rule)
	return nil
}

// Update rewrites an existing rule.
func (r *ThresholdRuleRepository) Update(ctx context.Context, rule *alarms.ThresholdRule) error {
	if r == nil || r.db == nil {
		return errors.New("threshold rule repo: nil db")
	}
	if rule == nil {
		return errors.New("threshold rule repo: nil rule")
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	rule.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE threshold_rules
SET equipment_id = $1, metric_type = $2, monitoring_point = $3, fault_name = $4,
	lower_limit = $5, upper_limit = $6, duration_seconds = $7, severity = $8,
	unit = $9, recommended_action = $10, enabled = $11, updated_at = $12
WHERE id = $13`,
		rule.EquipmentID, string(rule.MetricType), rule.MonitoringPoint, rule.FaultName,
		nullableFloat(rule.LowerLimit), nullableFloat(rule.UpperLimit), rule.DurationSeconds, string(rule.Severity),
		rule.Unit, rule.RecommendedAction, rule.Enabled, rule.UpdatedAt, rule.ID)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return alarms.ErrNotFound
	}
	logRuleAudit(ctx, r.db, "threshold_rule.update", rule)
	return nil
}

// SetEnabled toggles a rule without touching its bounds.
func (r *ThresholdRuleRepository) SetEnabled(ctx context.Context, ruleID string, enabled bool) error {
	if r == nil || r.db == nil {
		return errors.New("threshold rule repo: nil db")
	}
	rule, err := r.GetByID(ctx, ruleID)
	if err != nil {
		return err
	}
	if rule == nil {
		return alarms.ErrNotFound
	}
	rule.Enabled = enabled
	rule.UpdatedAt = time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
UPDATE threshold_rules
SET enabled = $1, updated_at = $2
WHERE id = $3`, enabled, rule.UpdatedAt, ruleID)
	if err != nil {
		return err
	}
	action := "threshold_rule.disable"
	if enabled {
		action = "threshold_rule.enable"
	}
	logRuleAudit(ctx, r.db, action, rule)
	return nil
}

// Delete removes a rule. Alarm records created from it are untouched; they
// carry their own copy of the rule context.
func (r *ThresholdRuleRepository) Delete(ctx context.Context, ruleID string) error {
	if r == nil || r.db == nil {
		return errors.New("threshold rule repo: nil db")
	}
	rule, err := r.GetByID(ctx, ruleID)
	if err != nil {
		return err
	}
	if rule == nil {
		return alarms.ErrNotFound
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM threshold_rules WHERE id = $1`, ruleID); err != nil {
		return err
	}
	logRuleAudit(ctx, r.db, "threshold_rule.delete", rule)
	return nil
}

// GetByID loads a rule by id.
func (r *ThresholdRuleRepository) GetByID(ctx context.Context, ruleID string) (*alarms.ThresholdRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("threshold rule repo: nil db")
	}
	if ruleID == "" {
		return nil, errors.New("threshold rule repo: invalid query")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, equipment_id, metric_type, monitoring_point, fault_name,
	lower_limit, upper_limit, duration_seconds, severity, unit,
	recommended_action, enabled, created_at, updated_at
FROM threshold_rules
WHERE id = $1
LIMIT 1`, ruleID)
	return scanRule(row)
}

// List returns rules filtered by equipment and metric type. Empty filter
// values match everything.
func (r *ThresholdRuleRepository) List(ctx context.Context, equipmentID string, metric telemetry.MetricType) ([]alarms.ThresholdRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("threshold rule repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, equipment_id, metric_type, monitoring_point, fault_name,
	lower_limit, upper_limit, duration_seconds, severity, unit,
	recommended_action, enabled, created_at, updated_at
FROM threshold_rules
WHERE ($1 = '' OR equipment_id = $1)
	AND ($2 = '' OR metric_type = $2)
ORDER BY equipment_id ASC, metric_type ASC, monitoring_point ASC, created_at ASC`, equipmentID, string(metric))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

// ListEnabled returns every enabled rule. The evaluation index is rebuilt
// from this set.
func (r *ThresholdRuleRepository) ListEnabled(ctx context.Context) ([]alarms.ThresholdRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("threshold rule repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, equipment_id, metric_type, monitoring_point, fault_name,
	lower_limit, upper_limit, duration_seconds, severity, unit,
	recommended_action, enabled, created_at, updated_at
FROM threshold_rules
WHERE enabled = TRUE
ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

type ruleScanner interface {
	Scan(dest ...any) error
}

func scanRule(row ruleScanner) (*alarms.ThresholdRule, error) {
	var rule alarms.ThresholdRule
	var metric, severity string
	var lower, upper sql.NullFloat64
	if err := row.Scan(
		&rule.ID,
		&rule.EquipmentID,
		&metric,
		&rule.MonitoringPoint,
		&rule.FaultName,
		&lower,
		&upper,
		&rule.DurationSeconds,
		&severity,
		&rule.Unit,
		&rule.RecommendedAction,
		&rule.Enabled,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rule.MetricType = telemetry.MetricType(metric)
	rule.Severity = alarms.Severity(severity)
	rule.LowerLimit = floatPtr(lower)
	rule.UpperLimit = floatPtr(upper)
	rule.CreatedAt = rule.CreatedAt.UTC()
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	return &rule, nil
}

func collectRules(rows *sql.Rows) ([]alarms.ThresholdRule, error) {
	var result []alarms.ThresholdRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func logRuleAudit(ctx context.Context, db *sql.DB, action string, rule *alarms.ThresholdRule) {
	if db == nil || rule == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"equipment_id":     rule.EquipmentID,
		"metric_type":      rule.MetricType,
		"monitoring_point": rule.MonitoringPoint,
		"fault_name":       rule.FaultName,
		"lower_limit":      rule.LowerLimit,
		"upper_limit":      rule.UpperLimit,
		"duration_seconds": rule.DurationSeconds,
		"severity":         rule.Severity,
		"enabled":          rule.Enabled,
	})
	repo := audit.NewRepository(db)
	if repo == nil {
		return
	}
	_ = repo.Log(ctx, audit.Entry{
		Actor:        auth.SubjectFromContext(ctx),
		Role:         string(auth.RoleFromContext(ctx)),
		Action:       action,
		ResourceType: "threshold_rule",
		ResourceID:   rule.ID,
		EquipmentID:  rule.EquipmentID,
		Metadata:     meta,
		CreatedAt:    time.Now().UTC(),
	})
}
