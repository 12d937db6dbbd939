package alarms

import (
	"errors"
	"time"

	telemetry "engineroom-monitor/internal/telemetry/domain"
)

// Severity ranks how serious a threshold breach is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid returns true when the severity is supported.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// Rank orders severities for comparison, low first.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ThresholdRule defines acceptable bounds for one monitored metric of one
// piece of equipment. Either bound may be absent; evaluation treats a rule
// that has lost both bounds as never breached.
type ThresholdRule struct {
	ID                string               `json:"id"`
	EquipmentID       string               `json:"equipment_id"`
	MetricType        telemetry.MetricType `json:"metric_type"`
	MonitoringPoint   string               `json:"monitoring_point,omitempty"`
	FaultName         string               `json:"fault_name"`
	LowerLimit        *float64             `json:"lower_limit,omitempty"`
	UpperLimit        *float64             `json:"upper_limit,omitempty"`
	DurationSeconds   int                  `json:"duration_seconds"`
	Severity          Severity             `json:"severity"`
	Unit              string               `json:"unit,omitempty"`
	RecommendedAction string               `json:"recommended_action,omitempty"`
	Enabled           bool                 `json:"enabled"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// Validate checks rule invariants for creation and update.
func (r ThresholdRule) Validate() error {
	if r.ID == "" {
		return errors.New("threshold rule: empty id")
	}
	if r.EquipmentID == "" {
		return errors.New("threshold rule: empty equipment id")
	}
	if !r.MetricType.Valid() {
		return errors.New("threshold rule: unknown metric type")
	}
	if r.FaultName == "" {
		return errors.New("threshold rule: empty fault name")
	}
	if r.LowerLimit == nil && r.UpperLimit == nil {
		return errors.New("threshold rule: at least one limit required")
	}
	if r.LowerLimit != nil && r.UpperLimit != nil && *r.LowerLimit >= *r.UpperLimit {
		return errors.New("threshold rule: lower limit must be below upper limit")
	}
	if r.DurationSeconds < 0 {
		return errors.New("threshold rule: negative duration")
	}
	if !r.Severity.Valid() {
		return errors.New("threshold rule: unknown severity")
	}
	return nil
}

// Key returns the evaluation lookup key for this rule.
func (r ThresholdRule) Key() string {
	return RuleKey(r.EquipmentID, r.MetricType, r.MonitoringPoint)
}

// RuleKey builds the composite lookup key. An absent monitoring point is
// represented by the empty string, so a rule without a point only matches
// readings without one.
func RuleKey(equipmentID string, metric telemetry.MetricType, monitoringPoint string) string {
	return equipmentID + "|" + string(metric) + "|" + monitoringPoint
}

// Breached reports whether value violates the rule's bounds. Comparisons
// are strict: a value exactly on a limit is still in range.
func (r ThresholdRule) Breached(value float64) bool {
	if r.UpperLimit != nil && value > *r.UpperLimit {
		return true
	}
	if r.LowerLimit != nil && value < *r.LowerLimit {
		return true
	}
	return false
}
