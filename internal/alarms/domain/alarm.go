package alarms

import (
	"time"

	telemetry "engineroom-monitor/internal/telemetry/domain"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusResolved   = "resolved"
	StatusIgnored    = "ignored"
)

// ValidStatus reports whether s is a known alarm status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusResolved, StatusIgnored:
		return true
	default:
		return false
	}
}

// CanTransition reports whether an operator may move an alarm from one
// status to another. Resolved and ignored are terminal.
func CanTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusResolved || to == StatusIgnored
	case StatusProcessing:
		return to == StatusResolved || to == StatusIgnored
	default:
		return false
	}
}

// AlarmRecord is one materialized threshold breach. Rule context is
// denormalized at creation time so the record stays meaningful if the
// rule is later edited or removed.
type AlarmRecord struct {
	ID                string               `json:"id"`
	EquipmentID       string               `json:"equipment_id"`
	ThresholdID       string               `json:"threshold_id,omitempty"`
	MetricType        telemetry.MetricType `json:"metric_type"`
	MonitoringPoint   string               `json:"monitoring_point,omitempty"`
	FaultName         string               `json:"fault_name"`
	RecommendedAction string               `json:"recommended_action,omitempty"`
	AbnormalValue     float64              `json:"abnormal_value"`
	UpperLimit        *float64             `json:"upper_limit,omitempty"`
	LowerLimit        *float64             `json:"lower_limit,omitempty"`
	Unit              string               `json:"unit,omitempty"`
	TriggeredAt       time.Time            `json:"triggered_at"`
	Severity          Severity             `json:"severity"`
	Status            string               `json:"status"`
	Handler           string               `json:"handler,omitempty"`
	HandledAt         time.Time            `json:"handled_at,omitempty"`
	HandleNote        string               `json:"handle_note,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// BreachState tracks how long a rule's bounds have been continuously
// violated for one equipment monitoring point. It exists while a breach
// is shorter than the rule's duration gate and is cleared on recovery or
// on alarm creation.
type BreachState struct {
	RuleID          string
	EquipmentID     string
	MonitoringPoint string
	BreachStart     time.Time
	LastValue       float64
	UpdatedAt       time.Time
}
