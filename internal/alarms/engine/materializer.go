package engine

import (
	"crypto/sha1"
	"encoding/hex"
	"time"

	alarms "engineroom-monitor/internal/alarms/domain"
	telemetry "engineroom-monitor/internal/telemetry/domain"
)

// Materialize builds the alarm record for one breached rule. Rule context
// is copied onto the record, the reading contributes the abnormal value
// and the trigger time. Records always start pending with no handler;
// operator state is applied later through status transitions.
func Materialize(reading telemetry.Reading, rule alarms.ThresholdRule) alarms.AlarmRecord {
	unit := rule.Unit
	if unit == "" {
		unit = reading.Unit
	}
	return alarms.AlarmRecord{
		ID:                BuildAlarmID(rule.ID, reading.EquipmentID, reading.MonitoringPoint, reading.TS),
		EquipmentID:       reading.EquipmentID,
		ThresholdID:       rule.ID,
		MetricType:        reading.MetricType,
		MonitoringPoint:   reading.MonitoringPoint,
		FaultName:         rule.FaultName,
		RecommendedAction: rule.RecommendedAction,
		AbnormalValue:     reading.Value,
		UpperLimit:        copyLimit(rule.UpperLimit),
		LowerLimit:        copyLimit(rule.LowerLimit),
		Unit:              unit,
		TriggeredAt:       reading.TS.UTC(),
		Severity:          rule.Severity,
		Status:            alarms.StatusPending,
	}
}

// BuildAlarmID derives a stable identifier from the rule, equipment,
// monitoring point and trigger time, so replaying the same readings
// yields the same alarm set.
func BuildAlarmID(ruleID, equipmentID, monitoringPoint string, triggeredAt time.Time) string {
	sum := sha1.Sum([]byte(ruleID + "|" + equipmentID + "|" + monitoringPoint + "|" + triggeredAt.UTC().Format(time.RFC3339Nano)))
	return "alarm-" + hex.EncodeToString(sum[:8])
}

func copyLimit(limit *float64) *float64 {
	if limit == nil {
		return nil
	}
	value := *limit
	return &value
}
