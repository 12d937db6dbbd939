package engine

import (
	"testing"
	"time"

	alarms "engineroom-monitor/internal/alarms/domain"
	telemetry "engineroom-monitor/internal/telemetry/domain"
)

func TestMaterializeCopiesRuleContext(t *testing.T) {
	rule := alarms.ThresholdRule{
		ID:                "rule-10",
		EquipmentID:       "engine-001",
		MetricType:        telemetry.MetricTemperature,
		MonitoringPoint:   "cylinder-3",
		FaultName:         "排气温度过高",
		UpperLimit:        f64(420),
		LowerLimit:        f64(120),
		Severity:          alarms.SeverityCritical,
		Unit:              "°C",
		RecommendedAction: "检查喷油器并降低负荷",
		Enabled:           true,
	}
	reading := telemetry.Reading{
		ID:              "r-77",
		EquipmentID:     "engine-001",
		MetricType:      telemetry.MetricTemperature,
		MonitoringPoint: "cylinder-3",
		Value:           455.2,
		Unit:            "°C",
		Quality:         telemetry.QualityNormal,
		Source:          telemetry.SourceSensorUpload,
		TS:              time.Date(2026, 3, 14, 10, 15, 42, 0, time.UTC),
	}

	record := Materialize(reading, rule)

	if record.Status != alarms.StatusPending {
		t.Fatalf("expected pending status, got %s", record.Status)
	}
	if record.Handler != "" || !record.HandledAt.IsZero() {
		t.Fatalf("expected no handler on materialized alarm, got %q at %v", record.Handler, record.HandledAt)
	}
	if record.ThresholdID != rule.ID {
		t.Fatalf("expected threshold id %s, got %s", rule.ID, record.ThresholdID)
	}
	if record.FaultName != rule.FaultName || record.RecommendedAction != rule.RecommendedAction {
		t.Fatalf("rule context not copied: %+v", record)
	}
	if record.AbnormalValue != reading.Value {
		t.Fatalf("expected abnormal value %v, got %v", reading.Value, record.AbnormalValue)
	}
	if !record.TriggeredAt.Equal(reading.TS) {
		t.Fatalf("expected trigger time from reading, got %v", record.TriggeredAt)
	}
	if record.UpperLimit == nil || *record.UpperLimit != 420 {
		t.Fatalf("expected upper limit copy, got %v", record.UpperLimit)
	}
	if record.LowerLimit == nil || *record.LowerLimit != 120 {
		t.Fatalf("expected lower limit copy, got %v", record.LowerLimit)
	}

	// Bounds are copies, not aliases into the rule.
	*record.UpperLimit = 999
	if *rule.UpperLimit != 420 {
		t.Fatalf("materialized record aliases rule bounds")
	}
}

func TestBuildAlarmIDDeterministic(t *testing.T) {
	at := time.Date(2026, 3, 14, 10, 15, 42, 123456789, time.UTC)
	first := BuildAlarmID("rule-10", "engine-001", "cylinder-3", at)
	second := BuildAlarmID("rule-10", "engine-001", "cylinder-3", at)
	if first != second {
		t.Fatalf("expected stable id, got %s and %s", first, second)
	}
	if BuildAlarmID("rule-11", "engine-001", "cylinder-3", at) == first {
		t.Fatalf("different rules must not collide")
	}
	if BuildAlarmID("rule-10", "engine-001", "cylinder-4", at) == first {
		t.Fatalf("different points must not collide")
	}
	if BuildAlarmID("rule-10", "engine-001", "cylinder-3", at.Add(time.Second)) == first {
		t.Fatalf("different times must not collide")
	}
}

func TestMaterializeSameReadingTwoTiersDistinctAlarms(t *testing.T) {
	reading := telemetry.Reading{
		EquipmentID: "engine-001",
		MetricType:  telemetry.MetricVibration,
		Value:       9.8,
		Quality:     telemetry.QualityNormal,
		TS:          time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC),
	}
	high := alarms.ThresholdRule{ID: "rule-high", EquipmentID: "engine-001", MetricType: telemetry.MetricVibration, FaultName: "振动偏高", UpperLimit: f64(4.5), Severity: alarms.SeverityHigh, Enabled: true}
	critical := alarms.ThresholdRule{ID: "rule-critical", EquipmentID: "engine-001", MetricType: telemetry.MetricVibration, FaultName: "振动严重超标", UpperLimit: f64(7.1), Severity: alarms.SeverityCritical, Enabled: true}

	a := Materialize(reading, high)
	b := Materialize(reading, critical)
	if a.ID == b.ID {
		t.Fatalf("expected distinct alarm ids per rule, both %s", a.ID)
	}
	if a.Severity != alarms.SeverityHigh || b.Severity != alarms.SeverityCritical {
		t.Fatalf("severities not carried: %s / %s", a.Severity, b.Severity)
	}
}

func TestFormatThresholdRangeUpperFirst(t *testing.T) {
	cases := []struct {
		name  string
		upper *float64
		lower *float64
		want  string
	}{
		{"both bounds", f64(80), f64(20), "上限: 80, 下限: 20"},
		{"upper only", f64(4.5), nil, "上限: 4.5"},
		{"lower only", nil, f64(1.5), "下限: 1.5"},
		{"no bounds", nil, nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := alarms.FormatThresholdRange(tc.upper, tc.lower); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
