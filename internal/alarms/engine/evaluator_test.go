package engine

import (
	"testing"
	"time"

	alarms "engineroom-monitor/internal/alarms/domain"
	telemetry "engineroom-monitor/internal/telemetry/domain"
)

func f64(v float64) *float64 { return &v }

func testReading(equipmentID string, metric telemetry.MetricType, point string, value float64) telemetry.Reading {
	return telemetry.Reading{
		ID:              "r-1",
		EquipmentID:     equipmentID,
		MetricType:      metric,
		MonitoringPoint: point,
		Value:           value,
		Quality:         telemetry.QualityNormal,
		Source:          telemetry.SourceSensorUpload,
		TS:              time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}
}

func TestEvaluateUpperBoundStrict(t *testing.T) {
	rule := alarms.ThresholdRule{
		ID:          "rule-1",
		EquipmentID: "pump-001",
		MetricType:  telemetry.MetricTemperature,
		FaultName:   "主机温度过高",
		UpperLimit:  f64(80),
		Severity:    alarms.SeverityHigh,
		Enabled:     true,
	}
	index := BuildIndex([]alarms.ThresholdRule{rule})

	cases := []struct {
		name    string
		value   float64
		breach  bool
	}{
		{"just above upper", 80.0001, true},
		{"exactly on upper", 80, false},
		{"below upper", 79.9, false},
		{"far above upper", 150, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			breached := Evaluate(testReading("pump-001", telemetry.MetricTemperature, "", tc.value), index)
			if got := len(breached) > 0; got != tc.breach {
				t.Fatalf("value %v: expected breach=%v, got %v", tc.value, tc.breach, got)
			}
		})
	}
}

func TestEvaluateLowerBoundStrict(t *testing.T) {
	rule := alarms.ThresholdRule{
		ID:          "rule-2",
		EquipmentID: "battery-001",
		MetricType:  telemetry.MetricVoltage,
		FaultName:   "电池电压过低",
		LowerLimit:  f64(20),
		Severity:    alarms.SeverityMedium,
		Enabled:     true,
	}
	index := BuildIndex([]alarms.ThresholdRule{rule})

	if breached := Evaluate(testReading("battery-001", telemetry.MetricVoltage, "", 19.99), index); len(breached) != 1 {
		t.Fatalf("expected breach below lower limit, got %d rules", len(breached))
	}
	if breached := Evaluate(testReading("battery-001", telemetry.MetricVoltage, "", 20), index); len(breached) != 0 {
		t.Fatalf("expected no breach exactly on lower limit, got %d rules", len(breached))
	}
	if breached := Evaluate(testReading("battery-001", telemetry.MetricVoltage, "", 20.01), index); len(breached) != 0 {
		t.Fatalf("expected no breach above lower limit, got %d rules", len(breached))
	}
}

func TestEvaluateRuleWithoutBoundsNeverBreaches(t *testing.T) {
	rule := alarms.ThresholdRule{
		ID:          "rule-3",
		EquipmentID: "fan-001",
		MetricType:  telemetry.MetricSpeed,
		FaultName:   "风机转速异常",
		Severity:    alarms.SeverityLow,
		Enabled:     true,
	}
	index := BuildIndex([]alarms.ThresholdRule{rule})
	if got := index.Size(); got != 1 {
		t.Fatalf("expected rule without bounds to stay indexed, size=%d", got)
	}

	for _, value := range []float64{-1e9, 0, 1e9} {
		if breached := Evaluate(testReading("fan-001", telemetry.MetricSpeed, "", value), index); len(breached) != 0 {
			t.Fatalf("rule without bounds breached at %v", value)
		}
	}
}

func TestEvaluateUnknownKeyYieldsNothing(t *testing.T) {
	rule := alarms.ThresholdRule{
		ID:          "rule-4",
		EquipmentID: "pump-001",
		MetricType:  telemetry.MetricPressure,
		FaultName:   "滑油压力过低",
		LowerLimit:  f64(1.5),
		Severity:    alarms.SeverityCritical,
		Enabled:     true,
	}
	index := BuildIndex([]alarms.ThresholdRule{rule})

	if breached := Evaluate(testReading("pump-002", telemetry.MetricPressure, "", 0.1), index); breached != nil {
		t.Fatalf("expected nil for unmatched equipment, got %v", breached)
	}
	if breached := Evaluate(testReading("pump-001", telemetry.MetricTemperature, "", 0.1), index); breached != nil {
		t.Fatalf("expected nil for unmatched metric, got %v", breached)
	}
	if breached := Evaluate(testReading("pump-001", telemetry.MetricPressure, "inlet", 0.1), index); breached != nil {
		t.Fatalf("expected nil for unmatched monitoring point, got %v", breached)
	}
}

func TestMonitoringPointSeparatesRules(t *testing.T) {
	inlet := alarms.ThresholdRule{
		ID:              "rule-inlet",
		EquipmentID:     "cooler-001",
		MetricType:      telemetry.MetricTemperature,
		MonitoringPoint: "inlet",
		FaultName:       "进口温度过高",
		UpperLimit:      f64(60),
		Severity:        alarms.SeverityMedium,
		Enabled:         true,
	}
	outlet := alarms.ThresholdRule{
		ID:              "rule-outlet",
		EquipmentID:     "cooler-001",
		MetricType:      telemetry.MetricTemperature,
		MonitoringPoint: "outlet",
		FaultName:       "出口温度过高",
		UpperLimit:      f64(75),
		Severity:        alarms.SeverityMedium,
		Enabled:         true,
	}
	index := BuildIndex([]alarms.ThresholdRule{inlet, outlet})

	breached := Evaluate(testReading("cooler-001", telemetry.MetricTemperature, "inlet", 70), index)
	if len(breached) != 1 || breached[0].ID != "rule-inlet" {
		t.Fatalf("expected only inlet rule to breach, got %v", breached)
	}
	if breached := Evaluate(testReading("cooler-001", telemetry.MetricTemperature, "outlet", 70), index); len(breached) != 0 {
		t.Fatalf("outlet rule breached below its limit: %v", breached)
	}
}

func TestEvaluateMultipleTiersBreachTogether(t *testing.T) {
	high := alarms.ThresholdRule{
		ID:          "rule-high",
		EquipmentID: "engine-001",
		MetricType:  telemetry.MetricVibration,
		FaultName:   "振动偏高",
		UpperLimit:  f64(4.5),
		Severity:    alarms.SeverityHigh,
		Enabled:     true,
	}
	critical := alarms.ThresholdRule{
		ID:          "rule-critical",
		EquipmentID: "engine-001",
		MetricType:  telemetry.MetricVibration,
		FaultName:   "振动严重超标",
		UpperLimit:  f64(7.1),
		Severity:    alarms.SeverityCritical,
		Enabled:     true,
	}
	index := BuildIndex([]alarms.ThresholdRule{high, critical})
	reading := testReading("engine-001", telemetry.MetricVibration, "", 9.8)

	breached := Evaluate(reading, index)
	if len(breached) != 2 {
		t.Fatalf("expected both tiers to breach, got %d", len(breached))
	}

	all := ApplyPolicy(PolicyAll, reading, breached)
	if len(all) != 2 {
		t.Fatalf("policy all: expected 2 rules, got %d", len(all))
	}

	top := ApplyPolicy(PolicyMostSevere, reading, breached)
	if len(top) != 1 || top[0].ID != "rule-critical" {
		t.Fatalf("policy most-severe: expected rule-critical, got %v", top)
	}
}

func TestApplyPolicyMostSevereDeterministicTieBreak(t *testing.T) {
	a := alarms.ThresholdRule{
		ID:          "rule-a",
		EquipmentID: "gen-001",
		MetricType:  telemetry.MetricCurrent,
		FaultName:   "电流过高",
		UpperLimit:  f64(100),
		Severity:    alarms.SeverityHigh,
		Enabled:     true,
	}
	b := alarms.ThresholdRule{
		ID:          "rule-b",
		EquipmentID: "gen-001",
		MetricType:  telemetry.MetricCurrent,
		FaultName:   "电流过高",
		UpperLimit:  f64(100),
		Severity:    alarms.SeverityHigh,
		Enabled:     true,
	}
	reading := testReading("gen-001", telemetry.MetricCurrent, "", 120)

	picked := ApplyPolicy(PolicyMostSevere, reading, []alarms.ThresholdRule{b, a})
	if len(picked) != 1 || picked[0].ID != "rule-a" {
		t.Fatalf("expected deterministic pick of rule-a, got %v", picked)
	}
}

func TestBuildIndexExcludesDisabledRules(t *testing.T) {
	enabled := alarms.ThresholdRule{
		ID:          "rule-on",
		EquipmentID: "pump-001",
		MetricType:  telemetry.MetricPressure,
		FaultName:   "压力过高",
		UpperLimit:  f64(10),
		Severity:    alarms.SeverityHigh,
		Enabled:     true,
	}
	disabled := alarms.ThresholdRule{
		ID:          "rule-off",
		EquipmentID: "pump-001",
		MetricType:  telemetry.MetricPressure,
		FaultName:   "压力过高",
		UpperLimit:  f64(5),
		Severity:    alarms.SeverityCritical,
		Enabled:     false,
	}
	index := BuildIndex([]alarms.ThresholdRule{enabled, disabled})

	if got := index.Size(); got != 1 {
		t.Fatalf("expected only enabled rule indexed, size=%d", got)
	}
	breached := Evaluate(testReading("pump-001", telemetry.MetricPressure, "", 7), index)
	if len(breached) != 0 {
		t.Fatalf("disabled rule influenced evaluation: %v", breached)
	}
}
