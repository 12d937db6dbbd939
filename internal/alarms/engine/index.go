package engine

import (
	alarms "engineroom-monitor/internal/alarms/domain"
	telemetry "engineroom-monitor/internal/telemetry/domain"
)

// RuleIndex maps composite (equipment, metric, point) keys to the rules
// that watch them. Multiple rules per key carry separate severity tiers.
type RuleIndex map[string][]alarms.ThresholdRule

// BuildIndex groups enabled rules by lookup key. Disabled rules never
// enter the index. Rules without bounds are indexed but can never breach.
func BuildIndex(rules []alarms.ThresholdRule) RuleIndex {
	index := make(RuleIndex, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		key := rule.Key()
		index[key] = append(index[key], rule)
	}
	return index
}

// Lookup returns the candidate rules for a reading, nil when no rule
// watches its key.
func (idx RuleIndex) Lookup(reading telemetry.Reading) []alarms.ThresholdRule {
	if idx == nil {
		return nil
	}
	return idx[alarms.RuleKey(reading.EquipmentID, reading.MetricType, reading.MonitoringPoint)]
}

// Size returns the number of indexed rules.
func (idx RuleIndex) Size() int {
	total := 0
	for _, rules := range idx {
		total += len(rules)
	}
	return total
}
