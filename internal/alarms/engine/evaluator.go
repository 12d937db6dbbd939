package engine

import (
	alarms "engineroom-monitor/internal/alarms/domain"
	telemetry "engineroom-monitor/internal/telemetry/domain"
)

// Policy selects which of several simultaneously breached rules on one
// key produce alarms.
type Policy string

const (
	// PolicyAll reports every breached rule, one alarm per severity tier.
	PolicyAll Policy = "all"
	// PolicyMostSevere reports only the highest tier per reading.
	PolicyMostSevere Policy = "most-severe"
)

// Valid reports whether the policy is supported.
func (p Policy) Valid() bool {
	return p == PolicyAll || p == PolicyMostSevere
}

// Evaluate returns every rule in the index whose bounds the reading
// violates. A reading whose key has no rules yields nil; so does a
// reading that stays inside all bounds.
func Evaluate(reading telemetry.Reading, index RuleIndex) []alarms.ThresholdRule {
	candidates := index.Lookup(reading)
	if len(candidates) == 0 {
		return nil
	}
	var breached []alarms.ThresholdRule
	for _, rule := range candidates {
		if rule.Breached(reading.Value) {
			breached = append(breached, rule)
		}
	}
	return breached
}

// ApplyPolicy narrows breached rules per the configured policy. Under
// PolicyMostSevere ties on severity are broken by the larger bound
// violation, then by rule ID, so the choice is deterministic.
func ApplyPolicy(policy Policy, reading telemetry.Reading, breached []alarms.ThresholdRule) []alarms.ThresholdRule {
	if policy != PolicyMostSevere || len(breached) <= 1 {
		return breached
	}
	best := breached[0]
	for _, rule := range breached[1:] {
		if moreSevere(rule, best, reading.Value) {
			best = rule
		}
	}
	return []alarms.ThresholdRule{best}
}

func moreSevere(a, b alarms.ThresholdRule, value float64) bool {
	if a.Severity.Rank() != b.Severity.Rank() {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	am, bm := violationMagnitude(a, value), violationMagnitude(b, value)
	if am != bm {
		return am > bm
	}
	return a.ID < b.ID
}

func violationMagnitude(rule alarms.ThresholdRule, value float64) float64 {
	if rule.UpperLimit != nil && value > *rule.UpperLimit {
		return value - *rule.UpperLimit
	}
	if rule.LowerLimit != nil && value < *rule.LowerLimit {
		return *rule.LowerLimit - value
	}
	return 0
}
