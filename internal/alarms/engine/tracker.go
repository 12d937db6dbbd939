package engine

import (
	"time"

	alarms "engineroom-monitor/internal/alarms/domain"
	telemetry "engineroom-monitor/internal/telemetry/domain"
)

// BreachTracker applies duration gating in memory for chronological
// replays. One breach episode per (rule, equipment, point) produces at
// most one alarm: the episode fires on the first reading at or past the
// rule's duration gate and stays silent until the value recovers.
type BreachTracker struct {
	episodes map[string]*episode
}

type episode struct {
	start time.Time
	fired bool
}

// NewBreachTracker constructs an empty tracker.
func NewBreachTracker() *BreachTracker {
	return &BreachTracker{episodes: make(map[string]*episode)}
}

// Observe records a breaching reading for a rule. It reports whether the
// alarm should fire on this reading, together with the episode's breach
// start for logging. The firing reading itself supplies the alarm's
// trigger time.
func (t *BreachTracker) Observe(rule alarms.ThresholdRule, reading telemetry.Reading) (fire bool, breachStart time.Time) {
	if t == nil {
		return false, time.Time{}
	}
	key := trackerKey(rule.ID, reading.EquipmentID, reading.MonitoringPoint)
	ep := t.episodes[key]
	if ep == nil {
		ep = &episode{start: reading.TS.UTC()}
		t.episodes[key] = ep
	}
	if ep.fired {
		return false, ep.start
	}
	gate := time.Duration(rule.DurationSeconds) * time.Second
	if reading.TS.UTC().Sub(ep.start) >= gate {
		ep.fired = true
		return true, ep.start
	}
	return false, ep.start
}

// Recover ends the episode for a rule once its reading is back in range.
func (t *BreachTracker) Recover(ruleID, equipmentID, monitoringPoint string) {
	if t == nil {
		return
	}
	delete(t.episodes, trackerKey(ruleID, equipmentID, monitoringPoint))
}

func trackerKey(ruleID, equipmentID, monitoringPoint string) string {
	return ruleID + "|" + equipmentID + "|" + monitoringPoint
}
