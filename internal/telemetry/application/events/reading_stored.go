package events

import "time"

// StoredReading is the event-side projection of a persisted reading.
type StoredReading struct {
	ReadingID       string    `json:"reading_id"`
	MetricType      string    `json:"metric_type"`
	MonitoringPoint string    `json:"monitoring_point,omitempty"`
	Value           float64   `json:"value"`
	Unit            string    `json:"unit,omitempty"`
	Quality         string    `json:"quality,omitempty"`
	TS              time.Time `json:"ts"`
}

// ReadingStored is raised after a batch of readings for one piece of
// equipment has been persisted. The alarm engine consumes it.
type ReadingStored struct {
	EventID     string          `json:"event_id"`
	EquipmentID string          `json:"equipment_id"`
	Source      string          `json:"source"`
	Readings    []StoredReading `json:"readings"`
	OccurredAt  time.Time       `json:"occurred_at"`
}
