package telemetry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// MetricType identifies the physical quantity a reading carries. The set
// is closed: readings with an unknown metric type are rejected at the
// ingestion boundary rather than stored as free text.
type MetricType string

const (
	MetricVibration   MetricType = "vibration"
	MetricTemperature MetricType = "temperature"
	MetricPressure    MetricType = "pressure"
	MetricHumidity    MetricType = "humidity"
	MetricSpeed       MetricType = "speed"
	MetricCurrent     MetricType = "current"
	MetricVoltage     MetricType = "voltage"
	MetricPower       MetricType = "power"
	MetricFrequency   MetricType = "frequency"
	MetricLevel       MetricType = "level"
	MetricResistance  MetricType = "resistance"
	MetricSwitch      MetricType = "switch"
)

// Valid reports whether the metric type is one of the known kinds.
func (m MetricType) Valid() bool {
	switch m {
	case MetricVibration, MetricTemperature, MetricPressure, MetricHumidity,
		MetricSpeed, MetricCurrent, MetricVoltage, MetricPower,
		MetricFrequency, MetricLevel, MetricResistance, MetricSwitch:
		return true
	default:
		return false
	}
}

// Quality classifies how trustworthy a stored reading is.
const (
	QualityNormal     = "normal"
	QualityAbnormal   = "abnormal"
	QualitySuspicious = "suspicious"
)

// ValidQuality reports whether q is a known quality class.
func ValidQuality(q string) bool {
	return q == QualityNormal || q == QualityAbnormal || q == QualitySuspicious
}

// Reading source channels.
const (
	SourceSensorUpload = "sensor-upload"
	SourceFileImport   = "file-import"
	SourceManualEntry  = "manual-entry"
)

// ValidSource reports whether s is a known ingestion channel.
func ValidSource(s string) bool {
	return s == SourceSensorUpload || s == SourceFileImport || s == SourceManualEntry
}

// Reading is a single telemetry point from one monitoring point of one
// piece of equipment. Readings are immutable once stored.
type Reading struct {
	ID              string
	EquipmentID     string
	MetricType      MetricType
	MonitoringPoint string
	Value           float64
	Unit            string
	Quality         string
	Source          string
	TS              time.Time
}

// Validate checks a reading before it is persisted.
func (r Reading) Validate() error {
	if r.EquipmentID == "" {
		return fmt.Errorf("reading: equipment id required")
	}
	if !r.MetricType.Valid() {
		return fmt.Errorf("reading: unknown metric type %q", r.MetricType)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return fmt.Errorf("reading: non-finite value")
	}
	if r.Quality != "" && !ValidQuality(r.Quality) {
		return fmt.Errorf("reading: unknown quality %q", r.Quality)
	}
	if r.Source != "" && !ValidSource(r.Source) {
		return fmt.Errorf("reading: unknown source %q", r.Source)
	}
	if r.TS.IsZero() {
		return fmt.Errorf("reading: timestamp required")
	}
	return nil
}

// LatestValue is the newest stored value for one (metric, point) pair of
// a piece of equipment, used by the live dashboard.
type LatestValue struct {
	MetricType      MetricType
	MonitoringPoint string
	Value           float64
	Unit            string
	Quality         string
	TS              time.Time
}

// ReadingRepository persists readings.
type ReadingRepository interface {
	InsertReadings(ctx context.Context, readings []Reading) error
}

// ReadingQuery loads stored readings for the history API and the batch
// recompute driver.
type ReadingQuery interface {
	QueryRange(ctx context.Context, equipmentID string, metric MetricType, point string, start, end time.Time, limit int) ([]Reading, error)
	LatestByEquipment(ctx context.Context, equipmentID string) ([]LatestValue, error)
	// QueryAllOrdered streams every reading in (equipment, ts) order for
	// full recomputes.
	QueryAllOrdered(ctx context.Context, start, end time.Time) ([]Reading, error)
}
