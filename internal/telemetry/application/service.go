package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"engineroom-monitor/internal/eventing"
	"engineroom-monitor/internal/telemetry/application/events"
	telemetry "engineroom-monitor/internal/telemetry/domain"
)

// ErrInvalidReading marks batch rejections caused by the payload rather
// than by storage. Callers map it to a client error.
var ErrInvalidReading = errors.New("telemetry service: invalid reading")

// Service ingests readings from all channels and raises ReadingStored
// events for the alarm engine. Readings are immutable: the service
// normalizes and persists them, it never updates.
type Service struct {
	repo      telemetry.ReadingRepository
	publisher *eventing.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNowFunc overrides the wall clock, for tests.
func WithNowFunc(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs an ingest service. The publisher may be nil, in
// which case readings are stored without raising events.
func NewService(repo telemetry.ReadingRepository, publisher *eventing.Publisher, opts ...ServiceOption) (*Service, error) {
	if repo == nil {
		return nil, errors.New("telemetry service: nil repository")
	}
	s := &Service{
		repo:      repo,
		publisher: publisher,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ingest validates and persists a batch of readings, then raises one
// ReadingStored event per equipment in the batch. A single invalid
// reading rejects the whole batch; nothing is stored. Event publish
// failures are logged, not returned: the readings are already durable
// and a recompute can regenerate downstream alarms.
func (s *Service) Ingest(ctx context.Context, readings []telemetry.Reading) (int, error) {
	if s == nil || s.repo == nil {
		return 0, errors.New("telemetry service: nil repository")
	}
	if len(readings) == 0 {
		return 0, nil
	}

	normalized := make([]telemetry.Reading, 0, len(readings))
	for i, reading := range readings {
		if reading.ID == "" {
			reading.ID = "rd-" + uuid.NewString()
		}
		if reading.Quality == "" {
			reading.Quality = telemetry.QualityNormal
		}
		if reading.Source == "" {
			reading.Source = telemetry.SourceSensorUpload
		}
		reading.TS = reading.TS.UTC()
		if err := reading.Validate(); err != nil {
			return 0, fmt.Errorf("%w: reading %d: %v", ErrInvalidReading, i, err)
		}
		normalized = append(normalized, reading)
	}

	if err := s.repo.InsertReadings(ctx, normalized); err != nil {
		return 0, fmt.Errorf("telemetry service: insert: %w", err)
	}

	s.publishStored(ctx, normalized)
	return len(normalized), nil
}

// publishStored groups the persisted batch by equipment and raises one
// event per group, in stable equipment order.
func (s *Service) publishStored(ctx context.Context, readings []telemetry.Reading) {
	if s.publisher == nil {
		return
	}

	groups := make(map[string][]telemetry.Reading)
	for _, reading := range readings {
		groups[reading.EquipmentID] = append(groups[reading.EquipmentID], reading)
	}
	equipmentIDs := make([]string, 0, len(groups))
	for id := range groups {
		equipmentIDs = append(equipmentIDs, id)
	}
	sort.Strings(equipmentIDs)

	for _, equipmentID := range equipmentIDs {
		group := groups[equipmentID]
		stored := make([]events.StoredReading, 0, len(group))
		occurredAt := time.Time{}
		source := ""
		for _, reading := range group {
			if reading.TS.After(occurredAt) {
				occurredAt = reading.TS
			}
			if source == "" {
				source = reading.Source
			}
			stored = append(stored, events.StoredReading{
				ReadingID:       reading.ID,
				MetricType:      string(reading.MetricType),
				MonitoringPoint: reading.MonitoringPoint,
				Value:           reading.Value,
				Unit:            reading.Unit,
				Quality:         reading.Quality,
				TS:              reading.TS,
			})
		}
		if occurredAt.IsZero() {
			occurredAt = s.now()
		}

		event := events.ReadingStored{
			EventID:     eventing.NewEventID(),
			EquipmentID: equipmentID,
			Source:      source,
			Readings:    stored,
			OccurredAt:  occurredAt,
		}
		eventCtx := eventing.WithEventID(ctx, event.EventID)
		if err := s.publisher.Publish(eventCtx, event); err != nil {
			s.logger.Warn("reading stored event publish failed",
				zap.String("equipment_id", equipmentID),
				zap.Int("readings", len(stored)),
				zap.Error(err))
		}
	}
}
