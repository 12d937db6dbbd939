package interfaces

import (
	"context"
	"errors"

	alarmapp "engineroom-monitor/internal/alarms/application"
	telemetryevents "engineroom-monitor/internal/telemetry/application/events"
)

// ReadingStoredConsumer feeds stored-reading events into the evaluator
// pool. Subscribed on the event bus; the pool keeps per-equipment
// ordering, so this handler only routes.
type ReadingStoredConsumer struct {
	pool *alarmapp.EvaluatorPool
}

// NewReadingStoredConsumer constructs a consumer.
func NewReadingStoredConsumer(pool *alarmapp.EvaluatorPool) (*ReadingStoredConsumer, error) {
	if pool == nil {
		return nil, errors.New("alarms consumer: nil pool")
	}
	return &ReadingStoredConsumer{pool: pool}, nil
}

// Consume handles a stored reading event.
func (c *ReadingStoredConsumer) Consume(ctx context.Context, event telemetryevents.ReadingStored) error {
	return c.pool.Submit(ctx, event)
}
