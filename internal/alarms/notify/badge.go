package notify

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	alarmapp "engineroom-monitor/internal/alarms/application"
)

const (
	defaultBadgeKey     = "engineroom:alarms:pending"
	defaultAlarmStream  = "engineroom:alarms:events"
	defaultStreamMaxLen = 1024
)

// PendingCounter reports how many alarms await a first response.
type PendingCounter interface {
	PendingCount(ctx context.Context) (int, error)
}

// Badge mirrors alarm activity into Redis for the monitoring console:
// every alarm event is appended to a stream, and a counter key tracks
// the pending-alarm badge shown in the UI. The counter is recomputed
// from the store on every event, so it self-corrects after restarts.
type Badge struct {
	client    *redis.Client
	counter   PendingCounter
	logger    *zap.Logger
	badgeKey  string
	stream    string
	streamMax int64
}

// BadgeOption configures the badge notifier.
type BadgeOption func(*Badge)

// WithBadgeKey overrides the pending-counter key.
func WithBadgeKey(key string) BadgeOption {
	return func(b *Badge) {
		if key != "" {
			b.badgeKey = key
		}
	}
}

// WithAlarmStream overrides the event stream key.
func WithAlarmStream(stream string) BadgeOption {
	return func(b *Badge) {
		if stream != "" {
			b.stream = stream
		}
	}
}

// WithStreamMaxLen caps the stream length (approximate trimming).
func WithStreamMaxLen(max int64) BadgeOption {
	return func(b *Badge) {
		if max > 0 {
			b.streamMax = max
		}
	}
}

// WithBadgeLogger overrides the default nop logger.
func WithBadgeLogger(logger *zap.Logger) BadgeOption {
	return func(b *Badge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBadge constructs the Redis badge notifier.
func NewBadge(client *redis.Client, counter PendingCounter, opts ...BadgeOption) (*Badge, error) {
	if client == nil {
		return nil, errors.New("alarm badge: nil redis client")
	}
	if counter == nil {
		return nil, errors.New("alarm badge: nil pending counter")
	}
	b := &Badge{
		client:    client,
		counter:   counter,
		logger:    zap.NewNop(),
		badgeKey:  defaultBadgeKey,
		stream:    defaultAlarmStream,
		streamMax: defaultStreamMaxLen,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Notify implements AlarmNotifier. Failures are logged, never surfaced:
// the badge is a convenience view and must not disturb alarm handling.
func (b *Badge) Notify(ctx context.Context, event alarmapp.AlarmEvent) {
	if b == nil || b.client == nil {
		return
	}
	if err := b.appendEvent(ctx, event); err != nil {
		b.logger.Warn("alarm stream append failed",
			zap.String("alarm_id", event.Alarm.ID),
			zap.String("event", event.Type),
			zap.Error(err))
	}
	if err := b.Sync(ctx); err != nil {
		b.logger.Warn("alarm badge sync failed", zap.Error(err))
	}
}

// Sync recomputes the pending counter from the store and writes it to
// Redis. Called on every alarm event and periodically from the scheduler
// to heal drift.
func (b *Badge) Sync(ctx context.Context) error {
	if b == nil || b.client == nil {
		return errors.New("alarm badge: nil client")
	}
	count, err := b.counter.PendingCount(ctx)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, b.badgeKey, strconv.Itoa(count), 0).Err()
}

func (b *Badge) appendEvent(ctx context.Context, event alarmapp.AlarmEvent) error {
	alarm := event.Alarm
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream:       b.stream,
		MaxLenApprox: b.streamMax,
		Values: map[string]interface{}{
			"event":          event.Type,
			"alarm_id":       alarm.ID,
			"equipment_id":   alarm.EquipmentID,
			"metric_type":    string(alarm.MetricType),
			"fault_name":     alarm.FaultName,
			"severity":       string(alarm.Severity),
			"status":         alarm.Status,
			"abnormal_value": strconv.FormatFloat(alarm.AbnormalValue, 'f', -1, 64),
			"triggered_at":   alarm.TriggeredAt.UTC().Format(time.RFC3339),
		},
	}).Err()
}
