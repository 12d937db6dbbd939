package eventing

import (
	"context"
	"reflect"
	"time"

	"engineroom-monitor/internal/eventing/eventbus"
	"engineroom-monitor/internal/observability/metrics"
)

// ProcessedStore provides the per-consumer idempotency check.
type ProcessedStore interface {
	HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, consumerName string) error
}

// Subscribe registers the handler on the bus. When a store is given the
// handler is wrapped so redelivered envelopes, for example after a
// dispatcher retry, run at most once per consumer.
func Subscribe(bus eventbus.EventBus, eventType, consumerName string, handler eventbus.EventHandler, store ProcessedStore) {
	if store == nil {
		bus.Subscribe(eventType, handler)
		return
	}
	bus.Subscribe(eventType, WrapHandler(consumerName, handler, store))
}

// WrapHandler enforces exactly-once handling per consumer name, keyed
// by the envelope's event id. Events arriving without an envelope in
// context pass straight through.
func WrapHandler(consumerName string, handler eventbus.EventHandler, store ProcessedStore) eventbus.EventHandler {
	return func(ctx context.Context, event any) error {
		env, ok := EnvelopeFromContext(ctx)
		if !ok || env.EventID == "" {
			return handler(ctx, event)
		}

		done, err := store.HasProcessed(ctx, env.EventID, consumerName)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if age := envelopeAge(env, event); age > 0 {
			metrics.ObserveConsumerLag(consumerName, age)
		}
		if err := handler(ctx, event); err != nil {
			return err
		}
		return store.MarkProcessed(ctx, env.EventID, consumerName)
	}
}

// envelopeAge measures how long the event sat between occurrence and
// consumption, preferring the envelope timestamp over the payload's.
func envelopeAge(env Envelope, event any) time.Duration {
	occurredAt := env.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = payloadOccurredAt(event)
	}
	if occurredAt.IsZero() {
		return 0
	}
	return time.Since(occurredAt)
}

// payloadOccurredAt pulls an OccurredAt field off the payload struct,
// if it carries one.
func payloadOccurredAt(event any) time.Time {
	if event == nil {
		return time.Time{}
	}
	value := reflect.ValueOf(event)
	for value.Kind() == reflect.Ptr {
		if value.IsNil() {
			return time.Time{}
		}
		value = value.Elem()
	}
	if value.Kind() != reflect.Struct {
		return time.Time{}
	}
	field := value.FieldByName("OccurredAt")
	if !field.IsValid() {
		return time.Time{}
	}
	ts, ok := field.Interface().(time.Time)
	if !ok {
		return time.Time{}
	}
	return ts
}
