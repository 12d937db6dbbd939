package eventing

import (
	"context"
	"time"

	"engineroom-monitor/internal/observability/metrics"
)

// Dispatcher drains the transactional outbox and republishes each
// stored envelope on the in-process bus, where the alarm evaluation
// and notification consumers pick it up.
type Dispatcher struct {
	bus      EventBus
	outbox   OutboxStore
	registry *Registry
	dlq      DLQStore
}

// EventBus is the minimal publish interface.
type EventBus interface {
	Publish(ctx context.Context, event any) error
}

// OutboxStore provides access to outbox records.
type OutboxStore interface {
	ListPending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// DLQStore files envelopes that could not be delivered.
type DLQStore interface {
	RecordFailure(ctx context.Context, env Envelope, err error) error
}

// OutboxRecord is a pending outbox entry.
type OutboxRecord struct {
	ID       string
	Envelope Envelope
}

// DispatchResult captures the outcome of a dispatch run.
type DispatchResult struct {
	Requested int
	Claimed   int
	Sent      int
	Failed    int
	DLQ       int
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(bus EventBus, outbox OutboxStore, registry *Registry, dlq DLQStore) *Dispatcher {
	return &Dispatcher{bus: bus, outbox: outbox, registry: registry, dlq: dlq}
}

// Dispatch claims up to limit pending outbox records and delivers them.
// A record that fails to decode or publish is marked failed and parked
// in the dead letter queue; delivery continues with the next record. The
// first storage error is returned after the batch completes.
func (d *Dispatcher) Dispatch(ctx context.Context, limit int) (DispatchResult, error) {
	start := time.Now()
	result := DispatchResult{Requested: limit}
	if d == nil || d.outbox == nil || d.bus == nil || d.registry == nil {
		metrics.ObserveOutboxDispatch(metrics.ResultError, time.Since(start), 0, 0, 0)
		return result, nil
	}
	if limit <= 0 {
		limit = 50
		result.Requested = limit
	}

	records, err := d.outbox.ListPending(ctx, limit)
	if err != nil {
		metrics.ObserveOutboxDispatch(metrics.ResultError, time.Since(start), 0, 0, 0)
		return result, err
	}
	result.Claimed = len(records)
	if result.Claimed == 0 {
		metrics.ObserveOutboxDispatch(metrics.ResultSuccess, time.Since(start), 0, 0, 0)
		return result, nil
	}

	var firstErr error
	for _, record := range records {
		if deliverErr := d.deliver(ctx, record); deliverErr != nil {
			result.Failed++
			if markErr := d.outbox.MarkFailed(ctx, record.ID); markErr != nil && firstErr == nil {
				firstErr = markErr
			}
			if d.park(ctx, record.Envelope, deliverErr) {
				result.DLQ++
			}
			continue
		}
		if markErr := d.outbox.MarkSent(ctx, record.ID); markErr != nil {
			result.Failed++
			if firstErr == nil {
				firstErr = markErr
			}
			continue
		}
		result.Sent++
	}

	outcome := metrics.ResultSuccess
	if firstErr != nil || result.Failed > 0 {
		outcome = metrics.ResultError
	}
	metrics.ObserveOutboxDispatch(outcome, time.Since(start), result.Sent, result.Failed, result.DLQ)
	return result, firstErr
}

// deliver decodes the stored envelope and hands the concrete payload to
// the bus. The envelope rides along in the context so consumers can
// read the event id for idempotency checks.
func (d *Dispatcher) deliver(ctx context.Context, record OutboxRecord) error {
	payload, err := d.registry.DecodePayload(record.Envelope)
	if err != nil {
		return err
	}
	return d.bus.Publish(WithEnvelope(ctx, record.Envelope), payload)
}

// park files the envelope in the dead letter queue and reports whether
// the record was accepted.
func (d *Dispatcher) park(ctx context.Context, env Envelope, cause error) bool {
	if d.dlq == nil {
		return false
	}
	return d.dlq.RecordFailure(ctx, env, cause) == nil
}
