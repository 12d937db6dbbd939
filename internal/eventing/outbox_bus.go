package eventing

import (
	"context"
	"time"

	"engineroom-monitor/internal/eventing/eventbus"
	"engineroom-monitor/internal/observability/metrics"
)

// Publisher stores domain events in the outbox within the caller's
// transaction scope instead of publishing directly, so a reading and
// its recorded event commit or roll back together.
type Publisher struct {
	outbox OutboxWriter
	sub    Subscriber
}

// OutboxWriter inserts outbox records.
type OutboxWriter interface {
	Insert(ctx context.Context, env Envelope) (string, error)
}

// Subscriber registers handlers.
type Subscriber interface {
	Subscribe(eventType string, handler eventbus.EventHandler)
}

// NewPublisher constructs a publisher.
func NewPublisher(outbox OutboxWriter, sub Subscriber) *Publisher {
	return &Publisher{outbox: outbox, sub: sub}
}

// Publish wraps the event in an envelope and writes it to the outbox.
// Delivery to consumers happens later, on the dispatcher's schedule.
func (p *Publisher) Publish(ctx context.Context, event any) error {
	start := time.Now()
	err := p.store(ctx, event)

	outcome := metrics.ResultSuccess
	if err != nil {
		outcome = metrics.ResultError
	}
	metrics.ObserveOutboxPublish(outcome, time.Since(start))
	return err
}

func (p *Publisher) store(ctx context.Context, event any) error {
	if p == nil || p.outbox == nil {
		return nil
	}
	env, err := BuildEnvelope(event, MetaFromContext(ctx))
	if err != nil {
		return err
	}
	_, err = p.outbox.Insert(ctx, env)
	return err
}

// Subscribe delegates to the underlying subscriber when available.
func (p *Publisher) Subscribe(eventType string, handler eventbus.EventHandler) {
	if p == nil || p.sub == nil {
		return
	}
	p.sub.Subscribe(eventType, handler)
}
