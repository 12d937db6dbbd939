package application

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	telemetryevents "engineroom-monitor/internal/telemetry/application/events"
)

const (
	defaultPoolWorkers   = 4
	defaultPoolQueueSize = 64
)

// EvaluatorPool fans stored-reading events out over a fixed set of
// workers. Events for one piece of equipment always land on the same
// worker, so its readings are evaluated in arrival order while different
// equipment proceeds in parallel.
type EvaluatorPool struct {
	service  *Service
	logger   *zap.Logger
	queues   []chan telemetryevents.ReadingStored
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewEvaluatorPool constructs a pool. Non-positive sizes fall back to
// defaults.
func NewEvaluatorPool(service *Service, workers, queueSize int, logger *zap.Logger) (*EvaluatorPool, error) {
	if service == nil {
		return nil, errors.New("alarms: nil service")
	}
	if workers <= 0 {
		workers = defaultPoolWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultPoolQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool := &EvaluatorPool{
		service: service,
		logger:  logger,
		queues:  make([]chan telemetryevents.ReadingStored, workers),
	}
	for i := range pool.queues {
		pool.queues[i] = make(chan telemetryevents.ReadingStored, queueSize)
	}
	return pool, nil
}

// Start launches the workers. They drain their queues until Stop closes
// them or ctx is cancelled.
func (p *EvaluatorPool) Start(ctx context.Context) {
	if p == nil {
		return
	}
	for i, queue := range p.queues {
		p.wg.Add(1)
		go p.worker(ctx, i, queue)
	}
}

// Submit routes an event to its equipment's worker. It blocks while that
// worker's queue is full, pushing back on the publisher. Callers must not
// submit after Stop.
func (p *EvaluatorPool) Submit(ctx context.Context, evt telemetryevents.ReadingStored) error {
	if p == nil {
		return errors.New("alarms: nil pool")
	}
	if evt.EquipmentID == "" {
		return errors.New("alarms: event missing equipment id")
	}
	queue := p.queues[p.pick(evt.EquipmentID)]
	select {
	case <-ctx.Done():
		return ctx.Err()
	case queue <- evt:
		return nil
	}
}

// Stop closes the queues and waits for in-flight evaluations to finish.
func (p *EvaluatorPool) Stop() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() {
		for _, queue := range p.queues {
			close(queue)
		}
	})
	p.wg.Wait()
}

func (p *EvaluatorPool) worker(ctx context.Context, id int, queue <-chan telemetryevents.ReadingStored) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-queue:
			if !ok {
				return
			}
			if err := p.service.HandleReadingStored(ctx, evt); err != nil {
				p.logger.Error("stored reading evaluation failed",
					zap.Int("worker", id),
					zap.String("event_id", evt.EventID),
					zap.String("equipment_id", evt.EquipmentID),
					zap.Error(err))
			}
		}
	}
}

func (p *EvaluatorPool) pick(equipmentID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(equipmentID))
	return int(h.Sum32() % uint32(len(p.queues)))
}
