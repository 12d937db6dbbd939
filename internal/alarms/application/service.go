package application

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	alarms "engineroom-monitor/internal/alarms/domain"
	"engineroom-monitor/internal/alarms/engine"
	alarmrepo "engineroom-monitor/internal/alarms/infrastructure/postgres"
	"engineroom-monitor/internal/observability/metrics"
	telemetryevents "engineroom-monitor/internal/telemetry/application/events"
	telemetry "engineroom-monitor/internal/telemetry/domain"
)

// RuleSource lists the enabled threshold rules the evaluation index is
// built from.
type RuleSource interface {
	ListEnabled(ctx context.Context) ([]alarms.ThresholdRule, error)
}

// AlarmStore persists and loads alarm records.
type AlarmStore interface {
	Create(ctx context.Context, alarm *alarms.AlarmRecord) error
	GetByID(ctx context.Context, id string) (*alarms.AlarmRecord, error)
	FindOpenByRule(ctx context.Context, thresholdID, equipmentID, monitoringPoint string) (*alarms.AlarmRecord, error)
	List(ctx context.Context, filter alarmrepo.AlarmFilter) ([]alarms.AlarmRecord, error)
	Count(ctx context.Context, filter alarmrepo.AlarmFilter) (int, error)
	CountByStatus(ctx context.Context, status string) (int, error)
	UpdateStatus(ctx context.Context, alarm *alarms.AlarmRecord, expectedUpdatedAt time.Time) error
}

// BreachStateStore keeps open breach episodes across readings while a
// rule's duration gate is unsatisfied.
type BreachStateStore interface {
	Get(ctx context.Context, ruleID, equipmentID, monitoringPoint string) (*alarms.BreachState, error)
	Upsert(ctx context.Context, state *alarms.BreachState) error
	Clear(ctx context.Context, ruleID, equipmentID, monitoringPoint string) error
}

// AlarmNotifier publishes alarm lifecycle events.
type AlarmNotifier interface {
	Notify(ctx context.Context, event AlarmEvent)
}

// AlarmEvent represents a lifecycle update.
type AlarmEvent struct {
	Type  string             `json:"type"`
	Alarm alarms.AlarmRecord `json:"alarm"`
}

// Lifecycle event types carried by AlarmEvent. Transition events reuse the
// target status name.
const (
	AlarmEventCreated = "created"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Service evaluates stored readings against threshold rules and manages
// the alarm lifecycle.
type Service struct {
	rules    RuleSource
	alarms   AlarmStore
	states   BreachStateStore
	notifier AlarmNotifier
	clock    Clock
	logger   *zap.Logger
	policy   engine.Policy

	maxWriteRetries int
	retryBackoff    time.Duration

	mu    sync.RWMutex
	index engine.RuleIndex
}

// ServiceOption customizes the alarm service.
type ServiceOption func(*Service)

// WithNotifier assigns a notifier.
func WithNotifier(notifier AlarmNotifier) ServiceOption {
	return func(s *Service) {
		s.notifier = notifier
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPolicy selects how simultaneous breaches on one reading are
// narrowed.
func WithPolicy(policy engine.Policy) ServiceOption {
	return func(s *Service) {
		s.policy = policy
	}
}

// WithWriteRetry bounds retries of transient alarm write failures.
func WithWriteRetry(attempts int, backoff time.Duration) ServiceOption {
	return func(s *Service) {
		if attempts >= 0 {
			s.maxWriteRetries = attempts
		}
		if backoff > 0 {
			s.retryBackoff = backoff
		}
	}
}

// NewService constructs an alarm service.
func NewService(rules RuleSource, alarmStore AlarmStore, states BreachStateStore, opts ...ServiceOption) (*Service, error) {
	if rules == nil {
		return nil, errors.New("alarms: nil rule source")
	}
	if alarmStore == nil {
		return nil, errors.New("alarms: nil alarm store")
	}
	if states == nil {
		return nil, errors.New("alarms: nil breach state store")
	}
	service := &Service{
		rules:           rules,
		alarms:          alarmStore,
		states:          states,
		clock:           systemClock{},
		logger:          zap.NewNop(),
		policy:          engine.PolicyAll,
		maxWriteRetries: 2,
		retryBackoff:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(service)
	}
	if !service.policy.Valid() {
		return nil, fmt.Errorf("alarms: unknown policy %q", service.policy)
	}
	return service, nil
}

// RefreshIndex rebuilds the in-memory rule index from enabled rules.
// Scheduled on an interval; rule edits become effective on the next
// refresh, not immediately.
func (s *Service) RefreshIndex(ctx context.Context) error {
	if s == nil {
		return errors.New("alarms: nil service")
	}
	rules, err := s.rules.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("alarms: refresh index: %w", err)
	}
	index := engine.BuildIndex(rules)
	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	s.logger.Debug("rule index refreshed",
		zap.Int("rules", len(rules)),
		zap.Int("keys", index.Size()))
	return nil
}

func (s *Service) currentIndex() engine.RuleIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index
}

// HandleReadingStored evaluates every reading of a stored batch against
// the rule index. Individual readings fail soft: a bad value or a
// persistently failing alarm write is logged, counted and skipped, the
// rest of the batch continues.
func (s *Service) HandleReadingStored(ctx context.Context, evt telemetryevents.ReadingStored) error {
	if s == nil {
		return errors.New("alarms: nil service")
	}
	if evt.EquipmentID == "" {
		return errors.New("alarms: reading event missing equipment id")
	}
	if len(evt.Readings) == 0 {
		return nil
	}

	index := s.currentIndex()
	if index == nil {
		if err := s.RefreshIndex(ctx); err != nil {
			return err
		}
		index = s.currentIndex()
	}

	start := time.Now()
	result := metrics.ResultSuccess
	for _, stored := range evt.Readings {
		reading := telemetry.Reading{
			ID:              stored.ReadingID,
			EquipmentID:     evt.EquipmentID,
			MetricType:      telemetry.MetricType(stored.MetricType),
			MonitoringPoint: stored.MonitoringPoint,
			Value:           stored.Value,
			Unit:            stored.Unit,
			Quality:         stored.Quality,
			Source:          evt.Source,
			TS:              stored.TS,
		}
		if err := s.evaluateReading(ctx, index, reading); err != nil {
			result = metrics.ResultError
			s.logger.Error("reading evaluation failed",
				zap.String("equipment_id", reading.EquipmentID),
				zap.String("metric_type", string(reading.MetricType)),
				zap.String("monitoring_point", reading.MonitoringPoint),
				zap.Error(err))
		}
	}
	metrics.ObserveEvaluation(result, time.Since(start))
	return nil
}

func (s *Service) evaluateReading(ctx context.Context, index engine.RuleIndex, reading telemetry.Reading) error {
	if !reading.MetricType.Valid() {
		metrics.IncReadingSkipped("unknown-metric")
		s.logger.Warn("reading skipped",
			zap.String("equipment_id", reading.EquipmentID),
			zap.String("metric_type", string(reading.MetricType)))
		return nil
	}
	if math.IsNaN(reading.Value) || math.IsInf(reading.Value, 0) {
		metrics.IncReadingSkipped("bad-value")
		s.logger.Warn("reading skipped",
			zap.String("equipment_id", reading.EquipmentID),
			zap.String("metric_type", string(reading.MetricType)),
			zap.Float64("value", reading.Value))
		return nil
	}
	metrics.AddReadingsEvaluated(1)

	breached := engine.Evaluate(reading, index)
	if len(breached) == 0 {
		for _, rule := range index.Lookup(reading) {
			if rule.DurationSeconds > 0 {
				_ = s.states.Clear(ctx, rule.ID, reading.EquipmentID, reading.MonitoringPoint)
			}
		}
		return nil
	}

	selected := engine.ApplyPolicy(s.policy, reading, breached)
	if len(selected) < len(breached) {
		// Tiers dropped by the policy recover, same as an in-range reading.
		kept := make(map[string]struct{}, len(selected))
		for _, rule := range selected {
			kept[rule.ID] = struct{}{}
		}
		for _, rule := range breached {
			if _, ok := kept[rule.ID]; ok {
				continue
			}
			if rule.DurationSeconds > 0 {
				_ = s.states.Clear(ctx, rule.ID, reading.EquipmentID, reading.MonitoringPoint)
			}
		}
	}

	var firstErr error
	for _, rule := range selected {
		if err := s.processBreach(ctx, reading, rule); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Service) processBreach(ctx context.Context, reading telemetry.Reading, rule alarms.ThresholdRule) error {
	metrics.IncBreachDetected(string(rule.Severity))

	open, err := s.alarms.FindOpenByRule(ctx, rule.ID, reading.EquipmentID, reading.MonitoringPoint)
	if err != nil {
		return fmt.Errorf("find open alarm: %w", err)
	}
	if open != nil {
		// The ongoing breach already has an unhandled alarm.
		return nil
	}

	if rule.DurationSeconds > 0 {
		gate := time.Duration(rule.DurationSeconds) * time.Second
		state, err := s.states.Get(ctx, rule.ID, reading.EquipmentID, reading.MonitoringPoint)
		if err != nil {
			return fmt.Errorf("load breach state: %w", err)
		}
		if state == nil {
			state = &alarms.BreachState{
				RuleID:          rule.ID,
				EquipmentID:     reading.EquipmentID,
				MonitoringPoint: reading.MonitoringPoint,
				BreachStart:     reading.TS.UTC(),
			}
		}
		if reading.TS.Sub(state.BreachStart) < gate {
			state.LastValue = reading.Value
			state.UpdatedAt = s.clock.Now().UTC()
			return s.states.Upsert(ctx, state)
		}
		if err := s.createAlarm(ctx, reading, rule); err != nil {
			return err
		}
		_ = s.states.Clear(ctx, rule.ID, reading.EquipmentID, reading.MonitoringPoint)
		return nil
	}

	return s.createAlarm(ctx, reading, rule)
}

func (s *Service) createAlarm(ctx context.Context, reading telemetry.Reading, rule alarms.ThresholdRule) error {
	alarm := engine.Materialize(reading, rule)
	now := s.clock.Now().UTC()
	alarm.CreatedAt = now
	alarm.UpdatedAt = now

	var err error
	for attempt := 0; attempt <= s.maxWriteRetries; attempt++ {
		if attempt > 0 {
			metrics.IncAlarmWriteRetry()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * s.retryBackoff):
			}
		}
		if err = s.alarms.Create(ctx, &alarm); err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("create alarm %s: %w", alarm.ID, err)
	}

	metrics.IncAlarmCreated(string(alarm.Severity))
	s.notify(ctx, AlarmEventCreated, alarm)
	return nil
}

// Process claims a pending alarm for an operator.
func (s *Service) Process(ctx context.Context, id, handler string) (*alarms.AlarmRecord, error) {
	return s.transition(ctx, id, alarms.StatusProcessing, handler, "")
}

// Resolve closes an alarm with an optional handling note.
func (s *Service) Resolve(ctx context.Context, id, handler, note string) (*alarms.AlarmRecord, error) {
	return s.transition(ctx, id, alarms.StatusResolved, handler, note)
}

// Ignore dismisses an alarm without remedial action.
func (s *Service) Ignore(ctx context.Context, id, handler, note string) (*alarms.AlarmRecord, error) {
	return s.transition(ctx, id, alarms.StatusIgnored, handler, note)
}

func (s *Service) transition(ctx context.Context, id, target, handler, note string) (*alarms.AlarmRecord, error) {
	if s == nil {
		return nil, errors.New("alarms: nil service")
	}
	if id == "" {
		return nil, errors.New("alarms: alarm id required")
	}
	if handler == "" {
		return nil, errors.New("alarms: handler required")
	}
	alarm, err := s.alarms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if alarm == nil {
		return nil, alarms.ErrNotFound
	}
	if alarm.Status == target {
		return alarm, nil
	}
	if !alarms.CanTransition(alarm.Status, target) {
		return nil, fmt.Errorf("%w: %s to %s", alarms.ErrInvalidTransition, alarm.Status, target)
	}

	expected := alarm.UpdatedAt
	now := s.clock.Now().UTC()
	alarm.Status = target
	alarm.Handler = handler
	alarm.UpdatedAt = now
	if target == alarms.StatusResolved || target == alarms.StatusIgnored {
		alarm.HandledAt = now
		alarm.HandleNote = note
	}
	if err := s.alarms.UpdateStatus(ctx, alarm, expected); err != nil {
		return nil, err
	}
	s.notify(ctx, target, *alarm)
	return alarm, nil
}

// GetAlarm fetches one alarm record.
func (s *Service) GetAlarm(ctx context.Context, id string) (*alarms.AlarmRecord, error) {
	if s == nil {
		return nil, errors.New("alarms: nil service")
	}
	if id == "" {
		return nil, errors.New("alarms: alarm id required")
	}
	alarm, err := s.alarms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if alarm == nil {
		return nil, alarms.ErrNotFound
	}
	return alarm, nil
}

// ListAlarms returns matching records plus the unpaginated total.
func (s *Service) ListAlarms(ctx context.Context, filter alarmrepo.AlarmFilter) ([]alarms.AlarmRecord, int, error) {
	if s == nil {
		return nil, 0, errors.New("alarms: nil service")
	}
	if filter.Status != "" && !alarms.ValidStatus(filter.Status) {
		return nil, 0, fmt.Errorf("alarms: unknown status %q", filter.Status)
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		return nil, 0, fmt.Errorf("alarms: unknown severity %q", filter.Severity)
	}
	records, err := s.alarms.List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.alarms.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// PendingCount reports how many alarms await handling.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	if s == nil {
		return 0, errors.New("alarms: nil service")
	}
	return s.alarms.CountByStatus(ctx, alarms.StatusPending)
}

func (s *Service) notify(ctx context.Context, eventType string, alarm alarms.AlarmRecord) {
	if s == nil {
		return
	}
	metrics.IncAlarmEvent(eventType)
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, AlarmEvent{Type: eventType, Alarm: alarm})
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
