package application

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	alarms "engineroom-monitor/internal/alarms/domain"
	"engineroom-monitor/internal/alarms/engine"
	"engineroom-monitor/internal/observability/metrics"
	telemetry "engineroom-monitor/internal/telemetry/domain"
)

// HistorySource supplies the persisted reading history for replay,
// ordered by equipment then timestamp.
type HistorySource interface {
	QueryAllOrdered(ctx context.Context) ([]telemetry.Reading, error)
}

// GeneratedAlarmStore swaps the rule-generated alarm set in one
// transaction.
type GeneratedAlarmStore interface {
	ReplaceGenerated(ctx context.Context, records []alarms.AlarmRecord) error
}

// Recomputer rebuilds every rule-generated alarm from the stored reading
// history. Manually entered alarms survive the swap; operator handling
// state on generated alarms does not, since the replacement records are
// fresh.
type Recomputer struct {
	rules    RuleSource
	readings HistorySource
	store    GeneratedAlarmStore
	policy   engine.Policy
	logger   *zap.Logger
}

// RecomputerOption customizes a recomputer.
type RecomputerOption func(*Recomputer)

// WithBatchPolicy selects the multiplicity policy used during replay.
func WithBatchPolicy(policy engine.Policy) RecomputerOption {
	return func(r *Recomputer) {
		r.policy = policy
	}
}

// WithBatchLogger assigns a logger.
func WithBatchLogger(logger *zap.Logger) RecomputerOption {
	return func(r *Recomputer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRecomputer constructs a recomputer.
func NewRecomputer(rules RuleSource, readings HistorySource, store GeneratedAlarmStore, opts ...RecomputerOption) (*Recomputer, error) {
	if rules == nil {
		return nil, errors.New("alarms: nil rule source")
	}
	if readings == nil {
		return nil, errors.New("alarms: nil history source")
	}
	if store == nil {
		return nil, errors.New("alarms: nil alarm store")
	}
	recomputer := &Recomputer{
		rules:    rules,
		readings: readings,
		store:    store,
		policy:   engine.PolicyAll,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(recomputer)
	}
	if !recomputer.policy.Valid() {
		return nil, fmt.Errorf("alarms: unknown policy %q", recomputer.policy)
	}
	return recomputer, nil
}

// RecomputeResult summarizes one replay.
type RecomputeResult struct {
	Rules    int
	Readings int
	Skipped  int
	Breaches int
	Alarms   int
}

// Run replays the full history against the current enabled rules and
// swaps the generated alarm set. Alarm IDs derive from rule, equipment,
// point and trigger time, so repeated runs over an unchanged snapshot
// produce the same records.
func (r *Recomputer) Run(ctx context.Context) (RecomputeResult, error) {
	if r == nil {
		return RecomputeResult{}, errors.New("alarms: nil recomputer")
	}
	start := time.Now()
	result, err := r.run(ctx)
	outcome := metrics.ResultSuccess
	if err != nil {
		outcome = metrics.ResultError
	}
	metrics.ObserveRecompute(outcome, time.Since(start))
	return result, err
}

func (r *Recomputer) run(ctx context.Context) (RecomputeResult, error) {
	var result RecomputeResult

	rules, err := r.rules.ListEnabled(ctx)
	if err != nil {
		return result, fmt.Errorf("alarms: load rules: %w", err)
	}
	result.Rules = len(rules)
	index := engine.BuildIndex(rules)

	readings, err := r.readings.QueryAllOrdered(ctx)
	if err != nil {
		return result, fmt.Errorf("alarms: load readings: %w", err)
	}

	tracker := engine.NewBreachTracker()
	var records []alarms.AlarmRecord
	for _, reading := range readings {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !reading.MetricType.Valid() || math.IsNaN(reading.Value) || math.IsInf(reading.Value, 0) {
			result.Skipped++
			r.logger.Warn("reading skipped",
				zap.String("reading_id", reading.ID),
				zap.String("equipment_id", reading.EquipmentID),
				zap.String("metric_type", string(reading.MetricType)))
			continue
		}
		result.Readings++

		breached := engine.Evaluate(reading, index)
		selected := engine.ApplyPolicy(r.policy, reading, breached)
		kept := make(map[string]struct{}, len(selected))
		for _, rule := range selected {
			kept[rule.ID] = struct{}{}
		}
		// Rules whose bounds this reading satisfies, or that the policy
		// dropped, end their episode here.
		for _, rule := range index.Lookup(reading) {
			if _, ok := kept[rule.ID]; !ok {
				tracker.Recover(rule.ID, reading.EquipmentID, reading.MonitoringPoint)
			}
		}

		for _, rule := range selected {
			result.Breaches++
			fire, _ := tracker.Observe(rule, reading)
			if !fire {
				continue
			}
			records = append(records, engine.Materialize(reading, rule))
			result.Alarms++
		}
	}

	if err := r.store.ReplaceGenerated(ctx, records); err != nil {
		return result, fmt.Errorf("alarms: replace generated: %w", err)
	}
	r.logger.Info("alarm recompute finished",
		zap.Int("rules", result.Rules),
		zap.Int("readings", result.Readings),
		zap.Int("skipped", result.Skipped),
		zap.Int("breaches", result.Breaches),
		zap.Int("alarms", result.Alarms))
	return result, nil
}
