package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "engineroom_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	consumerLag *prometheus.GaugeVec

	outboxPublishTotal   *prometheus.CounterVec
	outboxPublishLatency *prometheus.HistogramVec
	outboxDispatchTotal  *prometheus.CounterVec
	outboxDispatchRounds *prometheus.HistogramVec

	readingsEvaluated  prometheus.Counter
	readingsSkipped    *prometheus.CounterVec
	evaluationLatency  *prometheus.HistogramVec
	breachesDetected   *prometheus.CounterVec
	alarmsCreatedTotal *prometheus.CounterVec
	alarmEventsTotal   *prometheus.CounterVec
	alarmWriteRetries  prometheus.Counter

	recomputeTotal   *prometheus.CounterVec
	recomputeLatency *prometheus.HistogramVec

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total ingest requests by result",
			},
			[]string{"result"},
		)
		ingestErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_errors_total",
				Help: "Total ingest errors by reason",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		consumerLag = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "event_consumer_lag_seconds",
				Help: "Consumer processing lag in seconds",
			},
			[]string{"consumer"},
		)

		outboxPublishTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_publish_total",
				Help: "Total outbox publish operations by result",
			},
			[]string{"result"},
		)
		outboxPublishLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "outbox_publish_latency_seconds",
				Help:    "Outbox publish latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		outboxDispatchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_dispatch_total",
				Help: "Dispatched outbox records by outcome",
			},
			[]string{"outcome"},
		)
		outboxDispatchRounds = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "outbox_dispatch_latency_seconds",
				Help:    "Outbox dispatch round latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		readingsEvaluated = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_evaluated_total",
				Help: "Total readings run through threshold evaluation",
			},
		)
		readingsSkipped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_skipped_total",
				Help: "Readings skipped during evaluation by reason",
			},
			[]string{"reason"},
		)
		evaluationLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "evaluation_latency_seconds",
				Help:    "Threshold evaluation latency per reading batch",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		breachesDetected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "threshold_breaches_total",
				Help: "Detected threshold breaches by severity",
			},
			[]string{"severity"},
		)
		alarmsCreatedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarms_created_total",
				Help: "Materialized alarms by severity",
			},
			[]string{"severity"},
		)
		alarmEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_events_total",
				Help: "Alarm lifecycle events by type",
			},
			[]string{"event"},
		)
		alarmWriteRetries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_write_retries_total",
				Help: "Retried alarm persistence attempts",
			},
		)

		recomputeTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "recompute_total",
				Help: "Batch recompute runs by result",
			},
			[]string{"result"},
		)
		recomputeLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "recompute_latency_seconds",
				Help:    "Batch recompute latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"result"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_export_total",
				Help: "Alarm ledger exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "alarm_export_latency_seconds",
				Help:    "Alarm ledger export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestErrors,
			ingestLatency,
			consumerLag,
			outboxPublishTotal,
			outboxPublishLatency,
			outboxDispatchTotal,
			outboxDispatchRounds,
			readingsEvaluated,
			readingsSkipped,
			evaluationLatency,
			breachesDetected,
			alarmsCreatedTotal,
			alarmEventsTotal,
			alarmWriteRetries,
			recomputeTotal,
			recomputeLatency,
			exportTotal,
			exportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngest records ingest request duration and result.
func ObserveIngest(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncIngestError increments ingest error counter.
func IncIngestError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(reason).Inc()
	}
}

// ObserveConsumerLag sets consumer lag in seconds.
func ObserveConsumerLag(consumer string, lag time.Duration) {
	if consumer == "" {
		consumer = "unknown"
	}
	if lag < 0 {
		lag = 0
	}
	if consumerLag != nil {
		consumerLag.WithLabelValues(consumer).Set(lag.Seconds())
	}
}

// ObserveOutboxPublish records outbox publish latency and result.
func ObserveOutboxPublish(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if outboxPublishTotal != nil {
		outboxPublishTotal.WithLabelValues(result).Inc()
	}
	if outboxPublishLatency != nil {
		outboxPublishLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveOutboxDispatch records a dispatch round with per-outcome counts.
func ObserveOutboxDispatch(result string, duration time.Duration, sent, failed, dlq int) {
	if result == "" {
		result = resultSuccess
	}
	if outboxDispatchRounds != nil {
		outboxDispatchRounds.WithLabelValues(result).Observe(duration.Seconds())
	}
	if outboxDispatchTotal == nil {
		return
	}
	if sent > 0 {
		outboxDispatchTotal.WithLabelValues("sent").Add(float64(sent))
	}
	if failed > 0 {
		outboxDispatchTotal.WithLabelValues("failed").Add(float64(failed))
	}
	if dlq > 0 {
		outboxDispatchTotal.WithLabelValues("dlq").Add(float64(dlq))
	}
}

// AddReadingsEvaluated increments the evaluated reading counter by count.
func AddReadingsEvaluated(count int) {
	if count <= 0 {
		return
	}
	if readingsEvaluated != nil {
		readingsEvaluated.Add(float64(count))
	}
}

// IncReadingSkipped increments the skipped reading counter.
func IncReadingSkipped(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if readingsSkipped != nil {
		readingsSkipped.WithLabelValues(reason).Inc()
	}
}

// ObserveEvaluation records evaluation batch latency and result.
func ObserveEvaluation(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if evaluationLatency != nil {
		evaluationLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncBreachDetected increments the breach counter for a severity.
func IncBreachDetected(severity string) {
	if severity == "" {
		severity = "unknown"
	}
	if breachesDetected != nil {
		breachesDetected.WithLabelValues(severity).Inc()
	}
}

// IncAlarmCreated increments the materialized alarm counter for a severity.
func IncAlarmCreated(severity string) {
	if severity == "" {
		severity = "unknown"
	}
	if alarmsCreatedTotal != nil {
		alarmsCreatedTotal.WithLabelValues(severity).Inc()
	}
}

// IncAlarmEvent increments alarm lifecycle counters.
func IncAlarmEvent(event string) {
	if event == "" {
		event = "unknown"
	}
	if alarmEventsTotal != nil {
		alarmEventsTotal.WithLabelValues(event).Inc()
	}
}

// IncAlarmWriteRetry increments the alarm write retry counter.
func IncAlarmWriteRetry() {
	if alarmWriteRetries != nil {
		alarmWriteRetries.Inc()
	}
}

// ObserveRecompute records batch recompute latency and result.
func ObserveRecompute(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if recomputeTotal != nil {
		recomputeTotal.WithLabelValues(result).Inc()
	}
	if recomputeLatency != nil {
		recomputeLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveAlarmExport records export latency by format and result.
func ObserveAlarmExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	IngestResultSuccess = resultSuccess
	IngestResultError   = resultError

	ResultSuccess = resultSuccess
	ResultError   = resultError
)
