package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// dbGauges are sampled from Postgres at scrape time. They cover the
// queues an engineer checks first when the pipeline backs up.
var dbGauges = []struct {
	name  string
	help  string
	query string
}{
	{
		name:  "alarms_pending",
		help:  "Alarms awaiting an operator",
		query: "SELECT COUNT(*) FROM alarm_records WHERE status = 'pending'",
	},
	{
		name:  "event_outbox_pending",
		help:  "Pending outbox records",
		query: "SELECT COUNT(*) FROM event_outbox WHERE status = 'pending'",
	},
	{
		name:  "event_dlq_count",
		help:  "Dead letter queue records",
		query: "SELECT COUNT(*) FROM dead_letter_events",
	},
}

func registerDBMetrics(db *sql.DB, logger *zap.Logger) {
	for _, gauge := range dbGauges {
		query := gauge.query
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: metricPrefix + gauge.name,
				Help: gauge.help,
			},
			func() float64 {
				return queryCount(db, logger, query)
			},
		))
	}
}

func queryCount(db *sql.DB, logger *zap.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Warn("metrics query failed", zap.Error(err))
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
