package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	alarmapp "engineroom-monitor/internal/alarms/application"
	alarms "engineroom-monitor/internal/alarms/domain"
	"engineroom-monitor/internal/alarms/engine"
	alarmrepo "engineroom-monitor/internal/alarms/infrastructure/postgres"
	"engineroom-monitor/internal/logging"
	telemetry "engineroom-monitor/internal/telemetry/domain"
	telemetrypostgres "engineroom-monitor/internal/telemetry/infrastructure/postgres"
)

// Rebuilds the rule-generated alarm set from the stored reading history.
// Run it after editing thresholds in bulk, or with -dry-run to preview
// how a policy change would reshape the alarm center.

type config struct {
	dbURL   string
	policy  string
	dryRun  bool
	verbose bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	db, err := sql.Open("pgx", cfg.dbURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db open:", err)
		os.Exit(2)
	}
	defer db.Close()

	logger := zap.NewNop()
	if cfg.verbose {
		logger, err = logging.New("info", "console", "alarm-recompute")
		if err != nil {
			fmt.Fprintln(os.Stderr, "logger:", err)
			os.Exit(2)
		}
		defer logger.Sync()
	}

	ruleRepo := alarmrepo.NewThresholdRuleRepository(db)
	readingQuery := telemetrypostgres.NewReadingQuery(db)

	var store alarmapp.GeneratedAlarmStore = alarmrepo.NewAlarmRecordRepository(db)
	if cfg.dryRun {
		store = discardStore{}
	}

	recomputer, err := alarmapp.NewRecomputer(ruleRepo, fullHistory{query: readingQuery}, store,
		alarmapp.WithBatchPolicy(engine.Policy(cfg.policy)),
		alarmapp.WithBatchLogger(logger))
	if err != nil {
		fmt.Fprintln(os.Stderr, "recomputer:", err)
		os.Exit(2)
	}

	start := time.Now()
	result, err := recomputer.Run(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "recompute:", err)
		os.Exit(2)
	}

	mode := "replaced"
	if cfg.dryRun {
		mode = "dry-run, nothing written"
	}
	fmt.Printf("recompute finished in %s (%s)\n", time.Since(start).Round(time.Millisecond), mode)
	fmt.Printf("  rules     %d\n", result.Rules)
	fmt.Printf("  readings  %d (skipped %d)\n", result.Readings, result.Skipped)
	fmt.Printf("  breaches  %d\n", result.Breaches)
	fmt.Printf("  alarms    %d\n", result.Alarms)
}

func parseFlags() (config, error) {
	var cfg config
	flag.StringVar(&cfg.dbURL, "db", getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")), "Postgres DSN")
	flag.StringVar(&cfg.policy, "policy", string(engine.PolicyAll), "multiplicity policy: all or most-severe")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "evaluate without touching alarm_records")
	flag.BoolVar(&cfg.verbose, "verbose", false, "log per-reading diagnostics")
	flag.Parse()

	if cfg.dbURL == "" {
		return cfg, errors.New("missing --db or DATABASE_URL/PG_DSN")
	}
	if !engine.Policy(cfg.policy).Valid() {
		return cfg, fmt.Errorf("unknown policy %q (want all or most-severe)", cfg.policy)
	}
	return cfg, nil
}

// discardStore satisfies the generated-alarm sink without writing,
// so a dry run still walks the full replay path.
type discardStore struct{}

func (discardStore) ReplaceGenerated(context.Context, []alarms.AlarmRecord) error {
	return nil
}

type fullHistory struct {
	query telemetry.ReadingQuery
}

func (h fullHistory) QueryAllOrdered(ctx context.Context) ([]telemetry.Reading, error) {
	return h.query.QueryAllOrdered(ctx, time.Time{}, time.Time{})
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
