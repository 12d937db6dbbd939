package integration_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	telemetry "engineroom-monitor/internal/telemetry/domain"
	telemetrypostgres "engineroom-monitor/internal/telemetry/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestReadingRoundTrip_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := applyMigrations(db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	ctx := context.Background()
	equipmentID := "engine-it"
	base := time.Date(2026, time.January, 21, 9, 0, 0, 0, time.UTC)

	_, _ = db.ExecContext(ctx, "DELETE FROM equipment_readings WHERE equipment_id = $1", equipmentID)

	repo := telemetrypostgres.NewReadingRepository(db)
	query := telemetrypostgres.NewReadingQuery(db)

	readings := []telemetry.Reading{
		{
			ID:              "rd-it-1",
			EquipmentID:     equipmentID,
			MetricType:      telemetry.MetricTemperature,
			MonitoringPoint: "气缸1",
			Value:           82.5,
			Unit:            "°C",
			TS:              base.Add(5 * time.Minute),
		},
		{
			ID:              "rd-it-2",
			EquipmentID:     equipmentID,
			MetricType:      telemetry.MetricTemperature,
			MonitoringPoint: "气缸1",
			Value:           83.1,
			Unit:            "°C",
			TS:              base.Add(10 * time.Minute),
		},
		{
			ID:              "rd-it-3",
			EquipmentID:     equipmentID,
			MetricType:      telemetry.MetricPressure,
			MonitoringPoint: "滑油",
			Value:           0.42,
			Unit:            "MPa",
			TS:              base.Add(10 * time.Minute),
		},
	}

	if err := repo.InsertReadings(ctx, readings); err != nil {
		t.Fatalf("insert readings: %v", err)
	}

	// Same key again: the conflict target leaves the stored row alone.
	dup := readings[0]
	dup.ID = "rd-it-dup"
	dup.Value = 999
	if err := repo.InsertReadings(ctx, []telemetry.Reading{dup}); err != nil {
		t.Fatalf("insert duplicate: %v", err)
	}

	got, err := query.QueryRange(ctx, equipmentID, telemetry.MetricTemperature, "气缸1", base, base.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("query range: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 temperature readings, got %d", len(got))
	}
	if got[0].Value != 82.5 || got[1].Value != 83.1 {
		t.Fatalf("unexpected values: %v, %v", got[0].Value, got[1].Value)
	}
	if got[0].Quality != telemetry.QualityNormal || got[0].Source != telemetry.SourceSensorUpload {
		t.Fatalf("defaults not applied: %+v", got[0])
	}

	latest, err := query.LatestByEquipment(ctx, equipmentID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected one latest value per point, got %d", len(latest))
	}
	for _, value := range latest {
		if value.MetricType == telemetry.MetricTemperature && value.Value != 83.1 {
			t.Fatalf("expected newest temperature 83.1, got %v", value.Value)
		}
	}
}

func applyMigrations(db *sql.DB) error {
	root := projectRoot()
	content, err := os.ReadFile(filepath.Join(root, "migrations", "001_init.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(content))
	return err
}

func projectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	return filepath.Clean(filepath.Join(dir, "..", "..", ".."))
}
