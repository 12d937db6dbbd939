package integration_test

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	apihttp "engineroom-monitor/internal/api/http"
	telemetry "engineroom-monitor/internal/telemetry/domain"
	telemetrypostgres "engineroom-monitor/internal/telemetry/infrastructure/postgres"
)

const queryEquipmentID = "engine-q1"

func seedQueryReadings(t *testing.T, db *sql.DB) time.Time {
	t.Helper()
	ctx := context.Background()
	_, _ = db.ExecContext(ctx, "DELETE FROM equipment_readings WHERE equipment_id = $1", queryEquipmentID)

	start := time.Date(2026, time.February, 10, 8, 0, 0, 0, time.UTC)
	readings := []telemetry.Reading{
		{
			ID: "rd-q1-1", EquipmentID: queryEquipmentID,
			MetricType: telemetry.MetricTemperature, MonitoringPoint: "气缸1",
			Value: 74.5, Unit: "°C", Quality: telemetry.QualityNormal,
			Source: telemetry.SourceSensorUpload, TS: start,
		},
		{
			ID: "rd-q1-2", EquipmentID: queryEquipmentID,
			MetricType: telemetry.MetricTemperature, MonitoringPoint: "气缸1",
			Value: 78.2, Unit: "°C", Quality: telemetry.QualityNormal,
			Source: telemetry.SourceSensorUpload, TS: start.Add(5 * time.Minute),
		},
		{
			ID: "rd-q1-3", EquipmentID: queryEquipmentID,
			MetricType: telemetry.MetricPressure, MonitoringPoint: "滑油",
			Value: 4.6, Unit: "bar", Quality: telemetry.QualityNormal,
			Source: telemetry.SourceSensorUpload, TS: start.Add(time.Minute),
		},
	}
	repo := telemetrypostgres.NewReadingRepository(db)
	if err := repo.InsertReadings(ctx, readings); err != nil {
		t.Fatalf("insert readings: %v", err)
	}
	return start
}

func TestQueryAPI_HistoryJSONAndCSV(t *testing.T) {
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
	start := seedQueryReadings(t, db)

	query := telemetrypostgres.NewReadingQuery(db)
	mux := http.NewServeMux()
	mux.Handle("/api/v1/telemetry/history", apihttp.NewHistoryHandler(query))
	mux.Handle("/api/v1/telemetry/history.csv", apihttp.NewHistoryCSVHandler(query))
	mux.Handle("/api/v1/telemetry/latest", apihttp.NewLatestHandler(query))

	server := httptest.NewServer(mux)
	defer server.Close()

	from := start.Add(-time.Minute).Format(time.RFC3339)
	to := start.Add(time.Hour).Format(time.RFC3339)
	historyURL := server.URL + "/api/v1/telemetry/history?equipment_id=" + queryEquipmentID +
		"&metric_type=temperature&from=" + from + "&to=" + to

	resp, err := http.Get(historyURL)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status: %d", resp.StatusCode)
	}

	var history struct {
		Items []struct {
			ReadingID string    `json:"reading_id"`
			Value     float64   `json:"value"`
			TS        time.Time `json:"ts"`
		} `json:"items"`
		Total int `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if history.Total != 2 || len(history.Items) != 2 {
		t.Fatalf("expected 2 temperature readings, got total=%d items=%d", history.Total, len(history.Items))
	}
	if history.Items[0].ReadingID != "rd-q1-1" || history.Items[1].ReadingID != "rd-q1-2" {
		t.Fatalf("expected ascending ts order, got %s then %s", history.Items[0].ReadingID, history.Items[1].ReadingID)
	}
	if history.Items[1].Value != 78.2 {
		t.Fatalf("value mismatch: got %v", history.Items[1].Value)
	}

	csvURL := server.URL + "/api/v1/telemetry/history.csv?equipment_id=" + queryEquipmentID +
		"&metric_type=temperature&from=" + from + "&to=" + to
	csvResp, err := http.Get(csvURL)
	if err != nil {
		t.Fatalf("get csv: %v", err)
	}
	defer csvResp.Body.Close()
	if csvResp.StatusCode != http.StatusOK {
		t.Fatalf("csv status: %d", csvResp.StatusCode)
	}
	if got := csvResp.Header.Get("Content-Type"); got != "text/csv; charset=utf-8" {
		t.Fatalf("csv content type: %s", got)
	}

	records, err := csv.NewReader(csvResp.Body).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header + 2 rows, got %d records", len(records))
	}
	if records[0][0] != "reading_id" {
		t.Fatalf("unexpected csv header: %v", records[0])
	}
	if records[1][0] != "rd-q1-1" || records[1][4] != "74.5" {
		t.Fatalf("unexpected first csv row: %v", records[1])
	}
}

func TestQueryAPI_LatestPerPoint(t *testing.T) {
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
	seedQueryReadings(t, db)

	query := telemetrypostgres.NewReadingQuery(db)
	server := httptest.NewServer(apihttp.NewLatestHandler(query))
	defer server.Close()

	resp, err := http.Get(server.URL + "?equipment_id=" + queryEquipmentID)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("latest status: %d", resp.StatusCode)
	}

	var latest struct {
		EquipmentID string `json:"equipment_id"`
		Items       []struct {
			MetricType      string  `json:"metric_type"`
			MonitoringPoint string  `json:"monitoring_point"`
			Value           float64 `json:"value"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&latest); err != nil {
		t.Fatalf("decode latest: %v", err)
	}
	if latest.EquipmentID != queryEquipmentID {
		t.Fatalf("equipment_id mismatch: %s", latest.EquipmentID)
	}
	if len(latest.Items) != 2 {
		t.Fatalf("expected one latest row per point, got %d", len(latest.Items))
	}
	for _, item := range latest.Items {
		if item.MetricType == "temperature" && item.Value != 78.2 {
			t.Fatalf("expected newest temperature value 78.2, got %v", item.Value)
		}
		if item.MetricType == "pressure" && item.Value != 4.6 {
			t.Fatalf("expected pressure value 4.6, got %v", item.Value)
		}
	}
}
