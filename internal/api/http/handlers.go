package apihttp

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	telemetry "engineroom-monitor/internal/telemetry/domain"
)

const timeLayout = time.RFC3339

const defaultHistoryWindow = 24 * time.Hour

// HistoryHandler serves stored readings for the trend charts.
type HistoryHandler struct {
	query telemetry.ReadingQuery
}

// NewHistoryHandler constructs a HistoryHandler.
func NewHistoryHandler(query telemetry.ReadingQuery) *HistoryHandler {
	return &HistoryHandler{query: query}
}

// ServeHTTP handles GET /api/v1/telemetry/history.
func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.query == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	params, err := parseHistoryParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	readings, err := h.query.QueryRange(r.Context(), params.equipmentID, params.metric, params.point, params.from, params.to, params.limit)
	if err != nil {
		http.Error(w, "query readings error", http.StatusInternalServerError)
		return
	}

	rows := make([]readingRow, 0, len(readings))
	for _, reading := range readings {
		rows = append(rows, toReadingRow(reading))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"items": rows, "total": len(rows)})
}

// HistoryCSVHandler serves the same range as a CSV download.
type HistoryCSVHandler struct {
	query telemetry.ReadingQuery
}

// NewHistoryCSVHandler constructs a HistoryCSVHandler.
func NewHistoryCSVHandler(query telemetry.ReadingQuery) *HistoryCSVHandler {
	return &HistoryCSVHandler{query: query}
}

// ServeHTTP handles GET /api/v1/telemetry/history.csv.
func (h *HistoryCSVHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.query == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	params, err := parseHistoryParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	readings, err := h.query.QueryRange(r.Context(), params.equipmentID, params.metric, params.point, params.from, params.to, params.limit)
	if err != nil {
		http.Error(w, "query readings error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="readings.csv"`)
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{
		"reading_id",
		"equipment_id",
		"metric_type",
		"monitoring_point",
		"value",
		"unit",
		"quality",
		"source",
		"ts",
	})
	for _, reading := range readings {
		_ = writer.Write([]string{
			reading.ID,
			reading.EquipmentID,
			string(reading.MetricType),
			reading.MonitoringPoint,
			formatFloat(reading.Value),
			reading.Unit,
			reading.Quality,
			reading.Source,
			reading.TS.UTC().Format(timeLayout),
		})
	}
	writer.Flush()
}

// LatestHandler serves the newest value per monitoring point for the
// live dashboard.
type LatestHandler struct {
	query telemetry.ReadingQuery
}

// NewLatestHandler constructs a LatestHandler.
func NewLatestHandler(query telemetry.ReadingQuery) *LatestHandler {
	return &LatestHandler{query: query}
}

// ServeHTTP handles GET /api/v1/telemetry/latest.
func (h *LatestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.query == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	equipmentID := r.URL.Query().Get("equipment_id")
	if equipmentID == "" {
		http.Error(w, "equipment_id is required", http.StatusBadRequest)
		return
	}

	latest, err := h.query.LatestByEquipment(r.Context(), equipmentID)
	if err != nil {
		http.Error(w, "query latest error", http.StatusInternalServerError)
		return
	}

	rows := make([]latestRow, 0, len(latest))
	for _, value := range latest {
		rows = append(rows, latestRow{
			MetricType:      string(value.MetricType),
			MonitoringPoint: value.MonitoringPoint,
			Value:           value.Value,
			Unit:            value.Unit,
			Quality:         value.Quality,
			TS:              value.TS.UTC(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"equipment_id": equipmentID, "items": rows})
}

type historyParams struct {
	equipmentID string
	metric      telemetry.MetricType
	point       string
	from        time.Time
	to          time.Time
	limit       int
}

func parseHistoryParams(r *http.Request) (historyParams, error) {
	query := r.URL.Query()

	params := historyParams{
		equipmentID: query.Get("equipment_id"),
		metric:      telemetry.MetricType(query.Get("metric_type")),
		point:       query.Get("monitoring_point"),
	}
	if params.equipmentID == "" {
		return historyParams{}, errors.New("equipment_id is required")
	}
	if params.metric != "" && !params.metric.Valid() {
		return historyParams{}, errors.New("unknown metric_type")
	}

	to := time.Now().UTC()
	if raw := query.Get("to"); raw != "" {
		parsed, err := time.Parse(timeLayout, raw)
		if err != nil {
			return historyParams{}, errors.New("to must be RFC3339")
		}
		to = parsed.UTC()
	}
	from := to.Add(-defaultHistoryWindow)
	if raw := query.Get("from"); raw != "" {
		parsed, err := time.Parse(timeLayout, raw)
		if err != nil {
			return historyParams{}, errors.New("from must be RFC3339")
		}
		from = parsed.UTC()
	}
	if !to.After(from) {
		return historyParams{}, errors.New("to must be after from")
	}
	params.from, params.to = from, to

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return historyParams{}, errors.New("limit must be a positive integer")
		}
		params.limit = limit
	}
	return params, nil
}

type readingRow struct {
	ReadingID       string    `json:"reading_id"`
	EquipmentID     string    `json:"equipment_id"`
	MetricType      string    `json:"metric_type"`
	MonitoringPoint string    `json:"monitoring_point,omitempty"`
	Value           float64   `json:"value"`
	Unit            string    `json:"unit,omitempty"`
	Quality         string    `json:"quality"`
	Source          string    `json:"source"`
	TS              time.Time `json:"ts"`
}

func toReadingRow(reading telemetry.Reading) readingRow {
	return readingRow{
		ReadingID:       reading.ID,
		EquipmentID:     reading.EquipmentID,
		MetricType:      string(reading.MetricType),
		MonitoringPoint: reading.MonitoringPoint,
		Value:           reading.Value,
		Unit:            reading.Unit,
		Quality:         reading.Quality,
		Source:          reading.Source,
		TS:              reading.TS.UTC(),
	}
}

type latestRow struct {
	MetricType      string    `json:"metric_type"`
	MonitoringPoint string    `json:"monitoring_point,omitempty"`
	Value           float64   `json:"value"`
	Unit            string    `json:"unit,omitempty"`
	Quality         string    `json:"quality"`
	TS              time.Time `json:"ts"`
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
