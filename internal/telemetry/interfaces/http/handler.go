package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"engineroom-monitor/internal/audit"
	"engineroom-monitor/internal/auth"
	"engineroom-monitor/internal/observability/metrics"
	"engineroom-monitor/internal/telemetry/application"
	telemetry "engineroom-monitor/internal/telemetry/domain"
)

// Ingestor stores a validated reading batch and raises stored events.
type Ingestor interface {
	Ingest(ctx context.Context, readings []telemetry.Reading) (int, error)
}

var _ Ingestor = (*application.Service)(nil)

// UploadHandler ingests sensor batches from shipboard gateways. The
// request signature is checked by the ingest middleware before the
// handler runs.
type UploadHandler struct {
	ingest Ingestor
	logger *zap.Logger
}

// NewUploadHandler constructs an upload handler.
func NewUploadHandler(ingest Ingestor, logger *zap.Logger) (*UploadHandler, error) {
	if ingest == nil {
		return nil, errors.New("telemetry upload: nil ingestor")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadHandler{ingest: ingest, logger: logger}, nil
}

// ServeHTTP handles POST /api/v1/telemetry/upload.
func (h *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	result := metrics.IngestResultSuccess
	defer func() {
		metrics.ObserveIngest(result, time.Since(start))
	}()

	if r.Method != http.MethodPost {
		result = metrics.IngestResultError
		metrics.IncIngestError("method_not_allowed")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Warn("telemetry upload read body failed", zap.Error(err))
		result = metrics.IngestResultError
		metrics.IncIngestError("read_body")
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req uploadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Warn("telemetry upload decode failed", zap.Error(err))
		result = metrics.IngestResultError
		metrics.IncIngestError("invalid_json")
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	readings, err := req.toReadings()
	if err != nil {
		h.logger.Warn("telemetry upload rejected",
			zap.String("equipment_id", req.EquipmentID),
			zap.Error(err))
		result = metrics.IngestResultError
		metrics.IncIngestError("invalid_payload")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	inserted, err := h.ingest.Ingest(r.Context(), readings)
	if err != nil {
		result = metrics.IngestResultError
		if errors.Is(err, application.ErrInvalidReading) {
			metrics.IncIngestError("invalid_payload")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("telemetry upload insert failed",
			zap.String("equipment_id", req.EquipmentID),
			zap.Error(err))
		metrics.IncIngestError("insert_error")
		http.Error(w, "insert error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"inserted": inserted})
}

type uploadRequest struct {
	EquipmentID     string        `json:"equipment_id"`
	TS              int64         `json:"ts"`
	MetricType      string        `json:"metric_type"`
	MonitoringPoint string        `json:"monitoring_point"`
	Value           *float64      `json:"value"`
	Unit            string        `json:"unit"`
	Quality         string        `json:"quality"`
	Points          []uploadPoint `json:"points"`
}

type uploadPoint struct {
	TS              int64    `json:"ts"`
	MetricType      string   `json:"metric_type"`
	MonitoringPoint string   `json:"monitoring_point"`
	Value           *float64 `json:"value"`
	Unit            string   `json:"unit"`
	Quality         string   `json:"quality"`
}

func (r uploadRequest) toReadings() ([]telemetry.Reading, error) {
	if r.EquipmentID == "" {
		return nil, errors.New("missing equipment_id")
	}

	points := r.Points
	// Single-point shorthand: the metric fields sit at the top level.
	if len(points) == 0 && r.MetricType != "" {
		points = []uploadPoint{{
			TS:              r.TS,
			MetricType:      r.MetricType,
			MonitoringPoint: r.MonitoringPoint,
			Value:           r.Value,
			Unit:            r.Unit,
			Quality:         r.Quality,
		}}
	}
	if len(points) == 0 {
		return nil, errors.New("no telemetry points")
	}

	readings := make([]telemetry.Reading, 0, len(points))
	for _, point := range points {
		ts, err := parseTimestamp(point.TS)
		if err != nil {
			return nil, err
		}
		if point.Value == nil {
			return nil, errors.New("missing value")
		}
		readings = append(readings, telemetry.Reading{
			EquipmentID:     r.EquipmentID,
			MetricType:      telemetry.MetricType(point.MetricType),
			MonitoringPoint: point.MonitoringPoint,
			Value:           *point.Value,
			Unit:            point.Unit,
			Quality:         point.Quality,
			Source:          telemetry.SourceSensorUpload,
			TS:              ts,
		})
	}
	return readings, nil
}

func parseTimestamp(value int64) (time.Time, error) {
	if value <= 0 {
		return time.Time{}, errors.New("invalid ts")
	}
	// Accept milliseconds or seconds.
	if value > 1_000_000_000_000 {
		return time.UnixMilli(value).UTC(), nil
	}
	return time.Unix(value, 0).UTC(), nil
}

// ManualHandler records a single operator-entered reading, for gauges
// without a wired sensor. The auth middleware has already enforced the
// operator role.
type ManualHandler struct {
	ingest  Ingestor
	auditor audit.Logger
	logger  *zap.Logger
}

// NewManualHandler constructs a manual entry handler. The auditor may
// be nil.
func NewManualHandler(ingest Ingestor, auditor audit.Logger, logger *zap.Logger) (*ManualHandler, error) {
	if ingest == nil {
		return nil, errors.New("telemetry manual: nil ingestor")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ManualHandler{ingest: ingest, auditor: auditor, logger: logger}, nil
}

type manualRequest struct {
	EquipmentID     string   `json:"equipment_id"`
	MetricType      string   `json:"metric_type"`
	MonitoringPoint string   `json:"monitoring_point"`
	Value           *float64 `json:"value"`
	Unit            string   `json:"unit"`
	TS              string   `json:"ts"`
}

// ServeHTTP handles POST /api/v1/telemetry/manual.
func (h *ManualHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req manualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Value == nil {
		http.Error(w, "missing value", http.StatusBadRequest)
		return
	}

	ts := time.Now().UTC()
	if req.TS != "" {
		parsed, err := time.Parse(time.RFC3339, req.TS)
		if err != nil {
			http.Error(w, "ts must be RFC3339", http.StatusBadRequest)
			return
		}
		ts = parsed.UTC()
	}

	reading := telemetry.Reading{
		ID:              "rd-" + uuid.NewString(),
		EquipmentID:     req.EquipmentID,
		MetricType:      telemetry.MetricType(req.MetricType),
		MonitoringPoint: req.MonitoringPoint,
		Value:           *req.Value,
		Unit:            req.Unit,
		Quality:         telemetry.QualityNormal,
		Source:          telemetry.SourceManualEntry,
		TS:              ts,
	}

	if _, err := h.ingest.Ingest(r.Context(), []telemetry.Reading{reading}); err != nil {
		if errors.Is(err, application.ErrInvalidReading) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("manual reading insert failed",
			zap.String("equipment_id", req.EquipmentID),
			zap.Error(err))
		http.Error(w, "insert error", http.StatusInternalServerError)
		return
	}

	h.recordAudit(r, reading)
	writeJSON(w, http.StatusCreated, map[string]any{"reading_id": reading.ID})
}

func (h *ManualHandler) recordAudit(r *http.Request, reading telemetry.Reading) {
	if h.auditor == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"metric_type":      string(reading.MetricType),
		"monitoring_point": reading.MonitoringPoint,
		"value":            reading.Value,
		"ts":               reading.TS.Format(time.RFC3339),
	})
	entry := audit.Entry{
		ID:            audit.NewID(),
		Actor:         auth.SubjectFromContext(r.Context()),
		Role:          string(auth.RoleFromContext(r.Context())),
		Action:        "telemetry.manual_entry",
		ResourceType:  "reading",
		ResourceID:    reading.ID,
		EquipmentID:   reading.EquipmentID,
		Metadata:      meta,
		PayloadDigest: audit.DigestJSON(meta),
		IP:            audit.ClientIP(r),
		UserAgent:     r.UserAgent(),
		CreatedAt:     time.Now().UTC(),
	}
	if err := h.auditor.Log(r.Context(), entry); err != nil {
		h.logger.Warn("manual entry audit failed", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
