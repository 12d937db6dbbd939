package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	alarmapp "engineroom-monitor/internal/alarms/application"
	alarms "engineroom-monitor/internal/alarms/domain"
	alarmrepo "engineroom-monitor/internal/alarms/infrastructure/postgres"
	"engineroom-monitor/internal/auth"
	telemetry "engineroom-monitor/internal/telemetry/domain"
)

const timeLayout = time.RFC3339

// AlarmService is the application surface the alarm-center API exposes.
type AlarmService interface {
	ListAlarms(ctx context.Context, filter alarmrepo.AlarmFilter) ([]alarms.AlarmRecord, int, error)
	GetAlarm(ctx context.Context, id string) (*alarms.AlarmRecord, error)
	PendingCount(ctx context.Context) (int, error)
	Process(ctx context.Context, id, handler string) (*alarms.AlarmRecord, error)
	Resolve(ctx context.Context, id, handler, note string) (*alarms.AlarmRecord, error)
	Ignore(ctx context.Context, id, handler, note string) (*alarms.AlarmRecord, error)
}

var _ AlarmService = (*alarmapp.Service)(nil)

// Handler provides the alarm-center HTTP endpoints.
type Handler struct {
	service AlarmService
}

// NewHandler constructs a handler.
func NewHandler(service AlarmService) (*Handler, error) {
	if service == nil {
		return nil, errors.New("alarms handler: nil service")
	}
	return &Handler{service: service}, nil
}

// ServeHTTP handles /api/v1/alarms and subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/v1/alarms":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleList(w, r)
	case r.URL.Path == "/api/v1/alarms/pending-count":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handlePendingCount(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/v1/alarms/"):
		h.handleItem(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type listResponse struct {
	Items []alarms.AlarmRecord `json:"items"`
	Total int                  `json:"total"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAlarmFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	items, total, err := h.service.ListAlarms(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []alarms.AlarmRecord{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total})
}

func (h *Handler) handlePendingCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.PendingCount(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pending": count})
}

func (h *Handler) handleItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/alarms/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleGet(w, r, parts[0])
	case len(parts) == 2 && parts[0] != "":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleAction(w, r, parts[0], parts[1])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	alarm, err := h.service.GetAlarm(r.Context(), id)
	if err != nil {
		respondAlarmError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alarm)
}

type actionRequest struct {
	Handler string `json:"handler"`
	Note    string `json:"note"`
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request, id, action string) {
	var req actionRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	handler := strings.TrimSpace(req.Handler)
	if handler == "" {
		handler = operatorFromContext(r.Context())
	}

	var (
		alarm *alarms.AlarmRecord
		err   error
	)
	switch action {
	case "process":
		alarm, err = h.service.Process(r.Context(), id, handler)
	case "resolve":
		alarm, err = h.service.Resolve(r.Context(), id, handler, req.Note)
	case "ignore":
		alarm, err = h.service.Ignore(r.Context(), id, handler, req.Note)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		respondAlarmError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alarm)
}

// operatorFromContext resolves the acting operator's display name,
// falling back to the token subject.
func operatorFromContext(ctx context.Context) string {
	if name := auth.NameFromContext(ctx); name != "" {
		return name
	}
	return auth.SubjectFromContext(ctx)
}

func respondAlarmError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alarms.ErrNotFound):
		http.Error(w, "alarm not found", http.StatusNotFound)
	case errors.Is(err, alarms.ErrConflict):
		http.Error(w, "alarm was modified concurrently, reload and retry", http.StatusConflict)
	case errors.Is(err, alarms.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func parseAlarmFilter(r *http.Request) (alarmrepo.AlarmFilter, error) {
	query := r.URL.Query()
	filter := alarmrepo.AlarmFilter{
		EquipmentID: query.Get("equipment_id"),
		Status:      query.Get("status"),
	}
	if filter.Status != "" && !alarms.ValidStatus(filter.Status) {
		return filter, errors.New("unknown status")
	}
	if severity := query.Get("severity"); severity != "" {
		filter.Severity = alarms.Severity(severity)
		if !filter.Severity.Valid() {
			return filter, errors.New("unknown severity")
		}
	}
	if metric := query.Get("metric_type"); metric != "" {
		filter.MetricType = telemetry.MetricType(metric)
		if !filter.MetricType.Valid() {
			return filter, errors.New("unknown metric_type")
		}
	}

	var err error
	if filter.From, err = parseOptionalTime(query.Get("from")); err != nil {
		return filter, errors.New("from must be RFC3339")
	}
	if filter.To, err = parseOptionalTime(query.Get("to")); err != nil {
		return filter, errors.New("to must be RFC3339")
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		return filter, errors.New("to must be after from")
	}
	if filter.Limit, err = parseOptionalInt(query.Get("limit")); err != nil {
		return filter, errors.New("limit must be a non-negative integer")
	}
	if filter.Offset, err = parseOptionalInt(query.Get("offset")); err != nil {
		return filter, errors.New("offset must be a non-negative integer")
	}
	return filter, nil
}

func parseOptionalTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

func parseOptionalInt(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0, errors.New("invalid integer")
	}
	return parsed, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
