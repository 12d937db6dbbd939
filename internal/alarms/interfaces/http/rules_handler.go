package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	alarms "engineroom-monitor/internal/alarms/domain"
	telemetry "engineroom-monitor/internal/telemetry/domain"
)

// RuleStore is the persistence surface for threshold administration.
type RuleStore interface {
	Create(ctx context.Context, rule *alarms.ThresholdRule) error
	Update(ctx context.Context, rule *alarms.ThresholdRule) error
	SetEnabled(ctx context.Context, ruleID string, enabled bool) error
	Delete(ctx context.Context, ruleID string) error
	GetByID(ctx context.Context, ruleID string) (*alarms.ThresholdRule, error)
	List(ctx context.Context, equipmentID string, metric telemetry.MetricType) ([]alarms.ThresholdRule, error)
}

// IndexRefresher reloads the evaluation rule index after admin changes.
type IndexRefresher interface {
	RefreshIndex(ctx context.Context) error
}

// RulesHandler provides threshold rule administration endpoints.
type RulesHandler struct {
	rules     RuleStore
	refresher IndexRefresher
	logger    *zap.Logger
}

// NewRulesHandler constructs a rules handler. The refresher is optional;
// when present, the evaluation index reloads right after every mutation
// instead of waiting for the scheduled refresh.
func NewRulesHandler(rules RuleStore, refresher IndexRefresher, logger *zap.Logger) (*RulesHandler, error) {
	if rules == nil {
		return nil, errors.New("rules handler: nil store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RulesHandler{rules: rules, refresher: refresher, logger: logger}, nil
}

// ServeHTTP handles /api/v1/thresholds and subroutes.
func (h *RulesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/v1/thresholds":
		switch r.Method {
		case http.MethodGet:
			h.handleList(w, r)
		case http.MethodPost:
			h.handleCreate(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case strings.HasPrefix(r.URL.Path, "/api/v1/thresholds/"):
		h.handleItem(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *RulesHandler) handleItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/thresholds/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		id := parts[0]
		switch r.Method {
		case http.MethodGet:
			h.handleGet(w, r, id)
		case http.MethodPut:
			h.handleUpdate(w, r, id)
		case http.MethodDelete:
			h.handleDelete(w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case len(parts) == 2 && parts[0] != "":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch parts[1] {
		case "enable":
			h.handleSetEnabled(w, r, parts[0], true)
		case "disable":
			h.handleSetEnabled(w, r, parts[0], false)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *RulesHandler) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	metric := telemetry.MetricType(query.Get("metric_type"))
	if metric != "" && !metric.Valid() {
		http.Error(w, "unknown metric_type", http.StatusBadRequest)
		return
	}
	rules, err := h.rules.List(r.Context(), query.Get("equipment_id"), metric)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rules == nil {
		rules = []alarms.ThresholdRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rules, "total": len(rules)})
}

type ruleRequest struct {
	EquipmentID       string   `json:"equipment_id"`
	MetricType        string   `json:"metric_type"`
	MonitoringPoint   string   `json:"monitoring_point"`
	FaultName         string   `json:"fault_name"`
	LowerLimit        *float64 `json:"lower_limit"`
	UpperLimit        *float64 `json:"upper_limit"`
	DurationSeconds   int      `json:"duration_seconds"`
	Severity          string   `json:"severity"`
	Unit              string   `json:"unit"`
	RecommendedAction string   `json:"recommended_action"`
	Enabled           *bool    `json:"enabled"`
}

func (req ruleRequest) toRule(id string) alarms.ThresholdRule {
	rule := alarms.ThresholdRule{
		ID:                id,
		EquipmentID:       req.EquipmentID,
		MetricType:        telemetry.MetricType(req.MetricType),
		MonitoringPoint:   req.MonitoringPoint,
		FaultName:         req.FaultName,
		LowerLimit:        req.LowerLimit,
		UpperLimit:        req.UpperLimit,
		DurationSeconds:   req.DurationSeconds,
		Severity:          alarms.Severity(req.Severity),
		Unit:              req.Unit,
		RecommendedAction: req.RecommendedAction,
		Enabled:           true,
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	return rule
}

func (h *RulesHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	rule := req.toRule("rule-" + uuid.NewString())
	if err := h.rules.Create(r.Context(), &rule); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.refreshIndex(r.Context())
	writeJSON(w, http.StatusCreated, rule)
}

func (h *RulesHandler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	rule, err := h.rules.GetByID(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rule == nil {
		http.Error(w, "threshold rule not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *RulesHandler) handleUpdate(w http.ResponseWriter, r *http.Request, id string) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	rule := req.toRule(id)
	if err := h.rules.Update(r.Context(), &rule); err != nil {
		if errors.Is(err, alarms.ErrNotFound) {
			http.Error(w, "threshold rule not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.refreshIndex(r.Context())
	writeJSON(w, http.StatusOK, rule)
}

func (h *RulesHandler) handleSetEnabled(w http.ResponseWriter, r *http.Request, id string, enabled bool) {
	if err := h.rules.SetEnabled(r.Context(), id, enabled); err != nil {
		if errors.Is(err, alarms.ErrNotFound) {
			http.Error(w, "threshold rule not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.refreshIndex(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
}

func (h *RulesHandler) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.rules.Delete(r.Context(), id); err != nil {
		if errors.Is(err, alarms.ErrNotFound) {
			http.Error(w, "threshold rule not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.refreshIndex(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *RulesHandler) refreshIndex(ctx context.Context) {
	if h.refresher == nil {
		return
	}
	if err := h.refresher.RefreshIndex(ctx); err != nil {
		h.logger.Warn("rule index refresh after admin change failed", zap.Error(err))
	}
}
