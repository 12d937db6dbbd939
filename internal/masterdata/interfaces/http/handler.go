package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"engineroom-monitor/internal/audit"
	"engineroom-monitor/internal/auth"
	"engineroom-monitor/internal/masterdata/application"
	masterdata "engineroom-monitor/internal/masterdata/domain"
)

// Handler serves the equipment registry API.
type Handler struct {
	service *application.EquipmentService
	auditor audit.Logger
	logger  *zap.Logger
}

// NewHandler constructs an equipment handler. The auditor may be nil.
func NewHandler(service *application.EquipmentService, auditor audit.Logger, logger *zap.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("equipment handler: nil service")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, auditor: auditor, logger: logger}, nil
}

// ServeHTTP routes /api/v1/equipment requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/v1/equipment" {
		switch r.Method {
		case http.MethodGet:
			h.handleList(w, r)
		case http.MethodPost:
			h.handleSave(w, r, "")
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/equipment/")
	if rest == "" || strings.Contains(rest, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.handleGet(w, r, rest)
	case http.MethodPut:
		h.handleSave(w, r, rest)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	subsystem := masterdata.Subsystem(r.URL.Query().Get("subsystem"))
	if subsystem != "" && !subsystem.Valid() {
		http.Error(w, "unknown subsystem", http.StatusBadRequest)
		return
	}

	items, err := h.service.List(r.Context(), subsystem)
	if err != nil {
		http.Error(w, "list equipment error", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []masterdata.Equipment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	equipment, err := h.service.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "get equipment error", http.StatusInternalServerError)
		return
	}
	if equipment == nil {
		http.Error(w, "equipment not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, equipment)
}

type equipmentRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Subsystem string `json:"subsystem"`
	Location  string `json:"location"`
	Status    string `json:"status"`
}

// handleSave upserts equipment. For PUT the path id wins over any id in
// the body.
func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request, pathID string) {
	var req equipmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if pathID != "" {
		req.ID = pathID
	}

	equipment := &masterdata.Equipment{
		ID:        req.ID,
		Name:      req.Name,
		Subsystem: masterdata.Subsystem(req.Subsystem),
		Location:  req.Location,
		Status:    req.Status,
	}
	if err := h.service.Upsert(r.Context(), equipment); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.recordAudit(r, equipment)
	status := http.StatusOK
	if pathID == "" {
		status = http.StatusCreated
	}
	writeJSON(w, status, equipment)
}

func (h *Handler) recordAudit(r *http.Request, equipment *masterdata.Equipment) {
	if h.auditor == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"name":      equipment.Name,
		"subsystem": string(equipment.Subsystem),
		"status":    equipment.Status,
	})
	entry := audit.Entry{
		ID:            audit.NewID(),
		Actor:         auth.SubjectFromContext(r.Context()),
		Role:          string(auth.RoleFromContext(r.Context())),
		Action:        "equipment.save",
		ResourceType:  "equipment",
		ResourceID:    equipment.ID,
		EquipmentID:   equipment.ID,
		Metadata:      meta,
		PayloadDigest: audit.DigestJSON(meta),
		IP:            audit.ClientIP(r),
		UserAgent:     r.UserAgent(),
		CreatedAt:     time.Now().UTC(),
	}
	if err := h.auditor.Log(r.Context(), entry); err != nil {
		h.logger.Warn("equipment audit failed", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
