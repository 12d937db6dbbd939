package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	alarms "engineroom-monitor/internal/alarms/domain"
	telemetry "engineroom-monitor/internal/telemetry/domain"
)

type stubRuleStore struct {
	created *alarms.ThresholdRule
	updated *alarms.ThresholdRule
	rule    *alarms.ThresholdRule
	listed  []alarms.ThresholdRule
	err     error

	enabledID    string
	enabledValue bool
	deletedID    string
	gotEquipment string
	gotMetric    telemetry.MetricType
}

func (s *stubRuleStore) Create(_ context.Context, rule *alarms.ThresholdRule) error {
	if s.err != nil {
		return s.err
	}
	s.created = rule
	return nil
}

func (s *stubRuleStore) Update(_ context.Context, rule *alarms.ThresholdRule) error {
	if s.err != nil {
		return s.err
	}
	s.updated = rule
	return nil
}

func (s *stubRuleStore) SetEnabled(_ context.Context, ruleID string, enabled bool) error {
	if s.err != nil {
		return s.err
	}
	s.enabledID, s.enabledValue = ruleID, enabled
	return nil
}

func (s *stubRuleStore) Delete(_ context.Context, ruleID string) error {
	if s.err != nil {
		return s.err
	}
	s.deletedID = ruleID
	return nil
}

func (s *stubRuleStore) GetByID(context.Context, string) (*alarms.ThresholdRule, error) {
	return s.rule, s.err
}

func (s *stubRuleStore) List(_ context.Context, equipmentID string, metric telemetry.MetricType) ([]alarms.ThresholdRule, error) {
	s.gotEquipment, s.gotMetric = equipmentID, metric
	return s.listed, s.err
}

type stubRefresher struct {
	calls int
}

func (s *stubRefresher) RefreshIndex(context.Context) error {
	s.calls++
	return nil
}

func newTestRulesHandler(t *testing.T, store RuleStore, refresher IndexRefresher) *RulesHandler {
	t.Helper()
	handler, err := NewRulesHandler(store, refresher, zap.NewNop())
	if err != nil {
		t.Fatalf("new rules handler: %v", err)
	}
	return handler
}

func TestCreateRuleGeneratesIDAndRefreshes(t *testing.T) {
	store := &stubRuleStore{}
	refresher := &stubRefresher{}
	handler := newTestRulesHandler(t, store, refresher)

	body := strings.NewReader(`{
		"equipment_id": "engine-001",
		"metric_type": "temperature",
		"monitoring_point": "气缸1",
		"fault_name": "主机温度过高",
		"upper_limit": 85,
		"severity": "high",
		"unit": "°C",
		"recommended_action": "检查冷却水系统"
	}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/thresholds", body)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	if store.created == nil {
		t.Fatal("expected rule to reach the store")
	}
	if !strings.HasPrefix(store.created.ID, "rule-") {
		t.Fatalf("expected generated rule id, got %q", store.created.ID)
	}
	if !store.created.Enabled {
		t.Fatal("expected rule enabled by default")
	}
	if store.created.FaultName != "主机温度过高" || store.created.Severity != alarms.SeverityHigh {
		t.Fatalf("request not mapped: %+v", store.created)
	}
	if refresher.calls != 1 {
		t.Fatalf("expected one index refresh, got %d", refresher.calls)
	}
}

func TestCreateRuleStoreErrorIs400(t *testing.T) {
	store := &stubRuleStore{err: errors.New("threshold rule: at least one limit required")}
	refresher := &stubRefresher{}
	handler := newTestRulesHandler(t, store, refresher)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/thresholds", strings.NewReader(`{"equipment_id":"engine-001","metric_type":"temperature"}`))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if refresher.calls != 0 {
		t.Fatalf("expected no refresh on failure, got %d", refresher.calls)
	}
}

func TestListRulesRejectsUnknownMetric(t *testing.T) {
	handler := newTestRulesHandler(t, &stubRuleStore{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/thresholds?metric_type=bogus", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestListRulesForwardsFilter(t *testing.T) {
	store := &stubRuleStore{}
	handler := newTestRulesHandler(t, store, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/thresholds?equipment_id=engine-001&metric_type=temperature", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if store.gotEquipment != "engine-001" || store.gotMetric != telemetry.MetricTemperature {
		t.Fatalf("filter not forwarded: %q %q", store.gotEquipment, store.gotMetric)
	}
	if !strings.Contains(resp.Body.String(), `"items":[]`) {
		t.Fatalf("expected empty items array, got %s", resp.Body.String())
	}
}

func TestUpdateRuleKeepsPathID(t *testing.T) {
	store := &stubRuleStore{}
	handler := newTestRulesHandler(t, store, nil)

	body := strings.NewReader(`{"equipment_id":"engine-001","metric_type":"temperature","fault_name":"主机温度过高","upper_limit":90,"severity":"critical"}`)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/thresholds/rule-9", body)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if store.updated == nil || store.updated.ID != "rule-9" {
		t.Fatalf("expected update of rule-9, got %+v", store.updated)
	}
}

func TestEnableDisableRoutes(t *testing.T) {
	store := &stubRuleStore{}
	refresher := &stubRefresher{}
	handler := newTestRulesHandler(t, store, refresher)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/thresholds/rule-3/disable", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if store.enabledID != "rule-3" || store.enabledValue {
		t.Fatalf("expected rule-3 disabled, got %q %v", store.enabledID, store.enabledValue)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/thresholds/rule-3/enable", nil)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if !store.enabledValue {
		t.Fatal("expected rule-3 enabled")
	}
	if refresher.calls != 2 {
		t.Fatalf("expected refresh per change, got %d", refresher.calls)
	}

	var payload map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["id"] != "rule-3" || payload["enabled"] != true {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestDeleteRule(t *testing.T) {
	store := &stubRuleStore{}
	handler := newTestRulesHandler(t, store, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/thresholds/rule-3", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if store.deletedID != "rule-3" {
		t.Fatalf("expected rule-3 deleted, got %q", store.deletedID)
	}
}

func TestDeleteMissingRuleIs404(t *testing.T) {
	handler := newTestRulesHandler(t, &stubRuleStore{err: alarms.ErrNotFound}, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/thresholds/rule-404", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
