package integration_test

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	alarmrepo "engineroom-monitor/internal/alarms/infrastructure/postgres"
	alarmshttp "engineroom-monitor/internal/alarms/interfaces/http"
	"engineroom-monitor/internal/auth"
)

const authzSecret = "authz-it-secret"

// TestThresholdAdminRBAC_Postgres walks a threshold rule through the
// full stack: bearer token, role policy, admin handler, real repository.
// Reads stay open to viewers while mutations require admin.
func TestThresholdAdminRBAC_Postgres(t *testing.T) {
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
	if _, err := db.Exec("DELETE FROM threshold_rules WHERE equipment_id = 'engine-authz'"); err != nil {
		t.Fatalf("clean rules: %v", err)
	}

	handler, err := alarmshttp.NewRulesHandler(alarmrepo.NewThresholdRuleRepository(db), nil, zap.NewNop())
	if err != nil {
		t.Fatalf("rules handler: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/api/v1/thresholds", handler)
	mux.Handle("/api/v1/thresholds/", handler)

	middleware := auth.NewMiddleware([]byte(authzSecret), auth.NewDefaultPolicy(nil, nil))
	server := httptest.NewServer(middleware.Wrap(mux))
	defer server.Close()

	ruleBody := `{
		"equipment_id": "engine-authz",
		"metric_type": "temperature",
		"monitoring_point": "气缸1",
		"fault_name": "主机温度偏高",
		"upper_limit": 85,
		"severity": "medium",
		"unit": "°C",
		"recommended_action": "检查冷却水系统"
	}`

	viewerToken := mustToken(t, "观察员", "viewer")
	operatorToken := mustToken(t, "值班轮机员", "operator")
	adminToken := mustToken(t, "轮机长", "admin")

	resp := doRequest(t, server, http.MethodPost, "/api/v1/thresholds", "", ruleBody)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", resp.StatusCode)
	}
	resp = doRequest(t, server, http.MethodPost, "/api/v1/thresholds", viewerToken, ruleBody)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer create: expected 403, got %d", resp.StatusCode)
	}
	resp = doRequest(t, server, http.MethodPost, "/api/v1/thresholds", operatorToken, ruleBody)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("operator create: expected 403, got %d", resp.StatusCode)
	}

	resp = doRequest(t, server, http.MethodPost, "/api/v1/thresholds", adminToken, ruleBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("admin create: expected 201, got %d", resp.StatusCode)
	}
	var created struct {
		ID          string `json:"id"`
		EquipmentID string `json:"equipment_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode created rule: %v", err)
	}
	if created.ID == "" || created.EquipmentID != "engine-authz" {
		t.Fatalf("unexpected created rule: %+v", created)
	}

	resp = doRequest(t, server, http.MethodGet, "/api/v1/thresholds?equipment_id=engine-authz", viewerToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("viewer list: expected 200, got %d", resp.StatusCode)
	}
	var listed struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
		Total int `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listed.Total != 1 || len(listed.Items) != 1 || listed.Items[0].ID != created.ID {
		t.Fatalf("viewer should see the created rule, got %+v", listed)
	}

	resp = doRequest(t, server, http.MethodDelete, "/api/v1/thresholds/"+created.ID, viewerToken, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer delete: expected 403, got %d", resp.StatusCode)
	}
	resp = doRequest(t, server, http.MethodDelete, "/api/v1/thresholds/"+created.ID, adminToken, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("admin delete: expected 204, got %d", resp.StatusCode)
	}
}

func doRequest(t *testing.T, server *httptest.Server, method, path, token, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func mustToken(t *testing.T, name, role string) string {
	t.Helper()
	claims := auth.Claims{
		Name: name,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-" + role,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(authzSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func applyMigrations(db *sql.DB) error {
	root := projectRoot()
	files := []string{
		filepath.Join(root, "migrations", "001_init.sql"),
		filepath.Join(root, "migrations", "003_masterdata.sql"),
	}
	for _, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(content)); err != nil {
			return err
		}
	}
	return nil
}

func projectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	return filepath.Clean(filepath.Join(dir, "..", "..", ".."))
}
