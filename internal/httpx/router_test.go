package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cutover-io/cutover/internal/audit"
	"github.com/cutover-io/cutover/internal/domain"
	"github.com/cutover-io/cutover/internal/legacy"
	"github.com/cutover-io/cutover/internal/orchestrator"
	"github.com/cutover-io/cutover/internal/progress"
	"github.com/cutover-io/cutover/internal/registry"
	"github.com/cutover-io/cutover/internal/repository/memory"
	"github.com/cutover-io/cutover/internal/runtime"
	"github.com/cutover-io/cutover/pkg/crypto"
)

type stubRuntime struct{}

func (stubRuntime) Name() string                                      { return "stub" }
func (stubRuntime) Start(context.Context, runtime.StartRequest) error { return nil }
func (stubRuntime) Stop(context.Context, string) error                { return nil }
func (stubRuntime) Remove(context.Context, string) error              { return nil }
func (stubRuntime) ListContainers(context.Context) ([]runtime.Container, error) {
	return nil, nil
}
func (stubRuntime) NetworkExists(context.Context, string) (bool, error) { return true, nil }
func (stubRuntime) MajorVersion(context.Context) (int, error)           { return 5, nil }

type stubGate struct{}

func (stubGate) Wait(context.Context, string) error { return nil }
func (stubGate) Probe(context.Context, string) bool { return true }

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := memory.New()
	reg := registry.New(repo, log, 0)
	auditSvc := audit.New(repo, log, 90, 24*time.Hour)
	gate := stubGate{}
	orch := orchestrator.New(reg, stubRuntime{}, gate, auditSvc, nil, nil, nil, log, orchestrator.Config{Network: "cutover"})
	detector := legacy.NewDetector(reg, stubRuntime{}, legacy.Paths{}, log)
	planner := legacy.NewPlanner(legacy.Paths{}, log)

	hash, err := crypto.HashPassword("swordfish")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	operator := &domain.Operator{ID: "op-1", Name: "alice", PasswordHash: hash}
	if err := repo.CreateOperator(context.Background(), operator); err != nil {
		t.Fatalf("create operator: %v", err)
	}

	router := NewRouter(log, Deps{
		Registry:  reg,
		Orch:      orch,
		Audit:     auditSvc,
		Detector:  detector,
		Planner:   planner,
		Gate:      gate,
		Broker:    progress.NewBroker(8),
		Operators: repo,
		JWTSecret: "test-secret",
		TokenTTL:  time.Hour,
	})
	t.Cleanup(router.Close)
	return router
}

func login(t *testing.T, router *Router) string {
	t.Helper()
	body := bytes.NewBufferString(`{"name":"alice","password":"swordfish"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/login", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if payload.Token == "" {
		t.Fatal("login returned empty token")
	}
	return payload.Token
}

func callTool(t *testing.T, router *Router, token, tool string, params any) (*httptest.ResponseRecorder, ToolResponse) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"tool": tool, "params": params})
	if err != nil {
		t.Fatalf("marshal tool request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/tools", bytes.NewReader(raw))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var resp ToolResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode tool response: %v (%s)", err, rec.Body.String())
	}
	return rec, resp
}

func TestLoginRejectsBadPassword(t *testing.T) {
	router := newTestRouter(t)
	body := bytes.NewBufferString(`{"name":"alice","password":"wrong"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/login", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestToolsRequireAuthentication(t *testing.T) {
	router := newTestRouter(t)
	rec, _ := callTool(t, router, "", "slot_list", map[string]any{})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestDeployPromoteStatusRoundTrip(t *testing.T) {
	router := newTestRouter(t)
	token := login(t, router)

	rec, resp := callTool(t, router, token, "deploy", map[string]any{
		"project":     "demo",
		"environment": "staging",
		"image":       "registry.example.com/demo:v1",
		"version":     "v1",
	})
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("deploy failed: %d %s", rec.Code, rec.Body.String())
	}

	rec, resp = callTool(t, router, token, "promote", map[string]any{
		"project":     "demo",
		"environment": "staging",
	})
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("promote failed: %d %s", rec.Code, rec.Body.String())
	}

	rec, resp = callTool(t, router, token, "slot_status", map[string]any{
		"project":     "demo",
		"environment": "staging",
	})
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("slot_status failed: %d %s", rec.Code, rec.Body.String())
	}
	raw, _ := json.Marshal(resp.Result)
	var pair pairView
	if err := json.Unmarshal(raw, &pair); err != nil {
		t.Fatalf("decode pair view: %v", err)
	}
	if pair.ActiveSlot != "blue" || pair.Blue.State != "active" {
		t.Fatalf("unexpected pair state: %+v", pair)
	}
	if pair.Blue.Port < 3000 || pair.Blue.Port > 3249 {
		t.Fatalf("port %d outside staging blue range", pair.Blue.Port)
	}
}

func TestRollbackWithoutGraceSlotReportsConflict(t *testing.T) {
	router := newTestRouter(t)
	token := login(t, router)
	callTool(t, router, token, "deploy", map[string]any{
		"project": "demo", "environment": "staging", "image": "demo:v1",
	})

	rec, resp := callTool(t, router, token, "rollback", map[string]any{
		"project": "demo", "environment": "staging",
	})
	if rec.Code != http.StatusConflict || resp.Success {
		t.Fatalf("expected 409 conflict, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestUnknownToolRejected(t *testing.T) {
	router := newTestRouter(t)
	token := login(t, router)
	rec, resp := callTool(t, router, token, "launch_missiles", nil)
	if rec.Code != http.StatusBadRequest || resp.Success {
		t.Fatalf("expected 400 for unknown tool, got %d", rec.Code)
	}
}

func TestDeprecatedToolNameGetsGuidance(t *testing.T) {
	router := newTestRouter(t)
	token := login(t, router)
	rec, resp := callTool(t, router, token, "switch_slots", map[string]any{
		"project": "demo", "environment": "staging",
	})
	if rec.Code != http.StatusBadRequest || resp.Success {
		t.Fatalf("deprecated tool must not execute, got %d", rec.Code)
	}
	if resp.Hint == "" || resp.Hint != `use "promote" instead` {
		t.Fatalf("expected guidance hint, got %q", resp.Hint)
	}
}

func TestEveryOperationHasAHandler(t *testing.T) {
	router := newTestRouter(t)
	for _, op := range allOps {
		if _, ok := router.tools[op]; !ok {
			t.Fatalf("operation %q missing from dispatch table", op)
		}
	}
	if len(router.tools) != len(allOps) {
		t.Fatalf("dispatch table has %d entries, want %d", len(router.tools), len(allOps))
	}
}

func TestAuditEndpointListsOperations(t *testing.T) {
	router := newTestRouter(t)
	token := login(t, router)
	callTool(t, router, token, "deploy", map[string]any{
		"project": "demo", "environment": "staging", "image": "demo:v1",
	})

	req := httptest.NewRequest(http.MethodGet, "/audit?project=demo", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit status = %d: %s", rec.Code, rec.Body.String())
	}
	var entries []auditView
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode audit list: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected at least one audit entry")
	}
	if entries[0].Action != "deploy" || entries[0].Actor != "alice" {
		t.Fatalf("unexpected audit entry: %+v", entries[0])
	}
}

func TestWorkflowScanAndMigrationPlanTools(t *testing.T) {
	router := newTestRouter(t)
	token := login(t, router)

	rec, resp := callTool(t, router, token, "workflow_scan", nil)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("workflow_scan failed: %d %s", rec.Code, rec.Body.String())
	}

	rec, resp = callTool(t, router, token, "migration_plan", nil)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("migration_plan failed: %d %s", rec.Code, rec.Body.String())
	}
	raw, _ := json.Marshal(resp.Result)
	var plan planView
	if err := json.Unmarshal(raw, &plan); err != nil {
		t.Fatalf("decode plan view: %v", err)
	}
	if plan.DetectedSystem == "" {
		t.Fatal("plan should carry a detected system type")
	}
}

func TestHealthzReportsComponents(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestFullHealthCheckTool(t *testing.T) {
	router := newTestRouter(t)
	token := login(t, router)
	callTool(t, router, token, "deploy", map[string]any{
		"project": "demo", "environment": "staging", "image": "demo:v1",
	})

	rec, resp := callTool(t, router, token, "full_health_check", nil)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("full_health_check failed: %d %s", rec.Code, rec.Body.String())
	}
	raw, _ := json.Marshal(resp.Result)
	var payload struct {
		Slots []struct {
			Project string `json:"project"`
			Slot    string `json:"slot"`
			Live    bool   `json:"live"`
		} `json:"slots"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decode health payload: %v", err)
	}
	if len(payload.Slots) != 1 || !payload.Slots[0].Live {
		t.Fatalf("unexpected health payload: %+v", payload.Slots)
	}
}
