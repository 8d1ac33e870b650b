package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tessellate-io/flowline/flow"
	"github.com/tessellate-io/flowline/flow/exec"
	"github.com/tessellate-io/flowline/flow/lock"
	"github.com/tessellate-io/flowline/flow/schedule"
	"github.com/tessellate-io/flowline/flow/store"
)

func testServer(t *testing.T) (*store.MemStore, *flow.Engine, *echoHarness) {
	t.Helper()

	st := store.NewMemStore()
	locks := lock.NewManager(lock.NewMemStore())
	registry := exec.NewRegistry()

	engine, err := flow.NewEngine(st, locks, registry, flow.WithEngineID("eng-test"))
	if err != nil {
		t.Fatalf("NewEngine error: %v", err)
	}

	pool := schedule.NewRegistry(0)
	pool.Upsert(schedule.EngineInstance{ID: "eng-test", Capabilities: []string{"charge"}})
	picker := schedule.NewPicker(pool, schedule.StrategyLoadBalanced)

	health := &serverHealth{}
	e := newServer(st, engine, pool, picker, "eng-test", health)
	return st, engine, &echoHarness{handler: e, health: health}
}

type echoHarness struct {
	handler http.Handler
	health  *serverHealth
}

func (h *echoHarness) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	_, _, h := testServer(t)

	rec := h.do(t, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body["engine"] != "eng-test" {
		t.Errorf("body = %v", body)
	}

	// a failing recovery sweep degrades liveness until the next clean sweep
	h.health.recordSweep(errors.New("lock store unreachable"))
	if rec := h.do(t, http.MethodGet, "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded status = %d, want 503", rec.Code)
	}
	h.health.recordSweep(nil)
	if rec := h.do(t, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("recovered status = %d, want 200", rec.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	_, _, h := testServer(t)
	if rec := h.do(t, http.MethodGet, "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", rec.Code)
	}
}

func TestServer_EnginePick(t *testing.T) {
	_, _, h := testServer(t)

	rec := h.do(t, http.MethodGet, "/engines/pick?capabilities=charge")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var picked schedule.EngineInstance
	if err := json.Unmarshal(rec.Body.Bytes(), &picked); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if picked.ID != "eng-test" {
		t.Errorf("picked = %+v", picked)
	}

	if rec := h.do(t, http.MethodGet, "/engines/pick?capabilities=teleport"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unmatchable pick status = %d, want 503", rec.Code)
	}
}

func TestServer_InstanceLifecycle(t *testing.T) {
	st, _, h := testServer(t)

	inst := &store.WorkflowInstance{
		ID:                "wf-api",
		DefinitionName:    "demo",
		DefinitionVersion: 1,
		Status:            store.InstanceRunning,
	}
	if err := st.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("CreateInstance error: %v", err)
	}

	if rec := h.do(t, http.MethodGet, "/instances/wf-api"); rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/instances/wf-missing"); rec.Code != http.StatusNotFound {
		t.Errorf("missing instance status = %d, want 404", rec.Code)
	}

	if rec := h.do(t, http.MethodPost, "/instances/wf-api/pause"); rec.Code != http.StatusAccepted {
		t.Errorf("pause status = %d, want 202", rec.Code)
	}
	got, _ := st.GetInstance(context.Background(), "wf-api")
	if got.Status != store.InstancePaused {
		t.Errorf("status = %s, want paused", got.Status)
	}

	if rec := h.do(t, http.MethodPost, "/instances/wf-api/cancel"); rec.Code != http.StatusAccepted {
		t.Errorf("cancel status = %d, want 202", rec.Code)
	}

	// canceled is terminal: pausing again conflicts
	if rec := h.do(t, http.MethodPost, "/instances/wf-api/pause"); rec.Code != http.StatusConflict {
		t.Errorf("pause after cancel status = %d, want 409", rec.Code)
	}
}

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3", "abc1234", "2026-08-26")
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	if got := out.String(); got != "flowlined 1.2.3 (commit abc1234, built 2026-08-26)\n" {
		t.Errorf("version output = %q", got)
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV("charge, ship,,notify ")
	if len(got) != 3 || got[0] != "charge" || got[1] != "ship" || got[2] != "notify" {
		t.Errorf("splitCSV = %v", got)
	}
}
