package rpcserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ob-poc/runbook-engine/internal/exec"
	"github.com/ob-poc/runbook-engine/internal/logging"
	"github.com/ob-poc/runbook-engine/internal/planner"
	"github.com/ob-poc/runbook-engine/internal/registry"
	"github.com/ob-poc/runbook-engine/internal/session"
	"github.com/ob-poc/runbook-engine/internal/verbs"
)

func newTestServer(t *testing.T, db *sql.DB) *Server {
	t.Helper()
	reg := verbs.NewRegistry()
	reg.Rebuild([]verbs.Contract{
		{Name: "case.create", Kind: verbs.KindPrimitive, Produces: []string{"case"}},
	})
	builder := planner.NewBuilder(reg, nil, nil, logging.Noop())
	gate := exec.NewGate(db, exec.NewCursorStore(db), noopExecutor{})
	store := registry.NewStore(db)
	return New(reg, builder, gate, store, logging.Noop()).WithSessions(session.NewManager())
}

type noopExecutor struct{}

func (noopExecutor) Execute(_ context.Context, _ planner.CompiledStep) (exec.StepResult, error) {
	return exec.StepResult{Outcome: exec.Completed}, nil
}

func doRPC(t *testing.T, srv *Server, method string, params map[string]any) map[string]any {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rec.Body.String())
	}
	return out
}

func TestInitializeReturnsServerInfo(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	srv := newTestServer(t, db)
	out := doRPC(t, srv, "initialize", nil)
	if out["error"] != nil {
		t.Fatalf("unexpected error: %v", out["error"])
	}
	result, ok := out["result"].(map[string]any)
	if !ok || result["server_name"] != "runbook-engine" {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestToolsListReturnsRegisteredVerbs(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	srv := newTestServer(t, db)
	out := doRPC(t, srv, "tools/list", nil)
	result, ok := out["result"].(map[string]any)
	if !ok {
		t.Fatalf("unexpected result: %v", out)
	}
	tools, ok := result["tools"].([]any)
	if !ok || len(tools) != 1 {
		t.Fatalf("expected exactly one tool, got %v", result["tools"])
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	srv := newTestServer(t, db)
	out := doRPC(t, srv, "bogus/method", nil)
	rpcErr, ok := out["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected an error response, got %v", out)
	}
	if int(rpcErr["code"].(float64)) != codeMethodNotFound {
		t.Fatalf("expected code %d, got %v", codeMethodNotFound, rpcErr["code"])
	}
}

func TestToolsCallPreviewReturnsPlanWithoutExecuting(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	srv := newTestServer(t, db)
	out := doRPC(t, srv, "tools/call", map[string]any{
		"actor_clearance": "internal",
		"verbs":           []string{"case.create"},
		"preview":         true,
	})
	result, ok := out["result"].(map[string]any)
	if !ok || result["preview"] == nil {
		t.Fatalf("expected a preview result, got %v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("preview must not touch the database: %v", err)
	}
}

func TestToolsCallUnknownVerbReturnsClarification(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	srv := newTestServer(t, db)
	out := doRPC(t, srv, "tools/call", map[string]any{
		"verbs": []string{"case.creat"},
	})
	result, ok := out["result"].(map[string]any)
	if !ok || result["clarification"] == nil {
		t.Fatalf("expected a clarification result, got %v", out)
	}
}
