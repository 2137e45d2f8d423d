// Package rpcserver serves the MCP-style JSON-RPC 2.0 admin surface:
// initialize, tools/list, tools/call, resources/list, and
// resources/read, over HTTP via github.com/go-chi/chi/v5 — the
// middleware chain carries request-scoped logging, and the router
// gives the five JSON-RPC methods one mount point.
//
// "tools" are the published verbs in the Verb Registry; tools/call
// compiles a runbook from the requested verb through planner.Builder
// and runs it to completion through exec.Gate — the same compile/run
// path a CLI invocation takes, reachable here over the wire instead.
// "resources" are Semantic Registry snapshots. A separate /callbacks
// endpoint receives external completion events and resumes parked
// runbooks.
package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ob-poc/runbook-engine/internal/exec"
	"github.com/ob-poc/runbook-engine/internal/planner"
	"github.com/ob-poc/runbook-engine/internal/registry"
	"github.com/ob-poc/runbook-engine/internal/runbooks"
	"github.com/ob-poc/runbook-engine/internal/session"
	"github.com/ob-poc/runbook-engine/internal/tasks"
	"github.com/ob-poc/runbook-engine/internal/verbs"
)

// Standard JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server wires the JSON-RPC admin surface to the core compile/execute
// pipeline and the Semantic Registry Store. The runbook store, session
// manager, and callback handler are optional: without them tools/call
// runs stateless (no persistence, no session threading) and /callbacks
// is not mounted.
type Server struct {
	registry  *verbs.Registry
	builder   *planner.Builder
	gate      *exec.Gate
	store     *registry.Store
	cache     *registry.CachedStore
	rbStore   *runbooks.Store
	sessions  *session.Manager
	callbacks *tasks.CallbackHandler
	log       *zap.SugaredLogger
}

func New(reg *verbs.Registry, builder *planner.Builder, gate *exec.Gate, store *registry.Store, log *zap.SugaredLogger) *Server {
	return &Server{registry: reg, builder: builder, gate: gate, store: store, log: log}
}

// WithCache reads the active snapshot set through the Redis-backed
// cache instead of hitting Postgres on every resources/list call.
func (s *Server) WithCache(c *registry.CachedStore) *Server {
	s.cache = c
	return s
}

// WithRunbookStore persists every non-preview compile before running it.
func (s *Server) WithRunbookStore(store *runbooks.Store) *Server {
	s.rbStore = store
	return s
}

// WithSessions threads a session manager through tools/call so
// session_id params resolve to live sessions.
func (s *Server) WithSessions(m *session.Manager) *Server {
	s.sessions = m
	return s
}

// WithCallbacks mounts the /callbacks receipt endpoint.
func (s *Server) WithCallbacks(h *tasks.CallbackHandler) *Server {
	s.callbacks = h
	return s
}

// Router builds the chi router serving this admin surface: a single
// POST /rpc mount for the JSON-RPC dispatch, plus a health endpoint
// chi middleware can observe independently of the RPC traffic.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/rpc", s.handleRPC)
	if s.callbacks != nil {
		r.Post("/callbacks", s.handleCallback)
	}
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		s.log.Infow("rpc request", "request_id", reqID, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nil, codeParseError, "invalid JSON-RPC request body")
		return
	}
	if req.JSONRPC != "2.0" {
		writeError(w, req.ID, codeInvalidRequest, "jsonrpc must be \"2.0\"")
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, req)
	case "tools/list":
		s.handleToolsList(w, req)
	case "tools/call":
		s.handleToolsCall(w, req)
	case "resources/list":
		s.handleResourcesList(w, req)
	case "resources/read":
		s.handleResourcesRead(w, req)
	default:
		writeError(w, req.ID, codeMethodNotFound, "unknown method "+req.Method)
	}
}

type initializeResult struct {
	ServerName   string   `json:"server_name"`
	ProtocolVer  string   `json:"protocol_version"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, req request) {
	writeResult(w, req.ID, initializeResult{
		ServerName:   "runbook-engine",
		ProtocolVer:  "2.0",
		Capabilities: []string{"tools", "resources"},
	})
}

type tool struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

func (s *Server) handleToolsList(w http.ResponseWriter, req request) {
	names := s.registry.Names()
	tools := make([]tool, 0, len(names))
	for _, name := range names {
		kind := string(verbs.KindPrimitive)
		if k, err := s.registry.Classify(name); err == nil {
			kind = string(k)
		}
		tools = append(tools, tool{Name: name, Kind: kind})
	}
	writeResult(w, req.ID, map[string]any{"tools": tools})
}

type toolsCallParams struct {
	ActorClearance string                    `json:"actor_clearance"`
	EntityType     string                    `json:"entity_type"`
	Jurisdiction   string                    `json:"jurisdiction"`
	SessionID      string                    `json:"session_id"`
	Utterance      string                    `json:"utterance"`
	Verbs          []string                  `json:"verbs"`
	Args           map[string]map[string]any `json:"args"`
	Preview        bool                      `json:"preview"`
}

type toolsCallResult struct {
	RunbookID string `json:"runbook_id"`
	SessionID string `json:"session_id,omitempty"`
	Outcome   string `json:"outcome"`
}

func (s *Server) handleToolsCall(w http.ResponseWriter, req request) {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeError(w, req.ID, codeInvalidParams, "tools/call: "+err.Error())
		return
	}
	if len(params.Verbs) == 0 {
		writeError(w, req.ID, codeInvalidParams, "tools/call: params.verbs must not be empty")
		return
	}

	var sess *session.UnifiedSession
	if s.sessions != nil {
		sess = s.sessions.Get(params.SessionID)
	}

	ctx := context.Background()
	rb, err := s.builder.Compile(ctx, planner.CompileRequest{
		ActorClearance: params.ActorClearance,
		EntityType:     params.EntityType,
		Jurisdiction:   params.Jurisdiction,
		Utterance:      params.Utterance,
		Verbs:          params.Verbs,
		Args:           params.Args,
		Session:        sess,
		Preview:        params.Preview,
	})
	if err != nil {
		var clarification *planner.ClarificationError
		if errors.As(err, &clarification) {
			writeResult(w, req.ID, map[string]any{"clarification": clarification})
			return
		}
		var violation *planner.ConstraintViolationError
		if errors.As(err, &violation) {
			writeResult(w, req.ID, map[string]any{"constraint_violation": violation})
			return
		}
		writeError(w, req.ID, codeInvalidParams, "tools/call: compile failed: "+err.Error())
		return
	}

	if params.Preview {
		writeResult(w, req.ID, map[string]any{"preview": rb})
		return
	}

	if s.rbStore != nil {
		if err := s.rbStore.Save(ctx, rb); err != nil {
			writeError(w, req.ID, codeInternalError, "tools/call: persist runbook: "+err.Error())
			return
		}
	}

	outcome, err := s.gate.Run(ctx, rb)
	if err != nil {
		writeError(w, req.ID, codeInternalError, "tools/call: execution failed: "+err.Error())
		return
	}
	if outcome == exec.Completed && sess != nil {
		sess.ApplyCompletion(rb.ExecutedVerbs(), rb.SetsState)
	}

	result := toolsCallResult{RunbookID: rb.ID.String(), Outcome: string(outcome)}
	if sess != nil {
		result.SessionID = sess.ID().String()
	}
	writeResult(w, req.ID, result)
}

type callbackParams struct {
	JobKey         string `json:"job_key"`
	CorrelationKey string `json:"correlation_key"`
}

// handleCallback is the external-event receipt endpoint: BPMN job
// completion, document upload, screening outcome. Duplicate deliveries
// are no-ops by job-frame dedupe.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var params callbackParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "invalid callback body", http.StatusBadRequest)
		return
	}
	if params.JobKey == "" || params.CorrelationKey == "" {
		http.Error(w, "job_key and correlation_key are required", http.StatusBadRequest)
		return
	}

	result, err := s.callbacks.OnCallback(r.Context(), params.JobKey, params.CorrelationKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"outcome":   string(result.Outcome),
		"resumed":   result.Resumed,
		"duplicate": result.Duplicate,
	})
}

type resourceSummary struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Version int    `json:"version"`
}

func (s *Server) handleResourcesList(w http.ResponseWriter, req request) {
	snaps, err := s.activeSnapshots(r2ctx())
	if err != nil {
		writeError(w, req.ID, codeInternalError, "resources/list: "+err.Error())
		return
	}
	out := make([]resourceSummary, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, resourceSummary{Kind: string(snap.Kind), Name: snap.Name, Version: snap.Version})
	}
	writeResult(w, req.ID, map[string]any{"resources": out})
}

// activeSnapshots reads through the snapshot-set cache when one is
// wired, falling back to a direct store read otherwise.
func (s *Server) activeSnapshots(ctx context.Context) ([]registry.Snapshot, error) {
	if s.cache != nil {
		set, err := s.cache.ActiveSnapshotSet(ctx)
		if err != nil {
			return nil, err
		}
		return set.Snapshots, nil
	}
	return s.store.ActiveSnapshots(ctx)
}

type resourcesReadParams struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Version int    `json:"version"`
}

func (s *Server) handleResourcesRead(w http.ResponseWriter, req request) {
	var params resourcesReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeError(w, req.ID, codeInvalidParams, "resources/read: "+err.Error())
		return
	}

	snaps, err := s.activeSnapshots(r2ctx())
	if err != nil {
		writeError(w, req.ID, codeInternalError, "resources/read: "+err.Error())
		return
	}
	for _, snap := range snaps {
		if string(snap.Kind) == params.Kind && snap.Name == params.Name && snap.Version == params.Version {
			writeResult(w, req.ID, snap)
			return
		}
	}
	writeError(w, req.ID, codeInvalidParams, "resources/read: no active snapshot matches the given kind/name/version")
}

// r2ctx returns a background context for the registry read path; every
// resources/* method here is a best-effort admin read with no caller
// deadline threaded through the JSON-RPC envelope.
func r2ctx() context.Context { return context.Background() }

func writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response{JSONRPC: "2.0", ID: id, Result: result})
}

func writeError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}
