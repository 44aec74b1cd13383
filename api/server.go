// Package api implements the HTTP and WebSocket surface (spec.md §6.1,
// §6.2): the single entrypoint every owner is reached through. Grounded on
// the teacher's processor/project-api/http.go registration idiom
// (RegisterHTTPHandlers under a prefix, a shared writeJSON helper, a
// per-handler method guard) generalized from one component's routes to the
// full resource set spec.md enumerates, using Go's net/http method+path
// pattern routing (http.ServeMux as of Go 1.22) in place of the teacher's
// manual prefix dispatch, since several routes need a path parameter the
// teacher's string-prefix matching has no equivalent for.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/contextkeeper/apierr"
	"github.com/c360studio/contextkeeper/eventbus"
	"github.com/c360studio/contextkeeper/storage/projectregistry"
	"github.com/c360studio/contextkeeper/storage/retrieval"
	"github.com/c360studio/contextkeeper/storage/sacredstore"
	"github.com/c360studio/contextkeeper/task"
)

// maxRequestBodySize limits POST/PUT body sizes, mirroring the teacher's
// processor/project-api/http.go constant of the same purpose.
const maxRequestBodySize = 1 << 20 // 1 MB

const timeLayout = time.RFC3339

func nowRFC3339() string { return time.Now().UTC().Format(timeLayout) }

// Embedder is the subset of llm/embedding.Client the API surface needs
// directly (drift analysis embeds commit text and plan text on demand).
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Server wires every owner into the HTTP+WebSocket surface. No owner is
// package-level state (spec.md §9 "Singleton state"): every dependency
// arrives through NewServer.
type Server struct {
	Projects  *projectregistry.Registry
	Sacred    *sacredstore.Store
	Retrieval *retrieval.Engine
	Tasks     *task.Registry
	Bus       *eventbus.Bus
	Embedder  Embedder

	ApprovalKey  string
	MaxFileBytes int64

	logger *slog.Logger
}

// Config bundles NewServer's dependencies.
type Config struct {
	Projects     *projectregistry.Registry
	Sacred       *sacredstore.Store
	Retrieval    *retrieval.Engine
	Tasks        *task.Registry
	Bus          *eventbus.Bus
	Embedder     Embedder
	ApprovalKey  string
	MaxFileBytes int64
	Logger       *slog.Logger
}

// NewServer builds a Server from already-open owners.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Projects:     cfg.Projects,
		Sacred:       cfg.Sacred,
		Retrieval:    cfg.Retrieval,
		Tasks:        cfg.Tasks,
		Bus:          cfg.Bus,
		Embedder:     cfg.Embedder,
		ApprovalKey:  cfg.ApprovalKey,
		MaxFileBytes: cfg.MaxFileBytes,
		logger:       logger,
	}
}

// Routes builds the full mux (spec.md §6.1's table plus §6.2's WebSocket
// endpoint).
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /projects", s.handleListProjects)
	mux.HandleFunc("POST /projects", s.handleCreateProject)
	mux.HandleFunc("POST /projects/create-and-index", s.handleCreateAndIndex)
	mux.HandleFunc("GET /projects/{id}", s.handleGetProject)
	mux.HandleFunc("PUT /projects/{id}/focus", s.handleFocus)
	mux.HandleFunc("PUT /projects/{id}/pause", s.handlePause)
	mux.HandleFunc("PUT /projects/{id}/resume", s.handleResume)
	mux.HandleFunc("PUT /projects/{id}/archive", s.handleArchive)
	mux.HandleFunc("GET /projects/{id}/context", s.handleContext)
	mux.HandleFunc("POST /projects/{id}/decisions", s.handleAddDecision)
	mux.HandleFunc("POST /projects/{id}/objectives", s.handleAddObjective)
	mux.HandleFunc("POST /projects/{id}/objectives/{oid}/complete", s.handleCompleteObjective)

	mux.HandleFunc("POST /ingest", s.handleIngest)
	mux.HandleFunc("GET /tasks/{task_id}", s.handleGetTask)

	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("POST /query_llm", s.handleQueryLLM)

	mux.HandleFunc("POST /sacred/plans", s.handleCreatePlan)
	mux.HandleFunc("GET /sacred/plans", s.handleListPlans)
	mux.HandleFunc("POST /sacred/plans/{id}/approve", s.handleApprovePlan)
	mux.HandleFunc("GET /sacred/plans/{id}", s.handleGetPlan)
	mux.HandleFunc("POST /sacred/query", s.handleSacredQuery)
	mux.HandleFunc("GET /sacred/drift/{project_id}", s.handleDrift)
	mux.HandleFunc("GET /analytics/sacred", s.handleAnalytics)

	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return withMetrics(mux)
}

// handleHealth reports liveness; it never fails (spec.md §6.4: a
// dependency being unreachable degrades health, it does not take the
// listing/governance endpoints down).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// writeJSON marshals payload as the response body, matching the teacher's
// writeJSON(w, status, payload) convention.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// writeErr converts err to spec.md §6.1's error envelope.
func writeErr(w http.ResponseWriter, err error) {
	resp, status := apierr.ToResponse(err)
	writeJSON(w, status, resp)
}

// decodeJSON reads and decodes a JSON request body, bounded to
// maxRequestBodySize, rejecting unknown fields' absence (permissive, per
// spec.md §9's "tolerant to backward-compatible additions" posture —
// unknown request fields are simply ignored, not rejected).
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}
