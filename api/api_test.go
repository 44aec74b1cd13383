package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c360studio/contextkeeper/eventbus"
	"github.com/c360studio/contextkeeper/llm/generation"
	"github.com/c360studio/contextkeeper/source/chunker"
	"github.com/c360studio/contextkeeper/storage/projectregistry"
	"github.com/c360studio/contextkeeper/storage/retrieval"
	"github.com/c360studio/contextkeeper/storage/sacredstore"
	"github.com/c360studio/contextkeeper/storage/vectorstore"
	"github.com/c360studio/contextkeeper/task"
	vtask "github.com/c360studio/contextkeeper/vocabulary/task"
)

const testDim = 4

type fakeEmbedder struct{}

func (fakeEmbedder) Dimension() int { return testDim }

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		var h float32
		for _, r := range t {
			h += float32(r)
		}
		v := make([]float32, testDim)
		for j := range v {
			v[j] = h + float32(j)*0.001
		}
		out[i] = v
	}
	return out, nil
}

type fakeGenerator struct{}

func (fakeGenerator) Generate(_ context.Context, _ []generation.Message, _ *float64) (*generation.Response, error) {
	return &generation.Response{Content: "generated answer"}, nil
}

type testServer struct {
	*Server
	bus *eventbus.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dataRoot := t.TempDir()

	vectors, err := vectorstore.Open(dataRoot)
	if err != nil {
		t.Fatalf("vectorstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = vectors.Close() })

	projects, err := projectregistry.Open(dataRoot, nil)
	if err != nil {
		t.Fatalf("projectregistry.Open: %v", err)
	}

	embedder := fakeEmbedder{}
	retrievalEngine, err := retrieval.New(vectors, embedder, fakeGenerator{}, chunker.DefaultConfig(), 1<<20)
	if err != nil {
		t.Fatalf("retrieval.New: %v", err)
	}

	sacred, err := sacredstore.Open(dataRoot, vectors, embedder, chunker.DefaultConfig(), testDim)
	if err != nil {
		t.Fatalf("sacredstore.Open: %v", err)
	}

	bus, err := eventbus.Open("", true)
	if err != nil {
		t.Fatalf("eventbus.Open: %v", err)
	}
	t.Cleanup(bus.Close)

	tasks := task.New(bus, 2)

	srv := NewServer(Config{
		Projects:     projects,
		Sacred:       sacred,
		Retrieval:    retrievalEngine,
		Tasks:        tasks,
		Bus:          bus,
		Embedder:     embedder,
		ApprovalKey:  "top-secret",
		MaxFileBytes: 1 << 20,
	})
	return &testServer{Server: srv, bus: bus}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(data))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %s: %v", w.Body.String(), err)
	}
}

// TestScenarioA_IngestAndQuery exercises spec.md §8 Scenario A end to end.
func TestScenarioA_IngestAndQuery(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Routes()

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.py"), []byte("def add(x,y): return x+y\n"), 0o644); err != nil {
		t.Fatalf("write a.py: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("# S\n"), 0o644); err != nil {
		t.Fatalf("write README.md: %v", err)
	}

	w := doJSON(t, handler, http.MethodPost, "/projects", map[string]string{"name": "S", "root_path": root})
	if w.Code != http.StatusCreated {
		t.Fatalf("create project: status=%d body=%s", w.Code, w.Body.String())
	}
	var created createProjectResponse
	decodeBody(t, w, &created)

	w = doJSON(t, handler, http.MethodPost, "/ingest", map[string]string{"path": root, "project_id": created.ProjectID})
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest: status=%d body=%s", w.Code, w.Body.String())
	}
	var ingestResp ingestResponse
	decodeBody(t, w, &ingestResp)

	deadline := time.Now().Add(5 * time.Second)
	var taskBody vtask.Task
	for time.Now().Before(deadline) {
		w = doJSON(t, handler, http.MethodGet, "/tasks/"+ingestResp.TaskID, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("get task: status=%d body=%s", w.Code, w.Body.String())
		}
		decodeBody(t, w, &taskBody)
		if taskBody.Status == vtask.StatusCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if taskBody.Status != vtask.StatusCompleted {
		t.Fatalf("task did not complete in time: %+v", taskBody)
	}
	if taskBody.Counters.FilesProcessed != 2 {
		t.Fatalf("expected 2 files processed, got %+v", taskBody.Counters)
	}

	w = doJSON(t, handler, http.MethodPost, "/query", map[string]any{
		"question":   "adds two numbers",
		"k":          3,
		"project_id": created.ProjectID,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("query: status=%d body=%s", w.Code, w.Body.String())
	}
	var qr queryResponse
	decodeBody(t, w, &qr)
	if len(qr.Results) == 0 {
		t.Fatalf("expected query results")
	}
	if qr.Results[0].SourcePath != "a.py" {
		t.Fatalf("top result source = %s, want a.py", qr.Results[0].SourcePath)
	}
}

// TestScenarioB_SacredApprovalHappyPath exercises spec.md §8 Scenario B.
func TestScenarioB_SacredApprovalHappyPath(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Routes()

	w := doJSON(t, handler, http.MethodPost, "/projects", map[string]string{"name": "S", "root_path": t.TempDir()})
	var created createProjectResponse
	decodeBody(t, w, &created)

	w = doJSON(t, handler, http.MethodPost, "/sacred/plans", map[string]string{
		"project_id": created.ProjectID,
		"title":      "DB choice",
		"content":    "Use PostgreSQL. Never use MongoDB.",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create plan: status=%d body=%s", w.Code, w.Body.String())
	}
	var plan createPlanResponse
	decodeBody(t, w, &plan)
	if plan.Status != "draft" {
		t.Fatalf("status = %s, want draft", plan.Status)
	}

	w = doJSON(t, handler, http.MethodPost, "/sacred/plans/"+plan.PlanID+"/approve", map[string]string{
		"approver":               "alice",
		"verification_code":      plan.VerificationCode,
		"secondary_verification": "top-secret",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("approve plan: status=%d body=%s", w.Code, w.Body.String())
	}
	var approved approvePlanResponse
	decodeBody(t, w, &approved)
	if approved.Status != "approved" {
		t.Fatalf("status = %s, want approved", approved.Status)
	}

	w = doJSON(t, handler, http.MethodGet, "/sacred/plans/"+plan.PlanID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get plan: status=%d body=%s", w.Code, w.Body.String())
	}
	var got getPlanResponse
	decodeBody(t, w, &got)
	if got.Content != "Use PostgreSQL. Never use MongoDB." {
		t.Fatalf("content = %q", got.Content)
	}
}

// TestScenarioC_ApprovalWithWrongFactor exercises spec.md §8 Scenario C.
func TestScenarioC_ApprovalWithWrongFactor(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Routes()

	w := doJSON(t, handler, http.MethodPost, "/projects", map[string]string{"name": "S", "root_path": t.TempDir()})
	var created createProjectResponse
	decodeBody(t, w, &created)

	w = doJSON(t, handler, http.MethodPost, "/sacred/plans", map[string]string{
		"project_id": created.ProjectID,
		"title":      "DB choice",
		"content":    "Use PostgreSQL.",
	})
	var plan createPlanResponse
	decodeBody(t, w, &plan)

	w = doJSON(t, handler, http.MethodPost, "/sacred/plans/"+plan.PlanID+"/approve", map[string]string{
		"approver":               "alice",
		"verification_code":      plan.VerificationCode,
		"secondary_verification": "wrong-key",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, handler, http.MethodGet, "/sacred/plans/"+plan.PlanID, nil)
	var got getPlanResponse
	decodeBody(t, w, &got)
	if got.Status != "draft" {
		t.Fatalf("status = %s, want draft after failed approval", got.Status)
	}
}

// TestScenarioF_FocusExactlyOne exercises spec.md §8 Scenario F.
func TestScenarioF_FocusExactlyOne(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Routes()

	w := doJSON(t, handler, http.MethodPost, "/projects", map[string]string{"name": "P1", "root_path": t.TempDir()})
	var p1 createProjectResponse
	decodeBody(t, w, &p1)
	w = doJSON(t, handler, http.MethodPost, "/projects", map[string]string{"name": "P2", "root_path": t.TempDir()})
	var p2 createProjectResponse
	decodeBody(t, w, &p2)

	if w := doJSON(t, handler, http.MethodPut, "/projects/"+p1.ProjectID+"/focus", nil); w.Code != http.StatusOK {
		t.Fatalf("focus p1: status=%d body=%s", w.Code, w.Body.String())
	}
	if w := doJSON(t, handler, http.MethodPut, "/projects/"+p2.ProjectID+"/focus", nil); w.Code != http.StatusOK {
		t.Fatalf("focus p2: status=%d body=%s", w.Code, w.Body.String())
	}

	w = doJSON(t, handler, http.MethodGet, "/projects", nil)
	var list listProjectsResponse
	decodeBody(t, w, &list)
	if list.FocusedProject != p2.ProjectID {
		t.Fatalf("focused_project = %s, want %s", list.FocusedProject, p2.ProjectID)
	}
}

func TestQueryRejectsKZero(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.Routes()

	w := doJSON(t, handler, http.MethodPost, "/projects", map[string]string{"name": "P", "root_path": t.TempDir()})
	var p createProjectResponse
	decodeBody(t, w, &p)

	zero := 0
	w = doJSON(t, handler, http.MethodPost, "/query", map[string]any{"question": "hi", "k": &zero, "project_id": p.ProjectID})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for k=0, got %d body=%s", w.Code, w.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv.Routes(), http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: status=%d", w.Code)
	}
}
