package api

import (
	"net/http"

	"github.com/c360studio/contextkeeper/apierr"
)

type queryRequest struct {
	Question  string `json:"question"`
	K         *int   `json:"k,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

type queryResult struct {
	Content    string            `json:"content"`
	SourcePath string            `json:"source_path"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Score      float64           `json:"score"`
}

type queryResponse struct {
	Results   []queryResult `json:"results"`
	Timestamp string        `json:"timestamp"`
}

// resolveK implements spec.md §8's boundary rule: an explicit k=0 is
// InvalidInput, an omitted k defaults inside the Retrieval Engine, and
// anything else (including k > cap) is passed through for the engine to
// clamp.
func resolveK(k *int) (int, error) {
	if k == nil {
		return 0, nil
	}
	if *k == 0 {
		return 0, apierr.New(apierr.InvalidInput, "k=0 is invalid; omit k to use the default")
	}
	return *k, nil
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "%s", err.Error()))
		return
	}
	if req.Question == "" {
		writeErr(w, apierr.New(apierr.InvalidInput, "question is required"))
		return
	}
	projectID, err := s.resolveProjectID(req.ProjectID)
	if err != nil {
		writeErr(w, err)
		return
	}
	k, err := resolveK(req.K)
	if err != nil {
		writeErr(w, err)
		return
	}

	qr, err := s.Retrieval.Query(r.Context(), projectID, req.Question, k)
	if err != nil {
		writeErr(w, err)
		return
	}

	results := make([]queryResult, len(qr.Results))
	for i, res := range qr.Results {
		results[i] = queryResult{Content: res.Content, SourcePath: res.SourcePath, Metadata: res.Metadata, Score: res.Score}
	}
	writeJSON(w, http.StatusOK, queryResponse{Results: results, Timestamp: nowRFC3339()})
}

type queryLLMResponse struct {
	Question     string        `json:"question"`
	Answer       string        `json:"answer"`
	Sources      []string      `json:"sources"`
	ContextUsed  int           `json:"context_used"`
	Timestamp    string        `json:"timestamp"`
	Note         string        `json:"note,omitempty"`
	Raw          []queryResult `json:"raw,omitempty"`
}

func (s *Server) handleQueryLLM(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "%s", err.Error()))
		return
	}
	if req.Question == "" {
		writeErr(w, apierr.New(apierr.InvalidInput, "question is required"))
		return
	}
	projectID, err := s.resolveProjectID(req.ProjectID)
	if err != nil {
		writeErr(w, err)
		return
	}
	k, err := resolveK(req.K)
	if err != nil {
		writeErr(w, err)
		return
	}

	ans, err := s.Retrieval.QueryWithGeneration(r.Context(), projectID, req.Question, k)
	if err != nil {
		writeErr(w, err)
		return
	}

	raw := make([]queryResult, len(ans.Raw))
	for i, res := range ans.Raw {
		raw[i] = queryResult{Content: res.Content, SourcePath: res.SourcePath, Metadata: res.Metadata, Score: res.Score}
	}
	writeJSON(w, http.StatusOK, queryLLMResponse{
		Question:    req.Question,
		Answer:      ans.Answer,
		Sources:     ans.Sources,
		ContextUsed: ans.ContextCount,
		Timestamp:   ans.Timestamp.UTC().Format(timeLayout),
		Note:        ans.Note,
		Raw:         raw,
	})
}

// resolveProjectID falls back to the focused project when projectID is
// omitted (spec.md §3's Focus glossary entry: "the default target for
// operations that do not specify a project id").
func (s *Server) resolveProjectID(projectID string) (string, error) {
	if projectID != "" {
		return projectID, nil
	}
	f := s.Projects.Focused()
	if f == nil {
		return "", apierr.New(apierr.InvalidInput, "project_id is required: no project is focused")
	}
	return f.ID, nil
}
