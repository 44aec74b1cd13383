package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/c360studio/contextkeeper/drift"
	"github.com/c360studio/contextkeeper/gitactivity"
	"github.com/c360studio/contextkeeper/storage/sacredstore"
)

// planSourceAdapter narrows storage/sacredstore.Store to the shape the
// Drift Engine expects, converting its richer record/entry types to the
// engine's minimal ones.
type planSourceAdapter struct {
	store *sacredstore.Store
}

func (a planSourceAdapter) ListPlans(projectID, status string) []drift.PlanRecord {
	plans := a.store.ListPlans(projectID, status)
	out := make([]drift.PlanRecord, len(plans))
	for i, p := range plans {
		out[i] = drift.PlanRecord{ID: p.ID, Title: p.Title}
	}
	return out
}

func (a planSourceAdapter) PlanChunks(ctx context.Context, planID string) ([]drift.ChunkEntry, error) {
	entries, err := a.store.PlanChunks(ctx, planID)
	if err != nil {
		return nil, err
	}
	out := make([]drift.ChunkEntry, len(entries))
	for i, e := range entries {
		out[i] = drift.ChunkEntry{Content: e.Content, Vector: e.Vector}
	}
	return out, nil
}

// activitySourceAdapter narrows gitactivity.Source to drift.ActivitySource.
type activitySourceAdapter struct {
	src *gitactivity.Source
}

func (a activitySourceAdapter) Activity(ctx context.Context, window time.Duration) ([]drift.ActivityCommit, error) {
	commits, err := a.src.Activity(ctx, window)
	if err != nil {
		return nil, err
	}
	out := make([]drift.ActivityCommit, len(commits))
	for i, c := range commits {
		out[i] = drift.ActivityCommit{Hash: c.Hash, Message: c.Message, Timestamp: c.Timestamp, ChangedPaths: c.ChangedPaths}
	}
	return out, nil
}

// handleDrift implements spec.md §6.1's GET /sacred/drift/{project_id}. A
// fresh Drift Engine is built per request, rooted at the project's own
// working tree — the engine itself holds no state a request needs to
// survive past its own response.
func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	proj, err := s.Projects.Get(projectID)
	if err != nil {
		writeErr(w, err)
		return
	}

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		if n, convErr := strconv.Atoi(v); convErr == nil && n > 0 {
			hours = n
		}
	}

	eng := drift.New(
		planSourceAdapter{store: s.Sacred},
		activitySourceAdapter{src: gitactivity.NewSource(proj.RootPath)},
		s.Embedder,
		drift.DefaultWeights(),
	)

	analysis, err := eng.Analyze(r.Context(), projectID, hours)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}
