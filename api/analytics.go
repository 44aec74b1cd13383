package api

import (
	"net/http"
	"time"
)

// analyticsResponse implements spec.md §6.1's GET /analytics/sacred:
// an aggregated rollup over every plan's governance state, scoped by an
// optional timeframe (created within the last N) and project filter.
type analyticsResponse struct {
	Timeframe   string         `json:"timeframe"`
	GeneratedAt string         `json:"generated_at"`
	TotalPlans  int            `json:"total_plans"`
	ByStatus    map[string]int `json:"by_status"`
	ByProject   map[string]int `json:"by_project"`
}

var timeframeWindows = map[string]time.Duration{
	"day":   24 * time.Hour,
	"week":  7 * 24 * time.Hour,
	"month": 30 * 24 * time.Hour,
	"all":   0,
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "all"
	}
	projectFilter := r.URL.Query().Get("project_filter")

	window, ok := timeframeWindows[timeframe]
	if !ok {
		window = 0
		timeframe = "all"
	}

	plans := s.Sacred.ListPlans(projectFilter, "")
	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}

	byStatus := make(map[string]int)
	byProject := make(map[string]int)
	total := 0
	for _, p := range plans {
		if !cutoff.IsZero() && p.CreatedAt.Before(cutoff) {
			continue
		}
		total++
		byStatus[string(p.Status)]++
		byProject[p.ProjectID]++
	}

	writeJSON(w, http.StatusOK, analyticsResponse{
		Timeframe:   timeframe,
		GeneratedAt: nowRFC3339(),
		TotalPlans:  total,
		ByStatus:    byStatus,
		ByProject:   byProject,
	})
}
