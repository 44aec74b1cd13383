package api

import (
	"net/http"
	"os"

	"github.com/c360studio/contextkeeper/apierr"
	"github.com/c360studio/contextkeeper/eventbus"
	"github.com/c360studio/contextkeeper/vocabulary/sacred"
)

type createPlanRequest struct {
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	FilePath  string `json:"file_path,omitempty"`
}

type createPlanResponse struct {
	PlanID           string `json:"plan_id"`
	VerificationCode string `json:"verification_code"`
	Status           string `json:"status"`
}

// handleCreatePlan implements spec.md §6.1's POST /sacred/plans. content
// may arrive inline or be read from file_path — the latter lets a caller
// hand over a document already on disk without round-tripping its bytes
// through the request body.
func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "%s", err.Error()))
		return
	}

	content := req.Content
	if content == "" && req.FilePath != "" {
		data, err := readPlanFile(req.FilePath)
		if err != nil {
			writeErr(w, apierr.New(apierr.InvalidInput, "cannot read file_path: %v", err))
			return
		}
		content = data
	}

	p, err := s.Sacred.CreatePlan(r.Context(), req.ProjectID, req.Title, content)
	if err != nil {
		writeErr(w, err)
		return
	}
	if s.Bus != nil {
		_ = s.Bus.Publish(eventbus.TopicSacredPlanCreated, eventbus.SacredPlanCreatedPayload{ProjectID: p.ProjectID, PlanID: p.ID, Title: p.Title})
	}
	writeJSON(w, http.StatusCreated, createPlanResponse{PlanID: p.ID, VerificationCode: p.VerificationCode, Status: string(p.Status)})
}

type approvePlanRequest struct {
	Approver              string `json:"approver"`
	VerificationCode      string `json:"verification_code"`
	SecondaryVerification string `json:"secondary_verification"`
}

type approvePlanResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	var req approvePlanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "%s", err.Error()))
		return
	}
	planID := r.PathValue("id")
	p, err := s.Sacred.ApprovePlan(r.Context(), planID, req.VerificationCode, req.SecondaryVerification, req.Approver, s.ApprovalKey)
	if err != nil {
		writeErr(w, err)
		return
	}
	if s.Bus != nil {
		_ = s.Bus.Publish(eventbus.TopicSacredPlanApproved, eventbus.SacredPlanApprovedPayload{
			ProjectID: p.ProjectID, PlanID: p.ID, Approver: req.Approver, Timestamp: p.Approval.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, approvePlanResponse{Status: string(p.Status)})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans := s.Sacred.ListPlans(r.URL.Query().Get("project_id"), r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

type getPlanResponse struct {
	*sacred.Plan
	Content string `json:"content"`
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	p, content, err := s.Sacred.GetPlan(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, getPlanResponse{Plan: p, Content: content})
}

type sacredQueryRequest struct {
	ProjectID string `json:"project_id"`
	Query     string `json:"query"`
	K         int    `json:"k,omitempty"`
}

func (s *Server) handleSacredQuery(w http.ResponseWriter, r *http.Request) {
	var req sacredQueryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "%s", err.Error()))
		return
	}
	if req.ProjectID == "" || req.Query == "" {
		writeErr(w, apierr.New(apierr.InvalidInput, "project_id and query are required"))
		return
	}
	hits, err := s.Sacred.QueryPlans(r.Context(), req.ProjectID, req.Query, req.K)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

func readPlanFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
