package api

import (
	"net/http"

	"github.com/c360studio/contextkeeper/apierr"
	"github.com/c360studio/contextkeeper/eventbus"
	"github.com/c360studio/contextkeeper/source/pathfilter"
	"github.com/c360studio/contextkeeper/vocabulary/project"
	vtask "github.com/c360studio/contextkeeper/vocabulary/task"
)

type createProjectRequest struct {
	Name        string `json:"name"`
	RootPath    string `json:"root_path"`
	Description string `json:"description,omitempty"`
}

type createProjectResponse struct {
	ProjectID string `json:"project_id"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "%s", err.Error()))
		return
	}
	p, err := s.Projects.Create(req.Name, req.RootPath, req.Description)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createProjectResponse{ProjectID: p.ID})
}

type listProjectsResponse struct {
	Projects       []*project.Project `json:"projects"`
	FocusedProject string             `json:"focused_project,omitempty"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects := s.Projects.List()
	focused := ""
	if f := s.Projects.Focused(); f != nil {
		focused = f.ID
	}
	writeJSON(w, http.StatusOK, listProjectsResponse{Projects: projects, FocusedProject: focused})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.Projects.Get(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	p, err := s.Projects.Focus(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if s.Bus != nil {
		_ = s.Bus.Publish(eventbus.TopicFocusChanged, eventbus.FocusChangedPayload{ProjectID: p.ID, ProjectName: p.Name})
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	p, err := s.Projects.Pause(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	p, err := s.Projects.Resume(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	p, err := s.Projects.Archive(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type contextResponse struct {
	Project     *project.Project    `json:"project"`
	Decisions   []project.Decision  `json:"decisions"`
	Objectives  []project.Objective `json:"objectives"`
	Statistics  contextStatistics   `json:"statistics"`
}

type contextStatistics struct {
	DecisionCount       int `json:"decision_count"`
	ObjectiveCount      int `json:"objective_count"`
	ObjectivesCompleted int `json:"objectives_completed"`
}

// handleContext implements spec.md §6.1's export-context endpoint: the
// project record plus its decisions/objectives and a small rollup, all
// read directly from the Project Registry (no separate statistics store).
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	p, err := s.Projects.Get(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	completed := 0
	for _, o := range p.Objectives {
		if o.Status == project.ObjectiveStatusCompleted {
			completed++
		}
	}
	writeJSON(w, http.StatusOK, contextResponse{
		Project:    p,
		Decisions:  p.Decisions,
		Objectives: p.Objectives,
		Statistics: contextStatistics{
			DecisionCount:       len(p.Decisions),
			ObjectiveCount:      len(p.Objectives),
			ObjectivesCompleted: completed,
		},
	})
}

type addDecisionRequest struct {
	Text      string   `json:"text"`
	Reasoning string   `json:"reasoning,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

func (s *Server) handleAddDecision(w http.ResponseWriter, r *http.Request) {
	var req addDecisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "%s", err.Error()))
		return
	}
	id := r.PathValue("id")
	d, err := s.Projects.AddDecision(id, req.Text, req.Reasoning, req.Tags, nil)
	if err != nil {
		writeErr(w, err)
		return
	}
	if s.Bus != nil {
		_ = s.Bus.Publish(eventbus.TopicDecisionAdded, eventbus.DecisionAddedPayload{ProjectID: id, DecisionID: d.ID, Timestamp: d.CreatedAt})
	}
	writeJSON(w, http.StatusCreated, d)
}

type addObjectiveRequest struct {
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Priority    project.Priority `json:"priority,omitempty"`
}

func (s *Server) handleAddObjective(w http.ResponseWriter, r *http.Request) {
	var req addObjectiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "%s", err.Error()))
		return
	}
	o, err := s.Projects.AddObjective(r.PathValue("id"), req.Title, req.Description, req.Priority)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleCompleteObjective(w http.ResponseWriter, r *http.Request) {
	o, err := s.Projects.CompleteObjective(r.PathValue("id"), r.PathValue("oid"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type createAndIndexRequest struct {
	Name        string `json:"name"`
	RootPath    string `json:"root_path"`
	Description string `json:"description,omitempty"`
}

type createAndIndexResponse struct {
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id"`
}

// handleCreateAndIndex implements spec.md §6.1's combined create+ingest
// convenience route: create the project, then submit a directory ingest
// task rooted at it, exactly as two sequential calls to /projects and
// /ingest would, folded into one round trip.
func (s *Server) handleCreateAndIndex(w http.ResponseWriter, r *http.Request) {
	var req createAndIndexRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "%s", err.Error()))
		return
	}
	p, err := s.Projects.Create(req.Name, req.RootPath, req.Description)
	if err != nil {
		writeErr(w, err)
		return
	}

	filter := pathfilter.New(p.RootPath, s.MaxFileBytes)
	runner := &ingestRunner{engine: s.Retrieval, filter: filter, root: p.RootPath, path: p.RootPath, isDir: true}
	t := s.Tasks.Submit(vtask.KindIngest, p.ID, runner)
	writeJSON(w, http.StatusAccepted, createAndIndexResponse{ProjectID: p.ID, TaskID: t.ID})
}
