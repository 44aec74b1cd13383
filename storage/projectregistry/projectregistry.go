// Package projectregistry implements the Project Registry (spec.md §4.7):
// project lifecycle, decisions, objectives, and the single focused-project
// selector, persisted as one JSON file per project plus a shared focus.json
// (spec.md §6.3). Grounded on the teacher's config/loader.go layered
// read-tolerant-of-missing-file idiom and workflow/plan.go's
// one-file-per-entity persistence, generalized from plans to projects with
// an added exactly-one-focused invariant enforced by a single writer lock.
package projectregistry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/contextkeeper/apierr"
	"github.com/c360studio/contextkeeper/vocabulary/project"
)

// Registry owns every Project record and the focused-project selector.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex // single writer lock, serializes focus + mutation (spec.md §4.7, §5)
	projects map[string]*project.Project
	focused  string
}

// Open loads every project record found under <data_root>/projects,
// log-and-skip on malformed files rather than failing startup.
func Open(dataRoot string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(dataRoot, "projects")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create projects directory: %w", err)
	}

	r := &Registry{dir: dir, logger: logger, projects: make(map[string]*project.Project)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read projects directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == "focus.json" || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			logger.Warn("skipping unreadable project file", slog.String("file", e.Name()), slog.String("error", err.Error()))
			continue
		}
		var p project.Project
		if err := json.Unmarshal(data, &p); err != nil {
			logger.Warn("skipping malformed project file", slog.String("file", e.Name()), slog.String("error", err.Error()))
			continue
		}
		r.projects[p.ID] = &p
		if p.Focused {
			r.focused = p.ID
		}
	}

	if focusData, err := os.ReadFile(filepath.Join(dir, "focus.json")); err == nil {
		var f struct {
			ProjectID string `json:"project_id"`
		}
		if json.Unmarshal(focusData, &f) == nil {
			r.focused = f.ProjectID
		}
	}

	return r, nil
}

// Create registers a new project rooted at rootPath.
func (r *Registry) Create(name, rootPath, description string) (*project.Project, error) {
	if name == "" || rootPath == "" {
		return nil, apierr.New(apierr.InvalidInput, "name and root_path are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, apierr.New(apierr.InvalidInput, "root_path is not a valid path: %s", rootPath)
	}

	rootInvalid := false
	if _, err := os.Stat(abs); err != nil {
		rootInvalid = true
	}

	now := time.Now()
	p := &project.Project{
		ID:              "proj_" + uuid.New().String()[:8],
		Name:            name,
		RootPath:        abs,
		Description:     description,
		Status:          project.StatusActive,
		CreatedAt:       now,
		LastActive:      now,
		RootPathInvalid: rootInvalid,
	}

	if err := r.writeProject(p); err != nil {
		return nil, err
	}
	r.projects[p.ID] = p
	return clone(p), nil
}

// Get returns a single project by id.
func (r *Registry) Get(id string) (*project.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	return clone(p), nil
}

// List returns every project, ordered by CreatedAt ascending.
func (r *Registry) List() []*project.Project {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*project.Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Focused returns the currently focused project, or nil if none.
func (r *Registry) Focused() *project.Project {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.focused == "" {
		return nil
	}
	p, ok := r.projects[r.focused]
	if !ok {
		return nil
	}
	return clone(p)
}

// Focus sets the focused project atomically: unsets the previous focused
// flag and sets the new one in the same write pass (spec.md §4.7
// invariant). Focusing the already-focused project is a no-op that still
// reports success, matching spec.md's "focus p then focus p is idempotent".
func (r *Registry) Focus(id string) (*project.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	if p.Status == project.StatusArchived {
		return nil, apierr.New(apierr.StateConflict, "cannot focus archived project %s", id)
	}

	if r.focused == id {
		return clone(p), nil
	}

	if prev, ok := r.projects[r.focused]; ok {
		prev.Focused = false
		if err := r.writeProject(prev); err != nil {
			return nil, err
		}
	}

	p.Focused = true
	p.LastActive = time.Now()
	if err := r.writeProject(p); err != nil {
		return nil, err
	}
	r.focused = id

	if err := r.writeFocusMarker(); err != nil {
		return nil, err
	}
	return clone(p), nil
}

// Pause transitions an active project to paused.
func (r *Registry) Pause(id string) (*project.Project, error) {
	return r.setStatus(id, project.StatusActive, project.StatusPaused)
}

// Resume transitions a paused project back to active.
func (r *Registry) Resume(id string) (*project.Project, error) {
	return r.setStatus(id, project.StatusPaused, project.StatusActive)
}

// Archive transitions an active or paused project to archived, clearing
// focus if it was the focused project.
func (r *Registry) Archive(id string) (*project.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	if p.Status == project.StatusArchived {
		return nil, apierr.New(apierr.StateConflict, "project %s is already archived", id)
	}
	p.Status = project.StatusArchived
	if r.focused == id {
		p.Focused = false
		r.focused = ""
		if err := r.writeFocusMarker(); err != nil {
			return nil, err
		}
	}
	if err := r.writeProject(p); err != nil {
		return nil, err
	}
	return clone(p), nil
}

// Delete permanently removes a project record. Callers are responsible for
// tearing down its vector collections first (Retrieval Engine owns those).
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.getLocked(id); err != nil {
		return err
	}
	if r.focused == id {
		r.focused = ""
		if err := r.writeFocusMarker(); err != nil {
			return err
		}
	}
	delete(r.projects, id)
	if err := os.Remove(r.recordPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete project record: %w", err)
	}
	return nil
}

// AddDecision appends an immutable decision record (spec.md §3).
func (r *Registry) AddDecision(id, text, reasoning string, tags, alternatives []string) (*project.Decision, error) {
	if text == "" {
		return nil, apierr.New(apierr.InvalidInput, "decision text is required")
	}
	for _, t := range tags {
		if strings.Contains(t, ",") {
			return nil, apierr.New(apierr.InvalidInput, "tags may not contain commas: %q", t)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}

	d := project.Decision{
		ID:           "dec_" + uuid.New().String()[:8],
		Text:         text,
		Reasoning:    reasoning,
		Tags:         tags,
		Alternatives: alternatives,
		CreatedAt:    time.Now(),
	}
	p.Decisions = append(p.Decisions, d)
	p.LastActive = time.Now()
	if err := r.writeProject(p); err != nil {
		return nil, err
	}
	return &d, nil
}

// AddObjective appends an objective in pending status.
func (r *Registry) AddObjective(id, title, description string, priority project.Priority) (*project.Objective, error) {
	if title == "" {
		return nil, apierr.New(apierr.InvalidInput, "objective title is required")
	}
	if priority == "" {
		priority = project.PriorityMedium
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}

	o := project.Objective{
		ID:          "obj_" + uuid.New().String()[:8],
		Title:       title,
		Description: description,
		Priority:    priority,
		Status:      project.ObjectiveStatusPending,
		CreatedAt:   time.Now(),
	}
	p.Objectives = append(p.Objectives, o)
	p.LastActive = time.Now()
	if err := r.writeProject(p); err != nil {
		return nil, err
	}
	return &o, nil
}

// CompleteObjective transitions pending -> completed (spec.md §3's only
// legal objective transition).
func (r *Registry) CompleteObjective(projectID, objectiveID string) (*project.Objective, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.getLocked(projectID)
	if err != nil {
		return nil, err
	}

	for i := range p.Objectives {
		o := &p.Objectives[i]
		if o.ID != objectiveID {
			continue
		}
		if o.Status != project.ObjectiveStatusPending {
			return nil, apierr.New(apierr.StateConflict, "objective %s is not pending", objectiveID)
		}
		now := time.Now()
		o.Status = project.ObjectiveStatusCompleted
		o.CompletedAt = &now
		if err := r.writeProject(p); err != nil {
			return nil, err
		}
		return o, nil
	}
	return nil, apierr.New(apierr.NotFound, "objective %s not found in project %s", objectiveID, projectID)
}

func (r *Registry) setStatus(id string, from, to project.Status) (*project.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	if p.Status != from {
		return nil, apierr.New(apierr.StateConflict, "project %s is %s, expected %s", id, p.Status, from)
	}
	p.Status = to
	if err := r.writeProject(p); err != nil {
		return nil, err
	}
	return clone(p), nil
}

func (r *Registry) getLocked(id string) (*project.Project, error) {
	p, ok := r.projects[id]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "project %s not found", id)
	}
	return p, nil
}

func (r *Registry) recordPath(id string) string {
	return filepath.Join(r.dir, id+".json")
}

func (r *Registry) writeProject(p *project.Project) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal project record: %w", err)
	}
	return atomicWrite(r.recordPath(p.ID), data)
}

func (r *Registry) writeFocusMarker() error {
	data, err := json.Marshal(struct {
		ProjectID string `json:"project_id"`
	}{ProjectID: r.focused})
	if err != nil {
		return fmt.Errorf("marshal focus marker: %w", err)
	}
	return atomicWrite(filepath.Join(r.dir, "focus.json"), data)
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

func clone(p *project.Project) *project.Project {
	cp := *p
	cp.Decisions = append([]project.Decision(nil), p.Decisions...)
	cp.Objectives = append([]project.Objective(nil), p.Objectives...)
	return &cp
}
