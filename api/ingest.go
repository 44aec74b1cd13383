package api

import (
	"context"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/c360studio/contextkeeper/apierr"
	"github.com/c360studio/contextkeeper/source/pathfilter"
	"github.com/c360studio/contextkeeper/storage/retrieval"
	"github.com/c360studio/contextkeeper/task"
	vtask "github.com/c360studio/contextkeeper/vocabulary/task"
)

type ingestRequest struct {
	Path      string `json:"path"`
	ProjectID string `json:"project_id"`
}

type ingestResponse struct {
	TaskID string `json:"task_id"`
}

// handleIngest implements spec.md §6.1's POST /ingest: validate the path
// and project, then hand the work to the Task Registry, returning
// immediately with a task id (spec.md §9 "Async routes" — the HTTP handler
// never awaits the embedding pipeline itself).
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "%s", err.Error()))
		return
	}
	if req.Path == "" || req.ProjectID == "" {
		writeErr(w, apierr.New(apierr.InvalidInput, "path and project_id are required"))
		return
	}

	proj, err := s.Projects.Get(req.ProjectID)
	if err != nil {
		writeErr(w, err)
		return
	}

	abs, err := filepath.Abs(req.Path)
	if err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "path is not valid: %s", req.Path))
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		writeErr(w, apierr.New(apierr.InvalidInput, "cannot stat %s: %v", abs, err))
		return
	}

	filter := pathfilter.New(proj.RootPath, s.MaxFileBytes)
	runner := &ingestRunner{engine: s.Retrieval, filter: filter, root: proj.RootPath, path: abs, isDir: info.IsDir()}
	t := s.Tasks.Submit(vtask.KindIngest, req.ProjectID, runner)
	writeJSON(w, http.StatusAccepted, ingestResponse{TaskID: t.ID})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.Tasks.Get(r.PathValue("task_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ingestRunner adapts the Retrieval Engine's file/directory ingest
// pipelines to the Task Registry's Runner interface (spec.md §4.5).
type ingestRunner struct {
	engine *retrieval.Engine
	filter *pathfilter.Filter
	root   string
	path   string
	isDir  bool
}

func (ir *ingestRunner) Run(ctx context.Context, t *vtask.Task, update task.ProgressFunc) error {
	if !ir.isDir {
		res, err := ir.engine.IngestFile(ctx, t.ProjectID, ir.root, ir.path, ir.filter)
		if err != nil {
			return err
		}
		counters := vtask.Counters{ChunksProduced: res.ChunksProduced}
		if !res.Skipped {
			counters.FilesProcessed = 1
		}
		update(100, ir.path, counters)
		return nil
	}

	total := countEligibleFiles(ir.path, ir.filter)

	var counters vtask.Counters
	stats, err := ir.engine.IngestDirectory(ctx, t.ProjectID, ir.path, ir.filter, func(rel string, res retrieval.IngestResult, ferr error) {
		if ferr != nil {
			counters.FilesFailed++
		} else if res.Skipped {
			// unchanged: still counted towards processed for progress purposes
			counters.FilesProcessed++
		} else {
			counters.FilesProcessed++
			counters.ChunksProduced += res.ChunksProduced
		}
		percent := 0
		if total > 0 {
			percent = (counters.FilesProcessed + counters.FilesFailed) * 100 / total
			if percent > 99 {
				percent = 99
			}
		}
		update(percent, rel, counters)
	})
	if err != nil {
		return err
	}

	final := vtask.Counters{
		FilesProcessed: stats.FilesProcessed + stats.FilesSkipped,
		FilesFailed:    stats.FilesFailed,
		ChunksProduced: stats.ChunksProduced,
	}
	update(100, "", final)
	return nil
}

// countEligibleFiles walks root once to estimate a percent-complete
// denominator; a best-effort count, not a correctness requirement (spec.md
// §4.5 only requires progress in [0,100], not an exact ETA).
func countEligibleFiles(root string, filter *pathfilter.Filter) int {
	count := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // best-effort count, never fails the ingest
		}
		if d.IsDir() {
			if !filter.Allowed(path) {
				return fs.SkipDir
			}
			return nil
		}
		if filter.Allowed(path) {
			count++
		}
		return nil
	})
	return count
}
