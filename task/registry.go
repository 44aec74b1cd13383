// Package task implements the Task Registry (spec.md §4.5): an in-memory
// map of asynchronous ingest/reindex jobs, one worker goroutine per task,
// throttled progress updates, and cooperative cancellation. Grounded on the
// teacher's processor/repo-ingester/component.go lifecycle idiom —
// sync.RWMutex-guarded state, atomic counters, a context.CancelFunc per
// running unit — adapted from a JetStream-consumer loop (which depends on
// the teacher's private semstreams module, unavailable here) to a plain
// goroutine-per-task loop driven directly by the Retrieval Engine.
package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/c360studio/contextkeeper/apierr"
	"github.com/c360studio/contextkeeper/eventbus"
	"github.com/c360studio/contextkeeper/vocabulary/task"
)

// progressThrottle bounds update(task_id, ...) emissions to at most one per
// 200ms per task (spec.md §4.5).
const progressThrottle = 200 * time.Millisecond

// Runner performs the actual work behind a task. Implementations (the
// Retrieval Engine's directory/file ingest) must poll ctx.Err() between
// files so cancellation is bounded to at most one file's processing time.
type Runner interface {
	Run(ctx context.Context, t *task.Task, update ProgressFunc) error
}

// ProgressFunc reports progress; implementations should call this often —
// the Registry applies the 200ms throttle itself.
type ProgressFunc func(percent int, currentItem string, counters task.Counters)

// Registry is the in-memory task store (spec.md §4.5: "need not survive
// process restart").
type Registry struct {
	bus *eventbus.Bus
	sem *semaphore.Weighted

	mu     sync.RWMutex
	tasks  map[string]*entry
	nextID int
}

type entry struct {
	mu         sync.Mutex
	task       task.Task
	cancel     context.CancelFunc
	lastUpdate time.Time
}

// New creates a Registry whose concurrent ingest workers are bounded by
// maxConcurrency (MAX_INGEST_CONCURRENCY, spec.md §6.4).
func New(bus *eventbus.Bus, maxConcurrency int64) *Registry {
	if maxConcurrency <= 0 {
		maxConcurrency = 2
	}
	return &Registry{
		bus:   bus,
		sem:   semaphore.NewWeighted(maxConcurrency),
		tasks: make(map[string]*entry),
	}
}

// Submit creates a task in status=queued and returns immediately; the
// worker is started in its own goroutine (spec.md §4.5).
func (r *Registry) Submit(kind task.Kind, projectID string, runner Runner) *task.Task {
	r.mu.Lock()
	r.nextID++
	id := fmt.Sprintf("task_%d", r.nextID)
	e := &entry{
		task: task.Task{
			ID:        id,
			Kind:      kind,
			ProjectID: projectID,
			Status:    task.StatusQueued,
		},
	}
	r.tasks[id] = e
	r.mu.Unlock()

	go r.run(e, runner)

	return snapshot(e)
}

func (r *Registry) run(e *entry, runner Runner) {
	ctx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.cancel = cancel
	e.task.Status = task.StatusRunning
	now := time.Now()
	e.task.StartedAt = &now
	e.task.History = append(e.task.History, task.StatusChange{From: task.StatusQueued, To: task.StatusRunning, Timestamp: now})
	e.mu.Unlock()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.finish(e, task.StatusCancelled, "")
		return
	}
	defer r.sem.Release(1)

	update := func(percent int, currentItem string, counters task.Counters) {
		r.reportProgress(e, percent, currentItem, counters)
	}

	err := runner.Run(ctx, &e.task, update)

	if err != nil {
		if apierr.Is(err, apierr.Cancelled) || ctx.Err() == context.Canceled {
			r.finish(e, task.StatusCancelled, "")
			return
		}
		r.finish(e, task.StatusFailed, err.Error())
		if r.bus != nil {
			r.bus.Publish(eventbus.TopicIndexingError, eventbus.IndexingErrorPayload{
				ProjectID: e.task.ProjectID,
				TaskID:    e.task.ID,
				Error:     err.Error(),
			})
		}
		return
	}

	r.finish(e, task.StatusCompleted, "")
	if r.bus != nil {
		e.mu.Lock()
		files, chunks := e.task.Counters.FilesProcessed, e.task.Counters.ChunksProduced
		e.mu.Unlock()
		r.bus.Publish(eventbus.TopicIndexingComplete, eventbus.IndexingCompletePayload{
			ProjectID: e.task.ProjectID,
			TaskID:    e.task.ID,
			Files:     files,
			Chunks:    chunks,
		})
	}
}

func (r *Registry) reportProgress(e *entry, percent int, currentItem string, counters task.Counters) {
	e.mu.Lock()
	now := time.Now()
	due := now.Sub(e.lastUpdate) >= progressThrottle
	e.task.Progress = percent
	e.task.CurrentItem = currentItem
	e.task.Counters = counters
	if due {
		e.lastUpdate = now
	}
	projectID, taskID := e.task.ProjectID, e.task.ID
	e.mu.Unlock()

	if !due || r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.TopicIndexingProgress, eventbus.IndexingProgressPayload{
		ProjectID:   projectID,
		TaskID:      taskID,
		Progress:    percent,
		CurrentFile: currentItem,
	})
}

func (r *Registry) finish(e *entry, status task.Status, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	e.task.History = append(e.task.History, task.StatusChange{From: e.task.Status, To: status, Timestamp: now})
	e.task.Status = status
	e.task.EndedAt = &now
	e.task.Error = errMsg
}

// Get returns the current snapshot of a task.
func (r *Registry) Get(id string) (*task.Task, error) {
	r.mu.RLock()
	e, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apierr.New(apierr.NotFound, "task %s not found", id)
	}
	return snapshot(e), nil
}

// List returns every known task, optionally filtered by project.
func (r *Registry) List(projectID string) []*task.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*task.Task, 0, len(r.tasks))
	for _, e := range r.tasks {
		e.mu.Lock()
		match := projectID == "" || e.task.ProjectID == projectID
		e.mu.Unlock()
		if match {
			out = append(out, snapshot(e))
		}
	}
	return out
}

// Cancel sets the cancellation flag the worker polls between files. The
// worker bounds its response to at most one file's processing time (spec.md
// §4.5); the task reports status=cancelled once it observes the flag.
func (r *Registry) Cancel(id string) (*task.Task, error) {
	r.mu.RLock()
	e, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apierr.New(apierr.NotFound, "task %s not found", id)
	}

	e.mu.Lock()
	if e.task.Status != task.StatusQueued && e.task.Status != task.StatusRunning {
		status := e.task.Status
		e.mu.Unlock()
		return nil, apierr.New(apierr.StateConflict, "task %s is %s, cannot be cancelled", id, status)
	}
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return snapshot(e), nil
}

func snapshot(e *entry) *task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.task
	cp.History = append([]task.StatusChange(nil), e.task.History...)
	return &cp
}
