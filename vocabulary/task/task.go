// Package task defines the Task record owned exclusively by the Task
// Registry (spec.md §3, §4.5). Grounded directly on the teacher's
// storage.Task/storage.StatusChange pair (storage/entity.go): a status enum
// with a recorded transition history, the same status-change bookkeeping
// idiom applied to ingestion tasks instead of the teacher's proposal tasks.
package task

import "time"

// Kind distinguishes the two asynchronous operations the registry runs.
type Kind string

const (
	KindIngest  Kind = "ingest"
	KindReindex Kind = "reindex"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// StatusChange records one transition, mirroring storage.StatusChange.
type StatusChange struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Counters tracks per-task ingestion progress (spec.md §3).
type Counters struct {
	FilesProcessed int `json:"files_processed"`
	ChunksProduced int `json:"chunks_produced"`
	FilesFailed    int `json:"files_failed"`
}

// Task is the async unit of work tracked by the Task Registry for the
// process lifetime (spec.md §3: "need not survive process restart").
type Task struct {
	ID          string     `json:"task_id"`
	Kind        Kind       `json:"kind"`
	ProjectID   string     `json:"project_id"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"` // percent, [0,100]
	CurrentItem string     `json:"current_item,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Counters    Counters   `json:"counters"`

	History []StatusChange `json:"history,omitempty"`
}
