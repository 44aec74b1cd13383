// Package project defines the Project/Decision/Objective/DevelopmentEvent
// record types owned exclusively by the Project Registry (spec.md §3).
// Shaped like the teacher's storage.Task/storage.StatusChange pair
// (storage/entity.go): a status enum plus a history of transitions,
// generalized here to a project's lifecycle and its nested records.
package project

import "time"

// Status is a project's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusArchived Status = "archived"
)

// Project is the top-level record owned by the Project Registry.
type Project struct {
	ID          string    `json:"project_id"`
	Name        string    `json:"name"`
	RootPath    string    `json:"root_path"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	Focused     bool      `json:"focused"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`

	// RootPathInvalid is set when RootPath no longer exists on disk; the
	// project record survives (spec.md §3 invariant), it is merely flagged.
	RootPathInvalid bool `json:"root_path_invalid,omitempty"`

	Decisions  []Decision  `json:"decisions,omitempty"`
	Objectives []Objective `json:"objectives,omitempty"`
}

// Decision is immutable after creation (spec.md §3).
type Decision struct {
	ID        string    `json:"decision_id"`
	Text      string    `json:"text"`
	Reasoning string    `json:"reasoning,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Priority classifies an Objective's urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ObjectiveStatus is an Objective's lifecycle state. The only legal
// transition is pending -> completed (spec.md §3).
type ObjectiveStatus string

const (
	ObjectiveStatusPending   ObjectiveStatus = "pending"
	ObjectiveStatusCompleted ObjectiveStatus = "completed"
)

// Objective is a project goal tracked for drift/progress purposes.
type Objective struct {
	ID          string          `json:"objective_id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Priority    Priority        `json:"priority"`
	Status      ObjectiveStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Severity classifies a DevelopmentEvent.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// DevelopmentEvent is a per-project append-only record (spec.md §3), fed by
// ingestion, drift analysis, and governance actions, and surfaced on the
// dashboard.
type DevelopmentEvent struct {
	ProjectID string            `json:"project_id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"`
	Severity  Severity          `json:"severity"`
	Payload   map[string]string `json:"payload,omitempty"`
}
