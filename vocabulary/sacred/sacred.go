// Package sacred defines the Plan record and its approval state machine
// (spec.md §3, §4.3), owned exclusively by the Sacred Store. Grounded on the
// teacher's storage.Task/storage.StatusChange shape (storage/entity.go): a
// status enum plus an explicit transition table, generalized here to the
// plan lifecycle diagram of spec.md §4.3.
package sacred

import "time"

// Status is a plan's lifecycle state.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusSuperseded      Status = "superseded"
	StatusArchived        Status = "archived"
)

// validTransitions enumerates the plan state machine edges of spec.md §4.3.
// Approval from either draft or pending_approval is a single edge because
// spec.md allows "draft -> approved directly when the approval call carries
// both factors".
var validTransitions = map[Status]map[Status]bool{
	StatusDraft:           {StatusPendingApproval: true, StatusApproved: true},
	StatusPendingApproval: {StatusApproved: true},
	StatusApproved:        {StatusSuperseded: true, StatusArchived: true},
}

// CanTransition reports whether from -> to is a legal edge in the plan state
// machine. Terminal states (superseded, archived) have no outgoing edges.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// ApprovalRecord captures the two-factor approval event (spec.md §3).
type ApprovalRecord struct {
	Approver  string    `json:"approver"`
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"` // descriptor, e.g. "verification_code+secondary_key"
}

// Plan is the discrete plan record (spec.md §3). Full content is not
// embedded here — it is reconstructed on demand from the plan's chunk set
// (see storage/sacredstore); this type is what the Sacred Store persists as
// <plan_id>.json per spec.md §6.3.
type Plan struct {
	ID               string          `json:"plan_id"`
	ProjectID        string          `json:"project_id"`
	Title            string          `json:"title"`
	ContentHash      string          `json:"content_hash"`
	VerificationCode string          `json:"verification_code"`
	Status           Status          `json:"status"`
	Approval         *ApprovalRecord `json:"approval,omitempty"`
	Supersedes       string          `json:"supersedes,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`

	// SchemaVersion is an explicit integer; readers refuse higher versions
	// (spec.md §6.3).
	SchemaVersion int `json:"schema_version"`
}

// CurrentSchemaVersion is the schema version this build writes and the
// highest version it can read.
const CurrentSchemaVersion = 1
