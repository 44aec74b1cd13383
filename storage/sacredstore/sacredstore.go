// Package sacredstore implements the Sacred Store (spec.md §4.3): plan
// persistence, the two-factor approval state machine, content-hash
// integrity, and chunk-reconstructable retrieval. Grounded on the teacher's
// workflow/plan.go (slug validation, one-file-per-entity JSON persistence,
// ListPlans' partial-result tolerance) generalized from exploration/commit
// plans to the governance plan lifecycle of spec.md §4.3, combined with
// storage/entity.go's EntityID-style short-identifier derivation.
package sacredstore

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/contextkeeper/apierr"
	"github.com/c360studio/contextkeeper/source/chunker"
	"github.com/c360studio/contextkeeper/storage/vectorstore"
	"github.com/c360studio/contextkeeper/vocabulary/sacred"
)

// Embedder embeds chunk text into vectors; satisfied by llm/embedding.Client.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Store persists Plan records as <plan_id>.json + <plan_id>.content under
// <data_root>/sacred_plans (spec.md §6.3), and maintains each plan's chunks
// in the `sacred_{project_id}` vector collection.
type Store struct {
	dir      string
	vectors  *vectorstore.Store
	embedder Embedder
	chunker  *chunker.Chunker
	dim      int

	mu    sync.Mutex // serializes mutation across all plans, per spec.md §5
	plans map[string]*sacred.Plan
}

// Open loads every plan record found under <data_root>/sacred_plans into
// memory, tolerating individual malformed files (spec.md's "tolerant to
// backward-compatible additions" posture, extended to skip-and-warn on
// unreadable records rather than failing startup).
func Open(dataRoot string, vectors *vectorstore.Store, embedder Embedder, chunkerCfg chunker.Config, dim int) (*Store, error) {
	dir := filepath.Join(dataRoot, "sacred_plans")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sacred plans directory: %w", err)
	}

	ck, err := chunker.New(chunkerCfg)
	if err != nil {
		return nil, fmt.Errorf("configure chunker: %w", err)
	}

	s := &Store{
		dir:      dir,
		vectors:  vectors,
		embedder: embedder,
		chunker:  ck,
		dim:      dim,
		plans:    make(map[string]*sacred.Plan),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read sacred plans directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var p sacred.Plan
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		if p.SchemaVersion > sacred.CurrentSchemaVersion {
			// spec.md §6.3: readers must refuse higher schema versions.
			continue
		}
		s.plans[p.ID] = &p
	}

	return s, nil
}

// canonicalize applies spec.md §4.3's canonical-bytes rule before hashing:
// UTF-8, '\n' line endings, no trailing whitespace per line.
func canonicalize(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.Join(lines, "\n")
}

func contentHash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// verificationCode derives the first approval factor deterministically from
// the content hash and creation date (spec.md §4.3), stable across restarts.
func verificationCode(hash string, createdAt time.Time) string {
	return hash[:12] + "-" + createdAt.UTC().Format("20060102")
}

// CreatePlan implements spec.md §4.3's create_plan.
func (s *Store) CreatePlan(ctx context.Context, projectID, title, content string) (*sacred.Plan, error) {
	if projectID == "" || title == "" || content == "" {
		return nil, apierr.New(apierr.InvalidInput, "project_id, title, and content are all required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	canonical := canonicalize(content)
	hash := contentHash(canonical)

	for _, p := range s.plans {
		if p.ProjectID == projectID && p.ContentHash == hash && p.Status != sacred.StatusSuperseded && p.Status != sacred.StatusArchived {
			return nil, apierr.New(apierr.AlreadyExists, "an active plan with identical content already exists for this project").
				WithDetails(map[string]string{"existing_plan_id": p.ID})
		}
	}

	now := time.Now()
	plan := &sacred.Plan{
		ID:               "plan_" + uuid.New().String()[:8],
		ProjectID:        projectID,
		Title:            title,
		ContentHash:      hash,
		VerificationCode: verificationCode(hash, now),
		Status:           sacred.StatusDraft,
		CreatedAt:        now,
		SchemaVersion:    sacred.CurrentSchemaVersion,
	}

	if err := s.writeContent(plan.ID, canonical); err != nil {
		return nil, err
	}
	if err := s.indexChunks(ctx, plan, canonical, "draft"); err != nil {
		return nil, err
	}
	if err := s.writeRecord(plan); err != nil {
		return nil, err
	}

	s.plans[plan.ID] = plan
	return cloneplan(plan), nil
}

// Submit transitions a plan from draft to pending_approval (spec.md §4.3
// state diagram's "submit" edge).
func (s *Store) Submit(plan string) (*sacred.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.getLocked(plan)
	if err != nil {
		return nil, err
	}
	if !sacred.CanTransition(p.Status, sacred.StatusPendingApproval) {
		return nil, apierr.New(apierr.StateConflict, "plan %s cannot be submitted from status %s", p.ID, p.Status)
	}
	p.Status = sacred.StatusPendingApproval
	if err := s.writeRecord(p); err != nil {
		return nil, err
	}
	return cloneplan(p), nil
}

// ApprovePlan implements spec.md §4.3's approve_plan: both factors must
// match via constant-time comparison; on success the transition and the
// chunk metadata rewrite happen atomically under the store lock.
func (s *Store) ApprovePlan(ctx context.Context, planID, verificationCode, secondaryKey, approver, expectedSecondaryKey string) (*sacred.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.getLocked(planID)
	if err != nil {
		return nil, err
	}
	if !sacred.CanTransition(p.Status, sacred.StatusApproved) {
		return nil, apierr.New(apierr.StateConflict, "plan %s cannot be approved from status %s", p.ID, p.Status)
	}

	codeOK := subtle.ConstantTimeCompare([]byte(verificationCode), []byte(p.VerificationCode)) == 1
	keyOK := subtle.ConstantTimeCompare([]byte(secondaryKey), []byte(expectedSecondaryKey)) == 1
	if !codeOK || !keyOK {
		return nil, apierr.New(apierr.VerificationFailed, "one or both approval factors did not match")
	}

	approval := &sacred.ApprovalRecord{
		Approver:  approver,
		Timestamp: time.Now(),
		Method:    "verification_code+secondary_key",
	}

	// Rewrite chunk metadata and the on-disk record before flipping the
	// live pointer's status: if the embedder is unreachable
	// (DependencyUnavailable), p must remain exactly as it was so a retry
	// sees the same pending status rather than a wedged approved-in-memory/
	// pending-on-disk split (spec.md §4.3's atomic-approval guarantee).
	if err := s.rewriteChunkStatus(ctx, p, "approved"); err != nil {
		return nil, err
	}

	prevStatus, prevApproval := p.Status, p.Approval
	p.Status = sacred.StatusApproved
	p.Approval = approval

	if err := s.writeRecord(p); err != nil {
		p.Status = prevStatus
		p.Approval = prevApproval
		if rerr := s.rewriteChunkStatus(ctx, p, string(prevStatus)); rerr != nil {
			return nil, apierr.New(apierr.IntegrityError, "plan %s approval failed and chunk metadata rollback also failed: %v (original error: %v)", p.ID, rerr, err)
		}
		return nil, err
	}
	return cloneplan(p), nil
}

// GetPlan returns the plan record and its reconstructed canonical content.
func (s *Store) GetPlan(planID string) (*sacred.Plan, string, error) {
	s.mu.Lock()
	p, err := s.getLocked(planID)
	s.mu.Unlock()
	if err != nil {
		return nil, "", err
	}

	content, err := os.ReadFile(s.contentPath(planID))
	if err != nil {
		return nil, "", apierr.New(apierr.IntegrityError, "plan %s content is missing from disk", planID)
	}
	if contentHash(string(content)) != p.ContentHash {
		return nil, "", apierr.New(apierr.IntegrityError, "plan %s content hash mismatch", planID)
	}
	return cloneplan(p), string(content), nil
}

// ListPlans returns every known plan, optionally filtered by project and
// status, ordered by CreatedAt ascending for determinism.
func (s *Store) ListPlans(projectID, status string) []*sacred.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*sacred.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		if projectID != "" && p.ProjectID != projectID {
			continue
		}
		if status != "" && string(p.Status) != status {
			continue
		}
		out = append(out, cloneplan(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// QueryPlans implements spec.md §4.3's query_plans: search
// sacred_{project_id} restricted to approved chunks.
type PlanHit struct {
	PlanID  string
	Chunk   string
	Score   float64
	Ordinal int
}

func (s *Store) QueryPlans(ctx context.Context, projectID, queryText string, k int) ([]PlanHit, error) {
	name := vectorstore.CollectionNameForSacred(projectID)
	if !s.vectors.Exists(name) {
		return nil, nil
	}
	col, err := s.vectors.Collection(ctx, name, s.dim)
	if err != nil {
		return nil, err
	}

	vecs, err := s.embedder.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, apierr.Wrap(apierr.DependencyUnavailable, err)
	}

	results, err := col.Search(ctx, vecs[0], k, "status", "approved")
	if err != nil {
		return nil, err
	}

	hits := make([]PlanHit, 0, len(results))
	for _, r := range results {
		ordinal := 0
		fmt.Sscanf(r.Metadata["ordinal"], "%d", &ordinal)
		hits = append(hits, PlanHit{
			PlanID:  r.Metadata["plan_id"],
			Chunk:   r.Content,
			Score:   r.Score,
			Ordinal: ordinal,
		})
	}
	return hits, nil
}

// PlanChunks returns every chunk (content + vector) recorded for planID in
// its sacred collection, used by the Drift Engine to build its
// plan-embedding corpus (spec.md §4.6 step 1) without re-embedding.
func (s *Store) PlanChunks(ctx context.Context, planID string) ([]vectorstore.StoredEntry, error) {
	s.mu.Lock()
	p, err := s.getLocked(planID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	name := vectorstore.CollectionNameForSacred(p.ProjectID)
	col, err := s.vectors.Collection(ctx, name, s.dim)
	if err != nil {
		return nil, err
	}
	return col.EntriesForSource(ctx, planID)
}

// Supersede implements spec.md §4.3's supersede: both plans must exist, new
// must be approved, old must be approved, and the supersedes chain must stay
// acyclic.
func (s *Store) Supersede(oldPlanID, newPlanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldPlan, err := s.getLocked(oldPlanID)
	if err != nil {
		return err
	}
	newPlan, err := s.getLocked(newPlanID)
	if err != nil {
		return err
	}
	if oldPlan.Status != sacred.StatusApproved {
		return apierr.New(apierr.StateConflict, "old plan %s must be approved to be superseded", oldPlanID)
	}
	if newPlan.Status != sacred.StatusApproved {
		return apierr.New(apierr.StateConflict, "new plan %s must be approved before superseding", newPlanID)
	}

	if err := s.checkAcyclic(newPlanID, oldPlanID); err != nil {
		return err
	}

	oldPlan.Status = sacred.StatusSuperseded
	newPlan.Supersedes = oldPlanID
	if err := s.writeRecord(oldPlan); err != nil {
		return err
	}
	return s.writeRecord(newPlan)
}

// checkAcyclic walks the supersedes chain starting at newID, failing if it
// ever reaches target (which would close a cycle) or loops indefinitely.
func (s *Store) checkAcyclic(newID, target string) error {
	seen := make(map[string]bool)
	cur := newID
	for cur != "" {
		if cur == target {
			return apierr.New(apierr.StateConflict, "supersede would create a cycle at plan %s", cur)
		}
		if seen[cur] {
			return apierr.New(apierr.IntegrityError, "supersedes chain already contains a cycle at plan %s", cur)
		}
		seen[cur] = true
		p, ok := s.plans[cur]
		if !ok {
			break
		}
		cur = p.Supersedes
	}
	return nil
}

// Archive moves an approved or superseded plan to archived (terminal).
func (s *Store) Archive(planID string) (*sacred.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.getLocked(planID)
	if err != nil {
		return nil, err
	}
	if !sacred.CanTransition(p.Status, sacred.StatusArchived) {
		return nil, apierr.New(apierr.StateConflict, "plan %s cannot be archived from status %s", p.ID, p.Status)
	}
	p.Status = sacred.StatusArchived
	if err := s.writeRecord(p); err != nil {
		return nil, err
	}
	return cloneplan(p), nil
}

func (s *Store) getLocked(planID string) (*sacred.Plan, error) {
	p, ok := s.plans[planID]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "plan %s not found", planID)
	}
	return p, nil
}

func (s *Store) recordPath(planID string) string {
	return filepath.Join(s.dir, planID+".json")
}

func (s *Store) contentPath(planID string) string {
	return filepath.Join(s.dir, planID+".content")
}

// writeRecord and writeContent both write-to-temp-then-rename so a crash
// mid-write never leaves a half-written file behind (spec.md §5's
// durability expectations for governance state).
func (s *Store) writeRecord(p *sacred.Plan) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan record: %w", err)
	}
	return atomicWrite(s.recordPath(p.ID), data)
}

func (s *Store) writeContent(planID, content string) error {
	return atomicWrite(s.contentPath(planID), []byte(content))
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename into place %s: %w", path, err)
	}
	return nil
}

func (s *Store) indexChunks(ctx context.Context, plan *sacred.Plan, canonical, status string) error {
	chunks := s.chunker.Chunk(plan.ID, canonical)
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return apierr.Wrap(apierr.DependencyUnavailable, err)
	}

	name := vectorstore.CollectionNameForSacred(plan.ProjectID)
	col, err := s.vectors.Collection(ctx, name, s.dim)
	if err != nil {
		return err
	}

	entries := make([]vectorstore.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = vectorstore.Entry{
			ChunkID:    fmt.Sprintf("%s:%d", plan.ID, c.Ordinal),
			Vector:     vecs[i],
			ProjectID:  plan.ProjectID,
			SourcePath: plan.ID,
			Metadata: map[string]string{
				"__content": c.Content,
				"plan_id":   plan.ID,
				"ordinal":   fmt.Sprintf("%d", c.Ordinal),
				"status":    status,
				"type":      "sacred_plan",
			},
		}
	}
	return col.Insert(ctx, entries)
}

func (s *Store) rewriteChunkStatus(ctx context.Context, plan *sacred.Plan, status string) error {
	name := vectorstore.CollectionNameForSacred(plan.ProjectID)
	col, err := s.vectors.Collection(ctx, name, s.dim)
	if err != nil {
		return err
	}

	content, err := os.ReadFile(s.contentPath(plan.ID))
	if err != nil {
		return apierr.New(apierr.IntegrityError, "plan %s content missing during approval", plan.ID)
	}
	return s.indexChunksReplacing(ctx, col, plan, string(content), status)
}

func (s *Store) indexChunksReplacing(ctx context.Context, col *vectorstore.Collection, plan *sacred.Plan, canonical, status string) error {
	chunks := s.chunker.Chunk(plan.ID, canonical)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return apierr.Wrap(apierr.DependencyUnavailable, err)
	}

	entries := make([]vectorstore.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = vectorstore.Entry{
			ChunkID:    fmt.Sprintf("%s:%d", plan.ID, c.Ordinal),
			Vector:     vecs[i],
			ProjectID:  plan.ProjectID,
			SourcePath: plan.ID,
			Metadata: map[string]string{
				"__content": c.Content,
				"plan_id":   plan.ID,
				"ordinal":   fmt.Sprintf("%d", c.Ordinal),
				"status":    status,
				"type":      "sacred_plan",
			},
		}
	}
	return col.ReplaceSource(ctx, plan.ID, entries)
}

func cloneplan(p *sacred.Plan) *sacred.Plan {
	cp := *p
	if p.Approval != nil {
		a := *p.Approval
		cp.Approval = &a
	}
	return &cp
}
