// Package drift implements the Drift Engine (spec.md §4.6): correlates
// approved sacred plans with recent git activity to score alignment,
// classify violations, and produce recommendations. Grounded on the
// general "compute a derived analysis by reading other owners, own no
// mutable state" shape the teacher shows across its processor family
// (structured reads composed into one report, no owned store of its own) —
// no single teacher file is a direct analogue since the teacher has no
// drift-detection component; the composition idiom is adapted, not one
// file's logic.
package drift

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/c360studio/contextkeeper/apierr"
	vdrift "github.com/c360studio/contextkeeper/vocabulary/drift"
)

// similarity floor/ceiling for violation detection (spec.md §4.6 step 6).
const (
	violationFloor   = 0.25
	violationCeiling = 0.55
)

// Weights controls the commit-message vs. changed-path contribution to
// adherence scoring — spec.md §4.6 leaves this ratio an Open Question;
// resolved here as a configurable, defaulting 0.5/0.5.
type Weights struct {
	CommitMessage float64
	ChangedPath   float64
}

// DefaultWeights is the Open Question resolution: equal weight.
func DefaultWeights() Weights { return Weights{CommitMessage: 0.5, ChangedPath: 0.5} }

// PlanSource reads approved plans and their chunk corpora; satisfied by
// storage/sacredstore.Store.
type PlanSource interface {
	ListPlans(projectID, status string) []PlanRecord
	PlanChunks(ctx context.Context, planID string) ([]ChunkEntry, error)
}

// PlanRecord is the minimal plan shape the engine needs.
type PlanRecord struct {
	ID    string
	Title string
}

// ChunkEntry is one embedded chunk of a plan's content.
type ChunkEntry struct {
	Content string
	Vector  []float32
}

// ActivitySource reports commits over a window; satisfied by
// gitactivity.Source.
type ActivitySource interface {
	Activity(ctx context.Context, window time.Duration) ([]ActivityCommit, error)
}

// ActivityCommit is the minimal commit shape the engine needs.
type ActivityCommit struct {
	Hash         string
	Message      string
	Timestamp    time.Time
	ChangedPaths []string
}

// Embedder embeds free text; satisfied by llm/embedding.Client.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// forbiddenPattern matches the sentence shapes spec.md §4.6 step 6 names as
// evidence of an explicit prohibition in plan text.
var forbiddenPattern = regexp.MustCompile(`(?i)\b(must not|never|forbidden)\b[^.!?]*[.!?]`)

// Engine computes on-demand Analysis; it owns no persistent state.
type Engine struct {
	plans     PlanSource
	activity  ActivitySource
	embedder  Embedder
	weights   Weights
	embedding sync.Mutex
	cache     map[string][]float32
}

// New builds a Drift Engine over the given plan and activity sources.
func New(plans PlanSource, activity ActivitySource, embedder Embedder, weights Weights) *Engine {
	if weights.CommitMessage == 0 && weights.ChangedPath == 0 {
		weights = DefaultWeights()
	}
	return &Engine{
		plans:    plans,
		activity: activity,
		embedder: embedder,
		weights:  weights,
		cache:    make(map[string][]float32),
	}
}

type activityItem struct {
	text      string
	cacheKey  string
	evidence  string // commit hash or path
	timestamp time.Time
	weight    float64 // which of CommitMessage/ChangedPath contributed this item
}

// Analyze implements spec.md §4.6's algorithm end to end.
func (e *Engine) Analyze(ctx context.Context, projectID string, windowHours int) (*vdrift.Analysis, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	window := time.Duration(windowHours) * time.Hour
	now := time.Now()

	analysis := &vdrift.Analysis{
		ProjectID:   projectID,
		WindowHours: windowHours,
		GeneratedAt: now,
	}

	approved := e.plans.ListPlans(projectID, "approved")
	sort.Slice(approved, func(i, j int) bool { return approved[i].ID < approved[j].ID })

	type planCorpus struct {
		record PlanRecord
		chunks []ChunkEntry
		forbid []string // forbidden sentences extracted from plan text
	}
	corpora := make([]planCorpus, 0, len(approved))
	for _, p := range approved {
		chunks, err := e.plans.PlanChunks(ctx, p.ID)
		if err != nil || len(chunks) == 0 {
			analysis.Warnings = append(analysis.Warnings, "plan "+p.ID+" could not be reconstructed and was excluded")
			continue
		}
		var full strings.Builder
		for _, c := range chunks {
			full.WriteString(c.Content)
			full.WriteString(" ")
		}
		corpora = append(corpora, planCorpus{record: p, chunks: chunks, forbid: forbiddenPattern.FindAllString(full.String(), -1)})
	}

	if len(corpora) == 0 {
		analysis.Status = vdrift.StatusAligned
		analysis.Alignment = 1
		analysis.Note = "no approved plans; status is vacuously aligned"
		analysis.Recommendations = e.recommend(analysis, nil)
		return analysis, nil
	}

	commits, err := e.activity.Activity(ctx, window)
	if err != nil {
		return nil, apierr.Wrap(apierr.DependencyUnavailable, err)
	}
	if len(commits) == 0 {
		analysis.Status = vdrift.StatusAligned
		analysis.Alignment = 1
		analysis.Note = "no git activity in window; status is vacuously aligned"
		for _, c := range corpora {
			analysis.PlanAdherence = append(analysis.PlanAdherence, vdrift.PlanAdherence{PlanID: c.record.ID, Title: c.record.Title, Score: 1})
		}
		analysis.Recommendations = e.recommend(analysis, nil)
		return analysis, nil
	}

	var items []activityItem
	for _, c := range commits {
		age := now.Sub(c.Timestamp)
		w := recencyWeight(age, window)
		if c.Message != "" {
			items = append(items, activityItem{text: c.Message, evidence: c.Hash, timestamp: c.Timestamp, weight: w * e.weights.CommitMessage})
		}
		for _, path := range c.ChangedPaths {
			items = append(items, activityItem{text: path, evidence: c.Hash + ":" + path, timestamp: c.Timestamp, weight: w * e.weights.ChangedPath})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].evidence < items[j].evidence })

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.text
	}
	vecs, err := e.embedMany(ctx, texts)
	if err != nil {
		return nil, apierr.Wrap(apierr.DependencyUnavailable, err)
	}

	var forbiddenTexts []string
	forbiddenOwner := make(map[int]string) // index into forbiddenTexts -> plan id
	for _, c := range corpora {
		for _, f := range c.forbid {
			forbiddenOwner[len(forbiddenTexts)] = c.record.ID
			forbiddenTexts = append(forbiddenTexts, f)
		}
	}
	var forbiddenVecs [][]float32
	if len(forbiddenTexts) > 0 {
		forbiddenVecs, err = e.embedMany(ctx, forbiddenTexts)
		if err != nil {
			return nil, apierr.Wrap(apierr.DependencyUnavailable, err)
		}
	}

	var totalAlignment float64
	var violations []vdrift.Violation
	for _, c := range corpora {
		var weightedSum, weightSum float64
		for i, it := range items {
			maxSim := maxCosine(vecs[i], c.chunks)
			weightedSum += maxSim * it.weight
			weightSum += it.weight
		}
		score := 1.0
		if weightSum > 0 {
			score = weightedSum / weightSum
		}
		analysis.PlanAdherence = append(analysis.PlanAdherence, vdrift.PlanAdherence{PlanID: c.record.ID, Title: c.record.Title, Score: round4(score)})
		totalAlignment += score
	}
	alignment := totalAlignment / float64(len(corpora))
	analysis.Alignment = round4(alignment)
	analysis.Status = vdrift.Classify(alignment)

	for i, it := range items {
		overallMax := 0.0
		for _, c := range corpora {
			if m := maxCosine(vecs[i], c.chunks); m > overallMax {
				overallMax = m
			}
		}
		if overallMax >= violationFloor {
			continue
		}
		bestForbidSim := 0.0
		bestPlan := ""
		for fi, fv := range forbiddenVecs {
			sim := cosine(vecs[i], fv)
			if sim > bestForbidSim {
				bestForbidSim = sim
				bestPlan = forbiddenOwner[fi]
			}
		}
		if bestForbidSim < violationCeiling {
			continue
		}

		recencyScore := recencyWeight(now.Sub(it.timestamp), window)
		severityScore := (violationFloor - overallMax) + recencyScore*0.2
		severity := vdrift.SeverityLow
		switch {
		case severityScore > 0.3:
			severity = vdrift.SeverityHigh
		case severityScore > 0.15:
			severity = vdrift.SeverityMedium
		}
		violations = append(violations, vdrift.Violation{
			PlanID:   bestPlan,
			Evidence: it.evidence,
			Severity: severity,
			Detail:   "activity diverges from approved plans and resembles a forbidden pattern",
		})
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i].Evidence < violations[j].Evidence })
	analysis.Violations = violations

	analysis.Recommendations = e.recommend(analysis, violations)
	return analysis, nil
}

// recommend implements spec.md §4.6 step 7's rule set over status +
// violation shapes.
func (e *Engine) recommend(a *vdrift.Analysis, violations []vdrift.Violation) []string {
	var out []string
	highCount := 0
	for _, v := range violations {
		if v.Severity == vdrift.SeverityHigh {
			highCount++
		}
	}
	if a.Status == vdrift.StatusCriticalViolation && highCount >= 1 {
		out = append(out, "Halt active development and review flagged commits/paths immediately.")
	}
	if a.Status == vdrift.StatusModerateDrift {
		for _, pa := range a.PlanAdherence {
			if pa.Score < 0.4 {
				out = append(out, "Review plan \""+pa.Title+"\" ("+pa.PlanID+"): recent activity shows weak alignment.")
			}
		}
	}
	return out
}

// recencyWeight implements spec.md §4.6 step 4's linear decay across the
// window: items at "now" weigh 1, items at the window's start weigh 0.
func recencyWeight(age, window time.Duration) float64 {
	if window <= 0 {
		return 1
	}
	w := 1 - float64(age)/float64(window)
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

func maxCosine(v []float32, chunks []ChunkEntry) float64 {
	max := 0.0
	for _, c := range chunks {
		if sim := cosine(v, c.Vector); sim > max {
			max = sim
		}
	}
	return max
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}

// embedMany embeds texts, serving repeats from e.cache keyed by content hash
// (spec.md §4.6 step 2: "cached by commit hash" — generalized here to any
// repeated text, since changed-file paths repeat across commits just as
// often as commit hashes do).
func (e *Engine) embedMany(ctx context.Context, texts []string) ([][]float32, error) {
	e.embedding.Lock()
	defer e.embedding.Unlock()

	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		key := hashText(t)
		if v, ok := e.cache[key]; ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) > 0 {
		vecs, err := e.embedder.Embed(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, idx := range missIdx {
			out[idx] = vecs[j]
			e.cache[hashText(texts[idx])] = vecs[j]
		}
	}
	return out, nil
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Scheduler periodically runs Analyze for a fixed set of projects, grounded
// on the teacher's indirect robfig/cron dependency promoted to direct use
// (spec.md §4.6's "periodically... produces an analysis; served on
// demand" — periodic production is optional, the HTTP endpoint always
// computes fresh).
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron
	onRun  func(projectID string, a *vdrift.Analysis, err error)
}

// NewScheduler wraps a cron instance around Engine.Analyze.
func NewScheduler(engine *Engine, onRun func(string, *vdrift.Analysis, error)) *Scheduler {
	return &Scheduler{engine: engine, cron: cron.New(), onRun: onRun}
}

// Schedule registers a periodic analysis for projectID at the given cron
// spec (e.g. "@every 1h").
func (s *Scheduler) Schedule(spec, projectID string, windowHours int) error {
	_, err := s.cron.AddFunc(spec, func() {
		a, err := s.engine.Analyze(context.Background(), projectID, windowHours)
		if s.onRun != nil {
			s.onRun(projectID, a, err)
		}
	})
	return err
}

// Start begins running scheduled analyses in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for in-flight runs to finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
