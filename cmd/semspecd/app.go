package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/contextkeeper/api"
	"github.com/c360studio/contextkeeper/config"
	"github.com/c360studio/contextkeeper/drift"
	"github.com/c360studio/contextkeeper/eventbus"
	"github.com/c360studio/contextkeeper/gitactivity"
	"github.com/c360studio/contextkeeper/llm/embedding"
	"github.com/c360studio/contextkeeper/llm/generation"
	"github.com/c360studio/contextkeeper/source/chunker"
	"github.com/c360studio/contextkeeper/storage/projectregistry"
	"github.com/c360studio/contextkeeper/storage/retrieval"
	"github.com/c360studio/contextkeeper/storage/sacredstore"
	"github.com/c360studio/contextkeeper/storage/vectorstore"
	"github.com/c360studio/contextkeeper/task"
	vdrift "github.com/c360studio/contextkeeper/vocabulary/drift"
	vproject "github.com/c360studio/contextkeeper/vocabulary/project"
)

// App wires every owner named in spec.md §4 into a single running process,
// adapted from the teacher's cmd/semspec/app.go NewApp/Start/Shutdown shape
// (embedded-or-external NATS, explicit owner structs, a single teardown
// barrier) generalized from the teacher's one-shot REPL agent to a
// long-running HTTP+WebSocket daemon (spec.md §9: "each owner is a
// dependency passed explicitly... no module-level mutable state").
type App struct {
	cfg *config.Config

	bus       *eventbus.Bus
	vectors   *vectorstore.Store
	projects  *projectregistry.Registry
	sacred    *sacredstore.Store
	retrieval *retrieval.Engine
	tasks     *task.Registry
	embedder  *embedding.Client
	generator *generation.Client

	schedulers []*drift.Scheduler

	Server *api.Server

	logger *slog.Logger
}

// NewApp opens every owner's storage and wires them into an api.Server. No
// network calls beyond opening the embedded/external NATS connection; the
// embedding and generation services are reached lazily, per-request.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}

	bus, err := eventbus.Open(cfg.NATS.URL, cfg.NATS.Embedded)
	if err != nil {
		return nil, fmt.Errorf("open event bus: %w", err)
	}
	a.bus = bus

	vectors, err := vectorstore.Open(cfg.DataRoot)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	a.vectors = vectors

	projects, err := projectregistry.Open(cfg.DataRoot, logger)
	if err != nil {
		return nil, fmt.Errorf("open project registry: %w", err)
	}
	a.projects = projects

	a.embedder = embedding.NewClient(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Dimension, cfg.Embedding.BaseURL, embedding.WithLogger(logger))
	a.generator = generation.NewClient(cfg.Generation.APIKey, cfg.Generation.Model, cfg.Generation.BaseURL, generation.WithLogger(logger))

	chunkerCfg := chunker.Config{
		TargetChars:  cfg.Ingest.ChunkTargetChars,
		MaxChars:     cfg.Ingest.ChunkTargetChars + cfg.Ingest.ChunkOverlapChars*2,
		MinChars:     cfg.Ingest.ChunkOverlapChars,
		OverlapChars: cfg.Ingest.ChunkOverlapChars,
	}

	sacred, err := sacredstore.Open(cfg.DataRoot, vectors, a.embedder, chunkerCfg, cfg.Embedding.Dimension)
	if err != nil {
		return nil, fmt.Errorf("open sacred store: %w", err)
	}
	a.sacred = sacred

	retrievalEngine, err := retrieval.New(vectors, a.embedder, a.generator, chunkerCfg, cfg.Ingest.MaxFileBytes)
	if err != nil {
		return nil, fmt.Errorf("build retrieval engine: %w", err)
	}
	a.retrieval = retrievalEngine

	a.tasks = task.New(bus, int64(cfg.Ingest.MaxConcurrency))

	a.Server = api.NewServer(api.Config{
		Projects:     projects,
		Sacred:       sacred,
		Retrieval:    retrievalEngine,
		Tasks:        a.tasks,
		Bus:          bus,
		Embedder:     a.embedder,
		ApprovalKey:  cfg.Sacred.ApprovalKey,
		MaxFileBytes: cfg.Ingest.MaxFileBytes,
		Logger:       logger,
	})

	return a, nil
}

// driftPlanSource and gitActivityAdapter adapt the Sacred Store and Git
// Activity Source to drift.Engine's minimal interfaces, mirroring the
// narrowing adapters api/drift.go uses for the on-demand endpoint.
type driftPlanSource struct{ sacred *sacredstore.Store }

func (d driftPlanSource) ListPlans(projectID, status string) []drift.PlanRecord {
	plans := d.sacred.ListPlans(projectID, status)
	out := make([]drift.PlanRecord, len(plans))
	for i, p := range plans {
		out[i] = drift.PlanRecord{ID: p.ID, Title: p.Title}
	}
	return out
}

func (d driftPlanSource) PlanChunks(ctx context.Context, planID string) ([]drift.ChunkEntry, error) {
	entries, err := d.sacred.PlanChunks(ctx, planID)
	if err != nil {
		return nil, err
	}
	out := make([]drift.ChunkEntry, len(entries))
	for i, e := range entries {
		out[i] = drift.ChunkEntry{Content: e.Content, Vector: e.Vector}
	}
	return out, nil
}

type gitActivityAdapter struct{ src *gitactivity.Source }

func (d gitActivityAdapter) Activity(ctx context.Context, window time.Duration) ([]drift.ActivityCommit, error) {
	commits, err := d.src.Activity(ctx, window)
	if err != nil {
		return nil, err
	}
	out := make([]drift.ActivityCommit, len(commits))
	for i, c := range commits {
		out[i] = drift.ActivityCommit{Hash: c.Hash, Message: c.Message, Timestamp: c.Timestamp, ChangedPaths: c.ChangedPaths}
	}
	return out, nil
}

// StartDriftScheduler runs a periodic drift sweep over every active or
// paused project, logging whatever the on-demand drift endpoint would
// otherwise only compute on request (spec.md §4.6: "periodically the Drift
// Engine pulls... produces an analysis; served on demand" — the HTTP
// handler always recomputes fresh; this sweep is the periodic half of that
// sentence). Grounded on the teacher's indirect robfig/cron dependency,
// promoted to direct use here.
func (a *App) StartDriftScheduler(cronSpec string) error {
	for _, p := range a.projects.List() {
		if p.Status == vproject.StatusArchived {
			continue
		}
		projectID := p.ID
		eng := drift.New(
			driftPlanSource{sacred: a.sacred},
			gitActivityAdapter{src: gitactivity.NewSource(p.RootPath)},
			a.embedder,
			drift.DefaultWeights(),
		)
		sched := drift.NewScheduler(eng, func(id string, analysis *vdrift.Analysis, err error) {
			if err != nil {
				a.logger.Warn("scheduled drift analysis failed", slog.String("project_id", id), slog.String("error", err.Error()))
				return
			}
			if analysis.Status != vdrift.StatusAligned {
				a.logger.Warn("drift detected",
					slog.String("project_id", id),
					slog.String("status", string(analysis.Status)),
					slog.Int("violations", len(analysis.Violations)),
				)
			}
		})
		if err := sched.Schedule(cronSpec, projectID, 24); err != nil {
			return fmt.Errorf("schedule drift analysis for %s: %w", projectID, err)
		}
		sched.Start()
		a.schedulers = append(a.schedulers, sched)
	}
	return nil
}

// Close tears down every owner in reverse dependency order (spec.md §9:
// "open on startup, close on shutdown, with a single teardown barrier").
func (a *App) Close(ctx context.Context) {
	for _, s := range a.schedulers {
		s.Stop()
	}
	if a.vectors != nil {
		if err := a.vectors.Close(); err != nil {
			a.logger.Warn("close vector store", slog.String("error", err.Error()))
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
}
