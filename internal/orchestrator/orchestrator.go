// Package orchestrator sequences full ingestion cycles: run due
// collectors, feed the pipeline, persist items then topics then
// trends, index vectors, invalidate caches, and keep the PipelineRun
// accounting record.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"trendlens/internal/cache"
	"trendlens/internal/collector"
	"trendlens/internal/config"
	"trendlens/internal/core"
	"trendlens/internal/logger"
	"trendlens/internal/persistence"
	"trendlens/internal/pipeline"
	"trendlens/internal/vectorstore"
)

// sweepKeepLimit bounds the item id set fetched for vector tombstone
// cleanup after a retention sweep.
const sweepKeepLimit = 100000

// collectConcurrency bounds parallel collector runs in a full cycle.
const collectConcurrency = 4

// Orchestrator owns the end-to-end cycle.
type Orchestrator struct {
	db       persistence.Database
	store    vectorstore.Store
	cache    cache.Cache
	registry *collector.Registry
	health   *collector.HealthTracker
	runner   *pipeline.Runner
	cfg      config.Retention
	snapshot map[string]string

	// cycleRunning guards the full cycle; scoped single-plugin runs
	// may proceed in parallel since all writes are upserts.
	cycleRunning atomic.Bool
	log          *slog.Logger
}

func New(db persistence.Database, store vectorstore.Store, c cache.Cache, registry *collector.Registry, health *collector.HealthTracker, runner *pipeline.Runner, cfg config.Retention, snapshot map[string]string) *Orchestrator {
	return &Orchestrator{
		db:       db,
		store:    store,
		cache:    c,
		registry: registry,
		health:   health,
		runner:   runner,
		cfg:      cfg,
		snapshot: snapshot,
		log:      logger.Get(),
	}
}

// RunCycle executes one full cycle over every registered, healthy
// collector. Only one full cycle runs at a time; a concurrent trigger
// fails with AlreadyRunning. force bypasses the per-plugin rate
// limiter.
func (o *Orchestrator) RunCycle(ctx context.Context, force bool) (*core.PipelineRun, error) {
	if !o.cycleRunning.CompareAndSwap(false, true) {
		return nil, core.NewError(core.KindAlreadyRunning, "a pipeline cycle is already running")
	}
	defer o.cycleRunning.Store(false)

	run := o.newRun(ctx)

	// Collectors run concurrently; one plugin's failure never aborts
	// the cycle, so errors land on the run record instead of the group.
	var (
		mu  sync.Mutex
		raw []core.RawItem
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(collectConcurrency)
	for _, name := range o.registry.Names() {
		g.Go(func() error {
			healthy, err := o.health.IsHealthy(gctx, name)
			if err != nil {
				mu.Lock()
				run.Errors = append(run.Errors, fmt.Sprintf("%s: health check: %v", name, err))
				mu.Unlock()
				return nil
			}
			if !healthy {
				o.log.Warn("Skipping unhealthy collector", "name", name)
				return nil
			}

			items, err := o.registry.Run(gctx, name, force)
			if err != nil {
				mu.Lock()
				run.Errors = append(run.Errors, fmt.Sprintf("%s: %v", name, err))
				mu.Unlock()
				return nil
			}
			mu.Lock()
			raw = append(raw, items...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Stable input order keeps downstream identities and logs
	// reproducible across cycles.
	sort.Slice(raw, func(i, j int) bool { return raw[i].Key() < raw[j].Key() })
	run.ItemsIn = len(raw)

	return o.finish(ctx, run, raw)
}

// IngestBatch processes one collector's output as a scoped run, the
// path scheduled collections take.
func (o *Orchestrator) IngestBatch(ctx context.Context, plugin string, raw []core.RawItem) (*core.PipelineRun, error) {
	run := o.newRun(ctx)
	run.ItemsIn = len(raw)
	o.log.Info("Ingesting scheduled batch", "plugin", plugin, "items", len(raw))
	return o.finish(ctx, run, raw)
}

// Sink adapts IngestBatch to the scheduler contract.
func (o *Orchestrator) Sink() collector.Sink {
	return func(ctx context.Context, plugin string, items []core.RawItem) {
		if _, err := o.IngestBatch(ctx, plugin, items); err != nil {
			o.log.Error("Scheduled ingestion failed", "plugin", plugin, "error", err)
		}
	}
}

func (o *Orchestrator) newRun(ctx context.Context) *core.PipelineRun {
	run := &core.PipelineRun{
		ID:         uuid.NewString(),
		StartedAt:  time.Now().UTC(),
		Status:     core.RunRunning,
		ConfigSnap: o.snapshot,
	}
	if err := o.db.Runs().Create(ctx, run); err != nil {
		o.log.Error("Creating run record", "error", err)
	}
	return run
}

// finish runs the pipeline over the collated batch, persists and
// indexes the results, and closes out the run record.
func (o *Orchestrator) finish(ctx context.Context, run *core.PipelineRun, raw []core.RawItem) (*core.PipelineRun, error) {
	result, err := o.runner.Run(ctx, raw)
	if err != nil {
		return run, o.fail(ctx, run, err)
	}
	run.Errors = append(run.Errors, result.Errors...)
	run.ItemsOut = len(result.Items)
	run.TopicCount = len(result.Topics)
	run.TrendCount = len(result.Trends)

	if err := o.persist(ctx, result); err != nil {
		return run, o.fail(ctx, run, err)
	}
	if err := o.index(ctx, result); err != nil {
		return run, o.fail(ctx, run, err)
	}
	o.invalidateCaches(ctx)

	run.Status = core.RunCompleted
	run.CompletedAt = time.Now().UTC()
	if err := o.db.Runs().Update(ctx, run); err != nil {
		o.log.Error("Closing run record", "run", run.ID, "error", err)
	}
	o.log.Info("Cycle completed",
		"run", run.ID,
		"items_in", run.ItemsIn,
		"items_out", run.ItemsOut,
		"topics", run.TopicCount,
		"trends", run.TrendCount,
		"errors", len(run.Errors))
	return run, nil
}

// fail closes the run record as failed, or cancelled when the context
// was cancelled.
func (o *Orchestrator) fail(ctx context.Context, run *core.PipelineRun, cause error) error {
	run.Status = core.RunFailed
	if ctx.Err() != nil {
		run.Status = core.RunCancelled
	}
	run.CompletedAt = time.Now().UTC()
	run.Errors = append(run.Errors, cause.Error())

	// The record update uses a fresh context so a cancelled run still
	// gets its terminal status written.
	updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.db.Runs().Update(updateCtx, run); err != nil {
		o.log.Error("Recording run failure", "run", run.ID, "error", err)
	}
	return cause
}

// persist writes items first, then topics with their junction rows,
// then trends.
func (o *Orchestrator) persist(ctx context.Context, result *pipeline.Result) error {
	if err := o.db.Items().SaveBatch(ctx, result.Items); err != nil {
		return fmt.Errorf("persisting items: %w", err)
	}
	for i := range result.Topics {
		if err := o.db.Topics().Save(ctx, &result.Topics[i]); err != nil {
			return fmt.Errorf("persisting topic %s: %w", result.Topics[i].ID, err)
		}
	}
	if err := o.db.Trends().SaveBatch(ctx, result.Trends); err != nil {
		return fmt.Errorf("persisting trends: %w", err)
	}
	return nil
}

// index upserts item and trend vectors. Trend vectors are the owning
// topic centroids with the trend's payload.
func (o *Orchestrator) index(ctx context.Context, result *pipeline.Result) error {
	var entries []vectorstore.Entry
	var embedded []string
	for i := range result.Items {
		item := &result.Items[i]
		if len(item.Embedding) == 0 {
			continue
		}
		entries = append(entries, vectorstore.Entry{
			ID:          vectorstore.Key(vectorstore.EntityItem, item.ID),
			Entity:      vectorstore.EntityItem,
			Embedding:   item.Embedding,
			Category:    string(item.Category),
			Language:    item.Language,
			Sources:     []string{item.Source},
			Score:       item.Engagement.Score(),
			PublishedAt: item.PublishedAt,
		})
		embedded = append(embedded, item.ID)
	}

	centroids := make(map[string][]float64, len(result.Topics))
	for i := range result.Topics {
		centroids[result.Topics[i].ID] = result.Topics[i].Centroid
	}
	for i := range result.Trends {
		trend := &result.Trends[i]
		centroid := centroids[trend.TopicID]
		if len(centroid) == 0 {
			continue
		}
		entries = append(entries, vectorstore.Entry{
			ID:          vectorstore.Key(vectorstore.EntityTrend, trend.ID),
			Entity:      vectorstore.EntityTrend,
			Embedding:   centroid,
			Category:    string(trend.Category),
			State:       string(trend.State),
			Language:    trend.Language,
			Sources:     trend.Sources,
			Score:       trend.Score,
			PublishedAt: trend.CreatedAt,
		})
	}

	if len(entries) > 0 {
		if err := o.store.UpsertBatch(ctx, entries); err != nil {
			return fmt.Errorf("indexing vectors: %w", err)
		}
	}
	if len(embedded) > 0 {
		if err := o.db.Items().MarkEmbedded(ctx, embedded); err != nil {
			return fmt.Errorf("marking items embedded: %w", err)
		}
	}
	return nil
}

// invalidateCaches drops the hot-read key families after a cycle.
func (o *Orchestrator) invalidateCaches(ctx context.Context) {
	for _, pattern := range []string{"trends:*", "topics:*"} {
		if _, err := o.cache.DeletePattern(ctx, pattern); err != nil {
			o.log.Warn("Cache invalidation failed", "pattern", pattern, "error", err)
		}
	}
}

// SweepRetention deletes items past the cold retention age and clears
// their orphaned vector entries. It returns the number of deleted
// rows.
func (o *Orchestrator) SweepRetention(ctx context.Context) (int, error) {
	coldDays := o.cfg.ColdDays
	if coldDays <= 0 {
		coldDays = 365
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -coldDays)

	deleted, err := o.db.Items().Sweep(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted == 0 {
		return 0, nil
	}

	survivors, err := o.db.Items().List(ctx, persistence.Filter{Limit: sweepKeepLimit})
	if err != nil {
		return deleted, err
	}
	keep := make([]string, len(survivors))
	for i := range survivors {
		keep[i] = vectorstore.Key(vectorstore.EntityItem, survivors[i].ID)
	}
	removed, err := o.store.DeleteMissing(ctx, vectorstore.EntityItem, keep)
	if err != nil {
		return deleted, err
	}
	o.log.Info("Retention sweep completed", "items", deleted, "vectors", removed)
	return deleted, nil
}
