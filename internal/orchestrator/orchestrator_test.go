package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trendlens/internal/cache"
	"trendlens/internal/collector"
	"trendlens/internal/config"
	"trendlens/internal/core"
	"trendlens/internal/persistence"
	"trendlens/internal/pipeline"
	"trendlens/internal/vectorstore"
)

// memDB is an in-memory persistence.Database covering the methods the
// orchestrator exercises.
type memDB struct {
	items  *memItemRepo
	topics *memTopicRepo
	trends *memTrendRepo
	runs   *memRunRepo
	health *memHealthRepo
}

func newMemDB() *memDB {
	return &memDB{
		items:  &memItemRepo{items: make(map[string]core.ProcessedItem)},
		topics: &memTopicRepo{topics: make(map[string]core.Topic)},
		trends: &memTrendRepo{trends: make(map[string]core.Trend)},
		runs:   &memRunRepo{runs: make(map[string]core.PipelineRun)},
		health: &memHealthRepo{records: make(map[string]core.PluginHealth)},
	}
}

func (d *memDB) Items() persistence.ItemRepository                { return d.items }
func (d *memDB) Topics() persistence.TopicRepository              { return d.topics }
func (d *memDB) Trends() persistence.TrendRepository              { return d.trends }
func (d *memDB) Sources() persistence.SourceRepository            { return nil }
func (d *memDB) PluginHealth() persistence.PluginHealthRepository { return d.health }
func (d *memDB) Runs() persistence.RunRepository                  { return d.runs }
func (d *memDB) Close() error                                     { return nil }
func (d *memDB) Ping(context.Context) error                       { return nil }
func (d *memDB) BeginTx(context.Context) (persistence.Transaction, error) {
	return nil, core.NewError(core.KindInternal, "not supported")
}

type memItemRepo struct {
	mu       sync.Mutex
	items    map[string]core.ProcessedItem
	embedded []string
	swept    int
}

func (r *memItemRepo) Save(_ context.Context, item *core.ProcessedItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[item.ID] = *item
	return nil
}

func (r *memItemRepo) SaveBatch(ctx context.Context, items []core.ProcessedItem) error {
	for i := range items {
		if err := r.Save(ctx, &items[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *memItemRepo) Get(_ context.Context, id string) (*core.ProcessedItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item, ok := r.items[id]; ok {
		return &item, nil
	}
	return nil, core.Errorf(core.KindNotFound, "item %s not found", id)
}

func (r *memItemRepo) GetBySourceKey(context.Context, string, string) (*core.ProcessedItem, error) {
	return nil, core.NewError(core.KindNotFound, "not found")
}

func (r *memItemRepo) List(_ context.Context, f persistence.Filter) ([]core.ProcessedItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.ProcessedItem
	for _, item := range r.items {
		out = append(out, item)
	}
	return out, nil
}

func (r *memItemRepo) Count(context.Context, persistence.Filter) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items), nil
}

func (r *memItemRepo) GetByTopic(context.Context, string, int, int) ([]core.ProcessedItem, error) {
	return nil, nil
}

func (r *memItemRepo) GetWithoutEmbeddings(context.Context, int) ([]core.ProcessedItem, error) {
	return nil, nil
}

func (r *memItemRepo) MarkEmbedded(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embedded = append(r.embedded, ids...)
	return nil
}

func (r *memItemRepo) Delete(context.Context, string) error { return nil }

func (r *memItemRepo) Sweep(_ context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, item := range r.items {
		if item.PublishedAt.Before(olderThan) {
			delete(r.items, id)
			r.swept++
		}
	}
	return r.swept, nil
}

type memTopicRepo struct {
	mu     sync.Mutex
	topics map[string]core.Topic
}

func (r *memTopicRepo) Save(_ context.Context, topic *core.Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics[topic.ID] = *topic
	return nil
}

func (r *memTopicRepo) Get(_ context.Context, id string) (*core.Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if topic, ok := r.topics[id]; ok {
		return &topic, nil
	}
	return nil, core.Errorf(core.KindNotFound, "topic %s not found", id)
}

func (r *memTopicRepo) List(context.Context, persistence.Filter) ([]core.Topic, error) {
	return nil, nil
}
func (r *memTopicRepo) Count(context.Context, persistence.Filter) (int, error) { return 0, nil }
func (r *memTopicRepo) Search(context.Context, string, int) ([]core.Topic, error) {
	return nil, nil
}
func (r *memTopicRepo) Delete(context.Context, string) error { return nil }

type memTrendRepo struct {
	mu     sync.Mutex
	trends map[string]core.Trend
}

func (r *memTrendRepo) Save(_ context.Context, trend *core.Trend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trends[trend.ID] = *trend
	return nil
}

func (r *memTrendRepo) SaveBatch(ctx context.Context, trends []core.Trend) error {
	for i := range trends {
		if err := r.Save(ctx, &trends[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *memTrendRepo) Get(_ context.Context, id string) (*core.Trend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if trend, ok := r.trends[id]; ok {
		return &trend, nil
	}
	return nil, core.Errorf(core.KindNotFound, "trend %s not found", id)
}

func (r *memTrendRepo) List(context.Context, persistence.Filter) ([]core.Trend, error) {
	return nil, nil
}
func (r *memTrendRepo) Count(context.Context, persistence.Filter) (int, error) { return 0, nil }
func (r *memTrendRepo) Top(context.Context, int, core.Category) ([]core.Trend, error) {
	return nil, nil
}
func (r *memTrendRepo) Search(context.Context, string, int) ([]core.Trend, error) {
	return nil, nil
}
func (r *memTrendRepo) Delete(context.Context, string) error { return nil }

type memRunRepo struct {
	mu   sync.Mutex
	runs map[string]core.PipelineRun
}

func (r *memRunRepo) Create(_ context.Context, run *core.PipelineRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = *run
	return nil
}

func (r *memRunRepo) Update(ctx context.Context, run *core.PipelineRun) error {
	return r.Create(ctx, run)
}

func (r *memRunRepo) Get(_ context.Context, id string) (*core.PipelineRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[id]; ok {
		return &run, nil
	}
	return nil, core.Errorf(core.KindNotFound, "run %s not found", id)
}

func (r *memRunRepo) ListRecent(context.Context, int) ([]core.PipelineRun, error) {
	return nil, nil
}

type memHealthRepo struct {
	mu      sync.Mutex
	records map[string]core.PluginHealth
}

func (r *memHealthRepo) Get(_ context.Context, name string) (*core.PluginHealth, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record, ok := r.records[name]; ok {
		return &record, nil
	}
	return nil, core.Errorf(core.KindNotFound, "no health record for %s", name)
}

func (r *memHealthRepo) GetAll(context.Context) ([]core.PluginHealth, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.PluginHealth
	for _, record := range r.records {
		out = append(out, record)
	}
	return out, nil
}

func (r *memHealthRepo) Upsert(_ context.Context, health *core.PluginHealth) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[health.PluginName] = *health
	return nil
}

func (r *memHealthRepo) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, name)
	return nil
}

// memVectorStore records upserts and deletes in memory.
type memVectorStore struct {
	mu      sync.Mutex
	entries map[string]vectorstore.Entry
}

func newMemVectorStore() *memVectorStore {
	return &memVectorStore{entries: make(map[string]vectorstore.Entry)}
}

func (s *memVectorStore) Upsert(_ context.Context, entry vectorstore.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}

func (s *memVectorStore) UpsertBatch(ctx context.Context, entries []vectorstore.Entry) error {
	for _, entry := range entries {
		if err := s.Upsert(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *memVectorStore) Search(context.Context, vectorstore.Query) ([]vectorstore.Result, error) {
	return nil, nil
}

func (s *memVectorStore) Get(_ context.Context, id string) (*vectorstore.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[id]; ok {
		return &entry, nil
	}
	return nil, core.Errorf(core.KindNotFound, "vector %s not found", id)
}

func (s *memVectorStore) Delete(context.Context, string) error { return nil }

func (s *memVectorStore) DeleteMissing(_ context.Context, entity vectorstore.Entity, keep []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keepSet := make(map[string]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}
	removed := 0
	for id, entry := range s.entries {
		if entry.Entity == entity && !keepSet[id] {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (s *memVectorStore) Stats(context.Context) (*vectorstore.Stats, error) {
	return &vectorstore.Stats{}, nil
}

// mappedEmbedder returns prepared vectors keyed on the exact text.
type mappedEmbedder struct {
	vectors map[string][]float64
}

func (e *mappedEmbedder) EmbedText(_ context.Context, text string) ([]float64, error) {
	if vec, ok := e.vectors[text]; ok {
		return vec, nil
	}
	return nil, fmt.Errorf("no prepared vector for %q", text)
}

func (e *mappedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		vec, err := e.EmbedText(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func testCache(t *testing.T) cache.Cache {
	t.Helper()
	server := miniredis.RunT(t)
	backend := cache.NewRedisCache(server.Addr(), 0)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func testOrchestrator(t *testing.T, db *memDB, store *memVectorStore, c cache.Cache, embed *mappedEmbedder) *Orchestrator {
	t.Helper()
	runner := pipeline.NewRunner(config.Pipeline{
		DeduplicationThreshold: 0.92,
		NearNeighborBatch:      500,
		MinClusterSize:         2,
		ClusteringDistance:     0.3,
		ClusteringStrategy:     "louvain",
		TopKeywords:            10,
	}, config.Ranking{
		EngagementWeight: 0.5,
		RecencyWeight:    0.2,
		VelocityWeight:   0.2,
		DiversityWeight:  0.1,
		RecencyTauHours:  24,
		VelocityEmerging: 50,
		VelocityViral:    500,
	}, embed)
	return New(db, store, c, nil, nil, runner, config.Retention{ColdDays: 365}, map[string]string{"env": "test"})
}

func TestIngestBatchEndToEnd(t *testing.T) {
	db := newMemDB()
	store := newMemVectorStore()
	c := testCache(t)
	ctx := context.Background()

	// Two close items forming one topic plus an unrelated one.
	embed := &mappedEmbedder{vectors: map[string][]float64{
		"global chip shortage deepens this quarter": {1, 0, 0},
		"chip supply crunch hits carmakers hard":    {0.8, 0.6, 0},
		"city marathon sets attendance record":      {0, 0, 1},
	}}

	require.NoError(t, c.Set(ctx, "trends:list:stale", "old", time.Minute))

	now := time.Now().UTC()
	raw := []core.RawItem{
		{Source: "hackernews", SourceID: "1", Title: "Global chip shortage deepens this quarter", PublishedAt: now.Add(-2 * time.Hour), Engagement: core.Engagement{Upvotes: 300}},
		{Source: "reddit", SourceID: "2", Title: "Chip supply crunch hits carmakers hard", PublishedAt: now.Add(-time.Hour), Engagement: core.Engagement{Upvotes: 150}},
		{Source: "rss", SourceID: "3", Title: "City marathon sets attendance record", PublishedAt: now, Engagement: core.Engagement{Upvotes: 20}},
	}

	o := testOrchestrator(t, db, store, c, embed)
	run, err := o.IngestBatch(ctx, "manual", raw)
	require.NoError(t, err)

	assert.Equal(t, core.RunCompleted, run.Status)
	assert.Equal(t, 3, run.ItemsIn)
	assert.Equal(t, 3, run.ItemsOut)
	assert.Equal(t, 1, run.TopicCount)
	assert.Equal(t, 1, run.TrendCount)
	assert.False(t, run.CompletedAt.IsZero())

	// Items, topic, and trend landed in the metadata store.
	assert.Len(t, db.items.items, 3)
	assert.Len(t, db.topics.topics, 1)
	assert.Len(t, db.trends.trends, 1)
	assert.Len(t, db.items.embedded, 3)

	// Three item vectors plus one trend vector.
	assert.Len(t, store.entries, 4)

	// Hot-read keys were invalidated.
	_, err = c.Get(ctx, "trends:list:stale")
	assert.ErrorIs(t, err, cache.ErrMiss)

	// The run record reached its terminal state in the repository.
	stored, err := db.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, stored.Status)
}

func TestIngestBatchFailureMarksRunFailed(t *testing.T) {
	db := newMemDB()
	// No prepared vectors: the embedding stage fails the run.
	o := testOrchestrator(t, db, newMemVectorStore(), testCache(t), &mappedEmbedder{vectors: map[string][]float64{}})

	raw := []core.RawItem{{Source: "rss", SourceID: "1", Title: "Some headline"}}
	run, err := o.IngestBatch(context.Background(), "manual", raw)
	require.Error(t, err)
	require.NotNil(t, run)

	stored, err := db.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, stored.Status)
	assert.NotEmpty(t, stored.Errors)
}

// gateCollector parks inside Collect until released, then collects
// nothing on that call and every later one.
type gateCollector struct {
	started chan struct{}
	release chan struct{}
}

func newGateCollector() *gateCollector {
	return &gateCollector{started: make(chan struct{}), release: make(chan struct{})}
}

func (c *gateCollector) Metadata() collector.Metadata {
	return collector.Metadata{Name: "gated", Source: "gated", RateLimit: 60, Timeout: 5 * time.Second, Enabled: true}
}

func (c *gateCollector) Validate(core.RawItem) bool { return true }

func (c *gateCollector) Collect(ctx context.Context) ([]core.RawItem, error) {
	select {
	case <-c.started:
	default:
		close(c.started)
	}
	select {
	case <-c.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRunCycleRejectsConcurrentCycles(t *testing.T) {
	db := newMemDB()
	ctx := context.Background()

	tracker := collector.NewHealthTracker(db.health, 3, 0)
	registry, err := collector.NewRegistry(nil, tracker, collector.NewMemoryRateLimiter(), nil, config.Collector{
		DefaultRateLimit: 60,
		DefaultTimeout:   "5s",
		RetryBaseDelay:   "1ms",
	})
	require.NoError(t, err)

	gated := newGateCollector()
	require.NoError(t, registry.RegisterStatic(gated))

	o := testOrchestrator(t, db, newMemVectorStore(), testCache(t), &mappedEmbedder{})
	o.registry = registry
	o.health = tracker

	firstDone := make(chan error, 1)
	go func() {
		_, err := o.RunCycle(ctx, true)
		firstDone <- err
	}()
	<-gated.started

	// A second trigger while the first cycle holds the guard.
	_, err = o.RunCycle(ctx, true)
	require.Error(t, err)
	assert.Equal(t, core.KindAlreadyRunning, core.KindOf(err))

	close(gated.release)
	require.NoError(t, <-firstDone)

	// The guard clears once the cycle finishes.
	_, err = o.RunCycle(ctx, true)
	require.NoError(t, err)
}

func TestSweepRetention(t *testing.T) {
	db := newMemDB()
	store := newMemVectorStore()
	ctx := context.Background()

	old := core.ProcessedItem{ID: "old", PublishedAt: time.Now().UTC().AddDate(-2, 0, 0)}
	fresh := core.ProcessedItem{ID: "fresh", PublishedAt: time.Now().UTC()}
	require.NoError(t, db.items.Save(ctx, &old))
	require.NoError(t, db.items.Save(ctx, &fresh))
	require.NoError(t, store.Upsert(ctx, vectorstore.Entry{ID: "item:old", Entity: vectorstore.EntityItem}))
	require.NoError(t, store.Upsert(ctx, vectorstore.Entry{ID: "item:fresh", Entity: vectorstore.EntityItem}))
	require.NoError(t, store.Upsert(ctx, vectorstore.Entry{ID: "trend:keep", Entity: vectorstore.EntityTrend}))

	o := testOrchestrator(t, db, store, testCache(t), &mappedEmbedder{})
	deleted, err := o.SweepRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Get(ctx, "item:old")
	assert.Error(t, err)
	_, err = store.Get(ctx, "item:fresh")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "trend:keep")
	assert.NoError(t, err)
}
