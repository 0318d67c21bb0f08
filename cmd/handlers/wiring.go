package handlers

import (
	"context"
	"fmt"
	"time"

	"trendlens/internal/cache"
	"trendlens/internal/collector"
	"trendlens/internal/config"
	"trendlens/internal/llm"
	"trendlens/internal/orchestrator"
	"trendlens/internal/persistence"
	"trendlens/internal/pipeline"
	"trendlens/internal/sandbox"
	"trendlens/internal/search"
	"trendlens/internal/vectorstore"
)

// services bundles the wired application graph for command handlers.
type services struct {
	cfg      *config.Config
	db       *persistence.PostgresDB
	cache    cache.Cache
	store    vectorstore.Store
	embed    llm.Embedder
	registry *collector.Registry
	tracker  *collector.HealthTracker
	orch     *orchestrator.Orchestrator
	search   *search.Service
}

// buildServices connects the database, cache, vector store, embedder,
// collector registry, and orchestrator. The returned closer releases
// connections in reverse order.
func buildServices(ctx context.Context) (*services, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	db, err := persistence.NewPostgresDB(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w (run 'trendlens migrate up' to initialize the schema)", err)
	}

	c, err := cache.New(cfg.Cache)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("opening cache: %w", err)
	}

	store := vectorstore.NewPgVectorStore(db.DB())

	client, err := llm.NewClient(cfg.Embedding.Model)
	if err != nil {
		c.Close()
		db.Close()
		return nil, nil, fmt.Errorf("creating embedding client: %w", err)
	}
	embed := llm.NewCachedEmbedder(client, c, durationOr(cfg.Cache.TTL.Embeddings, 24*time.Hour))

	box, err := sandbox.New(cfg.Sandbox)
	if err != nil {
		c.Close()
		db.Close()
		return nil, nil, fmt.Errorf("building sandbox: %w", err)
	}

	tracker := collector.NewHealthTracker(db.PluginHealth(), cfg.Collector.FailureThreshold, cfg.Collector.SuccessRateFloor)
	registry, err := collector.NewRegistry(db.Sources(), tracker, collector.NewCacheRateLimiter(c), box, cfg.Collector)
	if err != nil {
		c.Close()
		db.Close()
		return nil, nil, fmt.Errorf("building collector registry: %w", err)
	}
	if err := registry.LoadDBDefined(ctx); err != nil {
		c.Close()
		db.Close()
		return nil, nil, fmt.Errorf("loading collector sources: %w", err)
	}

	runner := pipeline.NewRunner(cfg.Pipeline, cfg.Ranking, embed)
	orch := orchestrator.New(db, store, c, registry, tracker, runner, cfg.Retention, cfg.Snapshot())
	searchSvc := search.NewService(embed, store, db.Trends(), cfg.Search)

	s := &services{
		cfg:      cfg,
		db:       db,
		cache:    c,
		store:    store,
		embed:    embed,
		registry: registry,
		tracker:  tracker,
		orch:     orch,
		search:   searchSvc,
	}
	closer := func() {
		c.Close()
		db.Close()
	}
	return s, closer, nil
}

func durationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
