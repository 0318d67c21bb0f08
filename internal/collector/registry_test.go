package collector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trendlens/internal/config"
	"trendlens/internal/core"
	"trendlens/internal/sandbox"
)

// fakeSourceRepo is an in-memory SourceRepository.
type fakeSourceRepo struct {
	mu      sync.Mutex
	sources map[string]*core.CollectorSource
	nextID  int64
}

func newFakeSourceRepo() *fakeSourceRepo {
	return &fakeSourceRepo{sources: make(map[string]*core.CollectorSource)}
}

func (r *fakeSourceRepo) Create(_ context.Context, src *core.CollectorSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[src.Name]; exists {
		return core.Errorf(core.KindValidation, "source %q exists", src.Name)
	}
	r.nextID++
	src.ID = r.nextID
	clone := *src
	r.sources[src.Name] = &clone
	return nil
}

func (r *fakeSourceRepo) Get(_ context.Context, id int64) (*core.CollectorSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, src := range r.sources {
		if src.ID == id {
			clone := *src
			return &clone, nil
		}
	}
	return nil, core.Errorf(core.KindNotFound, "source %d not found", id)
}

func (r *fakeSourceRepo) GetByName(_ context.Context, name string) (*core.CollectorSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if src, ok := r.sources[name]; ok {
		clone := *src
		return &clone, nil
	}
	return nil, core.Errorf(core.KindNotFound, "source %q not found", name)
}

func (r *fakeSourceRepo) List(_ context.Context, enabledOnly bool) ([]core.CollectorSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.CollectorSource
	for _, src := range r.sources {
		if !enabledOnly || src.Enabled {
			out = append(out, *src)
		}
	}
	return out, nil
}

func (r *fakeSourceRepo) Update(_ context.Context, src *core.CollectorSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *src
	r.sources[src.Name] = &clone
	return nil
}

func (r *fakeSourceRepo) SetEnabled(_ context.Context, name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[name]
	if !ok {
		return core.Errorf(core.KindNotFound, "source %q not found", name)
	}
	src.Enabled = enabled
	return nil
}

func (r *fakeSourceRepo) RecordFetchState(_ context.Context, name, etag, lastModified string, errorCount int, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[name]
	if !ok {
		return core.Errorf(core.KindNotFound, "source %q not found", name)
	}
	src.ETag = etag
	src.LastModified = lastModified
	src.ErrorCount = errorCount
	src.LastError = lastError
	return nil
}

func (r *fakeSourceRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, src := range r.sources {
		if src.ID == id {
			delete(r.sources, name)
			return nil
		}
	}
	return core.Errorf(core.KindNotFound, "source %d not found", id)
}

// fakeHealthRepo is an in-memory PluginHealthRepository.
type fakeHealthRepo struct {
	mu      sync.Mutex
	records map[string]*core.PluginHealth
}

func newFakeHealthRepo() *fakeHealthRepo {
	return &fakeHealthRepo{records: make(map[string]*core.PluginHealth)}
}

func (r *fakeHealthRepo) Get(_ context.Context, name string) (*core.PluginHealth, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.records[name]; ok {
		clone := *h
		return &clone, nil
	}
	return nil, core.Errorf(core.KindNotFound, "health for %q not found", name)
}

func (r *fakeHealthRepo) GetAll(_ context.Context) ([]core.PluginHealth, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.PluginHealth
	for _, h := range r.records {
		out = append(out, *h)
	}
	return out, nil
}

func (r *fakeHealthRepo) Upsert(_ context.Context, health *core.PluginHealth) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *health
	r.records[health.PluginName] = &clone
	return nil
}

func (r *fakeHealthRepo) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, name)
	return nil
}

// scriptedCollector returns canned results per call.
type scriptedCollector struct {
	meta  Metadata
	calls int
	run   func(call int) ([]core.RawItem, error)
}

func (c *scriptedCollector) Metadata() Metadata { return c.meta }

func (c *scriptedCollector) Validate(item core.RawItem) bool { return baseValidate(item) }

func (c *scriptedCollector) Collect(context.Context) ([]core.RawItem, error) {
	c.calls++
	return c.run(c.calls)
}

func testRegistry(t *testing.T, sources *fakeSourceRepo, health *fakeHealthRepo) *Registry {
	t.Helper()
	tracker := NewHealthTracker(health, 3, 0)
	registry, err := NewRegistry(sources, tracker, NewMemoryRateLimiter(), testRegistrySandbox(t), config.Collector{
		DefaultRateLimit: 60,
		DefaultTimeout:   "10s",
		RetryCount:       3,
		RetryBaseDelay:   "1ms",
		FailureThreshold: 3,
		UserAgent:        "test/1.0",
		EncryptionKey:    testKeyHex,
	})
	require.NoError(t, err)
	return registry
}

func testRegistrySandbox(t *testing.T) *sandbox.Sandbox {
	t.Helper()
	box, err := sandbox.New(config.Sandbox{
		Timeout:        "2s",
		AllowedModules: []string{"json", "text"},
		Blacklist:      []string{"exec", "os", "io", "dir"},
	})
	require.NoError(t, err)
	return box
}

func TestRegisterStaticRejectsDuplicates(t *testing.T) {
	registry := testRegistry(t, newFakeSourceRepo(), newFakeHealthRepo())
	c := &scriptedCollector{meta: Metadata{Name: "static-feed", Source: "static-feed"}}

	require.NoError(t, registry.RegisterStatic(c))
	err := registry.RegisterStatic(c)
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestRunRetriesTransientFailures(t *testing.T) {
	// Three network failures, success on the fourth call, one health
	// record: healthy with zero consecutive failures.
	health := newFakeHealthRepo()
	registry := testRegistry(t, newFakeSourceRepo(), health)

	c := &scriptedCollector{
		meta: Metadata{Name: "flaky", Source: "flaky", RetryCount: 3, RateLimit: 60, Timeout: 5 * time.Second},
		run: func(call int) ([]core.RawItem, error) {
			if call < 4 {
				return nil, core.Errorf(core.KindTransient, "connection reset")
			}
			return []core.RawItem{{Source: "flaky", SourceID: "1", Title: "ok"}}, nil
		},
	}
	require.NoError(t, registry.RegisterStatic(c))

	items, err := registry.Run(context.Background(), "flaky", false)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 4, c.calls)

	record, err := health.Get(context.Background(), "flaky")
	require.NoError(t, err)
	assert.Zero(t, record.ConsecutiveFailures)
	assert.True(t, record.IsHealthy)
}

func TestRunDoesNotRetryParseErrors(t *testing.T) {
	registry := testRegistry(t, newFakeSourceRepo(), newFakeHealthRepo())
	c := &scriptedCollector{
		meta: Metadata{Name: "broken", Source: "broken", RetryCount: 3, RateLimit: 60},
		run: func(int) ([]core.RawItem, error) {
			return nil, core.Errorf(core.KindParse, "malformed payload")
		},
	}
	require.NoError(t, registry.RegisterStatic(c))

	_, err := registry.Run(context.Background(), "broken", false)
	require.Error(t, err)
	assert.Equal(t, 1, c.calls)
}

func TestRunEnforcesRateLimit(t *testing.T) {
	registry := testRegistry(t, newFakeSourceRepo(), newFakeHealthRepo())
	c := &scriptedCollector{
		meta: Metadata{Name: "limited", Source: "limited", RateLimit: 2},
		run: func(int) ([]core.RawItem, error) {
			return nil, nil
		},
	}
	require.NoError(t, registry.RegisterStatic(c))
	ctx := context.Background()

	_, err := registry.Run(ctx, "limited", false)
	require.NoError(t, err)
	_, err = registry.Run(ctx, "limited", false)
	require.NoError(t, err)

	_, err = registry.Run(ctx, "limited", false)
	require.Error(t, err)
	assert.Equal(t, core.KindRateLimited, core.KindOf(err))

	// force bypasses the limiter.
	_, err = registry.Run(ctx, "limited", true)
	require.NoError(t, err)
}

func TestLoadDBDefinedRejectsInsecurePluginCode(t *testing.T) {
	// A custom source whose body calls exec() must not activate.
	sources := newFakeSourceRepo()
	require.NoError(t, sources.Create(context.Background(), &core.CollectorSource{
		Name:       "evil",
		Type:       core.SourceCustom,
		Enabled:    true,
		PluginCode: `function collect(params) exec(payload) return {} end`,
	}))
	require.NoError(t, sources.Create(context.Background(), &core.CollectorSource{
		Name:       "benign",
		Type:       core.SourceCustom,
		Enabled:    true,
		PluginCode: `function collect(params) return {{source_id = "1", title = "hello"}} end`,
	}))

	registry := testRegistry(t, sources, newFakeHealthRepo())
	require.NoError(t, registry.LoadDBDefined(context.Background()))

	_, evil := registry.Get("evil")
	assert.False(t, evil)
	_, benign := registry.Get("benign")
	assert.True(t, benign)
}

func TestRunCustomCollector(t *testing.T) {
	sources := newFakeSourceRepo()
	require.NoError(t, sources.Create(context.Background(), &core.CollectorSource{
		Name:    "lua-feed",
		Type:    core.SourceCustom,
		URL:     "https://example.com",
		Enabled: true,
		PluginCode: `function collect(params)
			return {{source_id = "p1", title = "from lua", url = params.url}}
		end`,
	}))

	registry := testRegistry(t, sources, newFakeHealthRepo())
	require.NoError(t, registry.LoadDBDefined(context.Background()))

	items, err := registry.Run(context.Background(), "lua-feed", false)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "lua-feed", items[0].Source)
	assert.Equal(t, "from lua", items[0].Title)
	assert.Equal(t, "https://example.com", items[0].URL)
}

func TestDisableByNameRemovesCollector(t *testing.T) {
	sources := newFakeSourceRepo()
	require.NoError(t, sources.Create(context.Background(), &core.CollectorSource{
		Name: "toggle", Type: core.SourceRSS, URL: "https://example.com/rss", Enabled: true,
	}))
	registry := testRegistry(t, sources, newFakeHealthRepo())
	require.NoError(t, registry.LoadDBDefined(context.Background()))

	require.NoError(t, registry.DisableByName(context.Background(), "toggle"))
	_, ok := registry.Get("toggle")
	assert.False(t, ok)

	src, err := sources.GetByName(context.Background(), "toggle")
	require.NoError(t, err)
	assert.False(t, src.Enabled)

	require.NoError(t, registry.EnableByName(context.Background(), "toggle"))
	_, ok = registry.Get("toggle")
	assert.True(t, ok)
}

func TestStatusAllReportsHealth(t *testing.T) {
	health := newFakeHealthRepo()
	registry := testRegistry(t, newFakeSourceRepo(), health)
	c := &scriptedCollector{
		meta: Metadata{Name: "watched", Source: "watched", RateLimit: 60},
		run: func(int) ([]core.RawItem, error) {
			return nil, core.Errorf(core.KindTransient, "down")
		},
	}
	require.NoError(t, registry.RegisterStatic(c))

	_, err := registry.Run(context.Background(), "watched", false)
	require.Error(t, err)

	statuses, err := registry.StatusAll(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "watched", statuses[0].Metadata.Name)
	require.NotNil(t, statuses[0].Health)
	assert.Equal(t, 1, statuses[0].Health.ConsecutiveFailures)
	assert.False(t, statuses[0].Running)
}
