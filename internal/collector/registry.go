package collector

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"trendlens/internal/config"
	"trendlens/internal/core"
	"trendlens/internal/logger"
	"trendlens/internal/persistence"
	"trendlens/internal/sandbox"
)

// Status is one plugin's view in StatusAll: static metadata joined
// with the durable health record.
type Status struct {
	Metadata Metadata           `json:"metadata"`
	Health   *core.PluginHealth `json:"health,omitempty"`
	Running  bool               `json:"running"`
}

// Registry owns the set of known collectors. Static collectors are
// registered at startup; DB-defined ones are loaded from the source
// catalog. The map is mutex-guarded; registration is admin-initiated
// and rare.
type Registry struct {
	mu         sync.Mutex
	collectors map[string]Collector
	running    map[string]bool

	sources persistence.SourceRepository
	health  *HealthTracker
	limiter RateLimiter
	box     *sandbox.Sandbox
	crypto  *envelopeCrypto
	cfg     config.Collector
	client  *http.Client
	log     *slog.Logger
}

func NewRegistry(sources persistence.SourceRepository, health *HealthTracker, limiter RateLimiter, box *sandbox.Sandbox, cfg config.Collector) (*Registry, error) {
	var crypto *envelopeCrypto
	if cfg.EncryptionKey != "" {
		var err error
		crypto, err = newEnvelopeCrypto(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
	}
	return &Registry{
		collectors: make(map[string]Collector),
		running:    make(map[string]bool),
		sources:    sources,
		health:     health,
		limiter:    limiter,
		box:        box,
		crypto:     crypto,
		cfg:        cfg,
		client:     &http.Client{Timeout: 30 * time.Second},
		log:        logger.Get(),
	}, nil
}

// RegisterStatic adds a built-in collector. Names are unique; a
// duplicate registration is a validation error.
func (r *Registry) RegisterStatic(c Collector) error {
	name := c.Metadata().Name
	if name == "" {
		return core.NewError(core.KindValidation, "collector has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.collectors[name]; exists {
		return core.Errorf(core.KindValidation, "collector %q already registered", name)
	}
	r.collectors[name] = c
	return nil
}

// LoadDBDefined reads the enabled source catalog and registers a
// collector for each record, replacing earlier DB-defined entries of
// the same name. Custom plugin bodies must pass sandbox validation
// before activation.
func (r *Registry) LoadDBDefined(ctx context.Context) error {
	records, err := r.sources.List(ctx, true)
	if err != nil {
		return err
	}

	for i := range records {
		src := records[i]
		c, err := r.buildCollector(src)
		if err != nil {
			r.log.Warn("Skipping collector source", "name", src.Name, "error", err)
			continue
		}
		r.mu.Lock()
		r.collectors[src.Name] = c
		r.mu.Unlock()
		r.log.Info("Loaded collector", "name", src.Name, "type", string(src.Type))
	}
	return nil
}

// buildCollector instantiates the right collector family for a source
// record.
func (r *Registry) buildCollector(src core.CollectorSource) (Collector, error) {
	timeout, err := time.ParseDuration(src.Timeout)
	if err != nil || timeout <= 0 {
		timeout, _ = time.ParseDuration(r.cfg.DefaultTimeout)
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
	}
	rateLimit := src.RateLimit
	if rateLimit <= 0 {
		rateLimit = r.cfg.DefaultRateLimit
	}
	meta := Metadata{
		Name:       src.Name,
		Version:    "1",
		Source:     src.Name,
		SourceType: src.Type,
		Schedule:   src.Schedule,
		RateLimit:  rateLimit,
		Timeout:    timeout,
		RetryCount: r.cfg.RetryCount,
		Enabled:    src.Enabled,
	}

	switch src.Type {
	case core.SourceRSS:
		return NewRSSCollector(meta, src, r.client, r.cfg.UserAgent), nil
	case core.SourceReddit:
		return NewRedditCollector(meta, src, r.client, r.cfg.UserAgent), nil
	case core.SourceYouTube:
		auth, err := r.openEnvelope(src.AuthEncrypted)
		if err != nil {
			return nil, err
		}
		return NewYouTubeCollector(meta, src, auth, r.client, r.cfg.UserAgent), nil
	case core.SourceTwitter:
		auth, err := r.openEnvelope(src.AuthEncrypted)
		if err != nil {
			return nil, err
		}
		return NewTwitterCollector(meta, src, auth, r.client, r.cfg.UserAgent), nil
	case core.SourceCustom:
		if r.box == nil {
			return nil, core.NewError(core.KindValidation, "custom collectors require the sandbox")
		}
		if err := r.box.Validate(src.PluginCode); err != nil {
			return nil, err
		}
		sealed := src.AuthEncrypted
		return NewCustomCollector(meta, src, r.box, func() (map[string]string, error) {
			return r.openEnvelope(sealed)
		}), nil
	default:
		return nil, core.Errorf(core.KindValidation, "unknown source type %q", src.Type)
	}
}

func (r *Registry) openEnvelope(sealed []byte) (map[string]string, error) {
	if len(sealed) == 0 {
		return nil, nil
	}
	if r.crypto == nil {
		return nil, core.NewError(core.KindValidation, "source has an auth envelope but no encryption key is configured")
	}
	return r.crypto.Open(sealed)
}

// SealAuth encrypts an auth map for storage on a source record.
func (r *Registry) SealAuth(auth map[string]string) ([]byte, error) {
	if len(auth) == 0 {
		return nil, nil
	}
	if r.crypto == nil {
		return nil, core.NewError(core.KindValidation, "no encryption key is configured")
	}
	return r.crypto.Seal(auth)
}

// EnableByName enables a DB-defined source and (re)loads its collector.
func (r *Registry) EnableByName(ctx context.Context, name string) error {
	if err := r.sources.SetEnabled(ctx, name, true); err != nil {
		return err
	}
	src, err := r.sources.GetByName(ctx, name)
	if err != nil {
		return err
	}
	c, err := r.buildCollector(*src)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.collectors[name] = c
	r.mu.Unlock()
	return nil
}

// DisableByName disables a source and drops its collector from the
// registry. The health record survives.
func (r *Registry) DisableByName(ctx context.Context, name string) error {
	if err := r.sources.SetEnabled(ctx, name, false); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.collectors, name)
	r.mu.Unlock()
	return nil
}

// Get returns a registered collector by name.
func (r *Registry) Get(name string) (Collector, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.collectors[name]
	return c, ok
}

// Names returns all registered collector names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.collectors))
	for name := range r.collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes one collector now. Per-plugin concurrency is one; an
// overlapping run is rejected. The rate limiter is consulted unless
// force is set. Success and failure land in the durable health record,
// and sandbox or resource violations auto-disable the plugin once the
// failure threshold is reached.
func (r *Registry) Run(ctx context.Context, name string, force bool) ([]core.RawItem, error) {
	c, ok := r.Get(name)
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "collector %q is not registered", name)
	}
	meta := c.Metadata()

	r.mu.Lock()
	if r.running[name] {
		r.mu.Unlock()
		return nil, core.Errorf(core.KindAlreadyRunning, "collector %q is already running", name)
	}
	r.running[name] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, name)
		r.mu.Unlock()
	}()

	if !force {
		allowed, err := r.limiter.CheckAllowed(ctx, name, meta.RateLimit)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, core.Errorf(core.KindRateLimited, "collector %q exhausted its hourly limit of %d", name, meta.RateLimit)
		}
	}

	runCtx := ctx
	if meta.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, meta.Timeout)
		defer cancel()
	}

	baseDelay, _ := time.ParseDuration(r.cfg.RetryBaseDelay)
	items, err := collectWithRetry(runCtx, c, baseDelay)
	if err != nil {
		health, herr := r.health.RecordFailure(ctx, name, err)
		if herr != nil {
			r.log.Error("Recording collector failure", "name", name, "error", herr)
		}
		r.maybeAutoDisable(ctx, name, err, health)
		return nil, err
	}

	if _, herr := r.health.RecordSuccess(ctx, name); herr != nil {
		r.log.Error("Recording collector success", "name", name, "error", herr)
	}
	r.persistFetchState(ctx, name, c)
	r.log.Info("Collector run completed", "name", name, "items", len(items))
	return items, nil
}

// maybeAutoDisable disables a plugin whose sandbox or resource
// violations have reached the failure threshold.
func (r *Registry) maybeAutoDisable(ctx context.Context, name string, runErr error, health *core.PluginHealth) {
	kind := core.KindOf(runErr)
	if kind != core.KindSandboxSecurity && kind != core.KindResourceExhausted {
		return
	}
	if health == nil || health.ConsecutiveFailures < r.cfg.FailureThreshold {
		return
	}
	if err := r.DisableByName(ctx, name); err != nil {
		if !core.IsKind(err, core.KindNotFound) {
			r.log.Error("Auto-disabling collector", "name", name, "error", err)
		}
		return
	}
	r.log.Warn("Collector auto-disabled after repeated violations", "name", name, "kind", string(kind))
}

// persistFetchState writes conditional-GET headers back to the source
// record after a successful RSS run.
func (r *Registry) persistFetchState(ctx context.Context, name string, c Collector) {
	rss, ok := c.(*RSSCollector)
	if !ok {
		return
	}
	etag, lastModified := rss.FetchState()
	if err := r.sources.RecordFetchState(ctx, name, etag, lastModified, 0, ""); err != nil {
		if !core.IsKind(err, core.KindNotFound) {
			r.log.Error("Persisting fetch state", "name", name, "error", err)
		}
	}
}

// TestConnection makes one probe call without consuming the rate
// limiter or touching health, reporting success and latency.
func (r *Registry) TestConnection(ctx context.Context, name string) (bool, time.Duration, error) {
	c, ok := r.Get(name)
	if !ok {
		return false, 0, core.Errorf(core.KindNotFound, "collector %q is not registered", name)
	}
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	start := time.Now()
	_, err := c.Collect(probeCtx)
	latency := time.Since(start)
	if err != nil {
		return false, latency, err
	}
	return true, latency, nil
}

// StatusAll joins registry metadata with durable health records.
func (r *Registry) StatusAll(ctx context.Context) ([]Status, error) {
	records, err := r.health.repo.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*core.PluginHealth, len(records))
	for i := range records {
		byName[records[i].PluginName] = &records[i]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := make([]Status, 0, len(r.collectors))
	for name, c := range r.collectors {
		statuses = append(statuses, Status{
			Metadata: c.Metadata(),
			Health:   byName[name],
			Running:  r.running[name],
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Metadata.Name < statuses[j].Metadata.Name
	})
	return statuses, nil
}
