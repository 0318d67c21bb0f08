package collector

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"trendlens/internal/core"
	"trendlens/internal/logger"
)

// Sink receives the items of one scheduled collector run.
type Sink func(ctx context.Context, plugin string, items []core.RawItem)

// Scheduler drives cron-scheduled collector runs. Each due plugin runs
// in its own goroutine; the registry enforces per-plugin no-overlap.
// Unhealthy plugins are skipped, never removed.
type Scheduler struct {
	mu       sync.Mutex
	cron     *cron.Cron
	registry *Registry
	sink     Sink
	entries  map[string]cron.EntryID
	log      *slog.Logger
}

func NewScheduler(registry *Registry, sink Sink) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		registry: registry,
		sink:     sink,
		entries:  make(map[string]cron.EntryID),
		log:      logger.Get(),
	}
}

// ScheduleAll registers cron entries for every collector that carries
// a schedule.
func (s *Scheduler) ScheduleAll() error {
	for _, name := range s.registry.Names() {
		c, ok := s.registry.Get(name)
		if !ok || c.Metadata().Schedule == "" {
			continue
		}
		if err := s.Schedule(name, c.Metadata().Schedule); err != nil {
			return err
		}
	}
	return nil
}

// Schedule adds or replaces the cron entry for one plugin.
func (s *Scheduler) Schedule(name, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, exists := s.entries[name]; exists {
		s.cron.Remove(id)
		delete(s.entries, name)
	}

	id, err := s.cron.AddFunc(spec, func() { s.fire(name) })
	if err != nil {
		return core.Errorf(core.KindValidation, "invalid schedule %q for %s: %v", spec, name, err)
	}
	s.entries[name] = id
	s.log.Info("Scheduled collector", "name", name, "spec", spec)
	return nil
}

// Unschedule removes a plugin's cron entry.
func (s *Scheduler) Unschedule(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, exists := s.entries[name]; exists {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// fire is one scheduled invocation: skip unhealthy, run under the
// rate limiter, hand items to the sink.
func (s *Scheduler) fire(name string) {
	ctx := context.Background()

	healthy, err := s.registry.health.IsHealthy(ctx, name)
	if err != nil {
		s.log.Error("Checking collector health", "name", name, "error", err)
		return
	}
	if !healthy {
		s.log.Warn("Skipping unhealthy collector", "name", name)
		return
	}

	items, err := s.registry.Run(ctx, name, false)
	if err != nil {
		// One plugin's failure never affects the others; health
		// bookkeeping already happened inside Run.
		s.log.Warn("Scheduled collector run failed", "name", name, "error", err)
		return
	}
	if s.sink != nil && len(items) > 0 {
		s.sink(ctx, name, items)
	}
}

// Start begins firing schedules.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and returns once in-flight jobs finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
