package collector

import (
	"context"
	"time"

	"trendlens/internal/core"
	"trendlens/internal/persistence"
)

// HealthTracker maintains the durable per-plugin health records. A
// plugin becomes unhealthy after the configured number of consecutive
// failures or when its lifetime success rate drops below the floor;
// the scheduler skips unhealthy plugins but never deletes them.
type HealthTracker struct {
	repo             persistence.PluginHealthRepository
	failureThreshold int
	successRateFloor float64
}

func NewHealthTracker(repo persistence.PluginHealthRepository, failureThreshold int, successRateFloor float64) *HealthTracker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	return &HealthTracker{
		repo:             repo,
		failureThreshold: failureThreshold,
		successRateFloor: successRateFloor,
	}
}

// RecordSuccess resets consecutive failures and updates rates.
func (t *HealthTracker) RecordSuccess(ctx context.Context, name string) (*core.PluginHealth, error) {
	return t.record(ctx, name, "")
}

// RecordFailure bumps consecutive failures with the error string.
func (t *HealthTracker) RecordFailure(ctx context.Context, name string, runErr error) (*core.PluginHealth, error) {
	detail := "unknown error"
	if runErr != nil {
		detail = runErr.Error()
	}
	return t.record(ctx, name, detail)
}

func (t *HealthTracker) record(ctx context.Context, name, failure string) (*core.PluginHealth, error) {
	health, err := t.repo.Get(ctx, name)
	if err != nil {
		if !core.IsKind(err, core.KindNotFound) {
			return nil, err
		}
		health = &core.PluginHealth{PluginName: name}
	}

	now := time.Now().UTC()
	successes := health.SuccessRate * float64(health.TotalRuns)
	health.TotalRuns++
	health.LastRun = now
	if failure == "" {
		successes++
		health.LastSuccess = now
		health.LastError = ""
		health.ConsecutiveFailures = 0
	} else {
		health.LastError = failure
		health.ConsecutiveFailures++
	}
	health.SuccessRate = successes / float64(health.TotalRuns)
	health.Evaluate(t.failureThreshold, t.successRateFloor)

	if err := t.repo.Upsert(ctx, health); err != nil {
		return nil, err
	}
	return health, nil
}

// IsHealthy reports whether a plugin may be scheduled. Unknown plugins
// are healthy until proven otherwise.
func (t *HealthTracker) IsHealthy(ctx context.Context, name string) (bool, error) {
	health, err := t.repo.Get(ctx, name)
	if err != nil {
		if core.IsKind(err, core.KindNotFound) {
			return true, nil
		}
		return false, err
	}
	return health.IsHealthy, nil
}

// Reset clears a plugin's failure streak, the manual admin operation.
func (t *HealthTracker) Reset(ctx context.Context, name string) (*core.PluginHealth, error) {
	health, err := t.repo.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	health.ConsecutiveFailures = 0
	health.LastError = ""
	health.Evaluate(t.failureThreshold, t.successRateFloor)
	if err := t.repo.Upsert(ctx, health); err != nil {
		return nil, err
	}
	return health, nil
}
