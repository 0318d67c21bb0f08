// Package collector implements the plugin ingestion runtime: built-in
// and sandboxed collectors, registration, cron scheduling, per-plugin
// rate limiting, durable health tracking, and classified retry.
package collector

import (
	"context"
	"strings"
	"time"

	"trendlens/internal/core"
)

// Metadata describes a registered collector to the runtime.
type Metadata struct {
	Name       string          // Unique plugin name
	Version    string          // Plugin version string
	Source     string          // Source tag stamped onto RawItems
	SourceType core.SourceType // Built-in family or custom
	Schedule   string          // Cron expression
	RateLimit  int             // Requests per hour
	Timeout    time.Duration   // Per-run wall clock
	RetryCount int             // Network retry attempts
	Enabled    bool            // Whether the scheduler considers it
}

// Collector produces RawItems from one source. Collect may block on
// I/O and must honor the context; Validate is a cheap per-item check.
type Collector interface {
	Metadata() Metadata
	Collect(ctx context.Context) ([]core.RawItem, error)
	Validate(item core.RawItem) bool
}

// keywordFilter applies a source's include/exclude keyword sets to a
// collected batch. Matching is case-insensitive over title and body.
// An empty include set keeps everything not excluded.
type keywordFilter struct {
	include []string
	exclude []string
}

func newKeywordFilter(include, exclude []string) keywordFilter {
	lower := func(words []string) []string {
		out := make([]string, 0, len(words))
		for _, w := range words {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				out = append(out, w)
			}
		}
		return out
	}
	return keywordFilter{include: lower(include), exclude: lower(exclude)}
}

func (f keywordFilter) Keep(item core.RawItem) bool {
	text := strings.ToLower(item.Title + " " + item.Body)
	for _, word := range f.exclude {
		if strings.Contains(text, word) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, word := range f.include {
		if strings.Contains(text, word) {
			return true
		}
	}
	return false
}

// baseValidate is the shared cheap per-item check: identity fields
// plus a non-empty title.
func baseValidate(item core.RawItem) bool {
	return item.Source != "" && item.SourceID != "" && strings.TrimSpace(item.Title) != ""
}
