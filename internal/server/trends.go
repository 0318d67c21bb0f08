package server

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"trendlens/internal/cache"
	"trendlens/internal/core"
	"trendlens/internal/persistence"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// filterFromQuery builds a listing filter from the request query.
func filterFromQuery(q url.Values) persistence.Filter {
	f := persistence.Filter{
		Category: core.Category(q.Get("category")),
		State:    core.TrendState(q.Get("state")),
		Language: q.Get("language"),
		Limit:    defaultListLimit,
	}
	if sources := q["source"]; len(sources) > 0 {
		f.Sources = sources
	}
	if v := q.Get("min_score"); v != "" {
		if score, err := strconv.ParseFloat(v, 64); err == nil {
			f.MinScore = score
		}
	}
	if v := q.Get("since"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = ts
		}
	}
	if v := q.Get("until"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = ts
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 {
			f.Limit = limit
		}
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if v := q.Get("offset"); v != "" {
		if offset, err := strconv.Atoi(v); err == nil && offset > 0 {
			f.Offset = offset
		}
	}
	return f
}

// queryFingerprint canonicalizes the query string so equivalent
// requests share one cache entry.
func queryFingerprint(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		values := append([]string(nil), q[k]...)
		sort.Strings(values)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.Join(values, ","))
		b.WriteByte('&')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

type listResponse struct {
	Data  any `json:"data"`
	Count int `json:"count"`
}

func (s *Server) handleListTrends(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := cache.TrendListKey(queryFingerprint(q))
	ttl := cacheTTL(s.ttl.TrendList, 5*time.Minute)

	s.respondCached(w, r.Context(), key, ttl, func() (any, error) {
		f := filterFromQuery(q)
		trends, err := s.db.Trends().List(r.Context(), f)
		if err != nil {
			return nil, err
		}
		total, err := s.db.Trends().Count(r.Context(), f)
		if err != nil {
			return nil, err
		}
		if trends == nil {
			trends = []core.Trend{}
		}
		return listResponse{Data: trends, Count: total}, nil
	})
}

func (s *Server) handleGetTrend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := cache.TrendDetailKey(id)
	ttl := cacheTTL(s.ttl.TrendDetail, 10*time.Minute)

	s.respondCached(w, r.Context(), key, ttl, func() (any, error) {
		return s.db.Trends().Get(r.Context(), id)
	})
}

func (s *Server) handleSimilarTrends(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()

	limit := 10
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxListLimit {
			limit = n
		}
	}
	minSim := 0.0
	if v := q.Get("min_similarity"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			minSim = f
		}
	}

	key := cache.TrendSimilarKey(id, limit, minSim)
	ttl := cacheTTL(s.ttl.TrendSimilar, 10*time.Minute)

	s.respondCached(w, r.Context(), key, ttl, func() (any, error) {
		matches, err := s.search.Similar(r.Context(), id, limit, minSim)
		if err != nil {
			return nil, err
		}
		return listResponse{Data: matches, Count: len(matches)}, nil
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxListLimit {
			limit = n
		}
	}
	runs, err := s.db.Runs().ListRecent(r.Context(), limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if runs == nil {
		runs = []core.PipelineRun{}
	}
	s.respondJSON(w, http.StatusOK, listResponse{Data: runs, Count: len(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.db.Runs().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, run)
}
