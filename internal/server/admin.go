package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"trendlens/internal/core"
)

// sourcePayload is the admin wire shape for creating and updating
// collector sources. Auth is sealed before it touches the database.
type sourcePayload struct {
	Name            string            `json:"name"`
	Type            core.SourceType   `json:"type"`
	URL             string            `json:"url"`
	Schedule        string            `json:"schedule"`
	RateLimit       int               `json:"rate_limit"`
	Timeout         string            `json:"timeout"`
	Language        string            `json:"language"`
	IncludeKeywords []string          `json:"include_keywords"`
	ExcludeKeywords []string          `json:"exclude_keywords"`
	PluginCode      string            `json:"plugin_code"`
	Enabled         bool              `json:"enabled"`
	Auth            map[string]string `json:"auth"`
}

func (p sourcePayload) apply(src *core.CollectorSource) {
	src.Name = p.Name
	src.Type = p.Type
	src.URL = p.URL
	src.Schedule = p.Schedule
	src.RateLimit = p.RateLimit
	src.Timeout = p.Timeout
	src.Language = p.Language
	src.IncludeKeywords = p.IncludeKeywords
	src.ExcludeKeywords = p.ExcludeKeywords
	src.PluginCode = p.PluginCode
	src.Enabled = p.Enabled
}

func (p sourcePayload) validate() error {
	if p.Name == "" {
		return core.NewError(core.KindValidation, "source name is required")
	}
	switch p.Type {
	case core.SourceRSS, core.SourceReddit, core.SourceYouTube, core.SourceTwitter:
		if p.URL == "" {
			return core.NewError(core.KindValidation, "source url is required")
		}
	case core.SourceCustom:
		if p.PluginCode == "" {
			return core.NewError(core.KindValidation, "custom sources need plugin code")
		}
	default:
		return core.Errorf(core.KindValidation, "unknown source type %q", p.Type)
	}
	return nil
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.db.Sources().List(r.Context(), false)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if sources == nil {
		sources = []core.CollectorSource{}
	}
	s.respondJSON(w, http.StatusOK, listResponse{Data: sources, Count: len(sources)})
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.db.Sources().GetByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, src)
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var payload sourcePayload
	if err := s.decodeJSON(r, &payload); err != nil {
		s.respondError(w, err)
		return
	}
	if err := payload.validate(); err != nil {
		s.respondError(w, err)
		return
	}

	var src core.CollectorSource
	payload.apply(&src)
	if len(payload.Auth) > 0 {
		sealed, err := s.registry.SealAuth(payload.Auth)
		if err != nil {
			s.respondError(w, err)
			return
		}
		src.AuthEncrypted = sealed
	}

	if err := s.db.Sources().Create(r.Context(), &src); err != nil {
		s.respondError(w, err)
		return
	}
	if src.Enabled {
		if err := s.registry.LoadDBDefined(r.Context()); err != nil {
			s.log.Warn("Reloading collectors after create", "error", err)
		}
	}
	s.respondJSON(w, http.StatusCreated, src)
}

func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.db.Sources().GetByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, err)
		return
	}

	var payload sourcePayload
	if err := s.decodeJSON(r, &payload); err != nil {
		s.respondError(w, err)
		return
	}
	if payload.Name == "" {
		payload.Name = src.Name
	}
	if err := payload.validate(); err != nil {
		s.respondError(w, err)
		return
	}

	payload.apply(src)
	if len(payload.Auth) > 0 {
		sealed, err := s.registry.SealAuth(payload.Auth)
		if err != nil {
			s.respondError(w, err)
			return
		}
		src.AuthEncrypted = sealed
	}

	if err := s.db.Sources().Update(r.Context(), src); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.registry.LoadDBDefined(r.Context()); err != nil {
		s.log.Warn("Reloading collectors after update", "error", err)
	}
	s.respondJSON(w, http.StatusOK, src)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	src, err := s.db.Sources().GetByName(r.Context(), name)
	if err != nil {
		s.respondError(w, err)
		return
	}

	if err := s.registry.DisableByName(r.Context(), name); err != nil && !core.IsKind(err, core.KindNotFound) {
		s.log.Warn("Disabling source before delete", "name", name, "error", err)
	}
	if err := s.db.Sources().Delete(r.Context(), src.ID); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.registry.EnableByName(r.Context(), name); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"name": name, "enabled": true})
}

func (s *Server) handleDisableSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.registry.DisableByName(r.Context(), name); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"name": name, "enabled": false})
}

func (s *Server) handleTestSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ok, latency, err := s.registry.TestConnection(r.Context(), name)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"name":       name,
		"ok":         ok,
		"latency_ms": latency.Milliseconds(),
	})
}

// handleRunSource collects one source immediately and ingests its
// output as a scoped pipeline run.
func (s *Server) handleRunSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	force := r.URL.Query().Get("force") == "true"

	items, err := s.registry.Run(r.Context(), name, force)
	if err != nil {
		s.respondError(w, err)
		return
	}
	run, err := s.orch.IngestBatch(r.Context(), name, items)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, run)
}

func (s *Server) handlePluginStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.registry.StatusAll(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, listResponse{Data: statuses, Count: len(statuses)})
}

func (s *Server) handleResetPluginHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.health.Reset(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, health)
}

func (s *Server) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	run, err := s.orch.RunCycle(r.Context(), force)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	removed := 0
	for _, pattern := range []string{"trends:*", "topics:*"} {
		n, err := s.cache.DeletePattern(r.Context(), pattern)
		if err != nil {
			s.respondError(w, err)
			return
		}
		removed += n
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"removed": removed,
		"took_ms": time.Since(start).Milliseconds(),
	})
}
