package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"trendlens/internal/cache"
	"trendlens/internal/core"
	"trendlens/internal/search"
)

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := s.db.Topics().List(r.Context(), filterFromQuery(r.URL.Query()))
	if err != nil {
		s.respondError(w, err)
		return
	}
	if topics == nil {
		topics = []core.Topic{}
	}
	s.respondJSON(w, http.StatusOK, listResponse{Data: topics, Count: len(topics)})
}

func (s *Server) handleGetTopic(w http.ResponseWriter, r *http.Request) {
	topic, err := s.db.Topics().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, topic)
}

func (s *Server) handleTopicItems(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()

	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxListLimit {
			limit = n
		}
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}

	key := cache.TopicItemsKey(id, limit, offset)
	ttl := cacheTTL(s.ttl.TopicItems, 10*time.Minute)

	s.respondCached(w, r.Context(), key, ttl, func() (any, error) {
		// A missing topic distinguishes 404 from an empty page.
		if _, err := s.db.Topics().Get(r.Context(), id); err != nil {
			return nil, err
		}
		items, err := s.db.Items().GetByTopic(r.Context(), id, limit, offset)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []core.ProcessedItem{}
		}
		return listResponse{Data: items, Count: len(items)}, nil
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	if err := s.decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}

	matches, err := s.search.Search(r.Context(), req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, listResponse{Data: matches, Count: len(matches)})
}
