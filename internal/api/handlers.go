package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/solhall/logsift/pkg/models"
)

// filtersFromQuery builds a filter set from query parameters, skipping the
// parameters the API itself consumes.
func filtersFromQuery(r *http.Request) models.FilterSet {
	reserved := map[string]bool{"limit": true, "offset": true, "field": true}
	filters := make(models.FilterSet)
	for key, values := range r.URL.Query() {
		if reserved[key] || len(values) == 0 {
			continue
		}
		filters[key] = values[0]
	}
	return filters
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	params := parsePaginationParams(r)
	filters := filtersFromQuery(r)

	entries, total, err := s.store.QueryEntries(r.Context(), filters, params.Limit, params.Offset)
	if err != nil {
		s.logger.Error("entry query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "querying entries failed")
		return
	}
	if entries == nil {
		entries = []*models.Entry{}
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Data:    entries,
		Total:   total,
		Limit:   params.Limit,
		Offset:  params.Offset,
		HasMore: params.Offset+len(entries) < total,
	})
}

func (s *Server) handleFacets(w http.ResponseWriter, r *http.Request) {
	field := r.URL.Query().Get("field")
	if field == "" {
		writeError(w, http.StatusBadRequest, "field parameter is required")
		return
	}

	counts, err := s.facets.GetOrCompute(r.Context(), field, filtersFromQuery(r))
	if err != nil {
		s.logger.Error("facet query failed", "field", field, "error", err)
		writeError(w, http.StatusInternalServerError, "computing facet failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"field":  field,
		"counts": counts,
	})
}

func (s *Server) handleListFields(w http.ResponseWriter, r *http.Request) {
	fields, err := s.store.ListFields(r.Context())
	if err != nil {
		s.logger.Error("field listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing fields failed")
		return
	}
	if fields == nil {
		fields = []*models.Field{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"fields": fields})
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	recs, err := s.fields.Analyze(r.Context())
	if err != nil {
		s.logger.Error("field analysis failed", "error", err)
		writeError(w, http.StatusInternalServerError, "analyzing fields failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recommendations": recs})
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	n, err := s.fields.AutoPromoteCandidates(r.Context())
	if err != nil {
		s.logger.Error("promotion failed", "error", err)
		writeError(w, http.StatusInternalServerError, "promoting fields failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"promoted": n})
}

func (s *Server) handleStaleUnparsed(w http.ResponseWriter, r *http.Request) {
	cutoff := time.Now().UTC().Add(-s.staleAfter)
	stale, err := s.store.StaleUnparsed(r.Context(), cutoff)
	if err != nil {
		s.logger.Error("stale query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "querying stale entries failed")
		return
	}
	if stale == nil {
		stale = []*models.RawEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cutoff":  cutoff,
		"count":   len(stale),
		"entries": stale,
	})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ListSubscriptions(r.Context())
	if err != nil {
		s.logger.Error("subscription listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing subscriptions failed")
		return
	}
	if subs == nil {
		subs = []*models.TailSubscription{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (s *Server) handleRegisterSubscription(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Filters models.FilterSet `json:"filters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription body")
		return
	}
	if body.Filters == nil {
		body.Filters = models.FilterSet{}
	}

	key, err := s.matcher.Register(r.Context(), body.Filters)
	if err != nil {
		s.logger.Error("subscription registration failed", "error", err)
		writeError(w, http.StatusInternalServerError, "registering subscription failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":     key,
		"filters": body.Filters.Normalized(),
	})
}

func (s *Server) handleUnregisterSubscription(w http.ResponseWriter, r *http.Request) {
	if err := s.matcher.Unregister(r.Context(), chi.URLParam(r, "key")); err != nil {
		s.logger.Error("subscription removal failed", "error", err)
		writeError(w, http.StatusInternalServerError, "removing subscription failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	err := s.matcher.Touch(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown subscription")
			return
		}
		s.logger.Error("heartbeat failed", "error", err)
		writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.store.ListTokens(r.Context())
	if err != nil {
		s.logger.Error("token listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing tokens failed")
		return
	}
	if tokens == nil {
		tokens = []*models.Token{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "token name is required")
		return
	}

	token, plaintext, err := s.authenticator.CreateToken(r.Context(), body.Name)
	if err != nil {
		s.logger.Error("token creation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "creating token failed")
		return
	}

	// The plaintext appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":  token,
		"secret": plaintext,
	})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	err := s.store.RevokeToken(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown token")
			return
		}
		s.logger.Error("token revocation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "revoking token failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
