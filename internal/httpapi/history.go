package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ent0n29/pitchcoach/internal/results"
)

type historyResponse struct {
	UserID  string           `json:"user_id"`
	Summary results.Summary  `json:"summary"`
	Records []results.Record `json:"records"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "results store not configured")
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := s.results.ListByUser(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("list rehearsal history")
		respondError(w, http.StatusInternalServerError, "history_unavailable", "could not load history")
		return
	}
	if records == nil {
		records = []results.Record{}
	}
	respondJSON(w, http.StatusOK, historyResponse{
		UserID:  userID,
		Summary: results.Summarize(records),
		Records: records,
	})
}
