package httpapi

import (
	"errors"
	"net/http"

	"github.com/ent0n29/pitchcoach/internal/analysis"
	"github.com/ent0n29/pitchcoach/internal/coach"
)

// handleChat serves the AI-response endpoint consumed by coach.Client.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.coach == nil {
		respondCoachError(w, http.StatusInternalServerError, "AI service is not configured", nil)
		return
	}
	var req coach.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondCoachError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}

	resp, err := s.coach.Chat(r.Context(), req)
	if err != nil {
		status, message := coachErrorStatus(err)
		s.metrics.ProviderErrors.WithLabelValues("api_chat", http.StatusText(status)).Inc()
		s.logger.Warn().Err(err).Int("status", status).Msg("chat request failed")
		respondCoachError(w, status, message, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleAnalyze returns a validated analysis, or 502 with the raw model
// output when it cannot be parsed.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.coach == nil {
		respondCoachError(w, http.StatusInternalServerError, "AI service is not configured", nil)
		return
	}
	var req coach.AnalyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondCoachError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}

	raw, err := s.coach.Analyze(r.Context(), req)
	if err != nil {
		status, message := coachErrorStatus(err)
		s.metrics.ProviderErrors.WithLabelValues("api_analyze", http.StatusText(status)).Inc()
		respondCoachError(w, status, message, err.Error())
		return
	}
	result, err := analysis.Parse(raw)
	if err != nil {
		s.metrics.ProviderErrors.WithLabelValues("api_analyze", "invalid_analysis").Inc()
		respondCoachError(w, http.StatusBadGateway, "analysis response was not valid", raw)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func coachErrorStatus(err error) (int, string) {
	var apiErr *coach.APIError
	switch {
	case errors.Is(err, coach.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, coach.ErrContentBlocked):
		return http.StatusUnprocessableEntity, "content blocked"
	case errors.Is(err, coach.ErrNotConfigured):
		return http.StatusInternalServerError, "AI service is not configured"
	case errors.As(err, &apiErr):
		return apiErr.Status, apiErr.Message
	default:
		return http.StatusInternalServerError, "AI service failed"
	}
}

func respondCoachError(w http.ResponseWriter, status int, message string, details any) {
	respondJSON(w, status, coach.ErrorBody{Error: message, Details: details})
}
