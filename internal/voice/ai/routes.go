package ai

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alicia-home/alicia/internal/httpapi"
	"github.com/alicia-home/alicia/internal/voice"
)

// Routes mounts the AI HTTP surface on r.
func (s *Service) Routes(r chi.Router, logger *slog.Logger) {
	r.Post("/complete", s.handleComplete(logger))
	r.Get("/limits", s.handleLimits(logger))
}

func (s *Service) handleComplete(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var j voice.AIJob
		if err := httpapi.DecodeJSON(r, &j); err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		result, err := s.Complete(r.Context(), j)
		if err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		httpapi.WriteJSON(w, result, logger)
	}
}

func (s *Service) handleLimits(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, s.Limits(), logger)
	}
}
