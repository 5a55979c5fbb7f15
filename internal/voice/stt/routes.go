package stt

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alicia-home/alicia/internal/httpapi"
	"github.com/alicia-home/alicia/internal/voice"
)

// Routes mounts the STT HTTP surface on r.
func (s *Service) Routes(r chi.Router, logger *slog.Logger) {
	r.Post("/transcribe", s.handleTranscribe(logger))
}

func (s *Service) handleTranscribe(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var j voice.STTJob
		if err := httpapi.DecodeJSON(r, &j); err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		result, err := s.Transcribe(r.Context(), j)
		if err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		httpapi.WriteJSON(w, result, logger)
	}
}
